package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/pairdb/walrelay/internal/config"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))
	return path
}

func TestLoadConfig_AppliesDefaultsForOmittedFields(t *testing.T) {
	path := writeConfig(t, `
wal:
  dir: /tmp/wal
`)
	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, config.ModeWrite, cfg.WAL.Mode)
	assert.EqualValues(t, 256*1024*1024, cfg.WAL.MaxSize)
	assert.EqualValues(t, 16384, cfg.WAL.RingCapacity)
	assert.Equal(t, 30*time.Second, cfg.WAL.ShutdownTimeout)
	assert.Equal(t, ":7601", cfg.Server.ReplicationAddr)
	assert.Equal(t, ":7602", cfg.Server.HealthAddr)
	assert.Equal(t, 8, cfg.Server.InitialJoinWorkers)
	assert.Equal(t, time.Second, cfg.Replication.Timeout)
	assert.Equal(t, 4*time.Second, cfg.Replication.DisconnectTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 9090, cfg.Metrics.Port)
}

func TestLoadConfig_PreservesExplicitValues(t *testing.T) {
	path := writeConfig(t, `
wal:
  mode: fsync
  dir: /var/lib/wal
  max_size: 1048576
server:
  instance_id: 7
  initial_join_workers: 2
replication:
  timeout: 500ms
`)
	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, config.ModeFsync, cfg.WAL.Mode)
	assert.EqualValues(t, 1048576, cfg.WAL.MaxSize)
	assert.EqualValues(t, 7, cfg.Server.InstanceID)
	assert.Equal(t, 2, cfg.Server.InitialJoinWorkers)
	assert.Equal(t, 500*time.Millisecond, cfg.Replication.Timeout)
	// DisconnectTimeout's default is derived from the explicit Timeout, not
	// the hardcoded 1s default.
	assert.Equal(t, 2*time.Second, cfg.Replication.DisconnectTimeout)
}

func TestLoadConfig_RejectsUnknownWALMode(t *testing.T) {
	path := writeConfig(t, `
wal:
  mode: bogus
  dir: /tmp/wal
`)
	_, err := config.LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfig_RejectsMissingWALDir(t *testing.T) {
	path := writeConfig(t, `
wal:
  mode: write
`)
	_, err := config.LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfig_ErrorsOnMissingFile(t *testing.T) {
	_, err := config.LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}

func TestLoadConfig_ErrorsOnMalformedYAML(t *testing.T) {
	path := writeConfig(t, "wal: [this is not a mapping")
	_, err := config.LoadConfig(path)
	assert.Error(t, err)
}
