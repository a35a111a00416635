// Package health reports the WAL writer and relay core's liveness and
// readiness, following the teacher's shape: a periodic checker with
// cached CheckResults, liveness/readiness booleans, and HTTP handlers
// for Kubernetes-style probes.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/walrelay/internal/model"
)

// WALStatus is the minimal view of the WAL a HealthChecker polls each
// cycle. *wal.WAL satisfies this without an import cycle back into
// internal/wal.
type WALStatus interface {
	InRollback() bool
	Broken() bool
	Dir() string
}

// RelayStatus is the minimal view of the relay Manager a HealthChecker
// polls each cycle.
type RelayStatus interface {
	AllStats() []Stats
}

// Stats mirrors the fields of relay.Stats the checker needs, avoiding a
// direct dependency on internal/relay's Relay/State types.
type Stats struct {
	ReplicaID   uint32
	FollowerLag int64
}

// HealthChecker performs periodic health checks for the WAL/relay core.
type HealthChecker struct {
	nodeID string
	wal    WALStatus
	relay  RelayStatus
	logger *zap.Logger

	mu          sync.RWMutex
	lastCheck   time.Time
	status      model.NodeStatus
	checks      map[string]CheckResult
	livenessOK  bool
	readinessOK bool
}

// CheckResult represents the result of a single health check.
type CheckResult struct {
	Name      string
	Status    string
	Message   string
	Timestamp time.Time
}

// HealthCheckConfig holds configuration for the health checker.
type HealthCheckConfig struct {
	NodeID string
}

// NewHealthChecker creates a new health checker polling wal and relay.
func NewHealthChecker(cfg *HealthCheckConfig, wal WALStatus, relay RelayStatus, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthChecker{
		nodeID:      cfg.NodeID,
		wal:         wal,
		relay:       relay,
		logger:      logger,
		checks:      make(map[string]CheckResult),
		livenessOK:  true,
		readinessOK: true,
		status:      model.NodeStatusHealthy,
	}
}

// Start runs periodic health checks until ctx is cancelled.
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	h.runHealthChecks()

	for {
		select {
		case <-ticker.C:
			h.runHealthChecks()
		case <-ctx.Done():
			h.logger.Info("health checker stopped")
			return
		}
	}
}

func (h *HealthChecker) runHealthChecks() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastCheck = time.Now()

	checks := []func() CheckResult{
		h.checkWALRollback,
		h.checkWALBroken,
		h.checkDiskSpace,
		h.checkFollowerLag,
	}

	allHealthy := true
	allReady := true

	for _, check := range checks {
		result := check()
		h.checks[result.Name] = result

		if result.Status != "healthy" {
			allHealthy = false
			if result.Status == "critical" {
				allReady = false
			}
		}
	}

	if !allHealthy {
		if !allReady {
			h.status = model.NodeStatusUnhealthy
		} else {
			h.status = model.NodeStatusDegraded
		}
	} else {
		h.status = model.NodeStatusHealthy
	}

	// Liveness only asks whether the process itself is responsive; a
	// wedged WAL is a readiness concern, not a liveness one — the
	// process should stay up so an operator can inspect it.
	h.livenessOK = true
	h.readinessOK = allReady

	h.logger.Debug("health check completed",
		zap.String("status", string(h.status)),
		zap.Bool("liveness", h.livenessOK),
		zap.Bool("readiness", h.readinessOK))
}

// checkWALRollback reports whether the WAL is mid-rollback. A rollback
// in progress is reported as a warning: it marks the check degraded but
// does not by itself clear readiness.
func (h *HealthChecker) checkWALRollback() CheckResult {
	if h.wal == nil {
		return CheckResult{Name: "wal_rollback", Status: "healthy", Message: "no WAL attached", Timestamp: time.Now()}
	}
	if h.wal.InRollback() {
		return CheckResult{
			Name:      "wal_rollback",
			Status:    "warning",
			Message:   "WAL is rolling back a failed batch",
			Timestamp: time.Now(),
		}
	}
	return CheckResult{Name: "wal_rollback", Status: "healthy", Message: "no rollback in progress", Timestamp: time.Now()}
}

// checkWALBroken reports whether the WAL has wedged after an
// unrecoverable batch failure. A broken WAL cannot accept further
// writes until an operator intervenes.
func (h *HealthChecker) checkWALBroken() CheckResult {
	if h.wal == nil {
		return CheckResult{Name: "wal_broken", Status: "healthy", Message: "no WAL attached", Timestamp: time.Now()}
	}
	if h.wal.Broken() {
		return CheckResult{
			Name:      "wal_broken",
			Status:    "critical",
			Message:   "WAL is wedged after an unrecoverable batch failure",
			Timestamp: time.Now(),
		}
	}
	return CheckResult{Name: "wal_broken", Status: "healthy", Message: "WAL accepting writes", Timestamp: time.Now()}
}

// checkDiskSpace checks the WAL directory's filesystem headroom.
func (h *HealthChecker) checkDiskSpace() CheckResult {
	if h.wal == nil {
		return CheckResult{Name: "disk_space", Status: "healthy", Message: "no WAL attached", Timestamp: time.Now()}
	}
	dir := h.wal.Dir()

	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return CheckResult{
			Name:      "disk_space",
			Status:    "critical",
			Message:   fmt.Sprintf("failed to stat WAL filesystem: %v", err),
			Timestamp: time.Now(),
		}
	}

	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bfree * uint64(stat.Bsize)
	if total == 0 {
		return CheckResult{Name: "disk_space", Status: "healthy", Message: "filesystem reports zero size", Timestamp: time.Now()}
	}
	used := total - free
	usagePercent := float64(used) / float64(total) * 100

	if usagePercent > 95 {
		return CheckResult{
			Name:      "disk_space",
			Status:    "critical",
			Message:   fmt.Sprintf("WAL disk usage critical: %.2f%%", usagePercent),
			Timestamp: time.Now(),
		}
	} else if usagePercent > 90 {
		return CheckResult{
			Name:      "disk_space",
			Status:    "warning",
			Message:   fmt.Sprintf("WAL disk usage high: %.2f%%", usagePercent),
			Timestamp: time.Now(),
		}
	}

	return CheckResult{
		Name:      "disk_space",
		Status:    "healthy",
		Message:   fmt.Sprintf("WAL disk usage: %.2f%%", usagePercent),
		Timestamp: time.Now(),
	}
}

// checkFollowerLag reports the furthest-behind connected follower.
func (h *HealthChecker) checkFollowerLag() CheckResult {
	if h.relay == nil {
		return CheckResult{Name: "follower_lag", Status: "healthy", Message: "no relay manager attached", Timestamp: time.Now()}
	}
	stats := h.relay.AllStats()
	var maxLag int64
	for _, s := range stats {
		if s.FollowerLag > maxLag {
			maxLag = s.FollowerLag
		}
	}

	if maxLag > 1_000_000 {
		return CheckResult{
			Name:      "follower_lag",
			Status:    "warning",
			Message:   fmt.Sprintf("furthest follower lag: %d rows", maxLag),
			Timestamp: time.Now(),
		}
	}
	return CheckResult{
		Name:      "follower_lag",
		Status:    "healthy",
		Message:   fmt.Sprintf("furthest follower lag: %d rows", maxLag),
		Timestamp: time.Now(),
	}
}

// IsLive returns whether the node is live (liveness probe).
func (h *HealthChecker) IsLive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.livenessOK
}

// IsReady returns whether the node is ready (readiness probe).
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// Snapshot returns the current WALHealth summary.
func (h *HealthChecker) Snapshot() model.WALHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	wh := model.WALHealth{
		Status:    h.status,
		Timestamp: h.lastCheck.Unix(),
	}
	if h.wal != nil {
		wh.InRollback = h.wal.InRollback()
	}
	if c, ok := h.checks["disk_space"]; ok {
		fmt.Sscanf(c.Message, "WAL disk usage: %f%%", &wh.DiskUsagePct)
	}
	if h.relay != nil {
		stats := h.relay.AllStats()
		wh.ActiveRelays = len(stats)
		for _, s := range stats {
			if s.FollowerLag > wh.MaxFollowerLag {
				wh.MaxFollowerLag = s.FollowerLag
			}
		}
	}
	return wh
}

// GetChecks returns a copy of every check's most recent result.
func (h *HealthChecker) GetChecks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}

// SetLiveness manually sets liveness status (for testing).
func (h *HealthChecker) SetLiveness(live bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.livenessOK = live
}

// SetReadiness manually sets readiness status (for graceful shutdown).
func (h *HealthChecker) SetReadiness(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessOK = ready
}

// LivenessHandler handles HTTP liveness probe requests.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	live := h.livenessOK
	h.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if !live {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"healthy": live})
}

// ReadinessHandler handles HTTP readiness probe requests.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	ready := h.readinessOK
	h.mu.RUnlock()
	snapshot := h.Snapshot()

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"ready":  ready,
		"status": snapshot.Status,
		"health": snapshot,
	})
}

// StartHealthServer starts the HTTP health check server.
func (h *HealthChecker) StartHealthServer(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", h.LivenessHandler)
	mux.HandleFunc("/health/ready", h.ReadinessHandler)

	h.logger.Info("starting health check HTTP server", zap.String("addr", addr))
	return http.ListenAndServe(addr, mux)
}
