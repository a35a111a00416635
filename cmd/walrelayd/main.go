package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/walrelay/internal/config"
	"github.com/devrev/pairdb/walrelay/internal/health"
	"github.com/devrev/pairdb/walrelay/internal/metrics"
	"github.com/devrev/pairdb/walrelay/internal/relay"
	"github.com/devrev/pairdb/walrelay/internal/server"
	"github.com/devrev/pairdb/walrelay/internal/util/workerpool"
	"github.com/devrev/pairdb/walrelay/internal/wal"
)

func main() {
	logger, err := initLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	if err := os.MkdirAll(cfg.WAL.Dir, 0755); err != nil {
		logger.Fatal("failed to create WAL directory", zap.Error(err))
	}

	m := metrics.NewMetrics(cfg.WAL.InstanceUUID)

	w, err := wal.Open(wal.Options{
		Config:     cfg.WAL,
		Injection:  cfg.Injection,
		InstanceID: cfg.Server.InstanceID,
		Logger:     logger,
		Metrics:    m,
	})
	if err != nil {
		logger.Fatal("failed to open WAL", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go w.Run(ctx)

	manager := relay.NewManager(relay.Source{Ring: w.Ring(), Dir: w.Index()}, w, logger)

	joinPool := workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "relay-initial-join",
		MaxWorkers: cfg.Server.InitialJoinWorkers,
		Logger:     logger,
	})
	manager.SetWorkerPool(joinPool)
	defer joinPool.Stop(cfg.WAL.ShutdownTimeout)

	healthChecker := health.NewHealthChecker(&health.HealthCheckConfig{
		NodeID: fmt.Sprintf("%d", cfg.Server.InstanceID),
	}, w, managerAdapter{m: manager, wal: w, instanceID: cfg.Server.InstanceID}, logger)
	go healthChecker.Start(ctx)
	go func() {
		if err := healthChecker.StartHealthServer(cfg.Server.HealthAddr); err != nil {
			logger.Error("health server stopped", zap.Error(err))
		}
	}()

	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewServer(metrics.ServerConfig{Port: cfg.Metrics.Port, Path: cfg.Metrics.Path}, logger)
		metricsServer.Start()
		defer metricsServer.Stop()
	}

	srv := server.New(manager, cfg.Replication, cfg.Injection, logger)

	logger.Info("walrelayd starting",
		zap.Uint32("instance_id", cfg.Server.InstanceID),
		zap.String("replication_addr", cfg.Server.ReplicationAddr),
		zap.String("wal_dir", cfg.WAL.Dir))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx, cfg.Server.ReplicationAddr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("replication server stopped", zap.Error(err))
		}
	}

	cancel()
	srv.Close()
	manager.Shutdown()

	syncCtx, syncCancel := context.WithTimeout(context.Background(), cfg.WAL.ShutdownTimeout)
	defer syncCancel()
	if err := w.Sync(syncCtx); err != nil {
		logger.Error("final sync failed", zap.Error(err))
	}
}

// managerAdapter narrows relay.Manager.AllStats to health.RelayStatus's
// smaller Stats shape, keeping the health package free of a direct
// dependency on internal/relay. Lag is measured against this instance's
// own position in its own VClock component, the same quantity the
// matrix clock GC horizon is built from.
type managerAdapter struct {
	m          *relay.Manager
	wal        *wal.WAL
	instanceID uint32
}

func (a managerAdapter) AllStats() []health.Stats {
	stats := a.m.AllStats()
	localLSN := a.wal.VClock().Get(a.instanceID)

	out := make([]health.Stats, 0, len(stats))
	for _, s := range stats {
		out = append(out, health.Stats{
			ReplicaID:   s.ReplicaID,
			FollowerLag: localLSN - s.FollowerVClock.Get(a.instanceID),
		})
	}
	return out
}

func initLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	return cfg.Build()
}
