package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/feedforge/duroq/internal/config"
	"github.com/feedforge/duroq/internal/logger"
	"github.com/feedforge/duroq/internal/metrics"
	"github.com/feedforge/duroq/internal/migrate"
	"github.com/feedforge/duroq/internal/queue"
	"github.com/feedforge/duroq/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	lg := logger.Setup(cfg.LogLevel)

	store, err := queue.Open(cfg.DBPath, lg)
	if err != nil {
		lg.Error("store open failed", "db_path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// Schema must match before any claim runs; a migration failure is fatal.
	mgr, err := migrate.NewManager(store.DB, lg, migrate.All())
	if err != nil {
		lg.Error("migration manager init failed", "error", err)
		os.Exit(1)
	}
	if err := mgr.MigrateToLatest(ctx); err != nil {
		lg.Error("migration failed, refusing to start", "error", err)
		os.Exit(1)
	}

	registry := worker.Registry{}
	registry.Register("echo", worker.EchoHandler)

	rt := worker.New(store, registry, worker.Config{
		LeaseDuration:     cfg.LeaseDuration,
		HeartbeatInterval: cfg.HeartbeatInterval,
		IdleInterval:      cfg.IdleInterval,
		Order:             cfg.Ordering(),
		Retry:             cfg.RetryPolicy(),
	}, lg)

	stopMetrics := metrics.Every(10*time.Second, func() {
		s := rt.Counters().Snapshot()
		lg.Info("worker counters",
			"claimed", s.Claimed,
			"completed", s.Completed,
			"failed", s.Failed,
			"requeued", s.Requeued,
			"dead_lettered", s.DeadLettered)
	})
	defer stopMetrics()

	_ = rt.Run(ctx)
}
