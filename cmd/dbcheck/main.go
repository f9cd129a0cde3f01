package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/feedforge/duroq/internal/config"
	"github.com/feedforge/duroq/internal/logger"
	"github.com/feedforge/duroq/internal/migrate"
	"github.com/feedforge/duroq/internal/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	lg := logger.Setup("error")

	store, err := queue.Open(cfg.DBPath, lg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open failed:", err)
		os.Exit(1)
	}
	defer store.Close()

	sqlDB, err := store.DB.DB()
	if err != nil {
		fmt.Fprintln(os.Stderr, "db handle error:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "ping failed:", err)
		os.Exit(1)
	}

	mgr, err := migrate.NewManager(store.DB, lg, migrate.All())
	if err != nil {
		fmt.Fprintln(os.Stderr, "migration manager error:", err)
		os.Exit(1)
	}
	version, err := mgr.CurrentVersion(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "version read error:", err)
		os.Exit(1)
	}

	fmt.Printf("duroq: DB OK (%s), schema version %d\n", cfg.DBPath, version)
}
