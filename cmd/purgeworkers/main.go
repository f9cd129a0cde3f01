package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/feedforge/duroq/internal/config"
	"github.com/feedforge/duroq/internal/logger"
	"github.com/feedforge/duroq/internal/queue"
)

func main() {
	ctx := context.Background()

	olderThanStr := flag.String("older-than", "168h", "Delete workers with heartbeats older than this and no in-flight task (e.g., 24h, 168h)")
	flag.Parse()

	olderThan, err := time.ParseDuration(*olderThanStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -older-than: %v\n", err)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	store, err := queue.Open(cfg.DBPath, logger.Setup(cfg.LogLevel))
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	defer store.Close()

	n, err := store.PurgeStaleWorkers(ctx, olderThan)
	if err != nil {
		fmt.Fprintln(os.Stderr, "purge error:", err)
		os.Exit(1)
	}
	fmt.Printf("purge-workers: deleted %d stale unreferenced worker(s)\n", n)
}
