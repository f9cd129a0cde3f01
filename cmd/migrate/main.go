package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/feedforge/duroq/internal/config"
	"github.com/feedforge/duroq/internal/logger"
	"github.com/feedforge/duroq/internal/migrate"
	"github.com/feedforge/duroq/internal/queue"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [flags]

Commands:
  migrate            apply all pending migrations
  rollback           revert applied migrations (see -steps)
  status             show the migration ledger
  list               show the registered migration sequence

Flags:
`, os.Args[0])
	flag.PrintDefaults()
}

func main() {
	steps := flag.Int("steps", 1, "number of migrations to roll back")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}
	command := flag.Arg(0)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	lg := logger.Setup(cfg.LogLevel)

	store, err := queue.Open(cfg.DBPath, lg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	defer store.Close()

	mgr, err := migrate.NewManager(store.DB, lg, migrate.All())
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	ctx := context.Background()
	switch command {
	case "migrate":
		if err := mgr.MigrateToLatest(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "migrate failed:", err)
			os.Exit(1)
		}
		version, _ := mgr.CurrentVersion(ctx)
		fmt.Printf("migrated to version %d\n", version)
	case "rollback":
		if *steps < 1 {
			fmt.Fprintln(os.Stderr, "error: -steps must be at least 1")
			os.Exit(2)
		}
		if err := mgr.Rollback(ctx, *steps); err != nil {
			fmt.Fprintln(os.Stderr, "rollback failed:", err)
			os.Exit(1)
		}
		version, _ := mgr.CurrentVersion(ctx)
		fmt.Printf("rolled back %d step(s), now at version %d\n", *steps, version)
	case "status":
		records, err := mgr.History(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "status failed:", err)
			os.Exit(1)
		}
		fmt.Printf("%-8s  %-8s  %-26s  %s\n", "VERSION", "APPLIED", "APPLIED_AT", "DESCRIPTION")
		for _, r := range records {
			appliedAt := "-"
			if r.AppliedAt != nil {
				appliedAt = r.AppliedAt.UTC().Format(time.RFC3339)
			}
			fmt.Printf("%-8d  %-8v  %-26s  %s\n", r.Version, r.Applied, appliedAt, r.Description)
		}
	case "list":
		for _, m := range mgr.Registered() {
			fmt.Printf("%-8d  %s\n", m.Version, m.Description)
		}
	default:
		usage()
		os.Exit(2)
	}
}
