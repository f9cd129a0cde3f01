package main

import (
	"context"
	"encoding/json"
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

	var (
		status   = flag.String("status", "all", "status filter: queued | claimed | processing | completed | failed | dead_letter | cancelled | all")
		taskType = flag.String("type", "", "task type filter")
		limit    = flag.Int("limit", 50, "maximum number of tasks to list (max 500)")
		asJSON   = flag.Bool("json", false, "output as JSON")
	)
	flag.Parse()

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

	tasks, err := store.List(ctx, *status, *taskType, *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", " ")
		_ = enc.Encode(tasks)
		return
	}

	fmt.Printf("Listing %d task(s) (status=%s)\n\n", len(tasks), *status)
	fmt.Printf("%-8s  %-16s  %-8s  %-11s  %-26s  %s\n", "ID", "TYPE", "ATTEMPT", "STATUS", "NEXT_RUN_AFTER", "LAST_ERROR")
	fmt.Println("-----------------------------------------------------------------------------------------------")
	for _, t := range tasks {
		lastErr := ""
		if t.LastError != nil {
			lastErr = *t.LastError
		}
		fmt.Printf(
			"%-8d  %-16s  %8d  %-11s  %-26s  %s\n",
			t.ID,
			t.Type,
			t.Attempts,
			t.Status,
			t.NextRunAfter.UTC().Format(time.RFC3339),
			lastErr,
		)
	}
}
