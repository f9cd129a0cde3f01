package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"time"

	"github.com/feedforge/duroq/internal/config"
	"github.com/feedforge/duroq/internal/logger"
	"github.com/feedforge/duroq/internal/queue"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	store, err := queue.Open(cfg.DBPath, logger.Setup("error"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	defer store.Close()

	fmt.Println("monitor: starting (Ctrl-C to exit)")
	run(ctx, store, cfg.StaleAfter)
	fmt.Println("monitor: stopped")
}

// run renders a simple screen from the read-only observability queries and
// refreshes once a second.
func run(ctx context.Context, store *queue.Store, staleAfter time.Duration) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Clear screen (ANSI) and redraw
			fmt.Print("\033[2J\033[H")
			fmt.Println("duroq - Queue Snapshot")
			fmt.Println(time.Now().UTC().Format(time.RFC3339))
			fmt.Println()

			depth, err := store.DepthByStatus(ctx)
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			for _, status := range []string{
				queue.StatusQueued, queue.StatusClaimed, queue.StatusProcessing,
				queue.StatusCompleted, queue.StatusDeadLetter, queue.StatusCancelled,
			} {
				fmt.Printf("%-12s : %d\n", status, depth[status])
			}

			fmt.Println()
			byType, err := store.DepthByType(ctx)
			if err == nil && len(byType) > 0 {
				types := make([]string, 0, len(byType))
				for t := range byType {
					types = append(types, t)
				}
				sort.Strings(types)
				fmt.Println("Queued by type:")
				for _, t := range types {
					fmt.Printf("  %-16s : %d\n", t, byType[t])
				}
				fmt.Println()
			}

			if age, ok, err := store.OldestQueuedAge(ctx); err == nil && ok {
				fmt.Printf("Oldest queued    : %s\n", age.Truncate(time.Second))
			}
			if n, err := store.Throughput(ctx, time.Minute); err == nil {
				fmt.Printf("Completed (1m)   : %d\n", n)
			}
			if succ, fail, err := store.SuccessFailureRate(ctx, time.Minute); err == nil {
				fmt.Printf("Success/Fail (1m): %d / %d\n", succ, fail)
			}
			if active, err := store.ActiveWorkers(ctx, staleAfter); err == nil {
				fmt.Printf("Active workers   : %d\n", len(active))
			}
			if stale, err := store.StaleWorkers(ctx, staleAfter); err == nil {
				fmt.Printf("Stale workers    : %d\n", len(stale))
			}

			fmt.Println()
			fmt.Println("Press Ctrl-C to exit")
		}
	}
}
