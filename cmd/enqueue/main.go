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
		taskType    = flag.String("type", "", "task type (required)")
		paramsStr   = flag.String("params", "", "parameters as JSON string (required)")
		priority    = flag.Int("priority", 0, "priority, lower is claimed first")
		maxAttempts = flag.Int("max-attempts", 5, "attempt budget before dead-letter")
		idemKey     = flag.String("idempotency-key", "", "optional idempotency key")
		runAfter    = flag.String("run-after", "", "optional delay before first claim (e.g. 30s, 5m)")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s -type <type> -params '<json>' [flags]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if *taskType == "" || *paramsStr == "" {
		flag.Usage()
		os.Exit(2)
	}

	var params any
	if err := json.Unmarshal([]byte(*paramsStr), &params); err != nil {
		fmt.Fprintf(os.Stderr, "invalid params JSON: %v\n", err)
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

	opts := []queue.EnqueueOption{
		queue.WithPriority(*priority),
		queue.WithMaxAttempts(*maxAttempts),
	}
	if *idemKey != "" {
		opts = append(opts, queue.WithIdempotencyKey(*idemKey))
	}
	if *runAfter != "" {
		d, err := time.ParseDuration(*runAfter)
		if err != nil || d < 0 {
			fmt.Fprintf(os.Stderr, "invalid -run-after: %q\n", *runAfter)
			os.Exit(2)
		}
		opts = append(opts, queue.WithRunAfter(time.Now().UTC().Add(d)))
	}

	t, err := store.Enqueue(ctx, *taskType, params, opts...)
	if err != nil {
		fmt.Fprintln(os.Stderr, "enqueue failed:", err)
		os.Exit(1)
	}

	fmt.Printf(
		"enqueued task:\n"+
			"  id             = %d\n"+
			"  type           = %s\n"+
			"  status         = %s\n"+
			"  priority       = %d\n"+
			"  next_run_after = %s\n",
		t.ID, t.Type, t.Status, t.Priority, t.NextRunAfter.Format(time.RFC3339Nano),
	)
}
