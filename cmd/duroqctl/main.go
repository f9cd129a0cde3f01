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

	id := flag.Int64("id", 0, "task id (required)")
	pauseFor := flag.String("pause-for", "", "duration to pause (e.g. 15m, 1h). If set, pauses the task")
	resume := flag.Bool("resume", false, "resume a paused task")
	cancel := flag.Bool("cancel", false, "cancel a queued or claimed task")
	requeue := flag.Bool("requeue", false, "re-enqueue a dead-lettered task as a fresh copy")

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s -id <task_id> [ -pause-for <duration> | -resume | -cancel | -requeue ]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *id == 0 {
		flag.Usage()
		os.Exit(2)
	}

	actions := 0
	if *pauseFor != "" {
		actions++
	}
	if *resume {
		actions++
	}
	if *cancel {
		actions++
	}
	if *requeue {
		actions++
	}
	if actions != 1 {
		fmt.Fprintln(os.Stderr, "error: exactly one of -pause-for, -resume, -cancel, -requeue must be specified")
		flag.Usage()
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

	switch {
	case *pauseFor != "":
		dur, err := time.ParseDuration(*pauseFor)
		if err != nil || dur <= 0 {
			fmt.Fprintf(os.Stderr, "invalid -pause-for duration: %q\n", *pauseFor)
			os.Exit(2)
		}
		until := time.Now().UTC().Add(dur)
		if err := store.Pause(ctx, *id, until); err != nil {
			fmt.Fprintln(os.Stderr, "pause error:", err)
			os.Exit(1)
		}
		fmt.Printf("paused task %d until %s\n", *id, until.Format(time.RFC3339Nano))
	case *resume:
		if err := store.Resume(ctx, *id); err != nil {
			fmt.Fprintln(os.Stderr, "resume error:", err)
			os.Exit(1)
		}
		fmt.Printf("resumed task %d\n", *id)
	case *cancel:
		if err := store.Cancel(ctx, *id); err != nil {
			fmt.Fprintln(os.Stderr, "cancel error:", err)
			os.Exit(1)
		}
		fmt.Printf("cancelled task %d\n", *id)
	case *requeue:
		copyTask, err := store.Requeue(ctx, *id)
		if err != nil {
			fmt.Fprintln(os.Stderr, "requeue error:", err)
			os.Exit(1)
		}
		fmt.Printf("requeued task %d as %d\n", *id, copyTask.ID)
	}
}
