package worker_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedforge/duroq/internal/migrate"
	"github.com/feedforge/duroq/internal/queue"
	"github.com/feedforge/duroq/internal/worker"
)

func setupTestStore(t *testing.T) *queue.Store {
	t.Helper()
	lg := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	store, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"), lg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mgr, err := migrate.NewManager(store.DB, lg, migrate.All())
	require.NoError(t, err)
	require.NoError(t, mgr.MigrateToLatest(context.Background()))
	return store
}

func testConfig() worker.Config {
	cfg := worker.DefaultConfig()
	cfg.LeaseDuration = 5 * time.Second
	cfg.Retry = queue.RetryPolicy{
		BaseDelay: time.Millisecond,
		MaxDelay:  2 * time.Millisecond,
		Classify:  queue.DefaultClassifier,
	}
	return cfg
}

func TestRunOnceIdleWhenQueueEmpty(t *testing.T) {
	store := setupTestStore(t)
	rt := worker.New(store, worker.Registry{"echo": worker.EchoHandler}, testConfig(), nil)

	outcome, err := rt.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, worker.OutcomeIdle, outcome)
}

func TestRunOnceCompletesTask(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	var gotParams []byte
	registry := worker.Registry{}
	registry.Register("echo", func(ctx context.Context, parameters []byte) error {
		gotParams = parameters
		return nil
	})
	rt := worker.New(store, registry, testConfig(), nil)

	task, err := store.Enqueue(ctx, "echo", map[string]any{"x": 1})
	require.NoError(t, err)

	outcome, err := rt.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, worker.OutcomeCompleted, outcome)
	assert.JSONEq(t, `{"x":1}`, string(gotParams))

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.FinishedAt)
}

func TestRetryThenSucceedRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	calls := 0
	registry := worker.Registry{}
	registry.Register("echo", func(ctx context.Context, parameters []byte) error {
		calls++
		if calls < 3 {
			return errors.New("transient upstream error")
		}
		return nil
	})
	rt := worker.New(store, registry, testConfig(), nil)

	task, err := store.Enqueue(ctx, "echo", map[string]any{"x": 1}, queue.WithMaxAttempts(3))
	require.NoError(t, err)

	var outcomes []worker.Outcome
	deadline := time.Now().Add(5 * time.Second)
	for len(outcomes) < 3 && time.Now().Before(deadline) {
		outcome, err := rt.RunOnce(ctx)
		require.NoError(t, err)
		if outcome == worker.OutcomeIdle {
			// Waiting out the retry backoff.
			time.Sleep(5 * time.Millisecond)
			continue
		}
		outcomes = append(outcomes, outcome)
	}

	require.Equal(t, []worker.Outcome{worker.OutcomeFailed, worker.OutcomeFailed, worker.OutcomeCompleted}, outcomes)

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, got.Status, "task is not dead-lettered")
	assert.Equal(t, 3, got.Attempts, "two failures plus the successful attempt")
}

func TestAlwaysFailingTaskDeadLetters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	registry := worker.Registry{}
	registry.Register("echo", func(ctx context.Context, parameters []byte) error {
		return errors.New("scrape blocked")
	})
	rt := worker.New(store, registry, testConfig(), nil)

	task, err := store.Enqueue(ctx, "echo", nil, queue.WithMaxAttempts(2))
	require.NoError(t, err)

	failures := 0
	deadline := time.Now().Add(5 * time.Second)
	for failures < 2 && time.Now().Before(deadline) {
		outcome, err := rt.RunOnce(ctx)
		require.NoError(t, err)
		if outcome == worker.OutcomeFailed {
			failures++
			continue
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 2, failures)

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusDeadLetter, got.Status)
	assert.Equal(t, got.MaxAttempts, got.Attempts)
	require.NotNil(t, got.LastError)
	assert.NotEmpty(t, *got.LastError)
}

func TestHandlerPanicIsContained(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	registry := worker.Registry{}
	registry.Register("echo", func(ctx context.Context, parameters []byte) error {
		panic("handler bug")
	})
	rt := worker.New(store, registry, testConfig(), nil)

	task, err := store.Enqueue(ctx, "echo", nil, queue.WithMaxAttempts(3))
	require.NoError(t, err)

	outcome, err := rt.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, worker.OutcomeFailed, outcome)

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, got.Status, "panic is treated as a retryable failure")
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "handler panic")
}

func TestRunOnceHeartbeatsWorker(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rt := worker.New(store, worker.Registry{"echo": worker.EchoHandler}, testConfig(), nil)
	_, err := rt.RunOnce(ctx)
	require.NoError(t, err)

	active, err := store.ActiveWorkers(ctx, time.Minute)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, rt.ID(), active[0].WorkerID)
	assert.Contains(t, active[0].Capabilities, "echo")
}

func TestRegistryTypesSorted(t *testing.T) {
	registry := worker.Registry{
		"scrape_channel": worker.EchoHandler,
		"echo":           worker.EchoHandler,
		"search_keyword": worker.EchoHandler,
	}
	assert.Equal(t, []string{"echo", "scrape_channel", "search_keyword"}, registry.Types())
}

func TestCountersTrackOutcomes(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	registry := worker.Registry{}
	registry.Register("echo", func(ctx context.Context, parameters []byte) error {
		return queue.Permanent(errors.New("bad parameters"))
	})
	rt := worker.New(store, registry, testConfig(), nil)

	_, err := store.Enqueue(ctx, "echo", nil)
	require.NoError(t, err)

	outcome, err := rt.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, worker.OutcomeFailed, outcome)

	snap := rt.Counters().Snapshot()
	assert.Equal(t, uint64(1), snap.Claimed)
	assert.Equal(t, uint64(1), snap.Failed)
	assert.Equal(t, uint64(1), snap.DeadLettered)
	assert.Zero(t, snap.Completed)
}
