package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedforge/duroq/internal/queue"
)

func seedObservations(t *testing.T, store *queue.Store) {
	t.Helper()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.Enqueue(ctx, "scrape_channel", map[string]any{"n": i})
		require.NoError(t, err)
	}
	_, err := store.Enqueue(ctx, "search_keyword", nil)
	require.NoError(t, err)

	// Drive one task to completed and one to dead_letter.
	done, err := store.Enqueue(ctx, "render_title", nil)
	require.NoError(t, err)
	claimed, err := store.Claim(ctx, "w1", []string{"render_title"}, 10*time.Second, queue.OrderFIFO)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, store.MarkProcessing(ctx, done.ID, "w1"))
	require.NoError(t, store.Complete(ctx, done.ID, "w1"))

	doomed, err := store.Enqueue(ctx, "render_title", nil, queue.WithMaxAttempts(1))
	require.NoError(t, err)
	claimed, err = store.Claim(ctx, "w1", []string{"render_title"}, 10*time.Second, queue.OrderFIFO)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	dead, err := store.Fail(ctx, doomed.ID, "w1", errors.New("render crashed"), fastRetry())
	require.NoError(t, err)
	require.True(t, dead)
}

func TestDepthAggregates(t *testing.T) {
	store := setupTestStore(t)
	seedObservations(t, store)
	ctx := context.Background()

	byStatus, err := store.DepthByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), byStatus[queue.StatusQueued])
	assert.Equal(t, int64(1), byStatus[queue.StatusCompleted])
	assert.Equal(t, int64(1), byStatus[queue.StatusDeadLetter])

	byType, err := store.DepthByType(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), byType["scrape_channel"])
	assert.Equal(t, int64(1), byType["search_keyword"])
	assert.NotContains(t, byType, "render_title", "only queued tasks count toward depth")
}

func TestOldestQueuedAge(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, ok, err := store.OldestQueuedAge(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "empty queue has no oldest task")

	_, err = store.Enqueue(ctx, "echo", nil)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	age, ok, err := store.OldestQueuedAge(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.GreaterOrEqual(t, age, 10*time.Millisecond)
}

func TestThroughputAndRates(t *testing.T) {
	store := setupTestStore(t)
	seedObservations(t, store)
	ctx := context.Background()

	n, err := store.Throughput(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	succ, fail, err := store.SuccessFailureRate(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), succ)
	assert.Equal(t, int64(1), fail, "the dead-letter counts as a failure")

	n, err = store.Throughput(ctx, time.Nanosecond)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing completed inside a zero-width window")
}

func TestActiveAndStaleWorkers(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertWorker(ctx, "w-live", []string{"echo"}, nil))
	require.NoError(t, store.UpsertWorker(ctx, "w-old", []string{"echo"}, nil))

	// Age one heartbeat artificially.
	require.NoError(t, store.DB.Exec(
		`UPDATE workers SET heartbeat_at = ? WHERE worker_id = ?`,
		time.Now().UTC().Add(-time.Hour), "w-old",
	).Error)

	active, err := store.ActiveWorkers(ctx, time.Minute)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "w-live", active[0].WorkerID)

	stale, err := store.StaleWorkers(ctx, time.Minute)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "w-old", stale[0].WorkerID)
}
