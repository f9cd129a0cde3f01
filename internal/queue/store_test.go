package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedforge/duroq/internal/events"
	"github.com/feedforge/duroq/internal/queue"
)

func TestEnqueueDefaults(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	task, err := store.Enqueue(ctx, "scrape_channel", map[string]any{"channel": "c42"})
	require.NoError(t, err)

	assert.NotZero(t, task.ID)
	assert.Equal(t, queue.StatusQueued, task.Status)
	assert.Equal(t, 0, task.Attempts)
	assert.Equal(t, 5, task.MaxAttempts)
	assert.Equal(t, 0, task.Priority)
	assert.Nil(t, task.LockedBy)
	assert.Nil(t, task.LeaseExpiresAt)
	assert.False(t, task.NextRunAfter.After(time.Now().UTC()))
}

func TestEnqueueValidation(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, "", nil)
	var ve *queue.ValidationError
	require.ErrorAs(t, err, &ve)

	_, err = store.Enqueue(ctx, "scrape_channel", nil, queue.WithMaxAttempts(0))
	require.ErrorAs(t, err, &ve)
}

func TestEnqueueIdempotencyKey(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first, err := store.Enqueue(ctx, "scrape_channel", map[string]any{"n": 1}, queue.WithIdempotencyKey("job-1"))
	require.NoError(t, err)
	second, err := store.Enqueue(ctx, "scrape_channel", map[string]any{"n": 1}, queue.WithIdempotencyKey("job-1"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "duplicate enqueue must return the existing task")

	tasks, err := store.List(ctx, queue.StatusQueued, "scrape_channel", 10)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestGetAndStatus(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, 9999)
	assert.ErrorIs(t, err, queue.ErrNotFound)

	task, err := store.Enqueue(ctx, "echo", map[string]any{"x": 1})
	require.NoError(t, err)

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, "echo", got.Type)

	status, err := store.GetStatus(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, status)
}

func TestListFilters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, "scrape_channel", nil)
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, "search_keyword", nil)
	require.NoError(t, err)
	cancelled, err := store.Enqueue(ctx, "search_keyword", nil)
	require.NoError(t, err)
	require.NoError(t, store.Cancel(ctx, cancelled.ID))

	all, err := store.List(ctx, "all", "", 50)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	queued, err := store.List(ctx, queue.StatusQueued, "", 50)
	require.NoError(t, err)
	assert.Len(t, queued, 2)

	byType, err := store.List(ctx, "", "search_keyword", 50)
	require.NoError(t, err)
	assert.Len(t, byType, 2)

	both, err := store.List(ctx, queue.StatusQueued, "search_keyword", 50)
	require.NoError(t, err)
	assert.Len(t, both, 1)
}

func TestCancelOnlyQueuedOrClaimed(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	task, err := store.Enqueue(ctx, "echo", nil)
	require.NoError(t, err)
	require.NoError(t, store.Cancel(ctx, task.ID))

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCancelled, got.Status)

	// Cancelled tasks are not claimable.
	claimed, err := store.Claim(ctx, "w1", []string{"echo"}, 10*time.Second, queue.OrderFIFO)
	require.NoError(t, err)
	assert.Nil(t, claimed)

	// A task past the claimed state cannot be cancelled.
	task2, err := store.Enqueue(ctx, "echo", nil)
	require.NoError(t, err)
	claimed, err = store.Claim(ctx, "w1", []string{"echo"}, 10*time.Second, queue.OrderFIFO)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, task2.ID, claimed.ID)
	require.NoError(t, store.MarkProcessing(ctx, task2.ID, "w1"))

	err = store.Cancel(ctx, task2.ID)
	assert.ErrorIs(t, err, queue.ErrNotCancellable)
}

func TestPauseResumeAffectsClaiming(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	task, err := store.Enqueue(ctx, "echo", nil)
	require.NoError(t, err)

	until := time.Now().UTC().Add(10 * time.Minute)
	require.NoError(t, store.Pause(ctx, task.ID, until))

	claimed, err := store.Claim(ctx, "w1", []string{"echo"}, 10*time.Second, queue.OrderFIFO)
	require.NoError(t, err)
	assert.Nil(t, claimed, "paused task must not be claimable")

	require.NoError(t, store.Resume(ctx, task.ID))

	claimed, err = store.Claim(ctx, "w1", []string{"echo"}, 10*time.Second, queue.OrderFIFO)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, task.ID, claimed.ID)
}

func TestRequeueDeadLetteredTask(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	task, err := store.Enqueue(ctx, "echo", map[string]any{"x": 1}, queue.WithMaxAttempts(1), queue.WithPriority(3))
	require.NoError(t, err)

	// Requeue before dead-letter is rejected.
	_, err = store.Requeue(ctx, task.ID)
	assert.ErrorIs(t, err, queue.ErrNotDeadLettered)

	claimed, err := store.Claim(ctx, "w1", []string{"echo"}, 10*time.Second, queue.OrderFIFO)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	dead, err := store.Fail(ctx, task.ID, "w1", assert.AnError, fastRetry())
	require.NoError(t, err)
	require.True(t, dead)

	copyTask, err := store.Requeue(ctx, task.ID)
	require.NoError(t, err)
	assert.NotEqual(t, task.ID, copyTask.ID)
	assert.Equal(t, queue.StatusQueued, copyTask.Status)
	assert.Equal(t, 0, copyTask.Attempts)
	assert.Equal(t, task.Type, copyTask.Type)
	assert.Equal(t, 3, copyTask.Priority)

	// Original stays terminal.
	orig, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusDeadLetter, orig.Status)
}

func TestWorkerUpsertAndPurge(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertWorker(ctx, "w1", []string{"echo"}, nil))
	require.NoError(t, store.UpsertWorker(ctx, "w1", []string{"echo", "scrape_channel"}, nil))

	active, err := store.ActiveWorkers(ctx, time.Minute)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Contains(t, active[0].Capabilities, "scrape_channel")

	// Fresh heartbeat: purge with a zero cutoff removes it, a long one keeps it.
	n, err := store.PurgeStaleWorkers(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = store.PurgeStaleWorkers(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestTaskLogsAppended(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	task, err := store.Enqueue(ctx, "echo", nil)
	require.NoError(t, err)
	claimed, err := store.Claim(ctx, "w1", []string{"echo"}, 10*time.Second, queue.OrderFIFO)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, store.MarkProcessing(ctx, task.ID, "w1"))
	require.NoError(t, store.Complete(ctx, task.ID, "w1"))

	logs, err := store.Logs(ctx, task.ID, 50)
	require.NoError(t, err)

	messages := make([]string, 0, len(logs))
	for _, l := range logs {
		messages = append(messages, l.Message)
	}
	assert.Equal(t, []string{"enqueued", "claimed", "processing", "completed"}, messages)
}

func TestEventHubMirrorsTransitions(t *testing.T) {
	store := setupTestStore(t)
	hub := events.NewHub(16)
	store.SetEventHub(hub)
	ctx := context.Background()

	task, err := store.Enqueue(ctx, "echo", nil)
	require.NoError(t, err)

	ch, cancel := hub.Subscribe(task.ID)
	defer cancel()

	claimed, err := store.Claim(ctx, "w1", []string{"echo"}, 10*time.Second, queue.OrderFIFO)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, store.MarkProcessing(ctx, task.ID, "w1"))
	require.NoError(t, store.Complete(ctx, task.ID, "w1"))

	var kinds []string
drain:
	for {
		select {
		case ev := <-ch:
			assert.Equal(t, task.ID, ev.TaskID)
			kinds = append(kinds, ev.Kind)
		default:
			break drain
		}
	}
	assert.Equal(t, []string{"claimed", "processing", "completed"}, kinds)
}
