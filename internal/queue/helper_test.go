package queue_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/feedforge/duroq/internal/migrate"
	"github.com/feedforge/duroq/internal/queue"
)

// setupTestStore opens a fresh single-file database in a temp dir and applies
// the full migration sequence.
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

// fastRetry is a retry policy with near-zero backoff so requeued tasks are
// immediately claimable again in tests.
func fastRetry() queue.RetryPolicy {
	return queue.RetryPolicy{
		BaseDelay: 1,
		MaxDelay:  2,
		Classify:  queue.DefaultClassifier,
	}
}
