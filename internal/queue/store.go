package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/feedforge/duroq/internal/events"
)

// Write-retry budget for SQLITE_BUSY-class contention. Exhausting it on the
// claim path surfaces ErrClaimTimeout; on other mutations the last
// StorageError is returned.
const (
	writeRetryAttempts = 5
	writeRetryBase     = 20 * time.Millisecond
)

// Store owns the task_queue, workers, task_logs and migration_history rows.
// All mutations run under SQLite immediate (write-intent) transactions so
// read-modify-write sequences never interleave.
type Store struct {
	DB     *gorm.DB
	log    *slog.Logger
	events *events.Hub
}

// DSN builds the SQLite connection string for a database file. WAL keeps
// readers off the writer's back, busy_timeout bounds lock waits, and
// _txlock=immediate makes every transaction take the write lock at BEGIN.
func DSN(path string) string {
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on", path)
}

// Open opens (creating if needed) the single-file queue database.
// It does not create the schema; run the migration manager first.
func Open(path string, lg *slog.Logger) (*Store, error) {
	if lg == nil {
		lg = slog.Default()
	}

	// Quiet gorm logger that ignores record-not-found and only logs errors.
	gormLogger := logger.New(
		log.New(os.Stdout, "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Error,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(sqlite.Open(DSN(path)), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, storageErr("open", err)
	}

	// SQLite allows one writer; a single pooled connection keeps our own
	// goroutines from fighting each other for it.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, storageErr("open", err)
	}
	sqlDB.SetMaxOpenConns(1)

	return &Store{DB: db, log: lg}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return storageErr("close", err)
	}
	return sqlDB.Close()
}

// withWriteRetry runs fn, retrying with bounded exponential backoff and
// jitter when SQLite reports write contention.
func (s *Store) withWriteRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for i := 0; i < writeRetryAttempts; i++ {
		if err = fn(); err == nil || !isBusy(err) {
			return err
		}
		delay := writeRetryBase << i
		delay += time.Duration(rand.Int63n(int64(delay)/2 + 1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return storageErr(op, err)
}

// Options for Enqueue

type enqueueConfig struct {
	Priority       int
	MaxAttempts    int
	NextRunAfter   time.Time
	IdempotencyKey *string
}

type EnqueueOption func(*enqueueConfig)

// WithPriority sets the task priority. Lower values are claimed first.
func WithPriority(p int) EnqueueOption {
	return func(ec *enqueueConfig) { ec.Priority = p }
}

func WithMaxAttempts(n int) EnqueueOption {
	return func(ec *enqueueConfig) { ec.MaxAttempts = n }
}

// WithRunAfter delays the first claim of the task until the given time.
func WithRunAfter(t time.Time) EnqueueOption {
	return func(ec *enqueueConfig) { ec.NextRunAfter = t.UTC() }
}

// WithIdempotencyKey makes the enqueue idempotent: a second enqueue with the
// same key returns the existing task instead of inserting a duplicate.
func WithIdempotencyKey(k string) EnqueueOption {
	return func(ec *enqueueConfig) { ec.IdempotencyKey = &k }
}

// Enqueue inserts a new queued task and returns it.
func (s *Store) Enqueue(ctx context.Context, taskType string, parameters any, opts ...EnqueueOption) (*Task, error) {
	if taskType == "" {
		return nil, &ValidationError{Field: "type", Reason: "must not be empty"}
	}

	cfg := enqueueConfig{
		Priority:     0,
		MaxAttempts:  5,
		NextRunAfter: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxAttempts < 1 {
		return nil, &ValidationError{Field: "max_attempts", Reason: "must be at least 1"}
	}

	payload, err := json.Marshal(parameters)
	if err != nil {
		return nil, &ValidationError{Field: "parameters", Reason: err.Error()}
	}

	now := time.Now().UTC()
	t := &Task{
		Type:           taskType,
		Parameters:     payload,
		Priority:       cfg.Priority,
		Status:         StatusQueued,
		Attempts:       0,
		MaxAttempts:    cfg.MaxAttempts,
		IdempotencyKey: cfg.IdempotencyKey,
		NextRunAfter:   cfg.NextRunAfter,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = s.withWriteRetry(ctx, "enqueue", func() error {
		res := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).Create(t)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			return nil
		}
		// No row inserted: fetch the existing task for this key.
		if cfg.IdempotencyKey == nil {
			return errors.New("enqueue: no row inserted")
		}
		var existing Task
		if err := s.DB.WithContext(ctx).Where("idempotency_key = ?", *cfg.IdempotencyKey).First(&existing).Error; err != nil {
			return err
		}
		*t = existing
		return nil
	})
	if err != nil {
		var se *StorageError
		if errors.As(err, &se) {
			return nil, err
		}
		return nil, storageErr("enqueue", err)
	}

	s.appendLog(ctx, t.ID, LogInfo, "enqueued", map[string]any{"type": t.Type, "priority": t.Priority})
	return t, nil
}

// Get returns the task with the given id or ErrNotFound.
func (s *Store) Get(ctx context.Context, id int64) (*Task, error) {
	var t Task
	err := s.DB.WithContext(ctx).First(&t, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get", err)
	}
	return &t, nil
}

// GetStatus returns only the status of a task.
func (s *Store) GetStatus(ctx context.Context, id int64) (string, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return t.Status, nil
}

// List returns tasks matching the optional status and type filters, newest
// first. It is a plain read and never takes the write lock.
func (s *Store) List(ctx context.Context, status, taskType string, limit int) ([]Task, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	q := s.DB.WithContext(ctx).Model(&Task{})
	if status != "" && status != "all" {
		q = q.Where("status = ?", status)
	}
	if taskType != "" {
		q = q.Where("type = ?", taskType)
	}
	var tasks []Task
	if err := q.Order("id DESC").Limit(limit).Find(&tasks).Error; err != nil {
		return nil, storageErr("list", err)
	}
	return tasks, nil
}

// Cancel marks a task cancelled. Only queued or claimed tasks can be
// cancelled; anything else returns ErrNotCancellable.
func (s *Store) Cancel(ctx context.Context, id int64) error {
	err := s.withWriteRetry(ctx, "cancel", func() error {
		return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var t Task
			if err := tx.First(&t, "id = ?", id).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrNotFound
				}
				return err
			}
			if t.Status != StatusQueued && t.Status != StatusClaimed {
				return ErrNotCancellable
			}
			now := time.Now().UTC()
			return tx.Model(&Task{}).Where("id = ?", id).Updates(map[string]any{
				"status":           StatusCancelled,
				"locked_by":        nil,
				"lease_expires_at": nil,
				"finished_at":      now,
				"updated_at":       now,
			}).Error
		})
	})
	if err != nil {
		return err
	}
	s.appendLog(ctx, id, LogInfo, "cancelled", nil)
	return nil
}

// Pause keeps a queued task from being claimed until the given time.
func (s *Store) Pause(ctx context.Context, id int64, until time.Time) error {
	return s.withWriteRetry(ctx, "pause", func() error {
		res := s.DB.WithContext(ctx).Model(&Task{}).
			Where("id = ? AND status = ?", id, StatusQueued).
			Updates(map[string]any{
				"next_run_after": until.UTC(),
				"updated_at":     time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Resume makes a paused task immediately claimable again.
func (s *Store) Resume(ctx context.Context, id int64) error {
	return s.Pause(ctx, id, time.Now().UTC())
}

// Requeue copies a dead-lettered task into a fresh queued row and returns the
// copy. Dead-lettered rows themselves are terminal and never mutated.
func (s *Store) Requeue(ctx context.Context, id int64) (*Task, error) {
	orig, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if orig.Status != StatusDeadLetter {
		return nil, ErrNotDeadLettered
	}
	copyTask, err := s.Enqueue(ctx, orig.Type, json.RawMessage(orig.Parameters),
		WithPriority(orig.Priority),
		WithMaxAttempts(orig.MaxAttempts),
	)
	if err != nil {
		return nil, err
	}
	s.appendLog(ctx, id, LogInfo, "requeued", map[string]any{"copy_id": copyTask.ID})
	return copyTask, nil
}

// SetEventHub attaches a hub that receives one event per task state
// transition, mirroring the task_logs audit trail. Nil detaches it.
func (s *Store) SetEventHub(h *events.Hub) {
	s.events = h
}

// appendLog writes an audit row and mirrors it to the event hub when one is
// attached. Log failures are reported, never fatal: the audit trail must not
// take down a state transition that already committed.
func (s *Store) appendLog(ctx context.Context, taskID int64, level, message string, details map[string]any) {
	var payload []byte
	if details != nil {
		payload, _ = json.Marshal(details)
	}
	entry := &TaskLog{
		TaskID:    taskID,
		Level:     level,
		Message:   message,
		Details:   payload,
		Timestamp: time.Now().UTC(),
	}
	if s.events != nil {
		s.events.Publish(events.Event{
			TaskID: taskID,
			TS:     entry.Timestamp,
			Level:  level,
			Kind:   message,
			Data:   payload,
		})
	}
	err := s.withWriteRetry(ctx, "append_log", func() error {
		return s.DB.WithContext(ctx).Create(entry).Error
	})
	if err != nil {
		s.log.Warn("task log append failed", "task_id", taskID, "message", message, "error", err)
	}
}

// Logs returns the most recent audit rows for a task, oldest first.
func (s *Store) Logs(ctx context.Context, taskID int64, limit int) ([]TaskLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var logs []TaskLog
	err := s.DB.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("id ASC").Limit(limit).
		Find(&logs).Error
	if err != nil {
		return nil, storageErr("logs", err)
	}
	return logs, nil
}

// UpsertWorker registers a worker or refreshes its heartbeat.
func (s *Store) UpsertWorker(ctx context.Context, workerID string, capabilities []string, currentTaskID *int64) error {
	caps, err := json.Marshal(capabilities)
	if err != nil {
		return &ValidationError{Field: "capabilities", Reason: err.Error()}
	}
	now := time.Now().UTC()
	w := &Worker{
		WorkerID:      workerID,
		Capabilities:  string(caps),
		HeartbeatAt:   now,
		CurrentTaskID: currentTaskID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return s.withWriteRetry(ctx, "upsert_worker", func() error {
		return s.DB.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "worker_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"capabilities", "heartbeat_at", "current_task_id", "updated_at",
			}),
		}).Create(w).Error
	})
}

// PurgeStaleWorkers deletes worker rows whose heartbeat is older than the
// cutoff and which no task still references. Returns the number deleted.
func (s *Store) PurgeStaleWorkers(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	var deleted int64
	err := s.withWriteRetry(ctx, "purge_workers", func() error {
		res := s.DB.WithContext(ctx).Exec(`
			DELETE FROM workers
			WHERE heartbeat_at < ?
			  AND NOT EXISTS (
			    SELECT 1 FROM task_queue t
			    WHERE t.locked_by = workers.worker_id
			      AND t.status IN (?, ?)
			  )
		`, cutoff, StatusClaimed, StatusProcessing)
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		return nil
	})
	return deleted, err
}
