package queue

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"gorm.io/gorm"
)

// RetryPolicy decides the fate of a failed task: requeue with backoff, or
// dead-letter when the error is permanent or the attempt budget is spent.
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Classify reports whether an error is permanent. Nil means
	// DefaultClassifier.
	Classify Classifier
}

// DefaultRetryPolicy matches the worker defaults: 5s base, 10m cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay: 5 * time.Second,
		MaxDelay:  10 * time.Minute,
		Classify:  DefaultClassifier,
	}
}

func (p RetryPolicy) permanent(err error) bool {
	classify := p.Classify
	if classify == nil {
		classify = DefaultClassifier
	}
	return classify(err)
}

// Backoff computes the retry delay for a task that has made the given number
// of attempts: min(base * 2^(attempts-1), max) with +/-10% jitter.
func Backoff(base, max time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}
	if delay > max {
		delay = max
	}
	jitter := time.Duration(float64(delay) * 0.10)
	if jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(2*jitter))) - jitter
	}
	return delay
}

// Fail records a handler failure for a task held by workerID and applies the
// retry policy: permanent errors and exhausted budgets dead-letter the task,
// anything else requeues it with backoff. Returns true when dead-lettered.
func (s *Store) Fail(ctx context.Context, id int64, workerID string, taskErr error, policy RetryPolicy) (deadLettered bool, err error) {
	if taskErr == nil {
		taskErr = errors.New("unknown handler failure")
	}
	errMsg := taskErr.Error()
	permanent := policy.permanent(taskErr)

	var attempts int
	err = s.withWriteRetry(ctx, "fail", func() error {
		return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var t Task
			if err := tx.
				Where("id = ? AND locked_by = ? AND status IN (?, ?)", id, workerID, StatusClaimed, StatusProcessing).
				Take(&t).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrNotFound
				}
				return err
			}

			now := time.Now().UTC()
			attempts = t.Attempts

			if permanent || t.Attempts >= t.MaxAttempts {
				// Dead-letter: terminal, attempts pinned to the budget.
				deadLettered = true
				return tx.Model(&Task{}).Where("id = ?", id).Updates(map[string]any{
					"status":           StatusDeadLetter,
					"attempts":         t.MaxAttempts,
					"last_error":       errMsg,
					"locked_by":        nil,
					"lease_expires_at": nil,
					"finished_at":      now,
					"updated_at":       now,
				}).Error
			}

			delay := Backoff(policy.BaseDelay, policy.MaxDelay, t.Attempts)
			return tx.Model(&Task{}).Where("id = ?", id).Updates(map[string]any{
				"status":           StatusQueued,
				"last_error":       errMsg,
				"locked_by":        nil,
				"lease_expires_at": nil,
				"next_run_after":   now.Add(delay),
				"updated_at":       now,
			}).Error
		})
	})
	if err != nil {
		return false, err
	}

	if deadLettered {
		s.appendLog(ctx, id, LogError, "dead_letter", map[string]any{
			"worker_id": workerID,
			"error":     errMsg,
			"permanent": permanent,
			"attempts":  attempts,
		})
	} else {
		s.appendLog(ctx, id, LogError, "failed", map[string]any{
			"worker_id": workerID,
			"error":     errMsg,
			"attempts":  attempts,
		})
	}
	return deadLettered, nil
}
