package queue

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"gorm.io/gorm"
)

// Ordering selects the claim order among eligible tasks. Priority always wins
// (lower value first); the ordering decides the tie-break within a priority.
type Ordering int

const (
	// OrderFIFO claims the oldest task first (the default).
	OrderFIFO Ordering = iota
	// OrderLIFO claims the newest task first.
	OrderLIFO
)

func (o Ordering) clause() string {
	if o == OrderLIFO {
		return "priority ASC, created_at DESC, id DESC"
	}
	return "priority ASC, created_at ASC, id ASC"
}

// ParseOrdering maps a config string to an Ordering; anything other than
// "lifo" is FIFO.
func ParseOrdering(s string) Ordering {
	if s == "lifo" {
		return OrderLIFO
	}
	return OrderFIFO
}

// leaseExpiredMsg is recorded as last_error when an expired-lease row has
// already spent its attempt budget and dead-letters at claim time.
const leaseExpiredMsg = "lease expired after final attempt"

// Claim atomically selects one eligible task and locks it for workerID with
// the given lease. Eligible means: queued with next_run_after due and a type
// the worker can serve, or claimed/processing with an expired lease (a stale
// claim reclaimed as if newly queued, attempts untouched). Expired-lease rows
// whose attempts already equal max_attempts have no budget left for another
// claim; they are dead-lettered in passing so a crash-looping handler cannot
// keep a task alive forever.
//
// Returns (nil, nil) when no task is eligible. Transient write contention is
// retried internally; ErrClaimTimeout is returned once the budget is spent.
func (s *Store) Claim(ctx context.Context, workerID string, capabilities []string, lease time.Duration, order Ordering) (*Task, error) {
	if len(capabilities) == 0 {
		return nil, nil
	}

	claimed, err := s.claimRetry(ctx, func() (*Task, error) {
		return s.claimOnce(ctx, workerID, capabilities, lease, order)
	})
	if err != nil {
		return nil, err
	}
	if claimed != nil {
		s.appendLog(ctx, claimed.ID, LogInfo, "claimed", map[string]any{
			"worker_id": workerID,
			"attempt":   claimed.Attempts,
		})
	}
	return claimed, nil
}

// claimRetry runs pick under the busy-retry budget. Non-contention errors are
// wrapped and returned immediately; exhausting the budget on contention
// surfaces ErrClaimTimeout.
func (s *Store) claimRetry(ctx context.Context, pick func() (*Task, error)) (*Task, error) {
	for i := 0; i < writeRetryAttempts; i++ {
		t, err := pick()
		if err == nil {
			return t, nil
		}
		if !isBusy(err) {
			return nil, storageErr("claim", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(claimBackoff(i)):
		}
	}
	return nil, ErrClaimTimeout
}

// claimOnce is one transactional pick-and-lock. The transaction opens with
// write intent (_txlock=immediate), so the select and the update cannot
// interleave with another claimer. Exhausted expired-lease rows encountered
// along the way are dead-lettered inside the same transaction and skipped.
func (s *Store) claimOnce(ctx context.Context, workerID string, capabilities []string, lease time.Duration, order Ordering) (*Task, error) {
	now := time.Now().UTC()

	var t Task
	var exhausted []int64
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for {
			t = Task{}
			err := tx.
				Where(
					"((status = ? AND next_run_after <= ?) OR (status IN (?, ?) AND lease_expires_at IS NOT NULL AND lease_expires_at < ?)) AND type IN ?",
					StatusQueued, now, StatusClaimed, StatusProcessing, now, capabilities,
				).
				Order(order.clause()).
				Limit(1).
				Take(&t).Error
			if err != nil {
				return err
			}

			if t.Status != StatusQueued && t.Attempts >= t.MaxAttempts {
				// The last attempt died with its lease. Claiming again would
				// push attempts past max_attempts, so the row dead-letters
				// here instead.
				res := tx.Model(&Task{}).
					Where("id = ? AND status = ?", t.ID, t.Status).
					Updates(map[string]any{
						"status":           StatusDeadLetter,
						"attempts":         t.MaxAttempts,
						"last_error":       leaseExpiredMsg,
						"locked_by":        nil,
						"lease_expires_at": nil,
						"finished_at":      now,
						"updated_at":       now,
					})
				if res.Error != nil {
					return res.Error
				}
				if res.RowsAffected == 1 {
					exhausted = append(exhausted, t.ID)
				}
				continue
			}

			expires := now.Add(lease)
			res := tx.Model(&Task{}).
				Where("id = ? AND status = ?", t.ID, t.Status).
				Updates(map[string]any{
					"status":           StatusClaimed,
					"locked_by":        workerID,
					"claimed_at":       now,
					"lease_expires_at": expires,
					"attempts":         gorm.Expr("attempts + 1"),
					"updated_at":       now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != 1 {
				// Lost the row between select and update; behave as empty.
				return gorm.ErrRecordNotFound
			}

			t.Status = StatusClaimed
			t.LockedBy = &workerID
			t.ClaimedAt = &now
			t.LeaseExpiresAt = &expires
			t.Attempts++
			t.UpdatedAt = now
			return nil
		}
	})
	for _, id := range exhausted {
		s.appendLog(ctx, id, LogError, "dead_letter", map[string]any{"error": leaseExpiredMsg})
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func claimBackoff(attempt int) time.Duration {
	d := writeRetryBase << attempt
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}

// MarkProcessing transitions a claimed task to processing for the worker that
// holds its lock.
func (s *Store) MarkProcessing(ctx context.Context, id int64, workerID string) error {
	now := time.Now().UTC()
	err := s.withWriteRetry(ctx, "mark_processing", func() error {
		res := s.DB.WithContext(ctx).Model(&Task{}).
			Where("id = ? AND status = ? AND locked_by = ?", id, StatusClaimed, workerID).
			Updates(map[string]any{
				"status":                StatusProcessing,
				"processing_started_at": now,
				"updated_at":            now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.appendLog(ctx, id, LogInfo, "processing", map[string]any{"worker_id": workerID})
	return nil
}

// Complete marks a processing task completed and releases its lease.
func (s *Store) Complete(ctx context.Context, id int64, workerID string) error {
	now := time.Now().UTC()
	err := s.withWriteRetry(ctx, "complete", func() error {
		res := s.DB.WithContext(ctx).Model(&Task{}).
			Where("id = ? AND status = ? AND locked_by = ?", id, StatusProcessing, workerID).
			Updates(map[string]any{
				"status":           StatusCompleted,
				"finished_at":      now,
				"lease_expires_at": nil,
				"updated_at":       now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.appendLog(ctx, id, LogInfo, "completed", map[string]any{"worker_id": workerID})
	return nil
}

// ExtendLease renews the lease of an in-flight task if the caller still holds
// it. Returns false when the lease was lost (expired and reclaimed).
func (s *Store) ExtendLease(ctx context.Context, id int64, workerID string, extendBy time.Duration) (bool, error) {
	newLease := time.Now().UTC().Add(extendBy)
	var extended bool
	err := s.withWriteRetry(ctx, "extend_lease", func() error {
		res := s.DB.WithContext(ctx).Model(&Task{}).
			Where("id = ? AND locked_by = ? AND status IN (?, ?)", id, workerID, StatusClaimed, StatusProcessing).
			Updates(map[string]any{
				"lease_expires_at": newLease,
				"updated_at":       time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		extended = res.RowsAffected == 1
		return nil
	})
	return extended, err
}
