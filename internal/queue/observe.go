package queue

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Observability queries. All of these are plain reads against indexed
// columns; none of them opens a write transaction, so they never compete
// with the claim protocol for the single writer slot.

// StatusCount is one row of a depth aggregate.
type StatusCount struct {
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

// TypeCount is one row of a per-type depth aggregate.
type TypeCount struct {
	Type  string `json:"type"`
	Count int64  `json:"count"`
}

// DepthByStatus returns the number of tasks per status.
func (s *Store) DepthByStatus(ctx context.Context) (map[string]int64, error) {
	var rows []StatusCount
	err := s.DB.WithContext(ctx).Model(&Task{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, storageErr("depth_by_status", err)
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.Count
	}
	return out, nil
}

// DepthByType returns the number of queued tasks per task type.
func (s *Store) DepthByType(ctx context.Context) (map[string]int64, error) {
	var rows []TypeCount
	err := s.DB.WithContext(ctx).Model(&Task{}).
		Select("type, COUNT(*) AS count").
		Where("status = ?", StatusQueued).
		Group("type").
		Scan(&rows).Error
	if err != nil {
		return nil, storageErr("depth_by_type", err)
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Type] = r.Count
	}
	return out, nil
}

// OldestQueuedAge returns how long the oldest queued task has been waiting.
// Zero with ok=false means the queue is empty.
func (s *Store) OldestQueuedAge(ctx context.Context) (time.Duration, bool, error) {
	var t Task
	err := s.DB.WithContext(ctx).
		Where("status = ?", StatusQueued).
		Order("created_at ASC, id ASC").
		Limit(1).
		Take(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, false, nil
		}
		return 0, false, storageErr("oldest_queued_age", err)
	}
	return time.Since(t.CreatedAt), true, nil
}

// Throughput counts tasks completed within the window ending now.
func (s *Store) Throughput(ctx context.Context, window time.Duration) (int64, error) {
	since := time.Now().UTC().Add(-window)
	var n int64
	err := s.DB.WithContext(ctx).Model(&Task{}).
		Where("status = ? AND finished_at >= ?", StatusCompleted, since).
		Count(&n).Error
	if err != nil {
		return 0, storageErr("throughput", err)
	}
	return n, nil
}

// SuccessFailureRate counts completions and recorded failures (retries and
// dead-letters, from the audit trail) within the window ending now.
func (s *Store) SuccessFailureRate(ctx context.Context, window time.Duration) (successes, failures int64, err error) {
	since := time.Now().UTC().Add(-window)
	if successes, err = s.Throughput(ctx, window); err != nil {
		return 0, 0, err
	}
	err = s.DB.WithContext(ctx).Model(&TaskLog{}).
		Where("message IN (?, ?) AND timestamp >= ?", "failed", "dead_letter", since).
		Count(&failures).Error
	if err != nil {
		return 0, 0, storageErr("success_failure_rate", err)
	}
	return successes, failures, nil
}

// ActiveWorkers returns workers whose heartbeat is younger than staleAfter.
func (s *Store) ActiveWorkers(ctx context.Context, staleAfter time.Duration) ([]Worker, error) {
	cutoff := time.Now().UTC().Add(-staleAfter)
	var workers []Worker
	err := s.DB.WithContext(ctx).
		Where("heartbeat_at >= ?", cutoff).
		Order("heartbeat_at DESC").
		Find(&workers).Error
	if err != nil {
		return nil, storageErr("active_workers", err)
	}
	return workers, nil
}

// StaleWorkers returns workers whose heartbeat is older than staleAfter.
// Their claimed tasks become reclaimable through lease expiry regardless of
// this registry view.
func (s *Store) StaleWorkers(ctx context.Context, staleAfter time.Duration) ([]Worker, error) {
	cutoff := time.Now().UTC().Add(-staleAfter)
	var workers []Worker
	err := s.DB.WithContext(ctx).
		Where("heartbeat_at < ?", cutoff).
		Order("heartbeat_at ASC").
		Find(&workers).Error
	if err != nil {
		return nil, storageErr("stale_workers", err)
	}
	return workers, nil
}
