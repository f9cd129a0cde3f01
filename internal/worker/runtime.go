package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/feedforge/duroq/internal/metrics"
	"github.com/feedforge/duroq/internal/queue"
)

// Outcome is the result of one RunOnce cycle.
type Outcome int

const (
	// OutcomeIdle means no task was eligible.
	OutcomeIdle Outcome = iota
	// OutcomeCompleted means a task was claimed and completed.
	OutcomeCompleted
	// OutcomeFailed means a task was claimed and its handler failed; the
	// retry policy has already decided requeue or dead-letter.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	}
	return "idle"
}

// Config tunes one worker runtime.
type Config struct {
	// LeaseDuration is how long a claim is held before it becomes
	// reclaimable by another worker.
	LeaseDuration time.Duration
	// HeartbeatInterval is how often the worker registry row is refreshed
	// while the loop is idle.
	HeartbeatInterval time.Duration
	// IdleInterval is the sleep between polls when no task is eligible.
	IdleInterval time.Duration
	// Order selects FIFO or LIFO claiming.
	Order queue.Ordering
	// Retry decides requeue vs dead-letter on handler failure.
	Retry queue.RetryPolicy
}

// DefaultConfig returns the worker defaults.
func DefaultConfig() Config {
	return Config{
		LeaseDuration:     30 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		IdleInterval:      time.Second,
		Order:             queue.OrderFIFO,
		Retry:             queue.DefaultRetryPolicy(),
	}
}

// Runtime drives tasks from claim to a terminal state. Many runtimes, in any
// number of processes, may run against the same database; all coordination
// happens through the store's transactions.
type Runtime struct {
	id       string
	store    *queue.Store
	registry Registry
	cfg      Config
	log      *slog.Logger
	counters *metrics.Metrics
}

// New builds a runtime with a fresh worker identity.
func New(store *queue.Store, registry Registry, cfg Config, lg *slog.Logger) *Runtime {
	if lg == nil {
		lg = slog.Default()
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = DefaultConfig().LeaseDuration
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = DefaultConfig().IdleInterval
	}
	if cfg.Retry.BaseDelay == 0 {
		cfg.Retry = queue.DefaultRetryPolicy()
	}
	id := uuid.NewString()
	return &Runtime{
		id:       id,
		store:    store,
		registry: registry,
		cfg:      cfg,
		log:      lg.With("worker_id", id),
		counters: &metrics.Metrics{},
	}
}

// ID returns the worker identity used for locking and the registry row.
func (r *Runtime) ID() string { return r.id }

// Counters returns the in-process cycle counters.
func (r *Runtime) Counters() *metrics.Metrics { return r.counters }

// RunOnce claims at most one task and drives it to a terminal transition.
// Handler errors never propagate; they are routed to the retry policy.
// Storage errors during the claim are returned so the loop can back off.
func (r *Runtime) RunOnce(ctx context.Context) (Outcome, error) {
	r.heartbeat(ctx, nil)

	t, err := r.store.Claim(ctx, r.id, r.registry.Types(), r.cfg.LeaseDuration, r.cfg.Order)
	if err != nil {
		return OutcomeIdle, err
	}
	if t == nil {
		return OutcomeIdle, nil
	}
	r.counters.IncClaimed()
	r.heartbeat(ctx, &t.ID)
	defer r.heartbeat(ctx, nil)

	if err := r.store.MarkProcessing(ctx, t.ID, r.id); err != nil {
		// Leave the row as-is for lease expiry to reclaim; mutating it
		// further without the transition would be worse.
		r.log.Error("mark processing failed", "task_id", t.ID, "error", err)
		return OutcomeIdle, err
	}

	// Renew the lease while the handler runs. A third of the lease keeps two
	// renewal chances before expiry.
	done := make(chan struct{})
	stopped := make(chan struct{})
	go r.renewLease(ctx, t.ID, done, stopped)

	handlerErr := r.execute(ctx, t)

	close(done)
	<-stopped

	if handlerErr != nil {
		r.counters.IncFailed()
		dead, ferr := r.store.Fail(ctx, t.ID, r.id, handlerErr, r.cfg.Retry)
		if ferr != nil {
			r.log.Error("failure transition error", "task_id", t.ID, "error", ferr)
			return OutcomeFailed, ferr
		}
		if dead {
			r.counters.IncDeadLettered()
			r.log.Warn("task dead-lettered", "task_id", t.ID, "type", t.Type, "error", handlerErr)
		} else {
			r.counters.IncRequeued()
			r.log.Info("task requeued after failure", "task_id", t.ID, "type", t.Type, "attempt", t.Attempts, "error", handlerErr)
		}
		return OutcomeFailed, nil
	}

	if err := r.store.Complete(ctx, t.ID, r.id); err != nil {
		r.log.Error("complete transition error", "task_id", t.ID, "error", err)
		return OutcomeFailed, err
	}
	r.counters.IncCompleted()
	r.log.Info("task completed", "task_id", t.ID, "type", t.Type, "attempt", t.Attempts)
	return OutcomeCompleted, nil
}

// execute runs the handler for the task type, converting panics and missing
// handlers into errors for the retry policy.
func (r *Runtime) execute(ctx context.Context, t *queue.Task) (err error) {
	handler, ok := r.registry[t.Type]
	if !ok {
		// Claims are capability-filtered, so this only happens if the
		// registry changed mid-flight. Not retryable.
		return queue.Permanent(fmt.Errorf("no handler registered for type %q", t.Type))
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return handler(ctx, t.Parameters)
}

// renewLease extends the lease periodically until done closes. Losing the
// lease stops renewal; the task may be reclaimed and re-executed elsewhere
// (at-least-once semantics).
func (r *Runtime) renewLease(ctx context.Context, taskID int64, done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	interval := r.cfg.LeaseDuration / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := r.store.ExtendLease(ctx, taskID, r.id, r.cfg.LeaseDuration)
			if err != nil {
				r.log.Warn("lease renewal error", "task_id", taskID, "error", err)
				continue
			}
			if !ok {
				r.log.Warn("lease lost, stopping renewal", "task_id", taskID)
				return
			}
		}
	}
}

func (r *Runtime) heartbeat(ctx context.Context, currentTaskID *int64) {
	if err := r.store.UpsertWorker(ctx, r.id, r.registry.Types(), currentTaskID); err != nil {
		r.log.Warn("heartbeat failed", "error", err)
	}
}

// Run loops RunOnce until the context is cancelled, sleeping between idle
// cycles and backing off on storage errors instead of crashing.
func (r *Runtime) Run(ctx context.Context) error {
	r.log.Info("worker starting",
		"capabilities", r.registry.Types(),
		"lease", r.cfg.LeaseDuration.String(),
		"order", r.cfg.Order)

	heartbeatTicker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer heartbeatTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("worker stopping")
			return ctx.Err()
		case <-heartbeatTicker.C:
			r.heartbeat(ctx, nil)
		default:
		}

		outcome, err := r.RunOnce(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				continue
			}
			// Storage trouble: log and treat the cycle as idle.
			r.log.Error("run cycle error", "error", err)
		}
		if outcome == OutcomeIdle {
			select {
			case <-ctx.Done():
			case <-time.After(r.cfg.IdleInterval):
			}
		}
	}
}
