package metrics

import (
	"sync/atomic"
	"time"
)

// Counter is a point-in-time snapshot of one worker's cycle counters. These
// are in-process only; durable aggregates come from the store's
// observability queries.
type Counter struct {
	Claimed      uint64
	Completed    uint64
	Failed       uint64
	Requeued     uint64
	DeadLettered uint64
}

type Metrics struct {
	claimed      atomic.Uint64
	completed    atomic.Uint64
	failed       atomic.Uint64
	requeued     atomic.Uint64
	deadLettered atomic.Uint64
}

func (m *Metrics) IncClaimed()      { m.claimed.Add(1) }
func (m *Metrics) IncCompleted()    { m.completed.Add(1) }
func (m *Metrics) IncFailed()       { m.failed.Add(1) }
func (m *Metrics) IncRequeued()     { m.requeued.Add(1) }
func (m *Metrics) IncDeadLettered() { m.deadLettered.Add(1) }

func (m *Metrics) Snapshot() Counter {
	return Counter{
		Claimed:      m.claimed.Load(),
		Completed:    m.completed.Load(),
		Failed:       m.failed.Load(),
		Requeued:     m.requeued.Load(),
		DeadLettered: m.deadLettered.Load(),
	}
}

// Every runs f on a fixed interval until the returned stop function is
// called.
func Every(d time.Duration, f func()) func() {
	stop := make(chan struct{})
	go func() {
		t := time.NewTicker(d)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				f()
			}
		}
	}()
	return func() { close(stop) }
}
