// Package events fans task lifecycle events out to in-process subscribers.
// The queue store publishes one event per task state transition, mirroring
// the task_logs audit trail; the admin API streams them over SSE.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Event is one task lifecycle notification. Kind carries the transition name
// (enqueued, claimed, processing, completed, failed, dead_letter, cancelled,
// requeued) or a publisher-chosen label for manual events.
type Event struct {
	TaskID  int64           `json:"task_id"`
	TS      time.Time       `json:"ts"`
	Level   string          `json:"level"`
	Kind    string          `json:"kind"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Hub routes events to per-task subscribers. Delivery is best-effort: a
// subscriber whose buffer is full loses events rather than blocking the
// publisher, which may be inside a store transition.
type Hub struct {
	mu      sync.Mutex
	bufSize int
	nextID  uint64
	subs    map[int64]map[uint64]chan Event
}

// NewHub builds a hub whose subscriber channels buffer bufSize events.
func NewHub(bufSize int) *Hub {
	if bufSize < 1 {
		bufSize = 1
	}
	return &Hub{
		bufSize: bufSize,
		subs:    make(map[int64]map[uint64]chan Event),
	}
}

// Subscribe registers interest in one task's events and returns the delivery
// channel plus a cancel function. The channel is never closed; after cancel
// it simply stops receiving, so a publish racing the cancel cannot panic.
func (h *Hub) Subscribe(taskID int64) (<-chan Event, func()) {
	ch := make(chan Event, h.bufSize)

	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	set := h.subs[taskID]
	if set == nil {
		set = make(map[uint64]chan Event)
		h.subs[taskID] = set
	}
	set[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if set, ok := h.subs[taskID]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(h.subs, taskID)
			}
		}
	}
}

// Publish delivers ev to every subscriber of its task. Sends happen under the
// lock so a concurrent cancel cannot race them; full buffers drop the event.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[ev.TaskID] {
		select {
		case ch <- ev:
		default:
		}
	}
}
