package worker

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/feedforge/duroq/internal/queue"
)

// Handler implements the work for a given task type. The parameters blob is
// whatever the producer enqueued; the handler owns its interpretation.
// Returning queue.Permanent(err) dead-letters the task immediately.
type Handler func(ctx context.Context, parameters []byte) error

// Registry maps task types to handlers. It is passed into the runtime at
// construction; there is no ambient global lookup.
type Registry map[string]Handler

// Register adds a handler for a task type, replacing any existing one.
func (r Registry) Register(taskType string, h Handler) {
	r[taskType] = h
}

// Types returns the task types this registry can serve, sorted. These are the
// capabilities advertised to the claim protocol.
func (r Registry) Types() []string {
	types := make([]string, 0, len(r))
	for t := range r {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// EchoHandler decodes the parameters as JSON and does nothing else. Useful as
// a smoke-test task type.
func EchoHandler(ctx context.Context, parameters []byte) error {
	var v any
	if err := json.Unmarshal(parameters, &v); err != nil {
		return queue.Permanent(err)
	}
	return nil
}
