package worker

import (
	"context"
	"fmt"

	"github.com/danielsht11/riley/internal/events"
)

// Handler processes envelopes of one event type.
type Handler interface {
	EventType() events.Type
	Handle(ctx context.Context, env events.Envelope) error
}

// Registry maps event types to handlers. It is built once before the runner starts.
type Registry struct {
	handlers map[events.Type]Handler
}

// NewRegistry registers handlers, rejecting duplicate event types.
func NewRegistry(handlers ...Handler) (*Registry, error) {
	r := &Registry{handlers: make(map[events.Type]Handler, len(handlers))}
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds one handler.
func (r *Registry) Register(h Handler) error {
	t := h.EventType()
	if t == "" {
		return fmt.Errorf("worker: handler with empty event type")
	}
	if _, dup := r.handlers[t]; dup {
		return fmt.Errorf("worker: duplicate handler for %s", t)
	}
	r.handlers[t] = h
	return nil
}

// Resolve picks the handler for an envelope received on channel. Envelopes
// without a handler of their own that arrive on the priority channel go to the
// high_priority handler.
//
// A type with its own handler resolves to it on every channel. An urgent
// customer_data envelope is published to both its own channel and the
// priority channel, so CustomerDataHandler runs once per copy and
// high_priority is never invoked for it.
func (r *Registry) Resolve(t events.Type, channel string) (Handler, bool) {
	if h, ok := r.handlers[t]; ok {
		return h, true
	}
	if channel == events.PriorityChannel {
		h, ok := r.handlers[events.TypeHighPriority]
		return h, ok
	}
	return nil, false
}

// Types lists the registered event types.
func (r *Registry) Types() []events.Type {
	out := make([]events.Type, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}
