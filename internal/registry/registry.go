package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Handler processes one event payload. It receives only the raw JSON payload;
// the surrounding row (status, attempts) is invisible to it. A handler that
// needs database access opens its own connection; the worker's connection is
// engine-owned.
type Handler func(ctx context.Context, payload json.RawMessage) error

// ErrHandlerNotFound is returned by Lookup for an unregistered event type.
// The worker treats it as an ordinary failure outcome, so the row flows
// through the retry/dead path instead of halting the loop.
var ErrHandlerNotFound = errors.New("no handler registered")

// Registry maps event types to handlers. It is populated at startup and
// read-only afterwards, so concurrent Lookup needs no locking.
type Registry struct {
	handlers map[string]Handler
}

func New() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to an event type. Registering the same type twice
// is a wiring bug and fails rather than silently replacing the handler.
func (r *Registry) Register(eventType string, h Handler) error {
	if eventType == "" {
		return errors.New("event type is required")
	}
	if h == nil {
		return errors.New("handler is required")
	}
	if _, exists := r.handlers[eventType]; exists {
		return fmt.Errorf("handler already registered for %q", eventType)
	}
	r.handlers[eventType] = h
	return nil
}

func (r *Registry) Lookup(eventType string) (Handler, error) {
	h, ok := r.handlers[eventType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrHandlerNotFound, eventType)
	}
	return h, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	return names
}
