// internal/dispatch/registry.go
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/user/roomsync/internal/types"
)

// ErrNoHandler is returned when no registered prefix matches an event type.
var ErrNoHandler = errors.New("no handler for event type")

// Handler processes one room event.
type Handler func(ctx context.Context, ev *types.RoomEvent) error

// Registry routes room events to the appropriate handler based on event
// type prefix (e.g. "m.room.member", "m.room.message").
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty event registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for event types starting with prefix.
func (r *Registry) Register(prefix string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[prefix] = handler
}

// Dispatch finds the handler with the longest prefix matching the event
// type and calls it. Returns ErrNoHandler if no handler matches.
func (r *Registry) Dispatch(ctx context.Context, ev *types.RoomEvent) error {
	r.mu.RLock()
	var best string
	found := false
	for prefix := range r.handlers {
		if strings.HasPrefix(ev.Type, prefix) && (!found || len(prefix) > len(best)) {
			best = prefix
			found = true
		}
	}
	handler := r.handlers[best]
	r.mu.RUnlock()

	if !found {
		return fmt.Errorf("%w: %s", ErrNoHandler, ev.Type)
	}
	return handler(ctx, ev)
}
