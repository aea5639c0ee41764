package message

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Handler processes one envelope. Returning true asks the transport to keep the
// reply channel open until reply is called later; returning false closes it once
// the handler returns.
type Handler func(ctx context.Context, env Envelope, sender Sender, reply Reply) bool

// Router dispatches envelopes to the handler registered for their event.
// Each execution context owns its own Router with its own vocabulary.
type Router struct {
	name     string
	mu       sync.RWMutex
	handlers map[Event]Handler
}

// NewRouter creates an empty router. name only shows up in logs.
func NewRouter(name string) *Router {
	return &Router{name: name, handlers: make(map[Event]Handler)}
}

// Register installs h for event, replacing any earlier handler.
func (r *Router) Register(event Event, h Handler) {
	r.mu.Lock()
	r.handlers[event] = h
	r.mu.Unlock()
}

// Handles reports whether a handler is registered for event.
func (r *Router) Handles(event Event) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[event]
	return ok
}

// Events returns the registered events in sorted order.
func (r *Router) Events() []Event {
	r.mu.RLock()
	out := make([]Event, 0, len(r.handlers))
	for ev := range r.handlers {
		out = append(out, ev)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Dispatch invokes the handler registered for env.Event. Unknown events are
// ignored. A panicking handler is contained and treated as returning false.
func (r *Router) Dispatch(ctx context.Context, env Envelope, sender Sender, reply Reply) (keepOpen bool) {
	r.mu.RLock()
	h, ok := r.handlers[env.Event]
	r.mu.RUnlock()
	if !ok {
		slog.Debug("router: no handler", "router", r.name, "event", env.Event, "sender_kind", sender.Kind)
		return false
	}
	if reply == nil {
		reply = func(any) {}
	}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("router: handler panic", "router", r.name, "event", env.Event, "panic", rec)
			keepOpen = false
		}
	}()
	return h(ctx, env, sender, reply)
}
