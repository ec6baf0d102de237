package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"polyswarmclient/observability"
)

// Handle identifies a registration so it can later be removed.
type Handle struct {
	kind string
	id   uint64
}

// Kind returns the event kind the handle was registered for.
func (h Handle) Kind() string { return h.kind }

type subscriber struct {
	id      uint64
	handler Handler
}

// Registry fans events out to subscribers in registration order. Subscriber
// lists are copied before each dispatch, so handlers may register or remove
// subscribers (including themselves) without disturbing the in-flight fan-out.
type Registry struct {
	mu     sync.Mutex
	subs   map[string][]subscriber
	nextID uint64

	logger  *slog.Logger
	metrics *observability.DispatchMetrics
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger overrides the logger used to report handler failures.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records dispatch outcomes on the supplied metrics.
func WithMetrics(metrics *observability.DispatchMetrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = metrics
	}
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		subs:   make(map[string][]subscriber),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register appends handler to the subscriber list for kind.
func (r *Registry) Register(kind string, handler Handler) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.subs[kind] = append(r.subs[kind], subscriber{id: id, handler: handler})
	return Handle{kind: kind, id: id}
}

// Remove drops a registration. It reports whether the handle was still
// registered.
func (r *Registry) Remove(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current := r.subs[h.kind]
	for i, sub := range current {
		if sub.id != h.id {
			continue
		}
		// Build a fresh slice so snapshots taken by in-flight dispatches keep
		// their backing array intact.
		next := make([]subscriber, 0, len(current)-1)
		next = append(next, current[:i]...)
		next = append(next, current[i+1:]...)
		if len(next) == 0 {
			delete(r.subs, h.kind)
		} else {
			r.subs[h.kind] = next
		}
		return true
	}
	return false
}

// Len returns the number of subscribers for kind.
func (r *Registry) Len(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[kind])
}

// Dispatch invokes every subscriber registered for ev's kind, in order, and
// returns how many of them failed. Failures and panics are logged.
func (r *Registry) Dispatch(ctx context.Context, chain string, ev Event) int {
	if ev == nil {
		return 0
	}
	kind := ev.EventType()

	r.mu.Lock()
	snapshot := append([]subscriber(nil), r.subs[kind]...)
	r.mu.Unlock()

	failed := 0
	for _, sub := range snapshot {
		if err := r.invoke(ctx, chain, ev, sub.handler); err != nil {
			failed++
			r.logger.Error("event handler failed",
				slog.String("kind", kind),
				slog.String("chain", chain),
				slog.Any("error", err))
			r.metrics.Observe(kind, "error")
			continue
		}
		r.metrics.Observe(kind, "ok")
	}
	return failed
}

func (r *Registry) invoke(ctx context.Context, chain string, ev Event, handler Handler) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("events: handler panic: %v", rec)
		}
	}()
	return handler(ctx, chain, ev)
}
