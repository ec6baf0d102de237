package events

import "context"

// Event represents a structured notification from the chain gateway or from
// the local deadline schedule.
type Event interface {
	EventType() string
}

// Handler consumes a single event observed on chain. Returning an error
// reports the failure without affecting other subscribers.
type Handler func(ctx context.Context, chain string, ev Event) error

// Emitter broadcasts events to downstream subscribers.
type Emitter interface {
	Emit(ctx context.Context, chain string, ev Event)
}

// NoopEmitter satisfies Emitter while discarding all events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(context.Context, string, Event) {}
