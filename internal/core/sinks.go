package core

import "context"

// EventHandler receives normalized events from an adapter. Handlers must not
// block for long; adapters call them inline on the ingestion path.
type EventHandler func(ChatEvent)

// ActionSink receives action descriptors emitted by trigger evaluation.
// Implementations must respect context cancellation and must not call back
// into any adapter.
type ActionSink interface {
	Emit(ctx context.Context, action ActionDescriptor) error
}

// NoopSink discards every descriptor. It is the default sink so the core is
// complete standing alone; an executor can be injected later.
type NoopSink struct{}

func (NoopSink) Emit(context.Context, ActionDescriptor) error { return nil }

// SinkFunc adapts a function to the ActionSink interface.
type SinkFunc func(ctx context.Context, action ActionDescriptor) error

func (f SinkFunc) Emit(ctx context.Context, action ActionDescriptor) error {
	return f(ctx, action)
}
