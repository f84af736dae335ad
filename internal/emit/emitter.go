// Package emit is the observability layer for workflow execution: a
// pluggable sink for step/branch/retry/compensation events, separate
// from the durable store.Event log and the in-process bus. Where the
// store answers "what happened to this workflow" and the bus answers
// "notify whoever is listening right now", an Emitter answers "make
// this visible to an operator or a trace backend".
package emit

import "context"

// Emitter receives observability events from a running actor.
// Implementations must be safe for concurrent use and must not block
// workflow execution — a misbehaving backend should drop or buffer
// events rather than stall a step.
type Emitter interface {
	// Emit handles a single event.
	Emit(event Event)

	// EmitBatch handles a batch of events in one call. Returns an
	// error only on a configuration-level failure, not per-event
	// delivery problems.
	EmitBatch(ctx context.Context, events []Event) error

	// Flush blocks until any buffered events have been handed to the
	// backend, or ctx expires. Safe to call more than once.
	Flush(ctx context.Context) error
}
