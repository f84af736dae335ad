package emit

import "context"

// NullEmitter discards every event. It backs `-emitter=null` in
// cmd/beamflow, and suits tests that care about workflow outcomes
// rather than what got traced.
type NullEmitter struct{}

func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

func (NullEmitter) Emit(Event) {}

func (NullEmitter) EmitBatch(context.Context, []Event) error { return nil }

func (NullEmitter) Flush(context.Context) error { return nil }
