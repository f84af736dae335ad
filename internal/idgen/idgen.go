// Package idgen generates the identifiers BEAMFlow's persisted entities
// use: time-sortable ULIDs for rows that are scanned in insertion order
// (events, DLQ entries) and random UUIDs for correlation ids that do not
// need to sort. Grounded on vsavkov-kilroy's `ulid.Make().String()`
// usage (internal/agent/session.go, internal/attractor/engine/handlers.go).
package idgen

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewEventID returns a time-sortable id for an Event row, so a raw scan
// of the table (or a naive string sort) already reflects insertion
// order, per spec.md §3's "events are append-only."
func NewEventID() string {
	return ulid.Make().String()
}

// NewDeadLetterID returns a time-sortable id for a DeadLetterEntry row.
func NewDeadLetterID() string {
	return ulid.Make().String()
}

// NewWorkflowID returns a fresh workflow id for callers that don't
// supply their own (spec.md's start_workflow takes a caller-chosen
// workflow_id; this is only used by demo/test callers that don't care).
func NewWorkflowID() string {
	return ulid.Make().String()
}

// NewCorrelationID returns a random, non-sortable id used to correlate a
// request with its asynchronous reply (spec.md §5's "replies when
// needed ride correlation IDs").
func NewCorrelationID() string {
	return uuid.NewString()
}
