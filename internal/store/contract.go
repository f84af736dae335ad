package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get/GetByKey when no row exists for the
// given primary key.
var ErrNotFound = errors.New("store: not found")

// ErrTxClosed is returned when Commit/Abort is called twice, or any
// write is attempted on a transaction that already committed/aborted.
var ErrTxClosed = errors.New("store: transaction already closed")

// Store is the storage contract of spec.md §2 item 1 and §6: a
// transactional key/value interface over the four logical tables, with
// begin/commit/abort, put, get-by-primary-key, index-scan, and count.
// Concrete technology (in-memory, SQLite, MySQL) is a replaceable
// collaborator behind this interface, per spec.md §1.
type Store interface {
	// Begin starts a transaction. All reads/writes on the returned Tx
	// are isolated from other transactions until Commit or Abort.
	Begin(ctx context.Context) (Tx, error)

	// Workflows returns a read-only accessor for the Workflow table,
	// used by callers (e.g. the supervisor's rehydration scan) that
	// don't need a transaction.
	Workflows() WorkflowReader
	Events() EventReader
	Idempotency() IdempotencyReader
	DeadLetters() DeadLetterReader

	Close() error
}

// Tx is a transactional handle over all four tables. Every Put/Get call
// made through a Tx participates in the same transaction; Commit
// persists them atomically, Abort discards them.
type Tx interface {
	PutWorkflow(ctx context.Context, w Workflow) error
	GetWorkflow(ctx context.Context, id string) (Workflow, error)

	PutEvent(ctx context.Context, e Event) error

	PutIdempotency(ctx context.Context, i Idempotency) error
	GetIdempotency(ctx context.Context, key string) (Idempotency, error)

	PutDeadLetter(ctx context.Context, d DeadLetterEntry) error
	GetDeadLetter(ctx context.Context, id string) (DeadLetterEntry, error)

	Commit(ctx context.Context) error
	Abort(ctx context.Context) error
}

// WorkflowReader exposes get-by-PK, index-scan (by status, by
// definition_id) and count over the Workflow table.
type WorkflowReader interface {
	Get(ctx context.Context, id string) (Workflow, error)
	ScanByStatus(ctx context.Context, status WorkflowStatus) ([]Workflow, error)
	ScanByDefinition(ctx context.Context, definitionID string) ([]Workflow, error)
	Count(ctx context.Context) (int, error)
}

// EventReader exposes index-scan (by workflow_id, by event_type) and
// count over the append-only Event table; it has no get-by-PK.
type EventReader interface {
	ScanByWorkflow(ctx context.Context, workflowID string) ([]Event, error)
	ScanByType(ctx context.Context, eventType EventType) ([]Event, error)
	Count(ctx context.Context) (int, error)
}

// IdempotencyReader exposes get-by-PK, index-scan (by status) and count
// over the Idempotency table.
type IdempotencyReader interface {
	Get(ctx context.Context, key string) (Idempotency, error)
	ScanByStatus(ctx context.Context, status IdempotencyStatus) ([]Idempotency, error)
	Count(ctx context.Context) (int, error)
}

// DeadLetterReader exposes get-by-PK, index-scan (by status, error
// class, workflow id) and count over the DeadLetterEntry table.
type DeadLetterReader interface {
	Get(ctx context.Context, id string) (DeadLetterEntry, error)
	ScanByStatus(ctx context.Context, status DLQEntryStatus) ([]DeadLetterEntry, error)
	ScanByErrorClass(ctx context.Context, class string) ([]DeadLetterEntry, error)
	ScanByWorkflow(ctx context.Context, workflowID string) ([]DeadLetterEntry, error)
	Count(ctx context.Context) (int, error)
}
