// Package store implements the storage contract of spec.md §2 item 1 and
// §6: transactional writes over four logical tables (Workflow, Event,
// Idempotency, DeadLetterEntry), with begin/commit/abort, put,
// get-by-primary-key, index-scan, and count. Grounded on the teacher's
// graph/store package shape (store.go's interface, memory.go's map
// backend, sqlite.go/mysql.go's SQL backends), retargeted from a single
// generic Checkpoint[S] table to this four-table schema.
package store

import (
	"encoding/json"
	"time"
)

// WorkflowStatus is the Workflow.status enum of spec.md §3.
type WorkflowStatus string

const (
	WorkflowPending      WorkflowStatus = "pending"
	WorkflowRunning      WorkflowStatus = "running"
	WorkflowCompleted    WorkflowStatus = "completed"
	WorkflowFailed       WorkflowStatus = "failed"
	WorkflowCompensating WorkflowStatus = "compensating"
)

// Workflow is the persisted record of one workflow instance, per
// spec.md §3.
type Workflow struct {
	ID             string                 `json:"id"`
	DefinitionID   string                 `json:"definition_id"`
	Status         WorkflowStatus         `json:"status"`
	State          map[string]interface{} `json:"state"`
	CurrentNodeID  string                 `json:"current_node_id"`
	TotalSteps     int                    `json:"total_steps"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
	Error          string                 `json:"error,omitempty"`
	InsertedAt     time.Time              `json:"inserted_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// EventType is the Event.event_type enum of spec.md §3.
type EventType string

const (
	EventWorkflowStarted      EventType = "workflow_started"
	EventWorkflowCompleted    EventType = "workflow_completed"
	EventWorkflowFailed       EventType = "workflow_failed"
	EventStepStarted          EventType = "step_started"
	EventStepCompleted        EventType = "step_completed"
	EventStepFailed           EventType = "step_failed"
	EventCompensationStarted  EventType = "compensation_started"
	EventCompensationComplete EventType = "compensation_completed"
	EventCompensationFailed   EventType = "compensation_failed"
	EventRetryScheduled       EventType = "retry_scheduled"
	EventDLQEnqueued          EventType = "dlq_enqueued"
	EventBranchTaken          EventType = "branch_taken"
)

// Event is one append-only row in the Event table, per spec.md §3.
// Events are never mutated or deleted after insertion.
type Event struct {
	ID         string                 `json:"id"`
	WorkflowID string                 `json:"workflow_id"`
	EventType  EventType              `json:"event_type"`
	Data       map[string]interface{} `json:"data"`
	Timestamp  time.Time              `json:"timestamp"`
}

// IdempotencyStatus is the Idempotency.status enum of spec.md §3.
type IdempotencyStatus string

const (
	IdempotencyPending   IdempotencyStatus = "pending"
	IdempotencyCompleted IdempotencyStatus = "completed"
	IdempotencyFailed    IdempotencyStatus = "failed"
)

// Idempotency is one row of the ledger, keyed "workflow_id:step_id:attempt".
type Idempotency struct {
	Key         string                 `json:"key"`
	Status      IdempotencyStatus      `json:"status"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// DLQEntryType is the DeadLetterEntry.type enum of spec.md §3.
type DLQEntryType string

const (
	DLQWorkflowFailed     DLQEntryType = "workflow_failed"
	DLQCompensationFailed DLQEntryType = "compensation_failed"
	DLQCriticalFailure    DLQEntryType = "critical_failure"
)

// DLQEntryStatus is the DeadLetterEntry.status enum of spec.md §3.
type DLQEntryStatus string

const (
	DLQPending   DLQEntryStatus = "pending"
	DLQRetrying  DLQEntryStatus = "retrying"
	DLQResolved  DLQEntryStatus = "resolved"
	DLQAbandoned DLQEntryStatus = "abandoned"
	DLQArchived  DLQEntryStatus = "archived"
)

// DeadLetterEntry is one row of the dead letter queue, per spec.md §3.
type DeadLetterEntry struct {
	ID              string                 `json:"id"`
	Type            DLQEntryType           `json:"type"`
	Status          DLQEntryStatus         `json:"status"`
	WorkflowID      string                 `json:"workflow_id"`
	WorkflowModule  string                 `json:"workflow_module"`
	FailedStep      string                 `json:"failed_step"`
	Error           string                 `json:"error"`
	ErrorClass      string                 `json:"error_class"`
	Context         map[string]interface{} `json:"context"`
	OriginalParams  map[string]interface{} `json:"original_params"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	RetryCount      int                    `json:"retry_count"`
	NextRetryAt     *time.Time             `json:"next_retry_at,omitempty"`
	Resolution      string                 `json:"resolution,omitempty"`
}

func marshalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}
