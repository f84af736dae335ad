package emit

// Event is an observability event describing something that happened
// during a workflow run: a step starting or completing, a branch being
// taken, a retry scheduled, a compensation running. It mirrors a
// store.Event but is shaped for tracing/logging backends rather than
// persistence — no ID or timestamp, since the backend assigns those.
type Event struct {
	// WorkflowID identifies the workflow run that produced this event.
	WorkflowID string

	// EventType is the store.EventType string (e.g. "step_completed",
	// "branch_taken", "retry_scheduled"). Workflow-level events
	// (started, completed, failed) carry no StepID.
	EventType string

	// StepID is the step that emitted this event. Empty for
	// workflow-level events and for branch/join transitions.
	StepID string

	// Attempt is the retry attempt number this event concerns. Zero
	// when the event isn't attempt-scoped.
	Attempt int

	// Meta carries the same data map passed to the persisted
	// store.Event — branch labels, retry delays, DLQ reasons, saga
	// compensation outcomes, and so on.
	Meta map[string]interface{}
}
