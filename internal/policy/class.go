// Package policy implements the retry/backoff layer and the error
// classification table of spec.md §4.5 and §4.6.
package policy

// Class is one of the five error classes spec.md §4.6 routes errors
// into.
type Class string

const (
	ClassTransient   Class = "transient"
	ClassRecoverable Class = "recoverable"
	ClassPermanent   Class = "permanent"
	ClassTerminal    Class = "terminal"
	ClassUnknown     Class = "unknown"
)

// reasonTable maps well-known error reasons to their class, per
// spec.md §4.6's "lookup table of reason atoms plus structural rules."
var reasonTable = map[string]Class{
	"data_corrupted":      ClassTerminal,
	"workflow_cancelled":  ClassTerminal,
	"fraud_detected":      ClassPermanent,
	"unauthorized":        ClassPermanent,
	"missing_email":       ClassRecoverable,
	"invalid_input":       ClassRecoverable,
	"timeout":             ClassTransient,
	"step_timeout":        ClassTransient,
	"service_unavailable": ClassTransient,
	"connection_refused":  ClassTransient,
	"rate_limited":        ClassTransient,
}

// Classify maps an error reason to exactly one of the five classes.
// Unrecognized reasons classify as ClassUnknown, per spec.md §4.6's
// "any unclassified error."
func Classify(reason string) Class {
	if c, ok := reasonTable[reason]; ok {
		return c
	}
	return ClassUnknown
}

// Retryable reports the default retryable predicate of spec.md §4.5:
// true for transient, false for terminal/permanent; recoverable is
// caller-configurable (RetryPolicy.Retryable may override this), and
// unknown is treated as transient for bounded attempts.
func (c Class) Retryable() bool {
	switch c {
	case ClassTransient, ClassUnknown:
		return true
	default:
		return false
	}
}

// AutoRetryableDLQ reports spec.md §4.7's auto_retryable? predicate:
// true only for transient/unknown.
func (c Class) AutoRetryableDLQ() bool {
	return c == ClassTransient || c == ClassUnknown
}

// ForceRetryableDLQ reports spec.md §4.7's force_retryable? predicate:
// true for everything except terminal.
func (c Class) ForceRetryableDLQ() bool {
	return c != ClassTerminal
}
