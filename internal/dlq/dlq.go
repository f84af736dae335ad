// Package dlq implements the Dead Letter Queue of spec.md §4.7:
// classification-driven enqueue with retry scheduling, secret/size
// sanitization of the stored context, and a periodic sweeper that
// restarts eligible workflows. Enqueue/classification logic is grounded
// directly on spec.md §4.6/§4.7; the sweeper's interval scheduling is
// grounded on r3e-network-service_layer's automation/trigger style
// (a single periodic goroutine, here driven by robfig/cron/v3 the way
// that repo's go.mod pulls it in).
package dlq

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/beamflow/engine/internal/idgen"
	"github.com/beamflow/engine/internal/policy"
	"github.com/beamflow/engine/internal/store"
)

// secretFields is the fixed set of field names Sanitize drops from
// context/original_params, per spec.md §3's "secret fields dropped."
var secretFields = map[string]struct{}{
	"password":      {},
	"secret":        {},
	"token":         {},
	"api_key":       {},
	"access_token":  {},
	"refresh_token": {},
	"ssn":           {},
	"credit_card":   {},
	"cvv":           {},
	"private_key":   {},
}

// MaxStringLength is the bound spec.md §3's "truncates long strings"
// enforces before a value is persisted in a DeadLetterEntry.
const MaxStringLength = 2048

// truncationMarker is appended to a value truncated by Sanitize.
const truncationMarker = "...[truncated]"

// Sanitize returns a copy of m with every key in secretFields removed
// and every remaining string value longer than MaxStringLength cut down
// with a truncation marker, per spec.md §3's DeadLetterEntry invariant
// and §8's sanitization property ("no DLQ entry's context/original_params
// contains any key in the configured secret-key set").
func Sanitize(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if _, secret := secretFields[k]; secret {
			continue
		}
		if s, ok := v.(string); ok && len(s) > MaxStringLength {
			out[k] = s[:MaxStringLength] + truncationMarker
			continue
		}
		out[k] = v
	}
	return out
}

// DefaultBaseRetryDelay and DefaultMaxRetryDelay are the defaults named in spec.md
// §4.7's formula; DLQConfig may override them (see internal/config).
const (
	DefaultBaseRetryDelay = 5 * time.Minute
	DefaultMaxRetryDelay  = 720 * time.Minute
)

// NextRetryDelay computes spec.md §4.7's exponential backoff:
// min(base * 3^retryCount, max).
func NextRetryDelay(base, max time.Duration, retryCount int) time.Duration {
	d := base
	for i := 0; i < retryCount; i++ {
		d *= 3
		if d > max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// EnqueueParams carries everything Enqueue needs to build a
// DeadLetterEntry from a failed (or compensation-failed, or critically
// failed) workflow.
type EnqueueParams struct {
	Type           store.DLQEntryType
	WorkflowID     string
	WorkflowModule string
	FailedStep     string
	Reason         string
	Context        map[string]interface{}
	OriginalParams map[string]interface{}
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration
	Now            time.Time
}

// Enqueue builds a sanitized, classified DeadLetterEntry from p,
// implementing spec.md §4.7's invariants:
//   - terminal errors enter as archived with no next_retry_at.
//   - transient errors enter pending with next_retry_at scheduled.
//   - permanent/recoverable/unknown enter pending with no schedule
//     (unknown gets bounded auto-retry via the actor's retry policy
//     before ever reaching the DLQ, so an unknown DLQ entry has already
//     exhausted its attempts and is not further auto-scheduled here).
func Enqueue(p EnqueueParams) store.DeadLetterEntry {
	class := policy.Classify(p.Reason)

	base := p.BaseRetryDelay
	if base <= 0 {
		base = DefaultBaseRetryDelay
	}
	max := p.MaxRetryDelay
	if max <= 0 {
		max = DefaultMaxRetryDelay
	}

	entry := store.DeadLetterEntry{
		ID:             idgen.NewDeadLetterID(),
		Type:           p.Type,
		WorkflowID:     p.WorkflowID,
		WorkflowModule: p.WorkflowModule,
		FailedStep:     p.FailedStep,
		Error:          p.Reason,
		ErrorClass:     string(class),
		Context:        Sanitize(p.Context),
		OriginalParams: Sanitize(p.OriginalParams),
		CreatedAt:      p.Now,
		UpdatedAt:      p.Now,
	}

	if class == policy.ClassTerminal {
		entry.Status = store.DLQArchived
		return entry
	}

	entry.Status = store.DLQPending
	if class == policy.ClassTransient {
		next := p.Now.Add(NextRetryDelay(base, max, entry.RetryCount))
		entry.NextRetryAt = &next
	}
	return entry
}

// AutoRetryable reports spec.md §4.7's auto_retryable?: true only for
// transient/unknown.
func AutoRetryable(entry store.DeadLetterEntry) bool {
	return policy.Class(entry.ErrorClass).AutoRetryableDLQ()
}

// ForceRetryable reports spec.md §4.7's force_retryable?: true for
// everything except terminal.
func ForceRetryable(entry store.DeadLetterEntry) bool {
	return policy.Class(entry.ErrorClass).ForceRetryableDLQ()
}

// Restarter is the supervisor-side collaborator the sweeper asks to
// restart a workflow at its last known node, per spec.md §4.7's "asks
// the supervisor to restart the workflow at its last known node."
type Restarter interface {
	Restart(ctx context.Context, workflowID string) error
}

// Sweeper periodically scans status=pending entries whose
// next_retry_at has elapsed and asks a Restarter to resume them. It
// runs as a single background schedule to avoid racing with itself,
// per spec.md §5's "DLQ retry sweeper is a single background task."
type Sweeper struct {
	store     store.Store
	restarter Restarter
	cron      *cron.Cron
	onSwept   func(id store.DeadLetterEntry, err error)
}

// NewSweeper constructs a Sweeper. onSwept, if non-nil, is called once
// per entry this tick attempted to restart (for tests/metrics/bus
// publication — the actor/supervisor wiring publishes to dlq:updates).
func NewSweeper(s store.Store, restarter Restarter, onSwept func(store.DeadLetterEntry, error)) *Sweeper {
	return &Sweeper{store: s, restarter: restarter, cron: cron.New(), onSwept: onSwept}
}

// Start schedules the sweep to run every interval until ctx is
// cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) error {
	spec := fmt.Sprintf("@every %s", interval.String())
	_, err := s.cron.AddFunc(spec, func() { s.Tick(ctx) })
	if err != nil {
		return err
	}
	s.cron.Start()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the cron schedule, waiting for any in-flight tick.
func (s *Sweeper) Stop() {
	s.cron.Stop()
}

// Tick runs one sweep pass synchronously: scan pending entries whose
// next_retry_at has elapsed, and ask the Restarter to resume each.
func (s *Sweeper) Tick(ctx context.Context) {
	entries, err := s.store.DeadLetters().ScanByStatus(ctx, store.DLQPending)
	if err != nil {
		return
	}
	now := time.Now()
	for _, e := range entries {
		if e.NextRetryAt == nil || e.NextRetryAt.After(now) {
			continue
		}
		err := s.restarter.Restart(ctx, e.WorkflowID)
		if s.onSwept != nil {
			s.onSwept(e, err)
		}
	}
}
