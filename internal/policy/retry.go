package policy

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrInvalidRetryPolicy mirrors the teacher's graph/errors.go sentinel
// style: a single package-level error callers can compare against,
// rather than an ad hoc fmt.Errorf.
var ErrInvalidRetryPolicy = errors.New("policy: invalid retry policy")

// RetryPolicy is {max_attempts, base_delay, max_delay, exponent,
// jitter_fraction, retryable_predicate} per spec.md §4.5. Policies are
// stateless; attempt counters live in the actor's state, never here.
type RetryPolicy struct {
	Name string

	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Exponent    float64

	// JitterFraction is the +/- fraction of the computed delay applied
	// as uniform jitter, e.g. 0.1 for +/-10%.
	JitterFraction float64

	// Retryable overrides the default class-based predicate
	// (Class.Retryable) when non-nil, letting a policy mark
	// ClassRecoverable retryable for a specific step family.
	Retryable func(Class) bool
}

// Named retry policies mirroring spec.md §4.2's examples (":email",
// ":conservative", ":aggressive").
var (
	Conservative = RetryPolicy{
		Name:           "conservative",
		MaxAttempts:    3,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		Exponent:       2,
		JitterFraction: 0.1,
	}

	Aggressive = RetryPolicy{
		Name:           "aggressive",
		MaxAttempts:    8,
		BaseDelay:      100 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		Exponent:       2,
		JitterFraction: 0.2,
	}

	Email = RetryPolicy{
		Name:           "email",
		MaxAttempts:    5,
		BaseDelay:      2 * time.Second,
		MaxDelay:       5 * time.Minute,
		Exponent:       3,
		JitterFraction: 0.15,
	}
)

// Validate checks the policy's configuration, mirroring the teacher's
// RetryPolicy.Validate (graph/policy.go).
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if p.MaxDelay > 0 && p.BaseDelay > 0 && p.MaxDelay < p.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	if p.Exponent < 1 {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// IsRetryable applies the policy's predicate (or the class default) to
// an error class.
func (p RetryPolicy) IsRetryable(c Class) bool {
	if p.Retryable != nil {
		return p.Retryable(c)
	}
	return c.Retryable()
}

// Delay computes the backoff delay before the next attempt, per
// spec.md §4.5's formula:
//
//	min(max_delay, base_delay * exponent^(attempt-1)) * (1 + uniform(-jitter, +jitter))
//
// attempt is 1-indexed (the attempt that just failed). rng is injected
// for deterministic tests; pass nil to use the package-level source.
func (p RetryPolicy) Delay(attempt int, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := math.Pow(p.Exponent, float64(attempt-1))
	base := float64(p.BaseDelay) * exp
	if p.MaxDelay > 0 && base > float64(p.MaxDelay) {
		base = float64(p.MaxDelay)
	}

	jitter := p.JitterFraction
	var factor float64
	if rng != nil {
		factor = 1 + (rng.Float64()*2-1)*jitter
	} else {
		factor = 1 + (rand.Float64()*2-1)*jitter // #nosec G404 -- retry timing jitter, not security
	}
	if factor < 0 {
		factor = 0
	}
	return time.Duration(base * factor)
}

// Decision is the retry decider's outcome, per spec.md §4.3's "retry
// decider": either retry after Delay, or give up and move to the
// failure path, optionally tagged with the DLQ class.
type Decision struct {
	Retry bool
	Delay time.Duration
	Class Class
}

// Decide implements the retry decider of spec.md §4.3: classify the
// error, check retryability and attempt budget, and compute the next
// backoff delay when retrying.
func Decide(p RetryPolicy, reason string, attempt int, rng *rand.Rand) Decision {
	class := Classify(reason)
	if !p.IsRetryable(class) || attempt >= p.MaxAttempts {
		return Decision{Retry: false, Class: class}
	}
	return Decision{Retry: true, Delay: p.Delay(attempt, rng), Class: class}
}
