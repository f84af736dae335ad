package policy

import (
	"math/rand"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	cases := map[string]Class{
		"data_corrupted":      ClassTerminal,
		"fraud_detected":      ClassPermanent,
		"missing_email":       ClassRecoverable,
		"timeout":             ClassTransient,
		"something_undefined": ClassUnknown,
	}
	for reason, want := range cases {
		if got := Classify(reason); got != want {
			t.Errorf("Classify(%q) = %q, want %q", reason, got, want)
		}
	}
}

func TestClass_DLQPredicates(t *testing.T) {
	if !ClassTransient.AutoRetryableDLQ() {
		t.Error("transient should be auto-retryable")
	}
	if ClassPermanent.AutoRetryableDLQ() {
		t.Error("permanent should not be auto-retryable")
	}
	if !ClassPermanent.ForceRetryableDLQ() {
		t.Error("permanent should be force-retryable")
	}
	if ClassTerminal.ForceRetryableDLQ() {
		t.Error("terminal should never be force-retryable")
	}
}

func TestRetryPolicy_Validate(t *testing.T) {
	p := Conservative
	if err := p.Validate(); err != nil {
		t.Fatalf("Conservative should be valid: %v", err)
	}

	bad := RetryPolicy{MaxAttempts: 0}
	if err := bad.Validate(); err != ErrInvalidRetryPolicy {
		t.Fatalf("expected ErrInvalidRetryPolicy, got %v", err)
	}

	bad2 := RetryPolicy{MaxAttempts: 1, BaseDelay: time.Second, MaxDelay: 500 * time.Millisecond, Exponent: 2}
	if err := bad2.Validate(); err != ErrInvalidRetryPolicy {
		t.Fatalf("expected ErrInvalidRetryPolicy for max<base, got %v", err)
	}
}

func TestRetryPolicy_Delay_Bounded(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	p := RetryPolicy{
		MaxAttempts:    5,
		BaseDelay:      time.Second,
		MaxDelay:       4 * time.Second,
		Exponent:       2,
		JitterFraction: 0.1,
	}
	for attempt := 1; attempt <= 5; attempt++ {
		d := p.Delay(attempt, rng)
		if d < 0 {
			t.Fatalf("attempt %d: negative delay %v", attempt, d)
		}
		// At high attempts the exponential term is capped at MaxDelay,
		// so delay should never exceed MaxDelay by more than jitter.
		upper := time.Duration(float64(p.MaxDelay) * (1 + p.JitterFraction))
		if d > upper {
			t.Errorf("attempt %d: delay %v exceeds bound %v", attempt, d, upper)
		}
	}
}

func TestDecide_RetriesTransientWithinBudget(t *testing.T) {
	d := Decide(Conservative, "timeout", 1, rand.New(rand.NewSource(1)))
	if !d.Retry || d.Class != ClassTransient {
		t.Errorf("unexpected decision: %+v", d)
	}
}

func TestDecide_GivesUpAtMaxAttempts(t *testing.T) {
	d := Decide(Conservative, "timeout", Conservative.MaxAttempts, rand.New(rand.NewSource(1)))
	if d.Retry {
		t.Errorf("expected give-up at max attempts, got %+v", d)
	}
}

func TestDecide_NeverRetriesTerminal(t *testing.T) {
	d := Decide(Aggressive, "data_corrupted", 1, rand.New(rand.NewSource(1)))
	if d.Retry {
		t.Errorf("terminal errors must never retry, got %+v", d)
	}
	if d.Class != ClassTerminal {
		t.Errorf("expected ClassTerminal, got %v", d.Class)
	}
}
