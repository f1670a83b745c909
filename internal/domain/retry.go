package domain

import (
	"math/rand"
	"time"
)

// DecisionOutcome is what happens to a job after a reported failure.
type DecisionOutcome string

const (
	// DecisionRetry re-enqueues the job after a backoff delay.
	DecisionRetry DecisionOutcome = "retry"
	// DecisionDeadLetter quarantines the job; no further publishes occur.
	DecisionDeadLetter DecisionOutcome = "dead_letter"
)

// Decision is the outcome of RecordFailure, derived inside the store
// transaction so that concurrent failure reports cannot both decide with
// stale counts. Control flow is data, not error unwinding.
type Decision struct {
	Outcome     DecisionOutcome
	Delay       time.Duration
	NextRetryAt time.Time
	DeadLetter  *DeadLetter
}

// RetryRule configures backoff for one job type.
type RetryRule struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// RetryPolicy decides whether a failed job retries and with what delay.
// Per-type rules override Defaults; a job's own MaxRetries overrides both.
type RetryPolicy struct {
	Defaults RetryRule
	PerType  map[JobType]RetryRule
}

// DefaultRetryPolicy returns the built-in per-type retry table.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Defaults: RetryRule{MaxRetries: 3, BaseDelay: 2 * time.Second, MaxDelay: 300 * time.Second},
		PerType: map[JobType]RetryRule{
			TypeSendEmail:     {MaxRetries: 3, BaseDelay: 2 * time.Second, MaxDelay: 300 * time.Second},
			TypeProcessVideo:  {MaxRetries: 5, BaseDelay: 5 * time.Second, MaxDelay: 3600 * time.Second},
			TypeScrapeWebsite: {MaxRetries: 3, BaseDelay: 10 * time.Second, MaxDelay: 600 * time.Second},
		},
	}
}

// Rule returns the retry rule for t, falling back to Defaults for unknown
// types.
func (p RetryPolicy) Rule(t JobType) RetryRule {
	if r, ok := p.PerType[t]; ok {
		return r
	}
	return p.Defaults
}

// ShouldRetry reports whether a job whose retry count (after the
// just-reported failure) is retryCount gets another attempt. The boundary
// admits maxRetries retries after the initial run: a job with maxRetries=3
// runs at most 4 times.
func (p RetryPolicy) ShouldRetry(retryCount, maxRetries int) bool {
	return retryCount <= maxRetries
}

// Backoff computes the delay before re-enqueueing attempt number n (1-based,
// the attempt that just failed): base*2^(n-1) with ±20% jitter, clamped to
// the rule's cap after jitter, floored to whole seconds, never negative.
func (p RetryPolicy) Backoff(t JobType, attempt int) time.Duration {
	rule := p.Rule(t)
	if attempt < 1 {
		attempt = 1
	}
	raw := float64(rule.BaseDelay) * pow2(attempt-1)
	jitter := raw * 0.2 * (2*rand.Float64() - 1)
	delay := raw + jitter
	if max := float64(rule.MaxDelay); delay > max {
		delay = max
	}
	if delay < 0 {
		delay = 0
	}
	secs := int64(delay / float64(time.Second))
	return time.Duration(secs) * time.Second
}

func pow2(n int) float64 {
	result := 1.0
	for i := 0; i < n; i++ {
		result *= 2
	}
	return result
}
