package crawler

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"
)

// Action is the outcome chosen by a RetryPolicy.
type Action int

// Retry policy actions.
const (
	ActionSucceed Action = iota
	ActionRetry
	ActionFail
)

func (a Action) String() string {
	switch a {
	case ActionSucceed:
		return "succeed"
	case ActionRetry:
		return "retry"
	default:
		return "fail"
	}
}

// Decision tells the caller what to do with an attempt's result.
type Decision struct {
	Action Action
	Delay  time.Duration
	// Reason is the failure text recorded when Action is ActionFail.
	Reason string
}

// RetryPolicy decides whether an attempt should be retried. attempt is the
// number of retries already made; ceiling is the job's MaxRetries.
type RetryPolicy interface {
	Decide(attempt, ceiling int, err error) Decision
}

// ExponentialRetryPolicy implements RetryPolicy with jittered backoff.
type ExponentialRetryPolicy struct {
	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewExponentialRetryPolicy builds a policy; zero durations fall back to defaults.
func NewExponentialRetryPolicy(base, maxDelay time.Duration) *ExponentialRetryPolicy {
	if base <= 0 {
		base = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	return &ExponentialRetryPolicy{baseDelay: base, maxDelay: maxDelay}
}

// Decide classifies err. Cancellation and invalid input fail immediately,
// everything else is retried with backoff until the ceiling.
func (p *ExponentialRetryPolicy) Decide(attempt, ceiling int, err error) Decision {
	if err == nil {
		return Decision{Action: ActionSucceed}
	}
	if !retryable(err) {
		return Decision{Action: ActionFail, Reason: err.Error()}
	}
	if attempt >= ceiling {
		return Decision{
			Action: ActionFail,
			Reason: ErrMaxRetriesExceeded.Error() + ": " + err.Error(),
		}
	}
	return Decision{Action: ActionRetry, Delay: p.Backoff(attempt)}
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrClaimLost):
		return false
	default:
		return true
	}
}

// Backoff returns the wait duration before the next attempt.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
