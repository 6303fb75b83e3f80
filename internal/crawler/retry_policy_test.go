package crawler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExponentialRetryPolicyDecide(t *testing.T) {
	t.Parallel()

	policy := NewExponentialRetryPolicy(100*time.Millisecond, time.Second)
	blocked := &BlockedError{Status: 429}

	tests := []struct {
		name    string
		attempt int
		ceiling int
		err     error
		want    Action
	}{
		{name: "success", attempt: 0, ceiling: 3, err: nil, want: ActionSucceed},
		{name: "blocked below ceiling", attempt: 1, ceiling: 3, err: blocked, want: ActionRetry},
		{name: "timeout below ceiling", attempt: 0, ceiling: 1, err: fmt.Errorf("scrape: %w", ErrTimeout), want: ActionRetry},
		{name: "ceiling reached", attempt: 3, ceiling: 3, err: blocked, want: ActionFail},
		{name: "no retries configured", attempt: 0, ceiling: 0, err: blocked, want: ActionFail},
		{name: "cancelled", attempt: 0, ceiling: 3, err: context.Canceled, want: ActionFail},
		{name: "invalid request", attempt: 0, ceiling: 3, err: ErrInvalidRequest, want: ActionFail},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := policy.Decide(tc.attempt, tc.ceiling, tc.err)
			require.Equal(t, tc.want, got.Action)
		})
	}
}

func TestExponentialRetryPolicyCeilingReason(t *testing.T) {
	t.Parallel()

	d := NewExponentialRetryPolicy(0, 0).Decide(2, 2, errors.New("boom"))
	require.Equal(t, ActionFail, d.Action)
	require.Contains(t, d.Reason, ErrMaxRetriesExceeded.Error())
	require.Contains(t, d.Reason, "boom")
}

func TestExponentialRetryPolicyBackoffBounded(t *testing.T) {
	t.Parallel()

	policy := NewExponentialRetryPolicy(100*time.Millisecond, 400*time.Millisecond)
	for attempt := range 10 {
		delay := policy.Backoff(attempt)
		require.GreaterOrEqual(t, delay, time.Duration(0))
		require.LessOrEqual(t, delay, 400*time.Millisecond)
	}
	require.Equal(t, ActionRetry, policy.Decide(0, 1, errors.New("x")).Action)
}
