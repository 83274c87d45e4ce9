// Package retry implements bounded exponential backoff with deterministic
// jitter. Every loop is bounded by BackoffPolicy.MaxAttempts and by the
// caller's context.
package retry

import (
	"context"
	"time"
)

// Classifier decides whether an error is worth another attempt.
type Classifier func(error) bool

// Always retries every non-nil error.
func Always(err error) bool { return err != nil }

// Do calls fn until it succeeds, the classifier rejects the error, the
// attempt budget is spent or ctx is done. It returns the number of retries
// performed (attempts - 1) and the last error.
func Do(ctx context.Context, policy BackoffPolicy, subject string, retryable Classifier, fn func(ctx context.Context, attempt int) error) (int, error) {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	if retryable == nil {
		retryable = Always
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx, attempt); err == nil {
			return attempt, nil
		}
		if attempt == attempts-1 || !retryable(err) {
			return attempt, err
		}

		delay := ComputeBackoff(BackoffParams{
			PolicyID:     policy.PolicyID,
			Subject:      subject,
			AttemptIndex: attempt,
		}, policy)
		if serr := Sleep(ctx, delay); serr != nil {
			return attempt, err
		}
	}
	return attempts - 1, err
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
