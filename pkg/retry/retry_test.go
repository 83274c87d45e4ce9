package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeBackoff(t *testing.T) {
	policy := BackoffPolicy{
		PolicyID:    "default",
		BaseMs:      100,
		MaxMs:       30000,
		MaxJitterMs: 0, // Disable jitter for deterministic checks in this test
		MaxAttempts: 5,
	}

	for attempt, want := range []int64{100, 200, 400, 800, 1600} {
		got := ComputeBackoff(BackoffParams{PolicyID: "default", Subject: "evt-1", AttemptIndex: attempt}, policy)
		assert.Equal(t, time.Duration(want)*time.Millisecond, got, "attempt %d", attempt)
	}

	// Capped at MaxMs, and the shift never overflows.
	got := ComputeBackoff(BackoffParams{AttemptIndex: 62}, policy)
	assert.Equal(t, 30*time.Second, got)
}

func TestDeterministicJitter(t *testing.T) {
	policy := BackoffPolicy{PolicyID: "p1", MaxJitterMs: 1000}
	params := BackoffParams{PolicyID: "p1", Subject: "e1", AttemptIndex: 2}

	j1 := ComputeDeterministicJitter(params, policy)
	j2 := ComputeDeterministicJitter(params, policy)
	assert.Equal(t, j1, j2)
	assert.GreaterOrEqual(t, j1, int64(0))
	assert.Less(t, j1, int64(1000))

	params2 := params
	params2.Subject = "e2"
	if ComputeDeterministicJitter(params2, policy) == j1 {
		t.Logf("jitter collision for different inputs (could be chance)")
	}
}

func TestDoStopsOnSuccess(t *testing.T) {
	policy := BackoffPolicy{PolicyID: "t", BaseMs: 1, MaxMs: 2, MaxAttempts: 5}
	calls := 0
	retries, err := Do(context.Background(), policy, "s", nil, func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 2 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, retries)
}

func TestDoRespectsBudgetAndClassifier(t *testing.T) {
	policy := BackoffPolicy{PolicyID: "t", BaseMs: 1, MaxMs: 2, MaxAttempts: 3}
	boom := errors.New("boom")

	calls := 0
	_, err := Do(context.Background(), policy, "s", nil, func(ctx context.Context, attempt int) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)

	permanent := errors.New("permanent")
	calls = 0
	_, err = Do(context.Background(), policy, "s", func(err error) bool { return !errors.Is(err, permanent) },
		func(ctx context.Context, attempt int) error {
			calls++
			return permanent
		})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDoHonoursContext(t *testing.T) {
	policy := BackoffPolicy{PolicyID: "t", BaseMs: 10_000, MaxMs: 10_000, MaxAttempts: 3}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := Do(ctx, policy, "s", nil, func(ctx context.Context, attempt int) error {
		return errors.New("down")
	})
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
