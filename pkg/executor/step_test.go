package executor_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-once/pkg/executor"
	"github.com/Mindburn-Labs/helm-once/pkg/retry"
	"github.com/Mindburn-Labs/helm-once/pkg/saga"
	"github.com/Mindburn-Labs/helm-once/pkg/store/memstore"
)

func TestWrapStepRunsOncePerSagaStep(t *testing.T) {
	ctx := context.Background()
	exec := newExecutor(memstore.New())

	var calls atomic.Int32
	action := exec.WrapStep(func(ctx context.Context, sc saga.StepContext) (map[string]any, error) {
		calls.Add(1)
		return map[string]any{"payment_id": "P1"}, nil
	})

	sc := saga.StepContext{SagaID: "s1", SagaName: "checkout", StepID: "charge"}
	out, err := action(ctx, sc)
	require.NoError(t, err)
	assert.Equal(t, "P1", out["payment_id"])

	// A resumed coordinator re-invokes the step.
	out, err = action(ctx, sc)
	require.NoError(t, err)
	assert.Equal(t, "P1", out["payment_id"])
	assert.Equal(t, int32(1), calls.Load())

	// Another saga is another key.
	_, err = action(ctx, saga.StepContext{SagaID: "s2", SagaName: "checkout", StepID: "charge"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestWrapStepFailureIsPermanent(t *testing.T) {
	exec := newExecutor(memstore.New())
	action := exec.WrapStep(func(ctx context.Context, sc saga.StepContext) (map[string]any, error) {
		return nil, errors.New("card declined")
	})

	_, err := action(context.Background(), saga.StepContext{SagaID: "s1", StepID: "charge"})
	require.Error(t, err)
	assert.True(t, saga.IsPermanent(err))
	assert.Contains(t, err.Error(), "card declined")
}

func TestWrapStepRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	exec := newExecutor(s, func(c *executor.Config) {
		c.StepRetry = retry.BackoffPolicy{PolicyID: "test-step", BaseMs: 1, MaxMs: 2, MaxAttempts: 3}
	})

	var calls atomic.Int32
	action := exec.WrapStep(func(ctx context.Context, sc saga.StepContext) (map[string]any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("connection reset by peer")
		}
		return map[string]any{"payment_id": "P1"}, nil
	})

	sc := saga.StepContext{SagaID: "s1", SagaName: "checkout", StepID: "charge"}
	out, err := action(ctx, sc)
	require.NoError(t, err)
	assert.Equal(t, "P1", out["payment_id"])
	assert.Equal(t, int32(3), calls.Load())

	out, err = action(ctx, sc)
	require.NoError(t, err)
	assert.Equal(t, "P1", out["payment_id"])
	assert.Equal(t, int32(3), calls.Load())
}

func TestWrapStepRecordsExhaustedFailure(t *testing.T) {
	ctx := context.Background()
	exec := newExecutor(memstore.New(), func(c *executor.Config) {
		c.StepRetry = retry.BackoffPolicy{PolicyID: "test-step", BaseMs: 1, MaxMs: 2, MaxAttempts: 2}
	})

	var calls atomic.Int32
	action := exec.WrapStep(func(ctx context.Context, sc saga.StepContext) (map[string]any, error) {
		calls.Add(1)
		return nil, errors.New("venue unavailable")
	})

	sc := saga.StepContext{SagaID: "s1", StepID: "charge"}
	_, err := action(ctx, sc)
	require.Error(t, err)
	assert.True(t, saga.IsPermanent(err))
	assert.Equal(t, int32(2), calls.Load())

	_, err = action(ctx, sc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "venue unavailable")
	assert.Equal(t, int32(2), calls.Load())
}

func TestWrapStepDoesNotRetryPermanentFailures(t *testing.T) {
	exec := newExecutor(memstore.New(), func(c *executor.Config) {
		c.StepRetry = retry.BackoffPolicy{PolicyID: "test-step", BaseMs: 1, MaxMs: 2, MaxAttempts: 5}
	})

	var calls atomic.Int32
	action := exec.WrapStep(func(ctx context.Context, sc saga.StepContext) (map[string]any, error) {
		calls.Add(1)
		return nil, saga.Permanent(errors.New("insufficient funds"))
	})

	_, err := action(context.Background(), saga.StepContext{SagaID: "s1", StepID: "charge"})
	require.Error(t, err)
	assert.True(t, saga.IsPermanent(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestWrappedStepsInsideASaga(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	exec := newExecutor(s)

	reg, err := saga.NewRegistry("1.0.0")
	require.NoError(t, err)
	c := saga.NewCoordinator(s.Sagas(), s.Locker(), reg, saga.DefaultConfig())

	var charges atomic.Int32
	require.NoError(t, c.RegisterStep("charge", exec.WrapStep(func(ctx context.Context, sc saga.StepContext) (map[string]any, error) {
		charges.Add(1)
		return map[string]any{"charged": sc.Data["amount"]}, nil
	}), nil))

	id, err := c.CreateSaga(ctx, "checkout", []string{"charge"}, map[string]any{"amount": 10})
	require.NoError(t, err)
	inst, err := c.ExecuteSaga(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompleted, inst.Status)
	assert.Equal(t, 10.0, inst.Context["charged"])
	assert.Equal(t, int32(1), charges.Load())
}
