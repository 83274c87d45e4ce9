package executor

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/Mindburn-Labs/helm-once/pkg/faults"
	"github.com/Mindburn-Labs/helm-once/pkg/idempotency"
	"github.com/Mindburn-Labs/helm-once/pkg/retry"
	"github.com/Mindburn-Labs/helm-once/pkg/saga"
)

// StepOperationType is the operation type of records created by WrapStep.
const StepOperationType = "saga_step"

// WrapStep makes a saga action exactly-once per (saga id, step id). A
// coordinator that re-invokes the step after a crash gets the recorded output
// instead of repeating the side effect.
//
// Transient action failures are retried under Config.StepRetry while the
// step's lease is held; only the last error is recorded. A recorded failure
// is permanent.
func (e *Executor) WrapStep(action saga.Action) saga.Action {
	return func(ctx context.Context, sc saga.StepContext) (map[string]any, error) {
		key, err := e.deriver.Derive(idempotency.KeyInput{
			OperationType: StepOperationType,
			Service:       e.cfg.Service,
			Params:        map[string]any{"saga_id": sc.SagaID, "step_id": sc.StepID},
		})
		if err != nil {
			return nil, saga.Permanent(err)
		}

		res, err := e.ExecuteExactlyOnce(ctx, func(ctx context.Context, _ *Execution) (any, error) {
			var out map[string]any
			_, err := retry.Do(ctx, e.cfg.StepRetry, string(key), stepRetryable(ctx), func(ctx context.Context, _ int) error {
				var err error
				out, err = action(ctx, sc)
				return err
			})
			return out, err
		}, key, StepOperationType, e.cfg.DefaultTimeout)
		if err != nil {
			if errors.Is(err, faults.ErrOperation) {
				return nil, saga.Permanent(err)
			}
			return nil, err
		}

		var out map[string]any
		if len(res.Result) > 0 {
			if err := json.Unmarshal(res.Result, &out); err != nil {
				return nil, saga.Permanent(err)
			}
		}
		return out, nil
	}
}

func stepRetryable(ctx context.Context) retry.Classifier {
	return func(err error) bool {
		return err != nil && !saga.IsPermanent(err) && ctx.Err() == nil
	}
}
