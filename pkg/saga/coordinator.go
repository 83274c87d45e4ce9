package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/helm-once/pkg/faults"
	"github.com/Mindburn-Labs/helm-once/pkg/lease"
	"github.com/Mindburn-Labs/helm-once/pkg/observability"
	"github.com/Mindburn-Labs/helm-once/pkg/retry"
)

// Config tunes a Coordinator.
type Config struct {
	Holder            string        // lock holder identity; defaults to a random id
	LockTTL           time.Duration // saga lock lease, renewed every LockTTL/3
	StepRetry         retry.BackoffPolicy
	CompensationRetry retry.BackoffPolicy
	StoreRetry        retry.BackoffPolicy
	RecoverBatch      int
}

// DefaultConfig returns the default coordinator settings.
func DefaultConfig() Config {
	return Config{
		LockTTL:           30 * time.Second,
		StepRetry:         retry.BackoffPolicy{PolicyID: "saga-step", BaseMs: 100, MaxMs: 5000, MaxJitterMs: 50, MaxAttempts: 3},
		CompensationRetry: retry.BackoffPolicy{PolicyID: "saga-compensation", BaseMs: 100, MaxMs: 5000, MaxJitterMs: 50, MaxAttempts: 5},
		StoreRetry:        retry.DefaultStorePolicy,
		RecoverBatch:      1000,
	}
}

// Coordinator drives saga instances. Several coordinators may share a Store;
// the Locker serializes them per saga.
type Coordinator struct {
	store    Store
	locker   lease.Locker
	registry *Registry
	cfg      Config
	hooks    *Hooks
	logger   *slog.Logger
	metrics  *observability.Metrics
	obs      *observability.Provider
	now      func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l.With("component", "saga") }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithProvider sets the tracing provider.
func WithProvider(p *observability.Provider) Option {
	return func(c *Coordinator) { c.obs = p }
}

// WithHooks installs lifecycle hooks.
func WithHooks(h *Hooks) Option {
	return func(c *Coordinator) { c.hooks = h }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a Coordinator. locker may be nil when a single
// process owns the store.
func NewCoordinator(store Store, locker lease.Locker, registry *Registry, cfg Config, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if cfg.Holder == "" {
		cfg.Holder = "coordinator-" + uuid.New().String()
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.StepRetry.MaxAttempts <= 0 {
		cfg.StepRetry = def.StepRetry
	}
	if cfg.CompensationRetry.MaxAttempts <= 0 {
		cfg.CompensationRetry = def.CompensationRetry
	}
	if cfg.StoreRetry.MaxAttempts <= 0 {
		cfg.StoreRetry = def.StoreRetry
	}
	if cfg.RecoverBatch <= 0 {
		cfg.RecoverBatch = def.RecoverBatch
	}
	c := &Coordinator{
		store:    store,
		locker:   locker,
		registry: registry,
		cfg:      cfg,
		logger:   slog.Default().With("component", "saga"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterStep adds a step definition to the coordinator's registry.
func (c *Coordinator) RegisterStep(id string, action Action, compensation Compensation) error {
	return c.registry.Register(StepDefinition{ID: id, Action: action, Compensation: compensation})
}

// CreateSaga persists a new running instance at step 0 and returns its id.
// Every step id must be registered and appear once.
func (c *Coordinator) CreateSaga(ctx context.Context, name string, stepIDs []string, initial map[string]any) (string, error) {
	const op = "create_saga"
	if len(stepIDs) == 0 {
		return "", faults.E(faults.ErrInvalidArgument, op, name, fmt.Errorf("saga has no steps"))
	}
	seen := make(map[string]bool, len(stepIDs))
	for _, id := range stepIDs {
		if _, ok := c.registry.Lookup(id); !ok {
			return "", faults.E(faults.ErrInvalidArgument, op, name, fmt.Errorf("step %q is not registered", id))
		}
		if seen[id] {
			return "", faults.E(faults.ErrInvalidArgument, op, name, fmt.Errorf("step %q appears twice", id))
		}
		seen[id] = true
	}
	data, err := jsonMap(initial)
	if err != nil {
		return "", faults.E(faults.ErrInvalidArgument, op, name, fmt.Errorf("initial context: %w", err))
	}

	now := c.now()
	inst := &Instance{
		ID:                uuid.New().String(),
		Name:              name,
		StepIDs:           append([]string(nil), stepIDs...),
		Context:           data,
		Status:            StatusRunning,
		StepResults:       make(map[string]*StepResult),
		Completed:         []string{},
		DefinitionVersion: c.registry.Version().String(),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if _, err := retry.Do(ctx, c.cfg.StoreRetry, inst.ID, faults.IsTransient, func(ctx context.Context, _ int) error {
		return c.store.Create(ctx, inst)
	}); err != nil {
		return "", err
	}
	c.metrics.SagaTransition(ctx, name, string(StatusRunning))
	c.logger.InfoContext(ctx, "saga created", "saga_id", inst.ID, "name", name, "steps", len(stepIDs))
	return inst.ID, nil
}

// ExecuteSaga drives the saga until it is terminal or cannot make progress.
//
// It returns the instance as last persisted. The error is non-nil when the
// run was interrupted (lock contention, store failure, cancellation) or when
// compensation failed, in which case it is a *faults.CompensationError. A
// saga that was rolled back cleanly returns status compensated and a nil
// error. Calling ExecuteSaga again on a non-terminal saga resumes it.
func (c *Coordinator) ExecuteSaga(ctx context.Context, id string) (inst *Instance, err error) {
	ctx, end := c.obs.TrackOperation(ctx, "saga.execute", attribute.String("saga.id", id))
	defer func() { end(err) }()

	inst, err = c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() {
		return inst, terminalError(inst)
	}
	if err := c.registry.Compatible(inst.DefinitionVersion); err != nil {
		return inst, faults.E(faults.ErrInvalidArgument, "execute_saga", id, err)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if c.locker != nil {
		release, err := c.lock(runCtx, id, cancel)
		if err != nil {
			return inst, err
		}
		defer release()

		// Another coordinator may have advanced the saga before we got the lock.
		if inst, err = c.Get(runCtx, id); err != nil {
			return nil, err
		}
		if inst.Status.Terminal() {
			return inst, terminalError(inst)
		}
	}

	if inst.Status == StatusRunning {
		err = c.runForward(runCtx, inst)
	}
	if err == nil && inst.Status == StatusCompensating {
		err = c.compensate(runCtx, inst)
	}
	if inst.Status.Terminal() {
		c.hooks.sagaFinished(c.logger, inst)
	}
	return inst, err
}

// Resume continues a saga after a crash. It is ExecuteSaga under another name.
func (c *Coordinator) Resume(ctx context.Context, id string) (*Instance, error) {
	return c.ExecuteSaga(ctx, id)
}

// RecoverAll resumes every running or compensating saga. Sagas locked by
// another coordinator are skipped.
func (c *Coordinator) RecoverAll(ctx context.Context) ([]*Instance, error) {
	var active []*Instance
	if _, err := retry.Do(ctx, c.cfg.StoreRetry, "recover", faults.IsTransient, func(ctx context.Context, _ int) error {
		var err error
		active, err = c.store.ListActive(ctx, c.cfg.RecoverBatch)
		return err
	}); err != nil {
		return nil, err
	}

	c.logger.InfoContext(ctx, "recovering sagas", "count", len(active))
	var (
		out  []*Instance
		errs []error
	)
	for _, a := range active {
		inst, err := c.ExecuteSaga(ctx, a.ID)
		if errors.Is(err, faults.ErrLockContention) {
			c.logger.DebugContext(ctx, "saga owned by another coordinator", "saga_id", a.ID)
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("saga %s: %w", a.ID, err))
		}
		if inst != nil {
			out = append(out, inst)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return out, errors.Join(errs...)
}

// Get returns the persisted instance.
func (c *Coordinator) Get(ctx context.Context, id string) (*Instance, error) {
	var inst *Instance
	_, err := retry.Do(ctx, c.cfg.StoreRetry, id, faults.IsTransient, func(ctx context.Context, _ int) error {
		var err error
		inst, err = c.store.Get(ctx, id)
		return err
	})
	return inst, err
}

// PurgeTerminal deletes finished sagas last updated before the cutoff.
func (c *Coordinator) PurgeTerminal(ctx context.Context, before time.Time) (int, error) {
	n, err := c.store.PurgeTerminal(ctx, before)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.logger.InfoContext(ctx, "purged terminal sagas", "count", n, "before", before)
	}
	return n, nil
}

func (c *Coordinator) lock(ctx context.Context, id string, cancel context.CancelCauseFunc) (func(), error) {
	name := "saga:" + id
	token, err := c.locker.Acquire(ctx, name, c.cfg.Holder, c.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	stop := lease.Keepalive(ctx, lease.RenewInterval(c.cfg.LockTTL), func(ctx context.Context) error {
		return c.locker.Renew(ctx, name, token, c.cfg.LockTTL)
	}, func(err error) { cancel(err) }, c.logger)

	return func() {
		stop()
		rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer rcancel()
		if err := c.locker.Release(rctx, name, token); err != nil {
			c.logger.WarnContext(ctx, "saga lock release failed", "saga_id", id, "error", err)
		}
	}, nil
}

func (c *Coordinator) runForward(ctx context.Context, inst *Instance) error {
	for inst.CurrentStep < len(inst.StepIDs) {
		stepID := inst.StepIDs[inst.CurrentStep]
		def, ok := c.registry.Lookup(stepID)
		if !ok {
			return faults.E(faults.ErrInvalidArgument, "execute_saga", inst.ID, fmt.Errorf("step %q is not registered", stepID))
		}

		var output map[string]any
		retries, err := retry.Do(ctx, c.cfg.StepRetry, inst.ID+"/"+stepID, retryable(ctx), func(ctx context.Context, attempt int) error {
			out, err := def.Action(ctx, StepContext{
				SagaID:   inst.ID,
				SagaName: inst.Name,
				StepID:   stepID,
				Attempt:  attempt,
				Data:     copyMap(inst.Context),
			})
			if err != nil {
				return err
			}
			if output, err = jsonMap(out); err != nil {
				return Permanent(fmt.Errorf("step output is not serializable: %w", err))
			}
			return nil
		})
		if err != nil && ctx.Err() != nil {
			// Outcome unknown; the step runs again when the saga is resumed.
			return context.Cause(ctx)
		}

		now := c.now()
		if err != nil {
			inst.StepResults[stepID] = &StepResult{
				Status:    StepFailed,
				Attempts:  retries + 1,
				Error:     faults.Truncate(err),
				UpdatedAt: now,
			}
			inst.FailedStep = stepID
			inst.Error = faults.Truncate(err)
			inst.Status = StatusCompensating
			if perr := c.persist(ctx, inst); perr != nil {
				return perr
			}
			c.logger.WarnContext(ctx, "saga step failed; compensating",
				"saga_id", inst.ID, "step_id", stepID, "attempts", retries+1, "error", err)
			c.metrics.SagaTransition(ctx, inst.Name, string(StatusCompensating))
			c.hooks.stepFailed(c.logger, inst.ID, stepID, err)
			return nil
		}

		for k, v := range output {
			inst.Context[k] = v
		}
		inst.StepResults[stepID] = &StepResult{
			Status:    StepSucceeded,
			Output:    output,
			Attempts:  retries + 1,
			UpdatedAt: now,
		}
		inst.Completed = append(inst.Completed, stepID)
		inst.CurrentStep++
		if inst.CurrentStep == len(inst.StepIDs) {
			inst.Status = StatusCompleted
		}
		if err := c.persist(ctx, inst); err != nil {
			return err
		}
		c.logger.DebugContext(ctx, "saga step completed", "saga_id", inst.ID, "step_id", stepID, "attempts", retries+1)
		c.hooks.stepComplete(c.logger, inst.ID, stepID, retries+1)
	}

	c.metrics.SagaTransition(ctx, inst.Name, string(StatusCompleted))
	c.logger.InfoContext(ctx, "saga completed", "saga_id", inst.ID, "name", inst.Name)
	return nil
}

func (c *Coordinator) compensate(ctx context.Context, inst *Instance) error {
	for i := len(inst.Completed) - 1; i >= 0; i-- {
		stepID := inst.Completed[i]
		res := inst.StepResults[stepID]
		if res == nil {
			res = &StepResult{Status: StepSucceeded}
			inst.StepResults[stepID] = res
		}
		if res.Status == StepCompensated {
			continue
		}
		def, ok := c.registry.Lookup(stepID)
		if !ok {
			return faults.E(faults.ErrInvalidArgument, "compensate_saga", inst.ID, fmt.Errorf("step %q is not registered", stepID))
		}

		if def.Compensation != nil {
			retries, err := retry.Do(ctx, c.cfg.CompensationRetry, inst.ID+"/"+stepID+"/compensate", retryable(ctx), func(ctx context.Context, attempt int) error {
				return def.Compensation(ctx, StepContext{
					SagaID:   inst.ID,
					SagaName: inst.Name,
					StepID:   stepID,
					Attempt:  attempt,
					Data:     copyMap(inst.Context),
					Output:   copyMap(res.Output),
				})
			})
			if err != nil && ctx.Err() != nil {
				return context.Cause(ctx)
			}
			res.CompensationAttempts = retries + 1
			if err != nil {
				res.Status = StepCompensationFailed
				res.Error = faults.Truncate(err)
				res.UpdatedAt = c.now()
				inst.Status = StatusFailed
				inst.CompensationError = faults.Truncate(err)
				if perr := c.persist(ctx, inst); perr != nil {
					return perr
				}
				c.logger.ErrorContext(ctx, "saga compensation failed; manual intervention required",
					"saga_id", inst.ID, "step_id", stepID, "original_error", inst.Error, "error", err)
				c.metrics.SagaTransition(ctx, inst.Name, string(StatusFailed))
				c.hooks.compensationFailed(c.logger, inst.ID, stepID, err)
				return &faults.CompensationError{
					SagaID:            inst.ID,
					StepID:            stepID,
					OriginalError:     errors.New(inst.Error),
					CompensationError: err,
				}
			}
		}

		res.Status = StepCompensated
		res.UpdatedAt = c.now()
		if err := c.persist(ctx, inst); err != nil {
			return err
		}
		c.hooks.compensationComplete(c.logger, inst.ID, stepID)
	}

	inst.Status = StatusCompensated
	if err := c.persist(ctx, inst); err != nil {
		return err
	}
	c.metrics.SagaTransition(ctx, inst.Name, string(StatusCompensated))
	c.logger.InfoContext(ctx, "saga compensated", "saga_id", inst.ID, "failed_step", inst.FailedStep)
	return nil
}

func (c *Coordinator) persist(ctx context.Context, inst *Instance) error {
	inst.UpdatedAt = c.now()
	_, err := retry.Do(ctx, c.cfg.StoreRetry, inst.ID, faults.IsTransient, func(ctx context.Context, _ int) error {
		return c.store.Update(ctx, inst)
	})
	return err
}

func retryable(ctx context.Context) retry.Classifier {
	return func(err error) bool {
		return err != nil && !IsPermanent(err) && ctx.Err() == nil
	}
}

// terminalError reconstructs the error a terminal saga finished with.
func terminalError(inst *Instance) error {
	if inst.Status != StatusFailed {
		return nil
	}
	stepID := ""
	for id, r := range inst.StepResults {
		if r != nil && r.Status == StepCompensationFailed {
			stepID = id
			break
		}
	}
	return &faults.CompensationError{
		SagaID:            inst.ID,
		StepID:            stepID,
		OriginalError:     errors.New(inst.Error),
		CompensationError: errors.New(inst.CompensationError),
	}
}

// jsonMap normalizes a map through JSON so in-memory and reloaded contexts
// carry the same value types.
func jsonMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(m))
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
