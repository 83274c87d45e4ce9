// Package executor runs operations exactly once per idempotency key.
//
// The first caller to observe a key owns its execution: it takes the key's
// lease, runs the operation while renewing the lease, then stores the result
// and releases the lease. Concurrent duplicates wait, bounded by a timeout,
// and receive the owner's result and execution id. A duplicate that finds the
// lease expired takes the execution over.
//
// Events emitted by an operation are staged in the outbox in the same atomic
// step that records the result.
package executor

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
	"github.com/Mindburn-Labs/helm-once/pkg/idempotency"
	"github.com/Mindburn-Labs/helm-once/pkg/lease"
	"github.com/Mindburn-Labs/helm-once/pkg/observability"
	"github.com/Mindburn-Labs/helm-once/pkg/outbox"
	"github.com/Mindburn-Labs/helm-once/pkg/retry"
	"github.com/Mindburn-Labs/helm-once/pkg/saga"
)

// Committer records a completion together with the outbox events it
// announces, atomically.
type Committer interface {
	CompleteWithEvents(ctx context.Context, tr idempotency.Transition, events []*outbox.Event) (idempotency.Status, error)
}

// Execution is handed to a running operation.
type Execution struct {
	ID       string
	Key      idempotency.Key
	Takeover bool // a previous owner's lease expired before it finished
	events   []*outbox.Event
}

// Emit stages events to be committed with the operation's result. They are
// dropped if the operation fails.
func (x *Execution) Emit(events ...*outbox.Event) {
	x.events = append(x.events, events...)
}

// Operation is the side-effecting work. Its return value is JSON-encoded and
// replayed to every duplicate.
type Operation func(ctx context.Context, x *Execution) (any, error)

// Result is the definitive outcome of one call.
type Result struct {
	ExecutionID     string
	Key             idempotency.Key
	Status          idempotency.Status
	Result          json.RawMessage
	Err             error
	Duration        time.Duration
	RetryCount      int
	PublishedEvents []string
	Duplicate       bool // answered from an existing record
}

// Decode unmarshals the stored result into v.
func (r *Result) Decode(v any) error {
	if len(r.Result) == 0 {
		return faults.E(faults.ErrNotFound, "decode_result", string(r.Key), fmt.Errorf("no result stored"))
	}
	return json.Unmarshal(r.Result, v)
}

// Config tunes an Executor.
type Config struct {
	Service         string
	Holder          string
	RecordTTL       time.Duration
	Lease           time.Duration
	DefaultTimeout  time.Duration
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	StoreRetry      retry.BackoffPolicy
	StepRetry       retry.BackoffPolicy // transient failures of wrapped saga steps
}

// DefaultConfig returns the default executor settings.
func DefaultConfig() Config {
	return Config{
		RecordTTL:       24 * time.Hour,
		Lease:           30 * time.Second,
		DefaultTimeout:  30 * time.Second,
		PollInterval:    25 * time.Millisecond,
		MaxPollInterval: time.Second,
		StoreRetry:      retry.DefaultStorePolicy,
		StepRetry:       saga.DefaultConfig().StepRetry,
	}
}

// Executor is safe for concurrent use.
type Executor struct {
	records   idempotency.Store
	committer Committer
	deriver   *idempotency.Deriver
	cfg       Config
	logger    *slog.Logger
	metrics   *observability.Metrics
	obs       *observability.Provider
	validator *outbox.Validator
	now       func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l.With("component", "executor") }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithProvider sets the tracing provider.
func WithProvider(p *observability.Provider) Option {
	return func(e *Executor) { e.obs = p }
}

// WithDeriver sets the key deriver used by Submit and WrapStep.
func WithDeriver(d *idempotency.Deriver) Option {
	return func(e *Executor) { e.deriver = d }
}

// WithValidator checks emitted event payloads against their registered
// schemas. An operation whose events fail the check is recorded as failed.
func WithValidator(v *outbox.Validator) Option {
	return func(e *Executor) { e.validator = v }
}

// WithClock overrides time.Now for durations.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// New creates an Executor. committer may be nil when no operation emits events.
func New(records idempotency.Store, committer Committer, cfg Config, opts ...Option) *Executor {
	def := DefaultConfig()
	if cfg.Holder == "" {
		cfg.Holder = "executor-" + uuid.New().String()
	}
	if cfg.RecordTTL <= 0 {
		cfg.RecordTTL = def.RecordTTL
	}
	if cfg.Lease <= 0 {
		cfg.Lease = def.Lease
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxPollInterval < cfg.PollInterval {
		cfg.MaxPollInterval = max(def.MaxPollInterval, cfg.PollInterval)
	}
	if cfg.StoreRetry.MaxAttempts <= 0 {
		cfg.StoreRetry = def.StoreRetry
	}
	if cfg.StepRetry.MaxAttempts <= 0 {
		cfg.StepRetry = def.StepRetry
	}
	e := &Executor{
		records:   records,
		committer: committer,
		deriver:   idempotency.NewDeriver(),
		cfg:       cfg,
		logger:    slog.Default().With("component", "executor"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CallOption adjusts one call.
type CallOption func(*call)

type call struct {
	payloadHash string
	err         error
}

// WithPayload fingerprints the request payload so reuse of the key for a
// different payload is rejected with faults.ErrKeyConflict.
func WithPayload(payload any) CallOption {
	return func(c *call) {
		c.payloadHash, c.err = idempotency.PayloadHash(payload)
	}
}

// ExecuteExactlyOnce runs op at most once for key while its record lives.
//
// A duplicate of a settled key gets the stored outcome. A duplicate of a key
// being executed elsewhere waits up to timeout and then fails with
// faults.ErrTimeout without running op. A business failure is recorded,
// returned as faults.ErrOperation and never retried here. The returned
// Result is always non-nil; err equals Result.Err.
func (e *Executor) ExecuteExactlyOnce(ctx context.Context, op Operation, key idempotency.Key, operationType string, timeout time.Duration, opts ...CallOption) (res *Result, err error) {
	start := e.now()
	res = &Result{Key: key}
	defer func() {
		res.Err = err
		res.Duration = e.now().Sub(start)
	}()

	var c call
	for _, o := range opts {
		o(&c)
	}
	if c.err != nil {
		return res, faults.E(faults.ErrInvalidArgument, "execute", string(key), c.err)
	}
	if key == "" || op == nil {
		return res, faults.E(faults.ErrInvalidArgument, "execute", string(key), fmt.Errorf("key and operation are required"))
	}
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}

	ctx, end := e.obs.TrackOperation(ctx, "once.execute",
		attribute.String("once.key", string(key)),
		attribute.String("once.operation_type", operationType))
	defer func() { end(err) }()

	rec, isNew, err := e.checkAndCreate(ctx, res, idempotency.CreateRequest{
		Key:           key,
		ExecutionID:   uuid.New().String(),
		OperationType: operationType,
		Service:       e.cfg.Service,
		PayloadHash:   c.payloadHash,
		TTL:           e.cfg.RecordTTL,
	})
	if err != nil {
		return res, err
	}
	res.ExecutionID = rec.ExecutionID
	res.Status = rec.Status
	if !isNew && rec.Status.Settled() {
		return e.replay(ctx, res, rec, operationType)
	}

	deadline := start.Add(timeout)
	wait := e.cfg.PollInterval
	for {
		token, ok, err := e.acquire(ctx, res, key)
		if err != nil {
			return res, err
		}
		if ok {
			done, err := e.own(ctx, res, op, operationType, token)
			if done {
				return res, err
			}
			// Lease lost before the start could be recorded; wait for the new owner.
		}

		rec, err := e.get(ctx, res, key)
		if err != nil {
			return res, err
		}
		res.Status = rec.Status
		if rec.Status.Settled() {
			return e.replay(ctx, res, rec, operationType)
		}

		remaining := deadline.Sub(e.now())
		if remaining <= 0 {
			e.logger.WarnContext(ctx, "timed out waiting for concurrent execution",
				"key", key, "execution_id", rec.ExecutionID, "status", rec.Status, "holder", rec.LockHolder)
			e.metrics.Execution(ctx, operationType, "timeout", e.now().Sub(start))
			return res, faults.E(faults.ErrTimeout, "execute", string(key), fmt.Errorf("waited %s", timeout))
		}
		if err := retry.Sleep(ctx, min(wait, remaining)); err != nil {
			return res, err
		}
		wait = min(wait*2, e.cfg.MaxPollInterval)
	}
}

// own runs op while holding token. done is false only when the lease was lost
// before the execution started, in which case nothing ran.
func (e *Executor) own(ctx context.Context, res *Result, op Operation, operationType, token string) (done bool, err error) {
	key := res.Key
	prev, err := e.transition(ctx, res, idempotency.Transition{Key: key, Token: token, Status: idempotency.StatusInProgress})
	if errors.Is(err, faults.ErrLeaseLost) {
		return false, nil
	}
	if err != nil {
		e.release(ctx, key, token)
		return true, err
	}
	takeover := prev == idempotency.StatusInProgress
	if takeover {
		e.logger.WarnContext(ctx, "taking over execution after lease expiry", "key", key, "execution_id", res.ExecutionID)
	}

	opCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := lease.Keepalive(opCtx, lease.RenewInterval(e.cfg.Lease), func(ctx context.Context) error {
		return e.records.RenewLock(ctx, key, token, e.cfg.Lease)
	}, func(err error) { cancel(err) }, e.logger)

	started := e.now()
	x := &Execution{ID: res.ExecutionID, Key: key, Takeover: takeover}
	value, opErr := invoke(opCtx, op, x)
	stop()
	elapsed := e.now().Sub(started)

	if cause := context.Cause(opCtx); errors.Is(cause, faults.ErrLeaseLost) {
		// Another worker may own the key now; its outcome is the one recorded.
		e.logger.ErrorContext(ctx, "lease lost during execution; result discarded", "key", key, "execution_id", res.ExecutionID)
		return true, faults.E(faults.ErrLeaseLost, "execute", string(key), opErr)
	}
	if opErr != nil && ctx.Err() != nil {
		// The caller gave up. The outcome is unknown, so leave the record
		// in progress and free the lease for a later takeover.
		e.release(context.WithoutCancel(ctx), key, token)
		return true, ctx.Err()
	}

	// The result is recorded even if the caller stops waiting now.
	pctx := context.WithoutCancel(ctx)
	if opErr == nil {
		raw, merr := json.Marshal(value)
		if merr != nil {
			opErr = fmt.Errorf("result is not serializable: %w", merr)
		} else if opErr = e.checkEvents(x.events); opErr == nil {
			if err := e.complete(pctx, res, operationType, token, raw, x.events, elapsed); err != nil {
				return true, e.unrecorded(ctx, res, err)
			}
			e.release(pctx, key, token)
			return true, nil
		}
	}

	if _, err := e.transition(pctx, res, idempotency.Transition{
		Key: key, Token: token, Status: idempotency.StatusFailed, Error: faults.Truncate(opErr),
	}); err != nil {
		return true, e.unrecorded(ctx, res, err)
	}
	e.release(pctx, key, token)
	res.Status = idempotency.StatusFailed
	e.metrics.Execution(ctx, operationType, "failed", elapsed)
	e.logger.WarnContext(ctx, "operation failed", "key", key, "execution_id", res.ExecutionID, "error", opErr)
	return true, faults.E(faults.ErrOperation, "execute", string(key), opErr)
}

// checkEvents rejects emitted events that could never be staged, so the
// operation settles as failed instead of leaving its record in progress.
func (e *Executor) checkEvents(events []*outbox.Event) error {
	if len(events) == 0 {
		return nil
	}
	if e.committer == nil {
		return fmt.Errorf("operation emitted events but no committer is configured")
	}
	if err := outbox.Check(events); err != nil {
		return err
	}
	return e.validator.Validate(events...)
}

// unrecorded handles an outcome that could not be stored after op ran. The
// lease is kept and left to expire so the key is not taken over at once.
func (e *Executor) unrecorded(ctx context.Context, res *Result, err error) error {
	if !errors.Is(err, faults.ErrLeaseLost) {
		e.logger.ErrorContext(ctx, "outcome not recorded; key stays leased until expiry",
			"key", res.Key, "execution_id", res.ExecutionID, "error", err)
	}
	return err
}

func (e *Executor) complete(ctx context.Context, res *Result, operationType, token string, raw json.RawMessage, events []*outbox.Event, elapsed time.Duration) error {
	tr := idempotency.Transition{Key: res.Key, Token: token, Status: idempotency.StatusCompleted, Result: raw}
	if len(events) == 0 {
		if _, err := e.transition(ctx, res, tr); err != nil {
			return err
		}
	} else {
		for _, ev := range events {
			if ev != nil && ev.IdempotencyKey == "" {
				ev.IdempotencyKey = string(res.Key)
			}
		}
		retries, err := retry.Do(ctx, e.cfg.StoreRetry, string(res.Key), faults.IsTransient, func(ctx context.Context, _ int) error {
			_, err := e.committer.CompleteWithEvents(ctx, tr, events)
			return err
		})
		res.RetryCount += retries
		if err != nil {
			return err
		}
		for _, ev := range events {
			res.PublishedEvents = append(res.PublishedEvents, ev.ID)
		}
	}
	res.Status = idempotency.StatusCompleted
	res.Result = raw
	e.metrics.Execution(ctx, operationType, "completed", elapsed)
	e.logger.DebugContext(ctx, "operation completed", "key", res.Key, "execution_id", res.ExecutionID, "events", len(events))
	return nil
}

func (e *Executor) replay(ctx context.Context, res *Result, rec *idempotency.Record, operationType string) (*Result, error) {
	res.Duplicate = true
	res.ExecutionID = rec.ExecutionID
	res.Status = rec.Status
	res.Result = rec.Result
	e.metrics.Duplicate(ctx, operationType)
	if rec.Status == idempotency.StatusFailed {
		return res, faults.E(faults.ErrOperation, "execute", string(rec.Key), errors.New(rec.Error))
	}
	return res, nil
}

// Submit derives the key for params under the operation type's policy, then
// executes op with the default timeout.
func (e *Executor) Submit(ctx context.Context, operationType string, params any, op Operation) (*Result, error) {
	key, err := e.deriver.Derive(idempotency.KeyInput{
		OperationType: operationType,
		Service:       e.cfg.Service,
		Params:        params,
		At:            e.now(),
	})
	if err != nil {
		return &Result{Err: err}, err
	}
	return e.ExecuteExactlyOnce(ctx, op, key, operationType, e.cfg.DefaultTimeout)
}

// Status returns the record of an execution.
func (e *Executor) Status(ctx context.Context, executionID string) (*idempotency.Record, error) {
	var rec *idempotency.Record
	_, err := retry.Do(ctx, e.cfg.StoreRetry, executionID, faults.IsTransient, func(ctx context.Context, _ int) error {
		var err error
		rec, err = e.records.GetByExecutionID(ctx, executionID)
		return err
	})
	return rec, err
}

func invoke(ctx context.Context, op Operation, x *Execution) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation panicked: %v", r)
		}
	}()
	return op(ctx, x)
}

func (e *Executor) checkAndCreate(ctx context.Context, res *Result, req idempotency.CreateRequest) (*idempotency.Record, bool, error) {
	var (
		rec   *idempotency.Record
		isNew bool
	)
	retries, err := retry.Do(ctx, e.cfg.StoreRetry, string(req.Key), faults.IsTransient, func(ctx context.Context, _ int) error {
		var err error
		rec, isNew, err = e.records.CheckAndCreate(ctx, req)
		return err
	})
	res.RetryCount += retries
	return rec, isNew, err
}

func (e *Executor) acquire(ctx context.Context, res *Result, key idempotency.Key) (string, bool, error) {
	var (
		token string
		ok    bool
	)
	retries, err := retry.Do(ctx, e.cfg.StoreRetry, string(key), faults.IsTransient, func(ctx context.Context, _ int) error {
		var err error
		token, ok, err = e.records.AcquireLock(ctx, key, e.cfg.Holder, e.cfg.Lease)
		return err
	})
	res.RetryCount += retries
	return token, ok, err
}

func (e *Executor) get(ctx context.Context, res *Result, key idempotency.Key) (*idempotency.Record, error) {
	var rec *idempotency.Record
	retries, err := retry.Do(ctx, e.cfg.StoreRetry, string(key), faults.IsTransient, func(ctx context.Context, _ int) error {
		var err error
		rec, err = e.records.Get(ctx, key)
		return err
	})
	res.RetryCount += retries
	return rec, err
}

func (e *Executor) transition(ctx context.Context, res *Result, tr idempotency.Transition) (idempotency.Status, error) {
	var prev idempotency.Status
	retries, err := retry.Do(ctx, e.cfg.StoreRetry, string(tr.Key), faults.IsTransient, func(ctx context.Context, _ int) error {
		var err error
		prev, err = e.records.UpdateStatus(ctx, tr)
		return err
	})
	res.RetryCount += retries
	return prev, err
}

func (e *Executor) release(ctx context.Context, key idempotency.Key, token string) {
	if _, err := retry.Do(ctx, e.cfg.StoreRetry, string(key), faults.IsTransient, func(ctx context.Context, _ int) error {
		return e.records.ReleaseLock(ctx, key, token)
	}); err != nil {
		e.logger.WarnContext(ctx, "lease release failed; it will expire", "key", key, "error", err)
	}
}
