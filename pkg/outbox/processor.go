package outbox

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/helm-once/pkg/faults"
	"github.com/Mindburn-Labs/helm-once/pkg/observability"
	"github.com/Mindburn-Labs/helm-once/pkg/retry"
)

// Publisher delivers one event. It may be invoked more than once for the
// same event; consumers deduplicate on Event.ID.
type Publisher interface {
	Publish(ctx context.Context, e *Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, e *Event) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, e *Event) error { return f(ctx, e) }

// Config tunes a Processor.
type Config struct {
	WorkerID       string
	BatchSize      int
	PollInterval   time.Duration
	ClaimTTL       time.Duration
	PublishTimeout time.Duration
	Concurrency    int
	RatePerSecond  float64 // zero disables throttling
	Burst          int
	Backoff        retry.BackoffPolicy // MaxAttempts is the dead-letter ceiling
	ArchiveAfter   time.Duration       // zero keeps published events in place
}

// DefaultConfig returns conservative relay settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:      100,
		PollInterval:   time.Second,
		ClaimTTL:       30 * time.Second,
		PublishTimeout: 10 * time.Second,
		Concurrency:    8,
		Backoff: retry.BackoffPolicy{
			PolicyID:    "outbox",
			BaseMs:      500,
			MaxMs:       5 * 60 * 1000,
			MaxJitterMs: 250,
			MaxAttempts: 10,
		},
	}
}

// Stats summarises one relay pass.
type Stats struct {
	Claimed      int
	Published    int
	Failed       int
	DeadLettered int
}

func (s *Stats) add(o Stats) {
	s.Claimed += o.Claimed
	s.Published += o.Published
	s.Failed += o.Failed
	s.DeadLettered += o.DeadLettered
}

// Processor relays staged events to a Publisher.
type Processor struct {
	store        Store
	publisher    Publisher
	cfg          Config
	limiter      *rate.Limiter
	logger       *slog.Logger
	metrics      *observability.Metrics
	now          func() time.Time
	onDeadLetter func(ctx context.Context, e *Event)
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.logger = l.With("component", "outbox") }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// WithDeadLetterHook is called after an event is dead-lettered.
func WithDeadLetterHook(fn func(ctx context.Context, e *Event)) Option {
	return func(p *Processor) { p.onDeadLetter = fn }
}

// NewProcessor creates a Processor. Zero Config fields take DefaultConfig values.
func NewProcessor(store Store, publisher Publisher, cfg Config, opts ...Option) *Processor {
	def := DefaultConfig()
	if cfg.WorkerID == "" {
		cfg.WorkerID = "relay-" + uuid.New().String()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = def.ClaimTTL
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Backoff.MaxAttempts <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.Backoff.PolicyID == "" {
		cfg.Backoff.PolicyID = "outbox"
	}

	p := &Processor{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		logger:    slog.Default().With("component", "outbox"),
		now:       time.Now,
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProcessOnce claims one batch and publishes it. Heads of distinct aggregates
// are published in parallel, bounded by Config.Concurrency.
func (p *Processor) ProcessOnce(ctx context.Context) (Stats, error) {
	events, err := p.store.ClaimBatch(ctx, ClaimRequest{
		Worker:   p.cfg.WorkerID,
		Limit:    p.cfg.BatchSize,
		Now:      p.now(),
		ClaimTTL: p.cfg.ClaimTTL,
	})
	if err != nil {
		return Stats{}, err
	}

	var (
		mu       sync.Mutex
		stats    = Stats{Claimed: len(events)}
		firstErr error
		g        errgroup.Group
	)
	g.SetLimit(p.cfg.Concurrency)
	for _, e := range events {
		e := e
		g.Go(func() error {
			s, err := p.deliver(ctx, e)
			mu.Lock()
			defer mu.Unlock()
			stats.add(s)
			if err != nil && firstErr == nil {
				firstErr = err
			}
			return nil
		})
	}
	_ = g.Wait()
	return stats, firstErr
}

// Drain relays until no event is due.
func (p *Processor) Drain(ctx context.Context) (Stats, error) {
	var total Stats
	for {
		s, err := p.ProcessOnce(ctx)
		total.add(s)
		if err != nil {
			return total, err
		}
		if s.Claimed == 0 {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

// Run relays on every poll tick until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "outbox relay started", "worker", p.cfg.WorkerID, "batch_size", p.cfg.BatchSize)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := p.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.ErrorContext(ctx, "outbox relay pass failed", "error", err)
		}
		if p.cfg.ArchiveAfter > 0 {
			if n, err := p.store.Archive(ctx, p.now().Add(-p.cfg.ArchiveAfter)); err != nil {
				p.logger.ErrorContext(ctx, "outbox archive failed", "error", err)
			} else if n > 0 {
				p.logger.InfoContext(ctx, "archived published events", "count", n)
			}
		}
		select {
		case <-ctx.Done():
			p.logger.InfoContext(ctx, "outbox relay stopped", "worker", p.cfg.WorkerID)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Processor) deliver(ctx context.Context, e *Event) (Stats, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			// The claim lapses and another pass picks the event up.
			return Stats{}, nil
		}
	}

	pctx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	pubErr := p.publisher.Publish(pctx, e)
	cancel()

	now := p.now()
	if pubErr == nil {
		if err := p.store.MarkPublished(ctx, e.ID, p.cfg.WorkerID, now); err != nil {
			if errors.Is(err, faults.ErrLeaseLost) {
				p.logger.WarnContext(ctx, "claim lost after publish; event may be delivered again", "event_id", e.ID)
				return Stats{}, nil
			}
			return Stats{}, err
		}
		p.metrics.OutboxPublished(ctx, e.EventType)
		return Stats{Published: 1}, nil
	}

	attempt := e.AttemptCount + 1
	dead := attempt >= p.cfg.Backoff.MaxAttempts
	next := now.Add(retry.ComputeBackoff(retry.BackoffParams{
		PolicyID:     p.cfg.Backoff.PolicyID,
		Subject:      e.ID,
		AttemptIndex: attempt - 1,
	}, p.cfg.Backoff))

	err := p.store.MarkFailed(ctx, FailureUpdate{
		ID:            e.ID,
		Worker:        p.cfg.WorkerID,
		Error:         faults.Truncate(pubErr),
		NextAttemptAt: next,
		DeadLetter:    dead,
		Now:           now,
	})
	if errors.Is(err, faults.ErrLeaseLost) {
		// Another worker owns the event now; its attempt decides the outcome.
		p.logger.WarnContext(ctx, "claim lost after failed publish", "event_id", e.ID, "error", pubErr)
		return Stats{}, nil
	}
	if err != nil {
		return Stats{}, err
	}

	p.metrics.OutboxFailed(ctx, e.EventType)
	if !dead {
		p.logger.WarnContext(ctx, "publish failed; retry scheduled",
			"event_id", e.ID, "attempt", attempt, "next_attempt_at", next, "error", pubErr)
		return Stats{Failed: 1}, nil
	}

	p.logger.ErrorContext(ctx, "event moved to dead letter",
		"event_id", e.ID, "event_type", e.EventType, "aggregate_id", e.AggregateID,
		"attempts", attempt, "error", pubErr)
	p.metrics.OutboxDeadLettered(ctx, e.EventType)
	if p.onDeadLetter != nil {
		dl := e.Clone()
		dl.Status = StatusDeadLetter
		dl.AttemptCount = attempt
		dl.LastError = faults.Truncate(pubErr)
		p.safeHook(ctx, dl)
	}
	return Stats{Failed: 1, DeadLettered: 1}, nil
}

func (p *Processor) safeHook(ctx context.Context, e *Event) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.ErrorContext(ctx, "dead letter hook panicked", "event_id", e.ID, "panic", r)
		}
	}()
	p.onDeadLetter(ctx, e)
}
