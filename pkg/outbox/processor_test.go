package outbox_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-once/pkg/faults"
	"github.com/Mindburn-Labs/helm-once/pkg/outbox"
	"github.com/Mindburn-Labs/helm-once/pkg/retry"
	"github.com/Mindburn-Labs/helm-once/pkg/store/memstore"
	"github.com/Mindburn-Labs/helm-once/pkg/store/storetest"
)

type recorder struct {
	mu        sync.Mutex
	delivered map[string][]string // aggregate -> event types in delivery order
	calls     map[string]int
	fail      func(e *outbox.Event, attempt int) error
}

func newRecorder() *recorder {
	return &recorder{delivered: make(map[string][]string), calls: make(map[string]int)}
}

func (r *recorder) Publish(ctx context.Context, e *outbox.Event) error {
	r.mu.Lock()
	r.calls[e.ID]++
	attempt := r.calls[e.ID]
	fail := r.fail
	r.mu.Unlock()

	if fail != nil {
		if err := fail(e, attempt); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered[e.AggregateID] = append(r.delivered[e.AggregateID], e.EventType)
	return nil
}

func stage(t *testing.T, s outbox.Store, aggregateID string, types ...string) []*outbox.Event {
	t.Helper()
	var events []*outbox.Event
	for _, typ := range types {
		e, err := outbox.NewEvent(typ, "order", aggregateID, "orders", map[string]any{"order_id": aggregateID})
		require.NoError(t, err)
		events = append(events, e)
	}
	require.NoError(t, s.StoreEventsBatch(context.Background(), events))
	return events
}

func testConfig() outbox.Config {
	cfg := outbox.DefaultConfig()
	cfg.WorkerID = "relay-test"
	cfg.Backoff = retry.BackoffPolicy{PolicyID: "outbox", BaseMs: 1000, MaxMs: 60000, MaxAttempts: 3}
	return cfg
}

func TestDrainPreservesPerAggregateOrder(t *testing.T) {
	ctx := context.Background()
	clock := storetest.NewClock()
	s := memstore.New(memstore.WithClock(clock.Now))
	stage(t, s.Outbox(), "O1", "Placed", "Filled", "Settled")
	stage(t, s.Outbox(), "O2", "Placed", "Cancelled")

	pub := newRecorder()
	p := outbox.NewProcessor(s.Outbox(), pub, testConfig(), outbox.WithClock(clock.Now))
	stats, err := p.Drain(ctx)
	require.NoError(t, err)

	assert.Equal(t, 5, stats.Published)
	assert.Equal(t, []string{"Placed", "Filled", "Settled"}, pub.delivered["O1"])
	assert.Equal(t, []string{"Placed", "Cancelled"}, pub.delivered["O2"])

	counts, err := s.Outbox().CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[outbox.Status]int{outbox.StatusPublished: 5}, counts)
}

func TestFailedPublishIsRetriedAfterBackoff(t *testing.T) {
	ctx := context.Background()
	clock := storetest.NewClock()
	s := memstore.New(memstore.WithClock(clock.Now))
	events := stage(t, s.Outbox(), "O1", "Placed", "Filled")

	pub := newRecorder()
	pub.fail = func(e *outbox.Event, attempt int) error {
		if e.EventType == "Placed" && attempt == 1 {
			return errors.New("broker unavailable")
		}
		return nil
	}
	p := outbox.NewProcessor(s.Outbox(), pub, testConfig(), outbox.WithClock(clock.Now))

	stats, err := p.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, outbox.Stats{Claimed: 1, Failed: 1}, stats)

	failed, err := s.Outbox().Get(ctx, events[0].ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusFailed, failed.Status)
	assert.True(t, failed.NextAttemptAt.After(clock.Now()))

	stats, err = p.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Claimed, "not due yet and the successor must wait")

	clock.Advance(2 * time.Second)
	_, err = p.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Placed", "Filled"}, pub.delivered["O1"])
	assert.Equal(t, 2, pub.calls[events[0].ID], "at-least-once: the failed event was published again")
}

func TestExhaustedEventIsDeadLettered(t *testing.T) {
	ctx := context.Background()
	clock := storetest.NewClock()
	s := memstore.New(memstore.WithClock(clock.Now))
	events := stage(t, s.Outbox(), "O1", "Placed")

	var hooked atomic.Int32
	pub := newRecorder()
	pub.fail = func(e *outbox.Event, attempt int) error { return errors.New("schema mismatch downstream") }
	p := outbox.NewProcessor(s.Outbox(), pub, testConfig(),
		outbox.WithClock(clock.Now),
		outbox.WithDeadLetterHook(func(ctx context.Context, e *outbox.Event) {
			hooked.Add(1)
			assert.Equal(t, outbox.StatusDeadLetter, e.Status)
			panic("hook bug must not stop the relay")
		}))

	var total outbox.Stats
	for i := 0; i < 5; i++ {
		stats, err := p.ProcessOnce(ctx)
		require.NoError(t, err)
		total.Published += stats.Published
		total.Failed += stats.Failed
		total.DeadLettered += stats.DeadLettered
		clock.Advance(time.Minute)
	}
	assert.Equal(t, 3, total.Failed)
	assert.Equal(t, 1, total.DeadLettered)
	assert.Equal(t, int32(1), hooked.Load())

	dead, err := s.Outbox().ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 3, dead[0].AttemptCount)
	assert.Equal(t, "schema mismatch downstream", dead[0].LastError)

	// Manual reprocessing once the consumer is fixed.
	pub.fail = nil
	require.NoError(t, s.Outbox().Requeue(ctx, events[0].ID, clock.Now()))
	stats, err := p.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Published)
}

func TestDeadLetteredHeadSettlesItsAggregate(t *testing.T) {
	ctx := context.Background()
	clock := storetest.NewClock()
	s := memstore.New(memstore.WithClock(clock.Now))
	events := stage(t, s.Outbox(), "O1", "Poison", "Fine")

	pub := newRecorder()
	pub.fail = func(e *outbox.Event, attempt int) error {
		if e.EventType == "Poison" {
			return errors.New("rejected by consumer")
		}
		return nil
	}
	p := outbox.NewProcessor(s.Outbox(), pub, testConfig(), outbox.WithClock(clock.Now))

	for i := 0; i < 10; i++ {
		_, err := p.Drain(ctx)
		require.NoError(t, err)
		clock.Advance(10 * time.Minute)
	}

	counts, err := s.Outbox().CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[outbox.Status]int{outbox.StatusDeadLetter: 2}, counts)
	assert.Zero(t, pub.calls[events[1].ID])

	pub.fail = nil
	require.NoError(t, s.Outbox().Requeue(ctx, events[0].ID, clock.Now()))
	stats, err := p.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Published)
	assert.Equal(t, []string{"Poison", "Fine"}, pub.delivered["O1"])
}

func TestLostClaimIsNotCounted(t *testing.T) {
	ctx := context.Background()
	clock := storetest.NewClock()
	s := memstore.New(memstore.WithClock(clock.Now))
	events := stage(t, s.Outbox(), "O1", "Placed")

	cfg := testConfig()
	cfg.Backoff.MaxAttempts = 1
	var hooked atomic.Int32
	pubErr := errors.New("broker unavailable")
	p := outbox.NewProcessor(s.Outbox(), outbox.PublisherFunc(func(ctx context.Context, e *outbox.Event) error {
		// The claim lapses mid-publish and another relay takes the event.
		clock.Advance(cfg.ClaimTTL + time.Second)
		got, err := s.Outbox().ClaimBatch(ctx, outbox.ClaimRequest{Worker: "w2", Limit: 1, Now: clock.Now(), ClaimTTL: cfg.ClaimTTL})
		assert.NoError(t, err)
		assert.Len(t, got, 1)
		return pubErr
	}), cfg,
		outbox.WithClock(clock.Now),
		outbox.WithDeadLetterHook(func(ctx context.Context, e *outbox.Event) { hooked.Add(1) }))

	stats, err := p.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, outbox.Stats{Claimed: 1}, stats)
	assert.Zero(t, hooked.Load())

	got, err := s.Outbox().Get(ctx, events[0].ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPublishing, got.Status)
	assert.Equal(t, "w2", got.ClaimedBy)

	pubErr = nil
	clock.Advance(cfg.ClaimTTL + time.Second)
	stats, err = p.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, outbox.Stats{Claimed: 1}, stats, "publish succeeded but the claim was lost again")
}

func TestPublishTimeoutCountsAsFailure(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	stage(t, s.Outbox(), "O1", "Placed")

	cfg := testConfig()
	cfg.PublishTimeout = 20 * time.Millisecond
	p := outbox.NewProcessor(s.Outbox(), outbox.PublisherFunc(func(ctx context.Context, e *outbox.Event) error {
		<-ctx.Done()
		return ctx.Err()
	}), cfg)

	stats, err := p.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
}

func TestRateLimitThrottlesPublishing(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	for _, id := range []string{"A", "B", "C", "D", "E"} {
		stage(t, s.Outbox(), id, "Placed")
	}

	cfg := testConfig()
	cfg.RatePerSecond = 20
	cfg.Burst = 1
	p := outbox.NewProcessor(s.Outbox(), newRecorder(), cfg)

	start := time.Now()
	stats, err := p.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Published)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestStoreErrorsSurface(t *testing.T) {
	s := memstore.New()
	s.FailNext("claim_batch", 1)
	p := outbox.NewProcessor(s.Outbox(), newRecorder(), testConfig())
	_, err := p.ProcessOnce(context.Background())
	assert.True(t, faults.IsTransient(err))
}

func TestRunArchivesAndStops(t *testing.T) {
	s := memstore.New()
	events := stage(t, s.Outbox(), "O1", "Placed")

	cfg := testConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.ArchiveAfter = time.Nanosecond
	p := outbox.NewProcessor(s.Outbox(), newRecorder(), cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := p.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	counts, err := s.Outbox().CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Empty(t, counts, "published events were archived")
	archived, err := s.Outbox().Get(context.Background(), events[0].ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPublished, archived.Status)
}
