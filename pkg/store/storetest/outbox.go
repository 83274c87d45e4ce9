package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-once/pkg/faults"
	"github.com/Mindburn-Labs/helm-once/pkg/outbox"
)

func newEvent(t *testing.T, aggregateType, aggregateID, eventType string) *outbox.Event {
	t.Helper()
	e, err := outbox.NewEvent(eventType, aggregateType, aggregateID, "", map[string]any{"aggregate": aggregateID})
	require.NoError(t, err)
	return e
}

func ids(events []*outbox.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}

// RunOutboxStoreTests checks the outbox.Store contract.
func RunOutboxStoreTests(t *testing.T, f Factory) {
	ctx := context.Background()

	setup := func(t *testing.T) (Backend, *Clock) {
		clock := NewClock()
		b := f(t, clock)
		if b.Outbox == nil {
			t.Skip("backend has no outbox store")
		}
		return b, clock
	}
	claim := func(t *testing.T, s outbox.Store, clock *Clock, worker string) []*outbox.Event {
		t.Helper()
		got, err := s.ClaimBatch(ctx, outbox.ClaimRequest{Worker: worker, Limit: 10, Now: clock.Now(), ClaimTTL: 30 * time.Second})
		require.NoError(t, err)
		return got
	}

	t.Run("StoreAssignsDefaults", func(t *testing.T) {
		b, _ := setup(t)
		e1 := newEvent(t, "order", "O1", "OrderPlaced")
		e2 := newEvent(t, "order", "O1", "OrderConfirmed")
		require.NoError(t, b.Outbox.StoreEventsBatch(ctx, []*outbox.Event{e1, e2}))

		got, err := b.Outbox.Get(ctx, e1.ID)
		require.NoError(t, err)
		assert.Equal(t, outbox.StatusPending, got.Status)
		assert.Equal(t, "OrderPlaced", got.Topic)
		assert.JSONEq(t, `{"aggregate":"O1"}`, string(got.Payload))

		got2, err := b.Outbox.Get(ctx, e2.ID)
		require.NoError(t, err)
		assert.Less(t, got.Seq, got2.Seq)
	})

	t.Run("BatchIsAtomic", func(t *testing.T) {
		b, _ := setup(t)
		e1 := newEvent(t, "order", "O1", "OrderPlaced")
		require.NoError(t, b.Outbox.StoreEvent(ctx, e1))

		fresh := newEvent(t, "order", "O2", "OrderPlaced")
		dup := newEvent(t, "order", "O3", "OrderPlaced")
		dup.ID = e1.ID
		err := b.Outbox.StoreEventsBatch(ctx, []*outbox.Event{fresh, dup})
		require.Error(t, err)

		_, err = b.Outbox.Get(ctx, fresh.ID)
		assert.ErrorIs(t, err, faults.ErrNotFound)
	})

	t.Run("ClaimsOnlyAggregateHeads", func(t *testing.T) {
		b, clock := setup(t)
		a1 := newEvent(t, "order", "A", "OrderPlaced")
		a2 := newEvent(t, "order", "A", "OrderShipped")
		b1 := newEvent(t, "order", "B", "OrderPlaced")
		require.NoError(t, b.Outbox.StoreEventsBatch(ctx, []*outbox.Event{a1, a2, b1}))

		got := claim(t, b.Outbox, clock, "w1")
		assert.ElementsMatch(t, []string{a1.ID, b1.ID}, ids(got))
		assert.Empty(t, claim(t, b.Outbox, clock, "w2"), "heads are claimed, successors wait")

		require.NoError(t, b.Outbox.MarkPublished(ctx, a1.ID, "w1", clock.Now()))
		got = claim(t, b.Outbox, clock, "w2")
		assert.Equal(t, []string{a2.ID}, ids(got))
	})

	t.Run("FailedHeadBlocksUntilDue", func(t *testing.T) {
		b, clock := setup(t)
		a1 := newEvent(t, "order", "A", "OrderPlaced")
		a2 := newEvent(t, "order", "A", "OrderShipped")
		require.NoError(t, b.Outbox.StoreEventsBatch(ctx, []*outbox.Event{a1, a2}))

		got := claim(t, b.Outbox, clock, "w1")
		require.Equal(t, []string{a1.ID}, ids(got))
		require.NoError(t, b.Outbox.MarkFailed(ctx, outbox.FailureUpdate{
			ID: a1.ID, Worker: "w1", Error: "broker down", NextAttemptAt: clock.Now().Add(time.Minute), Now: clock.Now(),
		}))

		failed, err := b.Outbox.Get(ctx, a1.ID)
		require.NoError(t, err)
		assert.Equal(t, outbox.StatusFailed, failed.Status)
		assert.Equal(t, 1, failed.AttemptCount)
		assert.Equal(t, "broker down", failed.LastError)

		assert.Empty(t, claim(t, b.Outbox, clock, "w1"))
		clock.Advance(time.Minute)
		assert.Equal(t, []string{a1.ID}, ids(claim(t, b.Outbox, clock, "w1")))
	})

	t.Run("StaleClaimIsReclaimed", func(t *testing.T) {
		b, clock := setup(t)
		e := newEvent(t, "order", "A", "OrderPlaced")
		require.NoError(t, b.Outbox.StoreEvent(ctx, e))

		require.Len(t, claim(t, b.Outbox, clock, "w1"), 1)
		clock.Advance(31 * time.Second)
		got := claim(t, b.Outbox, clock, "w2")
		require.Len(t, got, 1)
		assert.Equal(t, "w2", got[0].ClaimedBy)

		assert.ErrorIs(t, b.Outbox.MarkPublished(ctx, e.ID, "w1", clock.Now()), faults.ErrLeaseLost)
		require.NoError(t, b.Outbox.MarkPublished(ctx, e.ID, "w2", clock.Now()))

		published, err := b.Outbox.Get(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, outbox.StatusPublished, published.Status)
		require.NotNil(t, published.PublishedAt)
	})

	t.Run("DeadLetterAndRequeue", func(t *testing.T) {
		b, clock := setup(t)
		e := newEvent(t, "order", "A", "OrderPlaced")
		next := newEvent(t, "order", "A", "OrderShipped")
		other := newEvent(t, "order", "B", "OrderPlaced")
		require.NoError(t, b.Outbox.StoreEventsBatch(ctx, []*outbox.Event{e, next, other}))

		require.Len(t, claim(t, b.Outbox, clock, "w1"), 2)
		require.NoError(t, b.Outbox.MarkFailed(ctx, outbox.FailureUpdate{
			ID: e.ID, Worker: "w1", Error: "poison", DeadLetter: true, Now: clock.Now(),
		}))

		// The rest of the aggregate follows its head; other aggregates do not.
		dead, err := b.Outbox.ListDeadLetters(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{e.ID, next.ID}, ids(dead))
		assert.Equal(t, "poison", dead[0].LastError)
		assert.Equal(t, outbox.PredecessorDeadLettered, dead[1].LastError)
		assert.Equal(t, 0, dead[1].AttemptCount)
		got, err := b.Outbox.Get(ctx, other.ID)
		require.NoError(t, err)
		assert.Equal(t, outbox.StatusPublishing, got.Status)
		assert.Empty(t, claim(t, b.Outbox, clock, "w1"))

		assert.ErrorIs(t, b.Outbox.Requeue(ctx, next.ID, clock.Now()), faults.ErrInvalidTransition)
		require.NoError(t, b.Outbox.Requeue(ctx, e.ID, clock.Now()))

		for _, id := range []string{e.ID, next.ID} {
			requeued, err := b.Outbox.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, outbox.StatusPending, requeued.Status)
			assert.Equal(t, 0, requeued.AttemptCount)
		}
		assert.Equal(t, []string{e.ID}, ids(claim(t, b.Outbox, clock, "w1")))
		require.NoError(t, b.Outbox.MarkPublished(ctx, e.ID, "w1", clock.Now()))
		assert.Equal(t, []string{next.ID}, ids(claim(t, b.Outbox, clock, "w1")))
	})

	t.Run("LateEventFollowsDeadLetter", func(t *testing.T) {
		b, clock := setup(t)
		e := newEvent(t, "order", "A", "OrderPlaced")
		require.NoError(t, b.Outbox.StoreEvent(ctx, e))
		require.Len(t, claim(t, b.Outbox, clock, "w1"), 1)
		require.NoError(t, b.Outbox.MarkFailed(ctx, outbox.FailureUpdate{
			ID: e.ID, Worker: "w1", Error: "poison", DeadLetter: true, Now: clock.Now(),
		}))

		late := newEvent(t, "order", "A", "OrderCancelled")
		fresh := newEvent(t, "order", "B", "OrderPlaced")
		require.NoError(t, b.Outbox.StoreEventsBatch(ctx, []*outbox.Event{late, fresh}))

		assert.Equal(t, []string{fresh.ID}, ids(claim(t, b.Outbox, clock, "w1")))
		got, err := b.Outbox.Get(ctx, late.ID)
		require.NoError(t, err)
		assert.Equal(t, outbox.StatusDeadLetter, got.Status)
		assert.Equal(t, outbox.PredecessorDeadLettered, got.LastError)
	})

	t.Run("ArchiveAndCount", func(t *testing.T) {
		b, clock := setup(t)
		e1 := newEvent(t, "order", "A", "OrderPlaced")
		e2 := newEvent(t, "order", "B", "OrderPlaced")
		require.NoError(t, b.Outbox.StoreEventsBatch(ctx, []*outbox.Event{e1, e2}))
		require.Len(t, claim(t, b.Outbox, clock, "w1"), 2)
		require.NoError(t, b.Outbox.MarkPublished(ctx, e1.ID, "w1", clock.Now()))

		counts, err := b.Outbox.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, counts[outbox.StatusPublished])
		assert.Equal(t, 1, counts[outbox.StatusPublishing])

		clock.Advance(time.Hour)
		n, err := b.Outbox.Archive(ctx, clock.Now())
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		counts, err = b.Outbox.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, counts[outbox.StatusPublished])

		archived, err := b.Outbox.Get(ctx, e1.ID)
		require.NoError(t, err, "archived events stay readable")
		assert.Equal(t, outbox.StatusPublished, archived.Status)
	})
}
