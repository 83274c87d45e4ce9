package storetest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-once/pkg/faults"
	"github.com/Mindburn-Labs/helm-once/pkg/idempotency"
	"github.com/Mindburn-Labs/helm-once/pkg/outbox"
)

const testKey = idempotency.Key("place_order:orders:0000000000000000000000000000000000000000000000000000000000000001")

func createReq(key idempotency.Key) idempotency.CreateRequest {
	return idempotency.CreateRequest{
		Key:           key,
		OperationType: "place_order",
		Service:       "orders",
		PayloadHash:   "hash-1",
		TTL:           time.Hour,
	}
}

// RunRecordStoreTests checks the idempotency.Store contract.
func RunRecordStoreTests(t *testing.T, f Factory) {
	ctx := context.Background()

	setup := func(t *testing.T) (Backend, *Clock) {
		clock := NewClock()
		b := f(t, clock)
		if b.Records == nil {
			t.Skip("backend has no record store")
		}
		return b, clock
	}

	t.Run("CheckAndCreateOnce", func(t *testing.T) {
		b, _ := setup(t)
		rec, isNew, err := b.Records.CheckAndCreate(ctx, createReq(testKey))
		require.NoError(t, err)
		assert.True(t, isNew)
		assert.Equal(t, idempotency.StatusPending, rec.Status)
		assert.NotEmpty(t, rec.ExecutionID)

		again, isNew, err := b.Records.CheckAndCreate(ctx, createReq(testKey))
		require.NoError(t, err)
		assert.False(t, isNew)
		assert.Equal(t, rec.ExecutionID, again.ExecutionID)
	})

	t.Run("ConcurrentCreateHasOneWinner", func(t *testing.T) {
		b, _ := setup(t)
		const n = 16
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners int
			ids     = make(map[string]bool)
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				rec, isNew, err := b.Records.CheckAndCreate(ctx, createReq(testKey))
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				defer mu.Unlock()
				if isNew {
					winners++
				}
				ids[rec.ExecutionID] = true
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, winners)
		assert.Len(t, ids, 1)
	})

	t.Run("PayloadConflict", func(t *testing.T) {
		b, _ := setup(t)
		_, _, err := b.Records.CheckAndCreate(ctx, createReq(testKey))
		require.NoError(t, err)

		req := createReq(testKey)
		req.PayloadHash = "hash-2"
		_, _, err = b.Records.CheckAndCreate(ctx, req)
		assert.ErrorIs(t, err, faults.ErrKeyConflict)
	})

	t.Run("ExpiredRecordIsReplaced", func(t *testing.T) {
		b, clock := setup(t)
		first, _, err := b.Records.CheckAndCreate(ctx, createReq(testKey))
		require.NoError(t, err)

		clock.Advance(2 * time.Hour)
		_, err = b.Records.Get(ctx, testKey)
		assert.ErrorIs(t, err, faults.ErrNotFound)

		second, isNew, err := b.Records.CheckAndCreate(ctx, createReq(testKey))
		require.NoError(t, err)
		assert.True(t, isNew)
		assert.NotEqual(t, first.ExecutionID, second.ExecutionID)
	})

	t.Run("LeaseLifecycle", func(t *testing.T) {
		b, clock := setup(t)
		_, _, err := b.Records.CheckAndCreate(ctx, createReq(testKey))
		require.NoError(t, err)

		tok, ok, err := b.Records.AcquireLock(ctx, testKey, "w1", 10*time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		require.NotEmpty(t, tok)

		_, ok, err = b.Records.AcquireLock(ctx, testKey, "w2", 10*time.Second)
		require.NoError(t, err)
		assert.False(t, ok, "live lease must not be granted twice")

		require.NoError(t, b.Records.RenewLock(ctx, testKey, tok, 10*time.Second))
		assert.ErrorIs(t, b.Records.RenewLock(ctx, testKey, "bogus", 10*time.Second), faults.ErrLeaseLost)

		clock.Advance(11 * time.Second)
		tok2, ok, err := b.Records.AcquireLock(ctx, testKey, "w2", 10*time.Second)
		require.NoError(t, err)
		require.True(t, ok, "expired lease is up for grabs")
		assert.NotEqual(t, tok, tok2)
		assert.ErrorIs(t, b.Records.RenewLock(ctx, testKey, tok, 10*time.Second), faults.ErrLeaseLost)

		rec, err := b.Records.Get(ctx, testKey)
		require.NoError(t, err)
		assert.Equal(t, "w2", rec.LockHolder)

		require.NoError(t, b.Records.ReleaseLock(ctx, testKey, tok)) // stale token is a no-op
		_, ok, err = b.Records.AcquireLock(ctx, testKey, "w3", 10*time.Second)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, b.Records.ReleaseLock(ctx, testKey, tok2))
		_, ok, err = b.Records.AcquireLock(ctx, testKey, "w3", 10*time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("StatusTransitions", func(t *testing.T) {
		b, _ := setup(t)
		_, _, err := b.Records.CheckAndCreate(ctx, createReq(testKey))
		require.NoError(t, err)
		tok, ok, err := b.Records.AcquireLock(ctx, testKey, "w1", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		_, err = b.Records.UpdateStatus(ctx, idempotency.Transition{Key: testKey, Token: tok, Status: idempotency.StatusCompleted})
		assert.ErrorIs(t, err, faults.ErrInvalidTransition, "pending cannot jump to completed")

		_, err = b.Records.UpdateStatus(ctx, idempotency.Transition{Key: testKey, Token: "other", Status: idempotency.StatusInProgress})
		assert.ErrorIs(t, err, faults.ErrLeaseLost)

		prev, err := b.Records.UpdateStatus(ctx, idempotency.Transition{Key: testKey, Token: tok, Status: idempotency.StatusInProgress})
		require.NoError(t, err)
		assert.Equal(t, idempotency.StatusPending, prev)

		result := json.RawMessage(`{"order_id":"O1"}`)
		prev, err = b.Records.UpdateStatus(ctx, idempotency.Transition{Key: testKey, Token: tok, Status: idempotency.StatusCompleted, Result: result})
		require.NoError(t, err)
		assert.Equal(t, idempotency.StatusInProgress, prev)

		// Identical completion is accepted from anyone; a different one is not.
		_, err = b.Records.UpdateStatus(ctx, idempotency.Transition{Key: testKey, Status: idempotency.StatusCompleted, Result: result})
		assert.NoError(t, err)
		_, err = b.Records.UpdateStatus(ctx, idempotency.Transition{Key: testKey, Token: tok, Status: idempotency.StatusCompleted, Result: json.RawMessage(`{"order_id":"O2"}`)})
		assert.ErrorIs(t, err, faults.ErrInvalidTransition)
		_, err = b.Records.UpdateStatus(ctx, idempotency.Transition{Key: testKey, Token: tok, Status: idempotency.StatusFailed, Error: "late"})
		assert.ErrorIs(t, err, faults.ErrInvalidTransition)

		rec, err := b.Records.Get(ctx, testKey)
		require.NoError(t, err)
		assert.Equal(t, idempotency.StatusCompleted, rec.Status)
		assert.JSONEq(t, string(result), string(rec.Result))

		_, ok, err = b.Records.AcquireLock(ctx, testKey, "w2", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, "settled records cannot be owned")
	})

	t.Run("GetByExecutionID", func(t *testing.T) {
		b, _ := setup(t)
		rec, _, err := b.Records.CheckAndCreate(ctx, createReq(testKey))
		require.NoError(t, err)

		got, err := b.Records.GetByExecutionID(ctx, rec.ExecutionID)
		require.NoError(t, err)
		assert.Equal(t, testKey, got.Key)

		_, err = b.Records.GetByExecutionID(ctx, "missing")
		assert.ErrorIs(t, err, faults.ErrNotFound)
	})

	t.Run("PurgeExpired", func(t *testing.T) {
		b, clock := setup(t)
		_, _, err := b.Records.CheckAndCreate(ctx, createReq(testKey))
		require.NoError(t, err)
		short := createReq(testKey + "2")
		short.TTL = time.Minute
		_, _, err = b.Records.CheckAndCreate(ctx, short)
		require.NoError(t, err)

		clock.Advance(2 * time.Minute)
		n, err := b.Records.PurgeExpired(ctx, clock.Now())
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = b.Records.Get(ctx, testKey)
		assert.NoError(t, err)
	})

	t.Run("CompleteWithEvents", func(t *testing.T) {
		b, _ := setup(t)
		if b.Complete == nil || b.Outbox == nil {
			t.Skip("backend cannot commit records and events together")
		}
		_, _, err := b.Records.CheckAndCreate(ctx, createReq(testKey))
		require.NoError(t, err)
		tok, _, err := b.Records.AcquireLock(ctx, testKey, "w1", time.Minute)
		require.NoError(t, err)
		_, err = b.Records.UpdateStatus(ctx, idempotency.Transition{Key: testKey, Token: tok, Status: idempotency.StatusInProgress})
		require.NoError(t, err)

		ev := newEvent(t, "order", "O1", "OrderPlaced")

		// A rejected transition stages nothing.
		_, err = b.Complete(ctx, idempotency.Transition{Key: testKey, Token: "stale", Status: idempotency.StatusCompleted}, []*outbox.Event{ev})
		assert.ErrorIs(t, err, faults.ErrLeaseLost)
		_, err = b.Outbox.Get(ctx, ev.ID)
		assert.ErrorIs(t, err, faults.ErrNotFound)

		prev, err := b.Complete(ctx, idempotency.Transition{
			Key: testKey, Token: tok, Status: idempotency.StatusCompleted, Result: json.RawMessage(`{"ok":true}`),
		}, []*outbox.Event{ev})
		require.NoError(t, err)
		assert.Equal(t, idempotency.StatusInProgress, prev)

		staged, err := b.Outbox.Get(ctx, ev.ID)
		require.NoError(t, err)
		assert.Equal(t, outbox.StatusPending, staged.Status)
		rec, err := b.Records.Get(ctx, testKey)
		require.NoError(t, err)
		assert.Equal(t, idempotency.StatusCompleted, rec.Status)
	})
}
