package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-once/pkg/faults"
)

// RunLockerTests checks the lease.Locker contract.
func RunLockerTests(t *testing.T, f Factory) {
	ctx := context.Background()
	clock := NewClock()
	b := f(t, clock)
	if b.Locker == nil {
		t.Skip("backend has no locker")
	}

	tok, err := b.Locker.Acquire(ctx, "saga:1", "c1", 10*time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, tok)

	_, err = b.Locker.Acquire(ctx, "saga:1", "c2", 10*time.Second)
	assert.ErrorIs(t, err, faults.ErrLockContention)

	other, err := b.Locker.Acquire(ctx, "saga:2", "c2", 10*time.Second)
	require.NoError(t, err, "names are independent")

	require.NoError(t, b.Locker.Renew(ctx, "saga:1", tok, 10*time.Second))
	assert.ErrorIs(t, b.Locker.Renew(ctx, "saga:1", other, 10*time.Second), faults.ErrLeaseLost)

	clock.Advance(11 * time.Second)
	assert.ErrorIs(t, b.Locker.Renew(ctx, "saga:1", tok, 10*time.Second), faults.ErrLeaseLost)
	tok2, err := b.Locker.Acquire(ctx, "saga:1", "c2", 10*time.Second)
	require.NoError(t, err, "expired lease can be taken")

	require.NoError(t, b.Locker.Release(ctx, "saga:1", tok)) // stale: no-op
	_, err = b.Locker.Acquire(ctx, "saga:1", "c3", 10*time.Second)
	assert.ErrorIs(t, err, faults.ErrLockContention)

	require.NoError(t, b.Locker.Release(ctx, "saga:1", tok2))
	_, err = b.Locker.Acquire(ctx, "saga:1", "c3", 10*time.Second)
	assert.NoError(t, err)
}
