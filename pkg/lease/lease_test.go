package lease

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Mindburn-Labs/helm-once/pkg/faults"
)

func TestRenewInterval(t *testing.T) {
	assert.Equal(t, 10*time.Second, RenewInterval(30*time.Second))
	assert.Equal(t, time.Millisecond, RenewInterval(0))
}

func TestKeepaliveRenewsUntilStopped(t *testing.T) {
	var renewals atomic.Int32
	stop := Keepalive(context.Background(), 5*time.Millisecond, func(ctx context.Context) error {
		renewals.Add(1)
		return nil
	}, nil, nil)

	assert.Eventually(t, func() bool { return renewals.Load() >= 3 }, time.Second, time.Millisecond)
	stop()
	after := renewals.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, renewals.Load())
	stop() // idempotent
}

func TestKeepaliveReportsLostLease(t *testing.T) {
	lost := make(chan error, 1)
	var calls atomic.Int32
	stop := Keepalive(context.Background(), 2*time.Millisecond, func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			return errors.New("transient blip")
		}
		return faults.E(faults.ErrLeaseLost, "renew", "k", nil)
	}, func(err error) { lost <- err }, nil)
	defer stop()

	select {
	case err := <-lost:
		assert.True(t, errors.Is(err, faults.ErrLeaseLost))
	case <-time.After(time.Second):
		t.Fatal("onLost was not called")
	}
	assert.Equal(t, int32(2), calls.Load())
}
