// Package storetest holds conformance suites every backend must pass. A
// backend's tests call the Run* functions with a factory that builds a fresh,
// empty backend driven by the supplied clock.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Mindburn-Labs/helm-once/pkg/idempotency"
	"github.com/Mindburn-Labs/helm-once/pkg/lease"
	"github.com/Mindburn-Labs/helm-once/pkg/outbox"
	"github.com/Mindburn-Labs/helm-once/pkg/saga"
)

// Backend bundles the ports under test. Nil fields skip their suite.
type Backend struct {
	Records  idempotency.Store
	Outbox   outbox.Store
	Sagas    saga.Store
	Locker   lease.Locker
	Complete func(ctx context.Context, tr idempotency.Transition, events []*outbox.Event) (idempotency.Status, error)
}

// Factory builds an empty backend whose notion of "now" is clock.Now.
type Factory func(t *testing.T, clock *Clock) Backend

// Clock is a manually advanced clock, safe for concurrent use.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock frozen at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2026, 1, 15, 9, 30, 0, 0, time.UTC)}
}

// Now returns the current instant.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// RunAll runs every suite the backend supports.
func RunAll(t *testing.T, f Factory) {
	t.Run("records", func(t *testing.T) { RunRecordStoreTests(t, f) })
	t.Run("outbox", func(t *testing.T) { RunOutboxStoreTests(t, f) })
	t.Run("sagas", func(t *testing.T) { RunSagaStoreTests(t, f) })
	t.Run("locker", func(t *testing.T) { RunLockerTests(t, f) })
}
