// Package lease provides the distributed lock port used to serialize saga
// coordinators, and the keepalive loop that renews any lease held across a
// long external call.
package lease

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-once/pkg/faults"
)

// Locker is a lease-based mutual exclusion primitive. Leases expire on their
// own so a crashed holder never blocks others for longer than its TTL.
type Locker interface {
	// Acquire grants a lease on name, or returns faults.ErrLockContention.
	Acquire(ctx context.Context, name, holder string, ttl time.Duration) (token string, err error)

	// Renew extends a lease still held by token, or returns faults.ErrLeaseLost.
	Renew(ctx context.Context, name, token string, ttl time.Duration) error

	// Release drops the lease if token still holds it.
	Release(ctx context.Context, name, token string) error
}

// RenewInterval is the renewal cadence for a lease: one third of its
// lifetime, leaving two renewal chances before it lapses.
func RenewInterval(ttl time.Duration) time.Duration {
	iv := ttl / 3
	if iv <= 0 {
		iv = time.Millisecond
	}
	return iv
}

// Keepalive calls renew every interval until stop is called. When renew
// reports faults.ErrLeaseLost, onLost is invoked once and the loop ends.
// Other renew errors are logged and retried on the next tick.
func Keepalive(ctx context.Context, interval time.Duration, renew func(ctx context.Context) error, onLost func(error), logger *slog.Logger) (stop func()) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := renew(ctx)
			if err == nil {
				continue
			}
			if errors.Is(err, faults.ErrLeaseLost) {
				logger.WarnContext(ctx, "lease lost during keepalive", "error", err)
				if onLost != nil {
					onLost(err)
				}
				return
			}
			if ctx.Err() != nil {
				return
			}
			logger.WarnContext(ctx, "lease renewal failed; retrying", "error", err)
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}
}
