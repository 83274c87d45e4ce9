package idempotency

import (
	"context"
	"log/slog"
	"time"
)

// Janitor periodically purges expired records. Purging only touches records
// already past their TTL, so it is safe alongside live traffic.
type Janitor struct {
	store    Store
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewJanitor creates a Janitor. interval defaults to five minutes.
func NewJanitor(store Store, interval time.Duration, logger *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		store:    store,
		interval: interval,
		now:      time.Now,
		logger:   logger.With("component", "idempotency_janitor"),
	}
}

// RunOnce purges once and returns the number of removed records.
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	n, err := j.store.PurgeExpired(ctx, j.now())
	if err != nil {
		j.logger.ErrorContext(ctx, "purge expired records failed", "error", err)
		return 0, err
	}
	if n > 0 {
		j.logger.InfoContext(ctx, "purged expired records", "count", n)
	}
	return n, nil
}

// Run purges on every tick until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, _ = j.RunOnce(ctx)
		}
	}
}
