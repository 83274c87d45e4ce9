package saga

import (
	"context"
	"time"
)

// Store persists saga instances.
type Store interface {
	// Create inserts a new instance at Version 0.
	Create(ctx context.Context, inst *Instance) error

	// Get returns a copy of the instance, or faults.ErrNotFound.
	Get(ctx context.Context, id string) (*Instance, error)

	// Update replaces the instance if the stored Version equals inst.Version,
	// then increments inst.Version. A mismatch returns faults.ErrVersionConflict.
	Update(ctx context.Context, inst *Instance) error

	// ListActive returns up to limit running or compensating instances, oldest first.
	ListActive(ctx context.Context, limit int) ([]*Instance, error)

	// PurgeTerminal deletes terminal instances last updated before the cutoff.
	PurgeTerminal(ctx context.Context, before time.Time) (int, error)
}
