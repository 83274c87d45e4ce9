package idempotency

import (
	"context"
	"time"
)

// CreateRequest describes the first observation of a key.
type CreateRequest struct {
	Key           Key
	ExecutionID   string // assigned to the record only if it is created
	OperationType string
	Service       string
	PayloadHash   string
	TTL           time.Duration
}

// Store is the durable, TTL'd home of idempotency records. Implementations
// must make CheckAndCreate, AcquireLock and UpdateStatus single atomic
// operations against the backing store; no coordination may rely on
// in-process state.
type Store interface {
	// CheckAndCreate atomically creates a pending record unless a live one
	// exists. An expired record is replaced. isNew reports creation.
	// A live record with a different non-empty PayloadHash yields ErrKeyConflict.
	CheckAndCreate(ctx context.Context, req CreateRequest) (rec *Record, isNew bool, err error)

	// AcquireLock grants a lease to holder if none is live. ok is false on contention.
	AcquireLock(ctx context.Context, key Key, holder string, lease time.Duration) (token string, ok bool, err error)

	// RenewLock extends a lease the caller still holds, or returns ErrLeaseLost.
	RenewLock(ctx context.Context, key Key, token string, lease time.Duration) error

	// ReleaseLock drops the lease if token still holds it.
	ReleaseLock(ctx context.Context, key Key, token string) error

	// UpdateStatus applies tr and returns the previous status.
	UpdateStatus(ctx context.Context, tr Transition) (Status, error)

	// Get returns the live record for key, or ErrNotFound.
	Get(ctx context.Context, key Key) (*Record, error)

	// GetByExecutionID returns the live record carrying id, or ErrNotFound.
	GetByExecutionID(ctx context.Context, id string) (*Record, error)

	// PurgeExpired removes records whose TTL elapsed before now.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}
