package outbox

import (
	"context"
	"time"
)

// ClaimRequest asks for due per-aggregate head events.
type ClaimRequest struct {
	Worker   string
	Limit    int
	Now      time.Time
	ClaimTTL time.Duration
}

// FailureUpdate records a failed publish attempt.
type FailureUpdate struct {
	ID            string
	Worker        string
	Error         string
	NextAttemptAt time.Time
	DeadLetter    bool
	Now           time.Time
}

// Store is the durable staging area for outbound events.
type Store interface {
	// StoreEvent stages one pending event.
	StoreEvent(ctx context.Context, e *Event) error

	// StoreEventsBatch stages events atomically: all or none.
	StoreEventsBatch(ctx context.Context, events []*Event) error

	// ClaimBatch moves up to Limit due events to publishing for Worker. Only the
	// oldest undelivered event of each aggregate is eligible. A publishing
	// claim whose ClaimTTL elapsed is eligible again.
	ClaimBatch(ctx context.Context, req ClaimRequest) ([]*Event, error)

	// MarkPublished confirms delivery. ErrLeaseLost if worker lost the claim.
	MarkPublished(ctx context.Context, id, worker string, now time.Time) error

	// MarkFailed counts an attempt and schedules a retry or dead-letters the
	// event. Dead-lettering also dead-letters the pending and failed events
	// after it on the same aggregate.
	MarkFailed(ctx context.Context, u FailureUpdate) error

	// Get returns an event, archived ones included.
	Get(ctx context.Context, id string) (*Event, error)

	// ListDeadLetters returns dead-lettered events, oldest first.
	ListDeadLetters(ctx context.Context, limit int) ([]*Event, error)

	// Requeue moves a dead-lettered event, and the dead-lettered events after
	// it on the same aggregate, back to pending with a fresh budget. It fails
	// with faults.ErrInvalidTransition while an older event of the aggregate
	// is still dead-lettered.
	Requeue(ctx context.Context, id string, now time.Time) error

	// Archive moves events published before the cutoff out of the live table.
	Archive(ctx context.Context, publishedBefore time.Time) (int, error)

	// CountByStatus reports live events per status.
	CountByStatus(ctx context.Context) (map[Status]int, error)
}
