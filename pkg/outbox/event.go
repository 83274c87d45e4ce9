// Package outbox stages outbound events durably next to the business result
// they announce and relays them to a publisher with at-least-once delivery.
//
// Events of one aggregate are delivered in creation order: only the oldest
// undelivered event of an aggregate is ever claimed. No order is promised
// across aggregates. An event that exhausts its attempt budget moves to
// dead_letter and stays there until an operator requeues it. Events queued
// behind it on the same aggregate follow it to dead_letter, and requeueing it
// requeues them too, in order.
package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-once/pkg/faults"
)

// Status is the delivery state of an event.
type Status string

const (
	StatusPending    Status = "pending"
	StatusPublishing Status = "publishing"
	StatusPublished  Status = "published"
	StatusFailed     Status = "failed" // last attempt failed, retry scheduled
	StatusDeadLetter Status = "dead_letter"
)

// PredecessorDeadLettered is the last error of an event dead-lettered because
// an older event of its aggregate was.
const PredecessorDeadLettered = "predecessor dead-lettered"

// Terminal reports whether delivery is finished for now.
func (s Status) Terminal() bool {
	return s == StatusPublished || s == StatusDeadLetter
}

// Event is one outbound message.
type Event struct {
	ID             string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	AggregateID    string          `json:"aggregate_id"`
	AggregateType  string          `json:"aggregate_type"`
	Payload        json.RawMessage `json:"payload"`
	Topic          string          `json:"topic"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Status         Status          `json:"status"`
	AttemptCount   int             `json:"attempt_count"`
	NextAttemptAt  time.Time       `json:"next_attempt_at"`
	LastError      string          `json:"last_error,omitempty"`
	ClaimedBy      string          `json:"claimed_by,omitempty"`
	ClaimExpiresAt time.Time       `json:"claim_expires_at,omitempty"`
	Seq            int64           `json:"seq"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	PublishedAt    *time.Time      `json:"published_at,omitempty"`
}

// NewEvent builds a pending event with a fresh id. Topic defaults to eventType.
func NewEvent(eventType, aggregateType, aggregateID, topic string, payload any) (*Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, faults.E(faults.ErrInvalidArgument, "new_event", "", fmt.Errorf("marshal payload: %w", err))
	}
	return &Event{
		ID:            uuid.New().String(),
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Topic:         topic,
		Payload:       raw,
		Status:        StatusPending,
	}, nil
}

// Clone returns a deep copy.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	c := *e
	if e.Payload != nil {
		c.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	if e.PublishedAt != nil {
		t := *e.PublishedAt
		c.PublishedAt = &t
	}
	return &c
}

// Check reports the first event that cannot be staged. It does not modify
// the events.
func Check(events []*Event) error {
	for i, e := range events {
		if e == nil {
			return faults.E(faults.ErrInvalidArgument, "store_event", "", fmt.Errorf("event %d is nil", i))
		}
		if e.EventType == "" || e.AggregateID == "" || e.AggregateType == "" {
			return faults.E(faults.ErrInvalidArgument, "store_event", e.ID,
				fmt.Errorf("event %d needs event_type, aggregate_type and aggregate_id", i))
		}
	}
	return nil
}

// Prepare validates events and fills defaults before they are staged. Every
// store calls it so staged events look the same regardless of backend.
func Prepare(events []*Event, now time.Time) error {
	if err := Check(events); err != nil {
		return err
	}
	for _, e := range events {
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.Topic == "" {
			e.Topic = e.EventType
		}
		if e.Payload == nil {
			e.Payload = json.RawMessage("null")
		}
		e.Status = StatusPending
		e.AttemptCount = 0
		e.LastError = ""
		e.ClaimedBy = ""
		e.ClaimExpiresAt = time.Time{}
		e.PublishedAt = nil
		e.NextAttemptAt = now
		e.CreatedAt = now
		e.UpdatedAt = now
	}
	return nil
}
