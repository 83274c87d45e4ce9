// Package idempotency defines idempotency records, the store port that owns
// them and the deterministic key deriver.
//
// A record moves through a small state machine:
//
//	pending ──► in_progress ──► completed   (terminal, replayed to late duplicates)
//	   │             │
//	   └─────────────┴────────► failed      (settled until the record expires)
//
// Records are purged once ExpiresAt passes; the same key may then be created
// again as a fresh attempt.
package idempotency

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/Mindburn-Labs/helm-once/pkg/faults"
)

// Key is a deterministic identifier for one logical operation.
type Key string

// Status is the lifecycle state of a record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Settled reports whether duplicates should be answered from the record.
func (s Status) Settled() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// allowed lists legal transitions. in_progress -> in_progress is the
// re-entry of a new lease holder after the previous one crashed.
var allowed = map[Status]map[Status]bool{
	StatusPending:    {StatusInProgress: true, StatusFailed: true},
	StatusInProgress: {StatusInProgress: true, StatusCompleted: true, StatusFailed: true},
	StatusCompleted:  {},
	StatusFailed:     {},
}

// CanTransition reports whether from -> to is permitted.
func CanTransition(from, to Status) bool {
	return allowed[from][to]
}

// Record is the durable state of one idempotency key.
type Record struct {
	Key           Key             `json:"key"`
	ExecutionID   string          `json:"execution_id"`
	OperationType string          `json:"operation_type"`
	Service       string          `json:"service"`
	PayloadHash   string          `json:"payload_hash,omitempty"`
	Status        Status          `json:"status"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
	LockHolder    string          `json:"lock_holder,omitempty"`
	LockToken     string          `json:"lock_token,omitempty"`
	LockExpiresAt time.Time       `json:"lock_expires_at,omitempty"`
}

// Expired reports whether the record is past its TTL at now.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Locked reports whether a live lease is held at now.
func (r *Record) Locked(now time.Time) bool {
	return r.LockToken != "" && now.Before(r.LockExpiresAt)
}

// Clone returns a deep copy safe to hand to callers.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Result != nil {
		c.Result = append(json.RawMessage(nil), r.Result...)
	}
	return &c
}

// Transition is a requested status change.
type Transition struct {
	Key    Key
	Token  string // lease token; may be empty only to re-assert completion
	Status Status
	Result json.RawMessage
	Error  string
}

// CheckTransition validates tr against the current record. Every backend
// calls it under its own atomicity primitive so they share one rule set.
func CheckTransition(rec *Record, tr Transition, now time.Time) error {
	const op = "update_status"
	if !tr.Status.Valid() {
		return faults.E(faults.ErrInvalidArgument, op, string(tr.Key), nil)
	}
	// Re-asserting an identical completion is always accepted.
	if rec.Status == StatusCompleted && tr.Status == StatusCompleted && bytes.Equal(rec.Result, tr.Result) {
		return nil
	}
	if !CanTransition(rec.Status, tr.Status) {
		return faults.E(faults.ErrInvalidTransition, op, string(tr.Key),
			errTransition(rec.Status, tr.Status))
	}
	if tr.Token == "" || tr.Token != rec.LockToken || !rec.Locked(now) {
		return faults.E(faults.ErrLeaseLost, op, string(tr.Key), nil)
	}
	return nil
}

// ApplyTransition mutates rec after CheckTransition succeeded.
func ApplyTransition(rec *Record, tr Transition, now time.Time) {
	if rec.Status == StatusCompleted && tr.Status == StatusCompleted {
		return
	}
	rec.Status = tr.Status
	if tr.Result != nil {
		rec.Result = append(json.RawMessage(nil), tr.Result...)
	}
	rec.Error = tr.Error
	rec.UpdatedAt = now
}

type transitionError struct{ from, to Status }

func (e transitionError) Error() string { return string(e.from) + " -> " + string(e.to) }

func errTransition(from, to Status) error { return transitionError{from: from, to: to} }
