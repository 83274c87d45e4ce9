// Package faults defines the error taxonomy shared by the idempotency, outbox,
// saga and executor packages.
//
// Every error produced by this module is either one of the sentinel kinds below
// or an *Error wrapping one, so callers branch with errors.Is:
//
//	if errors.Is(err, faults.ErrTransientStore) { /* retry */ }
package faults

import (
	"errors"
	"fmt"
)

// Sentinel kinds for errors.Is() support.
var (
	// ErrTransientStore marks a store round-trip that may succeed if retried.
	ErrTransientStore = errors.New("transient store error")
	// ErrLockContention means another holder owns the lease.
	ErrLockContention = errors.New("lock contention")
	// ErrOperation wraps a business failure returned by a user operation.
	ErrOperation = errors.New("operation failed")
	// ErrTimeout means waiting for a concurrent duplicate exceeded its bound.
	ErrTimeout = errors.New("timeout waiting for duplicate")
	// ErrCompensationFailed means a saga rollback step failed.
	ErrCompensationFailed = errors.New("compensation failed")
	// ErrDeadLetter means an outbox event exhausted its retry budget.
	ErrDeadLetter = errors.New("dead letter")
	// ErrInvalidTransition rejects a status change the state machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrLeaseLost means the caller no longer holds the lease it presented.
	ErrLeaseLost = errors.New("lease lost")
	// ErrNotFound means the requested record, event or saga does not exist.
	ErrNotFound = errors.New("not found")
	// ErrKeyConflict means a live key was reused for a different payload.
	ErrKeyConflict = errors.New("idempotency key conflict")
	// ErrInvalidArgument rejects malformed input before any side effect.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrVersionConflict means a concurrent writer advanced the same saga.
	ErrVersionConflict = errors.New("version conflict")
)

// Error carries the failing operation and key alongside a sentinel kind.
type Error struct {
	Kind error
	Op   string
	Key  string
	Err  error
}

// E builds an *Error. err may be nil.
func E(kind error, op, key string, err error) *Error {
	return &Error{Kind: kind, Op: op, Key: key, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Key != "" {
		msg = fmt.Sprintf("%s (key %q)", msg, e.Key)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is this error's kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

// Transient wraps err as a retryable store error.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransientStore) {
		return err
	}
	return E(ErrTransientStore, op, "", err)
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientStore)
}

// CompensationError is returned when a saga could not be fully rolled back.
// The external state is inconsistent and needs an operator.
type CompensationError struct {
	SagaID            string
	StepID            string
	OriginalError     error
	CompensationError error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensation failed for step '%s' in saga '%s': %v (original failure: %v)",
		e.StepID, e.SagaID, e.CompensationError, e.OriginalError)
}

func (e *CompensationError) Unwrap() error {
	return e.CompensationError
}

func (e *CompensationError) Is(target error) bool {
	return target == ErrCompensationFailed
}

// MaxMessageLength bounds error text persisted by stores.
const MaxMessageLength = 2048

// Truncate shortens an error message to MaxMessageLength.
func Truncate(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) <= MaxMessageLength {
		return msg
	}
	marker := "... [TRUNCATED]"
	return msg[:MaxMessageLength-len(marker)] + marker
}
