// Package memstore is an in-process backend for every store port. One mutex
// guards all state, which makes each operation atomic and lets
// CompleteWithEvents commit a record transition together with its events.
//
// It is meant for tests and single-process development. Nothing survives a
// restart of the process.
package memstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-once/pkg/faults"
	"github.com/Mindburn-Labs/helm-once/pkg/idempotency"
	"github.com/Mindburn-Labs/helm-once/pkg/outbox"
	"github.com/Mindburn-Labs/helm-once/pkg/saga"
)

// Store holds records, outbox events, sagas and leases.
type Store struct {
	mu  sync.Mutex
	now func() time.Time

	records map[idempotency.Key]*idempotency.Record
	events  map[string]*outbox.Event
	archive map[string]*outbox.Event
	seq     int64
	sagas   map[string]*saga.Instance
	leases  map[string]leaseEntry

	failures map[string]int
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now for TTL and lease arithmetic.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		now:      time.Now,
		records:  make(map[idempotency.Key]*idempotency.Record),
		events:   make(map[string]*outbox.Event),
		archive:  make(map[string]*outbox.Event),
		sagas:    make(map[string]*saga.Instance),
		leases:   make(map[string]leaseEntry),
		failures: make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Records returns the idempotency.Store view.
func (s *Store) Records() *RecordStore { return &RecordStore{s: s} }

// Outbox returns the outbox.Store view.
func (s *Store) Outbox() *OutboxStore { return &OutboxStore{s: s} }

// Sagas returns the saga.Store view.
func (s *Store) Sagas() *SagaStore { return &SagaStore{s: s} }

// Locker returns the lease.Locker view.
func (s *Store) Locker() *Locker { return &Locker{s: s} }

// FailNext makes the next n calls of op fail with a transient store error.
// op is the operation name used in error messages, e.g. "update_status".
func (s *Store) FailNext(op string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] += n
}

var errInjected = errors.New("injected failure")

// inject must be called with mu held.
func (s *Store) inject(op string) error {
	if s.failures[op] > 0 {
		s.failures[op]--
		return faults.Transient(op, errInjected)
	}
	return nil
}

// CompleteWithEvents applies tr and stages events in one atomic step. When
// tr re-asserts an existing identical completion, no events are staged.
func (s *Store) CompleteWithEvents(ctx context.Context, tr idempotency.Transition, events []*outbox.Event) (idempotency.Status, error) {
	const op = "complete_with_events"
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.inject(op); err != nil {
		return "", err
	}

	now := s.now()
	rec, err := s.liveRecord(op, tr.Key, now)
	if err != nil {
		return "", err
	}
	prev := rec.Status
	if err := idempotency.CheckTransition(rec, tr, now); err != nil {
		return prev, err
	}
	if prev == idempotency.StatusCompleted {
		return prev, nil
	}
	if err := s.checkEvents(op, events, now); err != nil {
		return prev, err
	}
	idempotency.ApplyTransition(rec, tr, now)
	s.insertEvents(events)
	return prev, nil
}
