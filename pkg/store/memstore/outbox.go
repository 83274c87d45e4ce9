package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Mindburn-Labs/helm-once/pkg/faults"
	"github.com/Mindburn-Labs/helm-once/pkg/outbox"
)

// OutboxStore implements outbox.Store.
type OutboxStore struct{ s *Store }

var _ outbox.Store = (*OutboxStore)(nil)

// checkEvents prepares events and rejects duplicate ids. mu must be held.
func (s *Store) checkEvents(op string, events []*outbox.Event, now time.Time) error {
	if err := outbox.Prepare(events, now); err != nil {
		return err
	}
	seen := make(map[string]bool, len(events))
	for _, e := range events {
		_, live := s.events[e.ID]
		_, archived := s.archive[e.ID]
		if live || archived || seen[e.ID] {
			return faults.E(faults.ErrInvalidArgument, op, e.ID, fmt.Errorf("duplicate event id"))
		}
		seen[e.ID] = true
	}
	return nil
}

// insertEvents stores prepared events. mu must be held.
func (s *Store) insertEvents(events []*outbox.Event) {
	for _, e := range events {
		s.seq++
		e.Seq = s.seq
		s.events[e.ID] = e.Clone()
	}
}

func (o *OutboxStore) StoreEvent(ctx context.Context, e *outbox.Event) error {
	return o.StoreEventsBatch(ctx, []*outbox.Event{e})
}

func (o *OutboxStore) StoreEventsBatch(ctx context.Context, events []*outbox.Event) error {
	const op = "store_events"
	s := o.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.inject(op); err != nil {
		return err
	}
	if err := s.checkEvents(op, events, s.now()); err != nil {
		return err
	}
	s.insertEvents(events)
	return nil
}

func aggregateOf(e *outbox.Event) string {
	return e.AggregateType + "\x00" + e.AggregateID
}

// cascadeDeadLetters dead-letters pending and failed events queued behind a
// dead-lettered event of their aggregate. mu must be held.
func (s *Store) cascadeDeadLetters(now time.Time) {
	dead := make(map[string]int64)
	for _, e := range s.events {
		if e.Status != outbox.StatusDeadLetter {
			continue
		}
		if seq, ok := dead[aggregateOf(e)]; !ok || e.Seq < seq {
			dead[aggregateOf(e)] = e.Seq
		}
	}
	if len(dead) == 0 {
		return
	}
	for _, e := range s.events {
		if e.Status != outbox.StatusPending && e.Status != outbox.StatusFailed {
			continue
		}
		if seq, ok := dead[aggregateOf(e)]; ok && e.Seq > seq {
			e.Status = outbox.StatusDeadLetter
			e.LastError = outbox.PredecessorDeadLettered
			e.UpdatedAt = now
		}
	}
}

// heads returns the oldest unpublished event of each aggregate. mu must be held.
func (s *Store) heads() []*outbox.Event {
	head := make(map[string]*outbox.Event)
	for _, e := range s.events {
		if e.Status == outbox.StatusPublished {
			continue
		}
		agg := aggregateOf(e)
		if cur, ok := head[agg]; !ok || e.Seq < cur.Seq {
			head[agg] = e
		}
	}
	out := make([]*outbox.Event, 0, len(head))
	for _, e := range head {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (o *OutboxStore) ClaimBatch(ctx context.Context, req outbox.ClaimRequest) ([]*outbox.Event, error) {
	const op = "claim_batch"
	s := o.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.inject(op); err != nil {
		return nil, err
	}

	// Events stored behind a dead letter after it was dead-lettered.
	s.cascadeDeadLetters(req.Now)

	var claimed []*outbox.Event
	for _, e := range s.heads() {
		if req.Limit > 0 && len(claimed) >= req.Limit {
			break
		}
		due := false
		switch e.Status {
		case outbox.StatusPending, outbox.StatusFailed:
			due = !e.NextAttemptAt.After(req.Now)
		case outbox.StatusPublishing:
			due = !e.ClaimExpiresAt.After(req.Now)
		}
		if !due {
			continue
		}
		e.Status = outbox.StatusPublishing
		e.ClaimedBy = req.Worker
		e.ClaimExpiresAt = req.Now.Add(req.ClaimTTL)
		e.UpdatedAt = req.Now
		claimed = append(claimed, e.Clone())
	}
	return claimed, nil
}

// claimed returns the event if worker still holds its claim. mu must be held.
func (s *Store) claimed(op, id, worker string) (*outbox.Event, error) {
	e, ok := s.events[id]
	if !ok {
		return nil, faults.E(faults.ErrNotFound, op, id, nil)
	}
	if e.Status != outbox.StatusPublishing || e.ClaimedBy != worker {
		return nil, faults.E(faults.ErrLeaseLost, op, id, nil)
	}
	return e, nil
}

func (o *OutboxStore) MarkPublished(ctx context.Context, id, worker string, now time.Time) error {
	const op = "mark_published"
	s := o.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.inject(op); err != nil {
		return err
	}
	e, err := s.claimed(op, id, worker)
	if err != nil {
		return err
	}
	e.Status = outbox.StatusPublished
	e.PublishedAt = &now
	e.ClaimedBy = ""
	e.ClaimExpiresAt = time.Time{}
	e.UpdatedAt = now
	return nil
}

func (o *OutboxStore) MarkFailed(ctx context.Context, u outbox.FailureUpdate) error {
	const op = "mark_failed"
	s := o.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.inject(op); err != nil {
		return err
	}
	e, err := s.claimed(op, u.ID, u.Worker)
	if err != nil {
		return err
	}
	e.AttemptCount++
	e.LastError = u.Error
	e.ClaimedBy = ""
	e.ClaimExpiresAt = time.Time{}
	e.UpdatedAt = u.Now
	if u.DeadLetter {
		e.Status = outbox.StatusDeadLetter
		s.cascadeDeadLetters(u.Now)
	} else {
		e.Status = outbox.StatusFailed
		e.NextAttemptAt = u.NextAttemptAt
	}
	return nil
}

func (o *OutboxStore) Get(ctx context.Context, id string) (*outbox.Event, error) {
	s := o.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.events[id]; ok {
		return e.Clone(), nil
	}
	if e, ok := s.archive[id]; ok {
		return e.Clone(), nil
	}
	return nil, faults.E(faults.ErrNotFound, "get_event", id, nil)
}

func (o *OutboxStore) ListDeadLetters(ctx context.Context, limit int) ([]*outbox.Event, error) {
	s := o.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*outbox.Event
	for _, e := range s.events {
		if e.Status == outbox.StatusDeadLetter {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (o *OutboxStore) Requeue(ctx context.Context, id string, now time.Time) error {
	const op = "requeue"
	s := o.s
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return faults.E(faults.ErrNotFound, op, id, nil)
	}
	if e.Status != outbox.StatusDeadLetter {
		return faults.E(faults.ErrInvalidTransition, op, id, fmt.Errorf("event is %s, not dead_letter", e.Status))
	}
	agg := aggregateOf(e)
	var chain []*outbox.Event
	for _, ev := range s.events {
		if aggregateOf(ev) != agg || ev.Status != outbox.StatusDeadLetter {
			continue
		}
		if ev.Seq < e.Seq {
			return faults.E(faults.ErrInvalidTransition, op, id, fmt.Errorf("predecessor %s is dead-lettered; requeue it first", ev.ID))
		}
		chain = append(chain, ev)
	}
	for _, ev := range chain {
		ev.Status = outbox.StatusPending
		ev.AttemptCount = 0
		ev.NextAttemptAt = now
		ev.UpdatedAt = now
	}
	return nil
}

func (o *OutboxStore) Archive(ctx context.Context, publishedBefore time.Time) (int, error) {
	s := o.s
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.events {
		if e.Status == outbox.StatusPublished && e.PublishedAt != nil && e.PublishedAt.Before(publishedBefore) {
			s.archive[id] = e
			delete(s.events, id)
			n++
		}
	}
	return n, nil
}

func (o *OutboxStore) CountByStatus(ctx context.Context) (map[outbox.Status]int, error) {
	s := o.s
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[outbox.Status]int)
	for _, e := range s.events {
		out[e.Status]++
	}
	return out, nil
}
