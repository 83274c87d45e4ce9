package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/helm-once/pkg/faults"
	"github.com/Mindburn-Labs/helm-once/pkg/outbox"
)

// OutboxStore implements outbox.Store.
type OutboxStore struct{ s *Store }

var _ outbox.Store = (*OutboxStore)(nil)

const eventColumns = `seq, event_id, event_type, aggregate_type, aggregate_id, topic, payload, idempotency_key, status,
	attempt_count, next_attempt_at, last_error, claimed_by, claim_expires_at, created_at, updated_at, published_at`

func scanEvent(row rowScanner) (*outbox.Event, error) {
	var (
		e                                      outbox.Event
		status                                 string
		payload                                []byte
		next, claimExp, created, updated, pubd int64
	)
	if err := row.Scan(&e.Seq, &e.ID, &e.EventType, &e.AggregateType, &e.AggregateID, &e.Topic, &payload, &e.IdempotencyKey,
		&status, &e.AttemptCount, &next, &e.LastError, &e.ClaimedBy, &claimExp, &created, &updated, &pubd); err != nil {
		return nil, err
	}
	e.Status = outbox.Status(status)
	e.Payload = payload
	e.NextAttemptAt = fromNanos(next)
	e.ClaimExpiresAt = fromNanos(claimExp)
	e.CreatedAt = fromNanos(created)
	e.UpdatedAt = fromNanos(updated)
	if pubd != 0 {
		t := fromNanos(pubd)
		e.PublishedAt = &t
	}
	return &e, nil
}

func scanEvents(rows *sql.Rows) ([]*outbox.Event, error) {
	defer func() { _ = rows.Close() }()
	var out []*outbox.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// StoreEventsTx stages events inside a caller-owned transaction, so they
// commit or roll back with the caller's business writes.
func (s *Store) StoreEventsTx(ctx context.Context, tx *sql.Tx, events []*outbox.Event) error {
	return s.insertEvents(ctx, tx, "store_events", events, s.now())
}

func (s *Store) insertEvents(ctx context.Context, q querier, op string, events []*outbox.Event, now time.Time) error {
	if err := outbox.Prepare(events, now); err != nil {
		return err
	}
	for _, e := range events {
		var archived int
		err := q.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM once_outbox_archive WHERE event_id = ?`), e.ID).Scan(&archived)
		if err != nil {
			return classify(op, err)
		}
		if archived > 0 {
			return faults.E(faults.ErrInvalidArgument, op, e.ID, fmt.Errorf("duplicate event id"))
		}

		err = q.QueryRowContext(ctx, s.rebind(`INSERT INTO once_outbox
			(event_id, event_type, aggregate_type, aggregate_id, topic, payload, idempotency_key, status,
			 attempt_count, next_attempt_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
			RETURNING seq`),
			e.ID, e.EventType, e.AggregateType, e.AggregateID, e.Topic, []byte(e.Payload), e.IdempotencyKey, string(e.Status),
			nanos(e.NextAttemptAt), nanos(e.CreatedAt), nanos(e.UpdatedAt)).Scan(&e.Seq)
		if isUniqueViolation(err) {
			return faults.E(faults.ErrInvalidArgument, op, e.ID, fmt.Errorf("duplicate event id"))
		}
		if err != nil {
			return classify(op, err)
		}
	}
	return nil
}

func (o *OutboxStore) StoreEvent(ctx context.Context, e *outbox.Event) error {
	return o.StoreEventsBatch(ctx, []*outbox.Event{e})
}

func (o *OutboxStore) StoreEventsBatch(ctx context.Context, events []*outbox.Event) error {
	const op = "store_events"
	s := o.s
	return s.withTx(ctx, op, func(tx *sql.Tx) error {
		return s.insertEvents(ctx, tx, op, events, s.now())
	})
}

func (o *OutboxStore) ClaimBatch(ctx context.Context, req outbox.ClaimRequest) ([]*outbox.Event, error) {
	const op = "claim_batch"
	s := o.s
	lockClause := ""
	if s.dialect == Postgres {
		lockClause = " FOR UPDATE OF o SKIP LOCKED"
	}
	// A head is the oldest unpublished event of its aggregate.
	query := s.rebind(`SELECT ` + prefixed("o.", eventColumns) + ` FROM once_outbox o
		WHERE o.status <> 'published'
		AND NOT EXISTS (
			SELECT 1 FROM once_outbox p
			WHERE p.aggregate_type = o.aggregate_type AND p.aggregate_id = o.aggregate_id
			AND p.status <> 'published' AND p.seq < o.seq)
		AND ((o.status IN ('pending', 'failed') AND o.next_attempt_at <= ?)
			OR (o.status = 'publishing' AND o.claim_expires_at <= ?))
		ORDER BY o.seq
		LIMIT ?` + lockClause)

	var claimed []*outbox.Event
	err := s.withTx(ctx, op, func(tx *sql.Tx) error {
		// Events stored behind a dead letter after it was dead-lettered.
		if err := s.cascadeDeadLetters(ctx, tx, op, req.Now); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, query, nanos(req.Now), nanos(req.Now), limitOrAll(req.Limit))
		if err != nil {
			return classify(op, err)
		}
		due, err := scanEvents(rows)
		if err != nil {
			return classify(op, err)
		}
		expires := req.Now.Add(req.ClaimTTL)
		for _, e := range due {
			_, err := tx.ExecContext(ctx, s.rebind(`UPDATE once_outbox
				SET status = 'publishing', claimed_by = ?, claim_expires_at = ?, updated_at = ?
				WHERE seq = ?`), req.Worker, nanos(expires), nanos(req.Now), e.Seq)
			if err != nil {
				return classify(op, err)
			}
			e.Status = outbox.StatusPublishing
			e.ClaimedBy = req.Worker
			e.ClaimExpiresAt = expires
			e.UpdatedAt = req.Now
		}
		claimed = due
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// cascadeDeadLetters dead-letters pending and failed events queued behind a
// dead-lettered event of their aggregate.
func (s *Store) cascadeDeadLetters(ctx context.Context, q querier, op string, now time.Time) error {
	_, err := q.ExecContext(ctx, s.rebind(`UPDATE once_outbox
		SET status = 'dead_letter', last_error = ?, claimed_by = '', claim_expires_at = 0, updated_at = ?
		WHERE status IN ('pending', 'failed')
		AND EXISTS (
			SELECT 1 FROM once_outbox d
			WHERE d.aggregate_type = once_outbox.aggregate_type AND d.aggregate_id = once_outbox.aggregate_id
			AND d.status = 'dead_letter' AND d.seq < once_outbox.seq)`),
		outbox.PredecessorDeadLettered, nanos(now))
	return classify(op, err)
}

// fenced reports the error for a claimed-event update that matched no row.
func (s *Store) fenced(ctx context.Context, op, id string) error {
	var n int
	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM once_outbox WHERE event_id = ?`), id).Scan(&n); err != nil {
		return classify(op, err)
	}
	if n == 0 {
		return faults.E(faults.ErrNotFound, op, id, nil)
	}
	return faults.E(faults.ErrLeaseLost, op, id, nil)
}

func (o *OutboxStore) MarkPublished(ctx context.Context, id, worker string, now time.Time) error {
	const op = "mark_published"
	s := o.s
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE once_outbox
		SET status = 'published', published_at = ?, claimed_by = '', claim_expires_at = 0, updated_at = ?
		WHERE event_id = ? AND status = 'publishing' AND claimed_by = ?`),
		nanos(now), nanos(now), id, worker)
	if err != nil {
		return classify(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.fenced(ctx, op, id)
	}
	return nil
}

func (o *OutboxStore) MarkFailed(ctx context.Context, u outbox.FailureUpdate) error {
	const op = "mark_failed"
	s := o.s
	if u.DeadLetter {
		var n int64
		err := s.withTx(ctx, op, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, s.rebind(`UPDATE once_outbox
				SET status = 'dead_letter', attempt_count = attempt_count + 1, last_error = ?,
				claimed_by = '', claim_expires_at = 0, updated_at = ?
				WHERE event_id = ? AND status = 'publishing' AND claimed_by = ?`),
				u.Error, nanos(u.Now), u.ID, u.Worker)
			if err != nil {
				return classify(op, err)
			}
			if n, _ = res.RowsAffected(); n == 0 {
				return nil
			}
			return s.cascadeDeadLetters(ctx, tx, op, u.Now)
		})
		if err != nil {
			return err
		}
		if n == 0 {
			return s.fenced(ctx, op, u.ID)
		}
		return nil
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE once_outbox
		SET status = 'failed', attempt_count = attempt_count + 1, last_error = ?, next_attempt_at = ?,
		claimed_by = '', claim_expires_at = 0, updated_at = ?
		WHERE event_id = ? AND status = 'publishing' AND claimed_by = ?`),
		u.Error, nanos(u.NextAttemptAt), nanos(u.Now), u.ID, u.Worker)
	if err != nil {
		return classify(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.fenced(ctx, op, u.ID)
	}
	return nil
}

func (o *OutboxStore) Get(ctx context.Context, id string) (*outbox.Event, error) {
	const op = "get_event"
	s := o.s
	for _, table := range []string{"once_outbox", "once_outbox_archive"} {
		e, err := scanEvent(s.db.QueryRowContext(ctx,
			s.rebind(`SELECT `+eventColumns+` FROM `+table+` WHERE event_id = ?`), id))
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, classify(op, err)
		}
		return e, nil
	}
	return nil, faults.E(faults.ErrNotFound, op, id, nil)
}

func (o *OutboxStore) ListDeadLetters(ctx context.Context, limit int) ([]*outbox.Event, error) {
	const op = "list_dead_letters"
	s := o.s
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+eventColumns+` FROM once_outbox
		WHERE status = 'dead_letter' ORDER BY seq LIMIT ?`), limitOrAll(limit))
	if err != nil {
		return nil, classify(op, err)
	}
	out, err := scanEvents(rows)
	if err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

func (o *OutboxStore) Requeue(ctx context.Context, id string, now time.Time) error {
	const op = "requeue"
	s := o.s
	return s.withTx(ctx, op, func(tx *sql.Tx) error {
		var (
			status, aggType, aggID string
			seq                    int64
		)
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT status, aggregate_type, aggregate_id, seq
			FROM once_outbox WHERE event_id = ?`+s.forUpdate()), id).Scan(&status, &aggType, &aggID, &seq)
		if errors.Is(err, sql.ErrNoRows) {
			return faults.E(faults.ErrNotFound, op, id, nil)
		}
		if err != nil {
			return classify(op, err)
		}
		if outbox.Status(status) != outbox.StatusDeadLetter {
			return faults.E(faults.ErrInvalidTransition, op, id, fmt.Errorf("event is %s, not dead_letter", status))
		}

		var blocker string
		err = tx.QueryRowContext(ctx, s.rebind(`SELECT event_id FROM once_outbox
			WHERE aggregate_type = ? AND aggregate_id = ? AND status = 'dead_letter' AND seq < ?
			ORDER BY seq LIMIT 1`), aggType, aggID, seq).Scan(&blocker)
		switch {
		case err == nil:
			return faults.E(faults.ErrInvalidTransition, op, id, fmt.Errorf("predecessor %s is dead-lettered; requeue it first", blocker))
		case !errors.Is(err, sql.ErrNoRows):
			return classify(op, err)
		}

		_, err = tx.ExecContext(ctx, s.rebind(`UPDATE once_outbox
			SET status = 'pending', attempt_count = 0, next_attempt_at = ?, updated_at = ?
			WHERE aggregate_type = ? AND aggregate_id = ? AND status = 'dead_letter' AND seq >= ?`),
			nanos(now), nanos(now), aggType, aggID, seq)
		return classify(op, err)
	})
}

func (o *OutboxStore) Archive(ctx context.Context, publishedBefore time.Time) (int, error) {
	const op = "archive"
	s := o.s
	var n int64
	err := s.withTx(ctx, op, func(tx *sql.Tx) error {
		cutoff := nanos(publishedBefore)
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO once_outbox_archive (`+eventColumns+`)
			SELECT `+eventColumns+` FROM once_outbox
			WHERE status = 'published' AND published_at < ?`), cutoff); err != nil {
			return classify(op, err)
		}
		res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM once_outbox WHERE status = 'published' AND published_at < ?`), cutoff)
		if err != nil {
			return classify(op, err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return int(n), err
}

func (o *OutboxStore) CountByStatus(ctx context.Context) (map[outbox.Status]int, error) {
	const op = "count_by_status"
	s := o.s
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM once_outbox GROUP BY status`)
	if err != nil {
		return nil, classify(op, err)
	}
	defer func() { _ = rows.Close() }()
	out := make(map[outbox.Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, classify(op, err)
		}
		out[outbox.Status(status)] = n
	}
	return out, classify(op, rows.Err())
}
