package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-once/pkg/faults"
	"github.com/Mindburn-Labs/helm-once/pkg/idempotency"
	"github.com/Mindburn-Labs/helm-once/pkg/outbox"
)

// RecordStore implements idempotency.Store.
type RecordStore struct{ s *Store }

var _ idempotency.Store = (*RecordStore)(nil)

const recordColumns = `key, execution_id, operation_type, service, payload_hash, status, result, error,
	created_at, updated_at, expires_at, lock_holder, lock_token, lock_expires_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*idempotency.Record, error) {
	var (
		r                                   idempotency.Record
		key, status                         string
		result                              []byte
		created, updated, expires, lockExpr int64
	)
	if err := row.Scan(&key, &r.ExecutionID, &r.OperationType, &r.Service, &r.PayloadHash, &status, &result, &r.Error,
		&created, &updated, &expires, &r.LockHolder, &r.LockToken, &lockExpr); err != nil {
		return nil, err
	}
	r.Key = idempotency.Key(key)
	r.Status = idempotency.Status(status)
	if len(result) > 0 {
		r.Result = result
	}
	r.CreatedAt = fromNanos(created)
	r.UpdatedAt = fromNanos(updated)
	r.ExpiresAt = fromNanos(expires)
	r.LockExpiresAt = fromNanos(lockExpr)
	return &r, nil
}

// lockedRecord loads a live record, row-locked on PostgreSQL.
func (s *Store) lockedRecord(ctx context.Context, q querier, op string, key idempotency.Key, now time.Time) (*idempotency.Record, error) {
	rec, err := scanRecord(q.QueryRowContext(ctx,
		s.rebind(`SELECT `+recordColumns+` FROM once_records WHERE key = ?`+s.forUpdate()), string(key)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.E(faults.ErrNotFound, op, string(key), nil)
	}
	if err != nil {
		return nil, classify(op, err)
	}
	if rec.Expired(now) {
		return nil, faults.E(faults.ErrNotFound, op, string(key), nil)
	}
	return rec, nil
}

func (s *Store) writeStatus(ctx context.Context, q querier, op string, rec *idempotency.Record) error {
	_, err := q.ExecContext(ctx, s.rebind(`UPDATE once_records SET status = ?, result = ?, error = ?, updated_at = ? WHERE key = ?`),
		string(rec.Status), []byte(rec.Result), rec.Error, nanos(rec.UpdatedAt), string(rec.Key))
	return classify(op, err)
}

func (r *RecordStore) CheckAndCreate(ctx context.Context, req idempotency.CreateRequest) (*idempotency.Record, bool, error) {
	const op = "check_and_create"
	if req.Key == "" || req.TTL <= 0 {
		return nil, false, faults.E(faults.ErrInvalidArgument, op, string(req.Key), fmt.Errorf("key and positive ttl are required"))
	}
	s := r.s
	var (
		out   *idempotency.Record
		isNew bool
	)
	err := s.withTx(ctx, op, func(tx *sql.Tx) error {
		now := s.now()
		existing, err := scanRecord(tx.QueryRowContext(ctx,
			s.rebind(`SELECT `+recordColumns+` FROM once_records WHERE key = ?`+s.forUpdate()), string(req.Key)))
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return classify(op, err)
		case !existing.Expired(now):
			out = existing
			return nil
		default:
			if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM once_records WHERE key = ?`), string(req.Key)); err != nil {
				return classify(op, err)
			}
		}

		rec := &idempotency.Record{
			Key:           req.Key,
			ExecutionID:   req.ExecutionID,
			OperationType: req.OperationType,
			Service:       req.Service,
			PayloadHash:   req.PayloadHash,
			Status:        idempotency.StatusPending,
			CreatedAt:     now,
			UpdatedAt:     now,
			ExpiresAt:     now.Add(req.TTL),
		}
		if rec.ExecutionID == "" {
			rec.ExecutionID = uuid.New().String()
		}
		res, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO once_records
			(key, execution_id, operation_type, service, payload_hash, status, error, created_at, updated_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, '', ?, ?, ?)
			ON CONFLICT (key) DO NOTHING`),
			string(rec.Key), rec.ExecutionID, rec.OperationType, rec.Service, rec.PayloadHash, string(rec.Status),
			nanos(now), nanos(now), nanos(rec.ExpiresAt))
		if err != nil {
			return classify(op, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			out, isNew = rec, true
			return nil
		}

		// A concurrent creator committed first.
		out, err = scanRecord(tx.QueryRowContext(ctx, s.rebind(`SELECT `+recordColumns+` FROM once_records WHERE key = ?`), string(req.Key)))
		return classify(op, err)
	})
	if err != nil {
		return nil, false, err
	}
	if !isNew && req.PayloadHash != "" && out.PayloadHash != "" && req.PayloadHash != out.PayloadHash {
		return out, false, faults.E(faults.ErrKeyConflict, op, string(req.Key), nil)
	}
	return out, isNew, nil
}

func (r *RecordStore) AcquireLock(ctx context.Context, key idempotency.Key, holder string, lease time.Duration) (string, bool, error) {
	const op = "acquire_lock"
	s := r.s
	now := s.now()
	token := uuid.New().String()
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE once_records
		SET lock_holder = ?, lock_token = ?, lock_expires_at = ?
		WHERE key = ? AND expires_at > ? AND status IN ('pending', 'in_progress')
		AND (lock_token = '' OR lock_expires_at <= ?)`),
		holder, token, nanos(now.Add(lease)), string(key), nanos(now), nanos(now))
	if err != nil {
		return "", false, classify(op, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return token, true, nil
	}

	var expires int64
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT expires_at FROM once_records WHERE key = ?`), string(key)).Scan(&expires)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !now.Before(fromNanos(expires))) {
		return "", false, faults.E(faults.ErrNotFound, op, string(key), nil)
	}
	if err != nil {
		return "", false, classify(op, err)
	}
	return "", false, nil
}

func (r *RecordStore) RenewLock(ctx context.Context, key idempotency.Key, token string, lease time.Duration) error {
	const op = "renew_lock"
	if token == "" {
		return faults.E(faults.ErrLeaseLost, op, string(key), nil)
	}
	s := r.s
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE once_records SET lock_expires_at = ?
		WHERE key = ? AND lock_token = ? AND lock_expires_at > ? AND expires_at > ?`),
		nanos(now.Add(lease)), string(key), token, nanos(now), nanos(now))
	if err != nil {
		return classify(op, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return faults.E(faults.ErrLeaseLost, op, string(key), nil)
	}
	return nil
}

func (r *RecordStore) ReleaseLock(ctx context.Context, key idempotency.Key, token string) error {
	if token == "" {
		return nil
	}
	s := r.s
	_, err := s.db.ExecContext(ctx, s.rebind(`UPDATE once_records SET lock_holder = '', lock_token = '', lock_expires_at = 0
		WHERE key = ? AND lock_token = ?`), string(key), token)
	return classify("release_lock", err)
}

func (r *RecordStore) UpdateStatus(ctx context.Context, tr idempotency.Transition) (idempotency.Status, error) {
	const op = "update_status"
	s := r.s
	var prev idempotency.Status
	err := s.withTx(ctx, op, func(tx *sql.Tx) error {
		now := s.now()
		rec, err := s.lockedRecord(ctx, tx, op, tr.Key, now)
		if err != nil {
			return err
		}
		prev = rec.Status
		if err := idempotency.CheckTransition(rec, tr, now); err != nil {
			return err
		}
		if prev == idempotency.StatusCompleted {
			return nil
		}
		idempotency.ApplyTransition(rec, tr, now)
		return s.writeStatus(ctx, tx, op, rec)
	})
	return prev, err
}

func (r *RecordStore) Get(ctx context.Context, key idempotency.Key) (*idempotency.Record, error) {
	const op = "get"
	s := r.s
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+recordColumns+` FROM once_records WHERE key = ? AND expires_at > ?`), string(key), nanos(s.now())))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.E(faults.ErrNotFound, op, string(key), nil)
	}
	if err != nil {
		return nil, classify(op, err)
	}
	return rec, nil
}

func (r *RecordStore) GetByExecutionID(ctx context.Context, id string) (*idempotency.Record, error) {
	const op = "get_by_execution_id"
	s := r.s
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+recordColumns+` FROM once_records WHERE execution_id = ? AND expires_at > ?`), id, nanos(s.now())))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.E(faults.ErrNotFound, op, id, nil)
	}
	if err != nil {
		return nil, classify(op, err)
	}
	return rec, nil
}

func (r *RecordStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	s := r.s
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM once_records WHERE expires_at <= ?`), nanos(now))
	if err != nil {
		return 0, classify("purge_expired", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CompleteWithEvents applies tr and stages events in one transaction. When
// tr re-asserts an existing identical completion, no events are staged.
func (s *Store) CompleteWithEvents(ctx context.Context, tr idempotency.Transition, events []*outbox.Event) (idempotency.Status, error) {
	const op = "complete_with_events"
	var prev idempotency.Status
	err := s.withTx(ctx, op, func(tx *sql.Tx) error {
		now := s.now()
		rec, err := s.lockedRecord(ctx, tx, op, tr.Key, now)
		if err != nil {
			return err
		}
		prev = rec.Status
		if err := idempotency.CheckTransition(rec, tr, now); err != nil {
			return err
		}
		if prev == idempotency.StatusCompleted {
			return nil
		}
		if err := s.insertEvents(ctx, tx, op, events, now); err != nil {
			return err
		}
		idempotency.ApplyTransition(rec, tr, now)
		return s.writeStatus(ctx, tx, op, rec)
	})
	return prev, err
}
