package memstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-once/pkg/faults"
	"github.com/Mindburn-Labs/helm-once/pkg/idempotency"
)

// RecordStore implements idempotency.Store.
type RecordStore struct{ s *Store }

var _ idempotency.Store = (*RecordStore)(nil)

// liveRecord must be called with mu held.
func (s *Store) liveRecord(op string, key idempotency.Key, now time.Time) (*idempotency.Record, error) {
	rec, ok := s.records[key]
	if !ok || rec.Expired(now) {
		return nil, faults.E(faults.ErrNotFound, op, string(key), nil)
	}
	return rec, nil
}

func (r *RecordStore) CheckAndCreate(ctx context.Context, req idempotency.CreateRequest) (*idempotency.Record, bool, error) {
	const op = "check_and_create"
	if req.Key == "" || req.TTL <= 0 {
		return nil, false, faults.E(faults.ErrInvalidArgument, op, string(req.Key), fmt.Errorf("key and positive ttl are required"))
	}
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.inject(op); err != nil {
		return nil, false, err
	}

	now := s.now()
	if rec, ok := s.records[req.Key]; ok && !rec.Expired(now) {
		if req.PayloadHash != "" && rec.PayloadHash != "" && req.PayloadHash != rec.PayloadHash {
			return rec.Clone(), false, faults.E(faults.ErrKeyConflict, op, string(req.Key), nil)
		}
		return rec.Clone(), false, nil
	}

	execID := req.ExecutionID
	if execID == "" {
		execID = uuid.New().String()
	}
	rec := &idempotency.Record{
		Key:           req.Key,
		ExecutionID:   execID,
		OperationType: req.OperationType,
		Service:       req.Service,
		PayloadHash:   req.PayloadHash,
		Status:        idempotency.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(req.TTL),
	}
	s.records[req.Key] = rec
	return rec.Clone(), true, nil
}

func (r *RecordStore) AcquireLock(ctx context.Context, key idempotency.Key, holder string, lease time.Duration) (string, bool, error) {
	const op = "acquire_lock"
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.inject(op); err != nil {
		return "", false, err
	}

	now := s.now()
	rec, err := s.liveRecord(op, key, now)
	if err != nil {
		return "", false, err
	}
	if rec.Status.Settled() || rec.Locked(now) {
		return "", false, nil
	}
	rec.LockHolder = holder
	rec.LockToken = uuid.New().String()
	rec.LockExpiresAt = now.Add(lease)
	return rec.LockToken, true, nil
}

func (r *RecordStore) RenewLock(ctx context.Context, key idempotency.Key, token string, lease time.Duration) error {
	const op = "renew_lock"
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.inject(op); err != nil {
		return err
	}

	now := s.now()
	rec, ok := s.records[key]
	if !ok || rec.Expired(now) || token == "" || rec.LockToken != token || !rec.Locked(now) {
		return faults.E(faults.ErrLeaseLost, op, string(key), nil)
	}
	rec.LockExpiresAt = now.Add(lease)
	return nil
}

func (r *RecordStore) ReleaseLock(ctx context.Context, key idempotency.Key, token string) error {
	const op = "release_lock"
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.inject(op); err != nil {
		return err
	}

	if rec, ok := s.records[key]; ok && token != "" && rec.LockToken == token {
		rec.LockHolder = ""
		rec.LockToken = ""
		rec.LockExpiresAt = time.Time{}
	}
	return nil
}

func (r *RecordStore) UpdateStatus(ctx context.Context, tr idempotency.Transition) (idempotency.Status, error) {
	const op = "update_status"
	s := r.s
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
	idempotency.ApplyTransition(rec, tr, now)
	return prev, nil
}

func (r *RecordStore) Get(ctx context.Context, key idempotency.Key) (*idempotency.Record, error) {
	const op = "get"
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.inject(op); err != nil {
		return nil, err
	}
	rec, err := s.liveRecord(op, key, s.now())
	if err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

func (r *RecordStore) GetByExecutionID(ctx context.Context, id string) (*idempotency.Record, error) {
	const op = "get_by_execution_id"
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.inject(op); err != nil {
		return nil, err
	}
	now := s.now()
	for _, rec := range s.records {
		if rec.ExecutionID == id && !rec.Expired(now) {
			return rec.Clone(), nil
		}
	}
	return nil, faults.E(faults.ErrNotFound, op, id, nil)
}

func (r *RecordStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.inject("purge_expired"); err != nil {
		return 0, err
	}
	n := 0
	for k, rec := range s.records {
		if rec.Expired(now) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}
