package memstore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-once/pkg/faults"
	"github.com/Mindburn-Labs/helm-once/pkg/lease"
)

type leaseEntry struct {
	holder    string
	token     string
	expiresAt time.Time
}

// Locker implements lease.Locker.
type Locker struct{ s *Store }

var _ lease.Locker = (*Locker)(nil)

func (l *Locker) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (string, error) {
	const op = "acquire_lease"
	s := l.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.inject(op); err != nil {
		return "", err
	}
	now := s.now()
	if cur, ok := s.leases[name]; ok && now.Before(cur.expiresAt) {
		return "", faults.E(faults.ErrLockContention, op, name, nil)
	}
	token := uuid.New().String()
	s.leases[name] = leaseEntry{holder: holder, token: token, expiresAt: now.Add(ttl)}
	return token, nil
}

func (l *Locker) Renew(ctx context.Context, name, token string, ttl time.Duration) error {
	const op = "renew_lease"
	s := l.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.inject(op); err != nil {
		return err
	}
	now := s.now()
	cur, ok := s.leases[name]
	if !ok || cur.token != token || !now.Before(cur.expiresAt) {
		return faults.E(faults.ErrLeaseLost, op, name, nil)
	}
	cur.expiresAt = now.Add(ttl)
	s.leases[name] = cur
	return nil
}

func (l *Locker) Release(ctx context.Context, name, token string) error {
	s := l.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.leases[name]; ok && cur.token == token {
		delete(s.leases, name)
	}
	return nil
}
