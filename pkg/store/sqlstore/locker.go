package sqlstore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-once/pkg/faults"
	"github.com/Mindburn-Labs/helm-once/pkg/lease"
)

// Locker implements lease.Locker on the once_leases table.
type Locker struct{ s *Store }

var _ lease.Locker = (*Locker)(nil)

func (l *Locker) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (string, error) {
	const op = "acquire_lease"
	s := l.s
	now := s.now()
	token := uuid.New().String()
	res, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO once_leases (name, holder, token, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET holder = excluded.holder, token = excluded.token, expires_at = excluded.expires_at
		WHERE once_leases.expires_at <= ?`),
		name, holder, token, nanos(now.Add(ttl)), nanos(now))
	if err != nil {
		return "", classify(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", faults.E(faults.ErrLockContention, op, name, nil)
	}
	return token, nil
}

func (l *Locker) Renew(ctx context.Context, name, token string, ttl time.Duration) error {
	const op = "renew_lease"
	s := l.s
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE once_leases SET expires_at = ?
		WHERE name = ? AND token = ? AND expires_at > ?`),
		nanos(now.Add(ttl)), name, token, nanos(now))
	if err != nil {
		return classify(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return faults.E(faults.ErrLeaseLost, op, name, nil)
	}
	return nil
}

func (l *Locker) Release(ctx context.Context, name, token string) error {
	s := l.s
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM once_leases WHERE name = ? AND token = ?`), name, token)
	return classify("release_lease", err)
}
