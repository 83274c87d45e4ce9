package sqlstore

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-once/pkg/faults"
	"github.com/Mindburn-Labs/helm-once/pkg/idempotency"
	"github.com/Mindburn-Labs/helm-once/pkg/outbox"
	"github.com/Mindburn-Labs/helm-once/pkg/saga"
)

var fixedNow = time.Date(2026, 1, 15, 9, 30, 0, 0, time.UTC)

func newMockPostgres(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return New(db, Postgres, WithClock(func() time.Time { return fixedNow })), mock
}

func TestRebind(t *testing.T) {
	pg := New(nil, Postgres)
	assert.Equal(t, "a = $1 AND b IN ($2, $3)", pg.rebind("a = ? AND b IN (?, ?)"))

	lite := New(nil, SQLite)
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"serialization failure", &pq.Error{Code: "40001"}, true},
		{"deadlock", &pq.Error{Code: "40P01"}, true},
		{"connection class", &pq.Error{Code: "08006"}, true},
		{"bad conn", driver.ErrBadConn, true},
		{"unique violation", &pq.Error{Code: "23505"}, false},
		{"plain", errors.New("syntax error"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("op", tt.err)
			assert.Equal(t, tt.transient, faults.IsTransient(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
	assert.NoError(t, classify("op", nil))
	assert.True(t, isUniqueViolation(&pq.Error{Code: "23505"}))
}

func TestPostgresRenewLockLost(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE once_records SET lock_expires_at = $1`)).
		WithArgs(fixedNow.Add(time.Minute).UnixNano(), "k", "tok", fixedNow.UnixNano(), fixedNow.UnixNano()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.Records().RenewLock(context.Background(), "k", "tok", time.Minute)
	assert.ErrorIs(t, err, faults.ErrLeaseLost)
}

func TestPostgresLeaseContention(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectExec(regexp.QuoteMeta(`WHERE once_leases.expires_at <= $5`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := s.Locker().Acquire(context.Background(), "saga:1", "c1", time.Minute)
	assert.ErrorIs(t, err, faults.ErrLockContention)
}

func TestPostgresSerializationFailureIsTransient(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM once_records WHERE key = $1 FOR UPDATE`)).
		WithArgs("k").
		WillReturnError(&pq.Error{Code: "40001"})
	mock.ExpectRollback()

	_, err := s.Records().UpdateStatus(context.Background(), idempotency.Transition{Key: "k", Token: "t", Status: idempotency.StatusInProgress})
	assert.True(t, faults.IsTransient(err))
}

func TestPostgresClaimSkipsLockedRows(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SET status = 'dead_letter', last_error = $1`)).
		WithArgs(outbox.PredecessorDeadLettered, fixedNow.UnixNano()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`LIMIT $3 FOR UPDATE OF o SKIP LOCKED`)).
		WithArgs(fixedNow.UnixNano(), fixedNow.UnixNano(), int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}))
	mock.ExpectCommit()

	got, err := s.Outbox().ClaimBatch(context.Background(), outbox.ClaimRequest{Worker: "w1", Limit: 10, Now: fixedNow, ClaimTTL: time.Minute})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPostgresMarkPublishedFencing(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE once_outbox`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM once_outbox WHERE event_id = $1`)).
		WithArgs("e1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	err := s.Outbox().MarkPublished(context.Background(), "e1", "w1", fixedNow)
	assert.ErrorIs(t, err, faults.ErrLeaseLost)
}

func TestPostgresDeadLetterCascadesInOneTransaction(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`WHERE event_id = $3 AND status = 'publishing' AND claimed_by = $4`)).
		WithArgs("poison", fixedNow.UnixNano(), "e1", "w1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`AND d.status = 'dead_letter' AND d.seq < once_outbox.seq`)).
		WithArgs(outbox.PredecessorDeadLettered, fixedNow.UnixNano()).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	err := s.Outbox().MarkFailed(context.Background(), outbox.FailureUpdate{
		ID: "e1", Worker: "w1", Error: "poison", DeadLetter: true, Now: fixedNow,
	})
	require.NoError(t, err)
}

func TestPostgresRequeueWaitsForOlderDeadLetter(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM once_outbox WHERE event_id = $1 FOR UPDATE`)).
		WithArgs("e2").
		WillReturnRows(sqlmock.NewRows([]string{"status", "aggregate_type", "aggregate_id", "seq"}).
			AddRow("dead_letter", "order", "O1", int64(2)))
	mock.ExpectQuery(regexp.QuoteMeta(`AND status = 'dead_letter' AND seq < $3`)).
		WithArgs("order", "O1", int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"event_id"}).AddRow("e1"))
	mock.ExpectRollback()

	err := s.Outbox().Requeue(context.Background(), "e2", fixedNow)
	assert.ErrorIs(t, err, faults.ErrInvalidTransition)
	assert.Contains(t, err.Error(), "e1")
}

func TestPostgresSagaVersionConflict(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE once_sagas SET`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT version FROM once_sagas WHERE saga_id = $1`)).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(4)))

	inst := &saga.Instance{ID: "s1", Name: "transfer", Status: saga.StatusRunning, Version: 3}
	err := s.Sagas().Update(context.Background(), inst)
	assert.ErrorIs(t, err, faults.ErrVersionConflict)
	assert.Equal(t, int64(3), inst.Version)
}
