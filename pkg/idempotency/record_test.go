package idempotency

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Mindburn-Labs/helm-once/pkg/faults"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusInProgress, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusCompleted, false},
		{StatusInProgress, StatusCompleted, true},
		{StatusInProgress, StatusFailed, true},
		{StatusInProgress, StatusInProgress, true},
		{StatusCompleted, StatusPending, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusCompleted, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestCheckTransition(t *testing.T) {
	now := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)
	locked := func(status Status) *Record {
		return &Record{
			Key:           "k",
			Status:        status,
			LockToken:     "tok",
			LockExpiresAt: now.Add(time.Minute),
		}
	}

	assert.NoError(t, CheckTransition(locked(StatusPending), Transition{Key: "k", Token: "tok", Status: StatusInProgress}, now))

	err := CheckTransition(locked(StatusPending), Transition{Key: "k", Token: "other", Status: StatusInProgress}, now)
	assert.True(t, errors.Is(err, faults.ErrLeaseLost))

	expired := locked(StatusInProgress)
	expired.LockExpiresAt = now.Add(-time.Second)
	err = CheckTransition(expired, Transition{Key: "k", Token: "tok", Status: StatusCompleted}, now)
	assert.True(t, errors.Is(err, faults.ErrLeaseLost))

	done := locked(StatusCompleted)
	done.Result = json.RawMessage(`{"order_id":"B-1"}`)
	err = CheckTransition(done, Transition{Key: "k", Token: "tok", Status: StatusPending}, now)
	assert.True(t, errors.Is(err, faults.ErrInvalidTransition))

	// Identical completion re-assertion needs no lease.
	done.LockToken = ""
	assert.NoError(t, CheckTransition(done, Transition{Key: "k", Status: StatusCompleted, Result: json.RawMessage(`{"order_id":"B-1"}`)}, now))
	err = CheckTransition(done, Transition{Key: "k", Status: StatusCompleted, Result: json.RawMessage(`{"order_id":"B-2"}`)}, now)
	assert.True(t, errors.Is(err, faults.ErrInvalidTransition))

	err = CheckTransition(done, Transition{Key: "k", Status: "bogus"}, now)
	assert.True(t, errors.Is(err, faults.ErrInvalidArgument))
}

func TestApplyTransitionKeepsCompletedResult(t *testing.T) {
	now := time.Now()
	rec := &Record{Status: StatusInProgress}
	ApplyTransition(rec, Transition{Status: StatusCompleted, Result: json.RawMessage(`1`)}, now)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.JSONEq(t, `1`, string(rec.Result))
	assert.Equal(t, now, rec.UpdatedAt)

	ApplyTransition(rec, Transition{Status: StatusCompleted, Result: json.RawMessage(`1`)}, now.Add(time.Hour))
	assert.Equal(t, now, rec.UpdatedAt)
}

func TestRecordHelpers(t *testing.T) {
	now := time.Now()
	rec := &Record{ExpiresAt: now, Result: json.RawMessage(`{"a":1}`)}
	assert.True(t, rec.Expired(now))
	assert.False(t, rec.Expired(now.Add(-time.Second)))
	assert.False(t, rec.Locked(now))

	c := rec.Clone()
	c.Result[0] = '['
	assert.Equal(t, byte('{'), rec.Result[0])
	assert.True(t, StatusFailed.Settled())
	assert.False(t, StatusInProgress.Settled())
}
