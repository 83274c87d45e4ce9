package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-once/pkg/faults"
	"github.com/Mindburn-Labs/helm-once/pkg/saga"
)

func newInstance(id string, clock *Clock) *saga.Instance {
	return &saga.Instance{
		ID:                id,
		Name:              "transfer",
		StepIDs:           []string{"debit", "credit"},
		Context:           map[string]any{"amount": 100.0, "currency": "EUR"},
		Status:            saga.StatusRunning,
		StepResults:       map[string]*saga.StepResult{},
		Completed:         []string{},
		DefinitionVersion: "1.0.0",
		CreatedAt:         clock.Now(),
		UpdatedAt:         clock.Now(),
	}
}

// RunSagaStoreTests checks the saga.Store contract.
func RunSagaStoreTests(t *testing.T, f Factory) {
	ctx := context.Background()

	setup := func(t *testing.T) (Backend, *Clock) {
		clock := NewClock()
		b := f(t, clock)
		if b.Sagas == nil {
			t.Skip("backend has no saga store")
		}
		return b, clock
	}

	t.Run("CreateGetUpdate", func(t *testing.T) {
		b, clock := setup(t)
		inst := newInstance("s1", clock)
		require.NoError(t, b.Sagas.Create(ctx, inst))
		assert.Error(t, b.Sagas.Create(ctx, newInstance("s1", clock)), "duplicate id")

		got, err := b.Sagas.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, int64(0), got.Version)
		assert.Equal(t, "EUR", got.Context["currency"])
		assert.Equal(t, []string{"debit", "credit"}, got.StepIDs)

		got.StepResults["debit"] = &saga.StepResult{Status: saga.StepSucceeded, Attempts: 1, Output: map[string]any{"tx": "T1"}}
		got.Completed = append(got.Completed, "debit")
		got.CurrentStep = 1
		require.NoError(t, b.Sagas.Update(ctx, got))
		assert.Equal(t, int64(1), got.Version)

		reloaded, err := b.Sagas.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, 1, reloaded.CurrentStep)
		assert.Equal(t, "T1", reloaded.StepResults["debit"].Output["tx"])

		_, err = b.Sagas.Get(ctx, "missing")
		assert.ErrorIs(t, err, faults.ErrNotFound)
	})

	t.Run("StaleUpdateConflicts", func(t *testing.T) {
		b, clock := setup(t)
		require.NoError(t, b.Sagas.Create(ctx, newInstance("s1", clock)))

		a, err := b.Sagas.Get(ctx, "s1")
		require.NoError(t, err)
		c, err := b.Sagas.Get(ctx, "s1")
		require.NoError(t, err)

		a.CurrentStep = 1
		require.NoError(t, b.Sagas.Update(ctx, a))
		c.CurrentStep = 2
		assert.ErrorIs(t, b.Sagas.Update(ctx, c), faults.ErrVersionConflict)
	})

	t.Run("ListActiveAndPurge", func(t *testing.T) {
		b, clock := setup(t)
		require.NoError(t, b.Sagas.Create(ctx, newInstance("running", clock)))
		clock.Advance(time.Second)
		done := newInstance("done", clock)
		require.NoError(t, b.Sagas.Create(ctx, done))
		done.Status = saga.StatusCompleted
		require.NoError(t, b.Sagas.Update(ctx, done))
		clock.Advance(time.Second)
		comp := newInstance("compensating", clock)
		comp.Status = saga.StatusCompensating
		require.NoError(t, b.Sagas.Create(ctx, comp))

		active, err := b.Sagas.ListActive(ctx, 10)
		require.NoError(t, err)
		require.Len(t, active, 2)
		assert.Equal(t, "running", active[0].ID)
		assert.Equal(t, "compensating", active[1].ID)

		n, err := b.Sagas.PurgeTerminal(ctx, clock.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		_, err = b.Sagas.Get(ctx, "done")
		assert.ErrorIs(t, err, faults.ErrNotFound)
	})
}
