package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Mindburn-Labs/helm-once/pkg/faults"
	"github.com/Mindburn-Labs/helm-once/pkg/saga"
)

// SagaStore implements saga.Store.
type SagaStore struct{ s *Store }

var _ saga.Store = (*SagaStore)(nil)

func (m *SagaStore) Create(ctx context.Context, inst *saga.Instance) error {
	const op = "create_saga"
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.inject(op); err != nil {
		return err
	}
	if _, exists := s.sagas[inst.ID]; exists {
		return faults.E(faults.ErrInvalidArgument, op, inst.ID, fmt.Errorf("saga already exists"))
	}
	inst.Version = 0
	s.sagas[inst.ID] = inst.Clone()
	return nil
}

func (m *SagaStore) Get(ctx context.Context, id string) (*saga.Instance, error) {
	const op = "get_saga"
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.inject(op); err != nil {
		return nil, err
	}
	inst, ok := s.sagas[id]
	if !ok {
		return nil, faults.E(faults.ErrNotFound, op, id, nil)
	}
	return inst.Clone(), nil
}

func (m *SagaStore) Update(ctx context.Context, inst *saga.Instance) error {
	const op = "update_saga"
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.inject(op); err != nil {
		return err
	}
	cur, ok := s.sagas[inst.ID]
	if !ok {
		return faults.E(faults.ErrNotFound, op, inst.ID, nil)
	}
	if cur.Version != inst.Version {
		return faults.E(faults.ErrVersionConflict, op, inst.ID,
			fmt.Errorf("stored version %d, caller has %d", cur.Version, inst.Version))
	}
	inst.Version++
	s.sagas[inst.ID] = inst.Clone()
	return nil
}

func (m *SagaStore) ListActive(ctx context.Context, limit int) ([]*saga.Instance, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*saga.Instance
	for _, inst := range s.sagas {
		if !inst.Status.Terminal() {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *SagaStore) PurgeTerminal(ctx context.Context, before time.Time) (int, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, inst := range s.sagas {
		if inst.Status.Terminal() && inst.UpdatedAt.Before(before) {
			delete(s.sagas, id)
			n++
		}
	}
	return n, nil
}
