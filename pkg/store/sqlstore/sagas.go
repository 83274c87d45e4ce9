package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/helm-once/pkg/faults"
	"github.com/Mindburn-Labs/helm-once/pkg/saga"
)

// SagaStore implements saga.Store. The instance is kept as a JSON document
// next to the columns that queries filter on.
type SagaStore struct{ s *Store }

var _ saga.Store = (*SagaStore)(nil)

func encodeInstance(op string, inst *saga.Instance) ([]byte, error) {
	raw, err := json.Marshal(inst)
	if err != nil {
		return nil, faults.E(faults.ErrInvalidArgument, op, inst.ID, fmt.Errorf("encode saga: %w", err))
	}
	return raw, nil
}

func (m *SagaStore) Create(ctx context.Context, inst *saga.Instance) error {
	const op = "create_saga"
	s := m.s
	inst.Version = 0
	state, err := encodeInstance(op, inst)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO once_sagas (saga_id, name, status, version, state, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?, ?)`),
		inst.ID, inst.Name, string(inst.Status), state, nanos(inst.CreatedAt), nanos(inst.UpdatedAt))
	if isUniqueViolation(err) {
		return faults.E(faults.ErrInvalidArgument, op, inst.ID, fmt.Errorf("saga already exists"))
	}
	return classify(op, err)
}

func (m *SagaStore) Get(ctx context.Context, id string) (*saga.Instance, error) {
	const op = "get_saga"
	s := m.s
	var (
		state   []byte
		version int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT state, version FROM once_sagas WHERE saga_id = ?`), id).Scan(&state, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.E(faults.ErrNotFound, op, id, nil)
	}
	if err != nil {
		return nil, classify(op, err)
	}
	return decodeInstance(op, state, version)
}

func decodeInstance(op string, state []byte, version int64) (*saga.Instance, error) {
	var inst saga.Instance
	if err := json.Unmarshal(state, &inst); err != nil {
		return nil, fmt.Errorf("sqlstore: %s: decode saga: %w", op, err)
	}
	inst.Version = version
	return &inst, nil
}

func (m *SagaStore) Update(ctx context.Context, inst *saga.Instance) error {
	const op = "update_saga"
	s := m.s
	next := inst.Clone()
	next.Version = inst.Version + 1
	state, err := encodeInstance(op, next)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE once_sagas SET name = ?, status = ?, version = ?, state = ?, updated_at = ?
		WHERE saga_id = ? AND version = ?`),
		inst.Name, string(inst.Status), next.Version, state, nanos(inst.UpdatedAt), inst.ID, inst.Version)
	if err != nil {
		return classify(op, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		inst.Version = next.Version
		return nil
	}

	var stored int64
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT version FROM once_sagas WHERE saga_id = ?`), inst.ID).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return faults.E(faults.ErrNotFound, op, inst.ID, nil)
	}
	if err != nil {
		return classify(op, err)
	}
	return faults.E(faults.ErrVersionConflict, op, inst.ID,
		fmt.Errorf("stored version %d, caller has %d", stored, inst.Version))
}

func (m *SagaStore) ListActive(ctx context.Context, limit int) ([]*saga.Instance, error) {
	const op = "list_active_sagas"
	s := m.s
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT state, version FROM once_sagas
		WHERE status IN ('running', 'compensating') ORDER BY created_at, saga_id LIMIT ?`), limitOrAll(limit))
	if err != nil {
		return nil, classify(op, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*saga.Instance
	for rows.Next() {
		var (
			state   []byte
			version int64
		)
		if err := rows.Scan(&state, &version); err != nil {
			return nil, classify(op, err)
		}
		inst, err := decodeInstance(op, state, version)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, classify(op, rows.Err())
}

func (m *SagaStore) PurgeTerminal(ctx context.Context, before time.Time) (int, error) {
	s := m.s
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM once_sagas
		WHERE status IN ('completed', 'compensated', 'failed') AND updated_at < ?`), nanos(before))
	if err != nil {
		return 0, classify("purge_sagas", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
