package sqlstore

import (
	"context"
	"strings"
)

const schemaTemplate = `
CREATE TABLE IF NOT EXISTS once_records (
	key             TEXT PRIMARY KEY,
	execution_id    TEXT NOT NULL,
	operation_type  TEXT NOT NULL DEFAULT '',
	service         TEXT NOT NULL DEFAULT '',
	payload_hash    TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	result          {{BLOB}},
	error           TEXT NOT NULL DEFAULT '',
	created_at      BIGINT NOT NULL,
	updated_at      BIGINT NOT NULL,
	expires_at      BIGINT NOT NULL,
	lock_holder     TEXT NOT NULL DEFAULT '',
	lock_token      TEXT NOT NULL DEFAULT '',
	lock_expires_at BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS once_records_execution_id ON once_records (execution_id);
CREATE INDEX IF NOT EXISTS once_records_expires_at ON once_records (expires_at);

CREATE TABLE IF NOT EXISTS once_outbox (
	seq              {{SERIAL}},
	event_id         TEXT NOT NULL UNIQUE,
	event_type       TEXT NOT NULL,
	aggregate_type   TEXT NOT NULL,
	aggregate_id     TEXT NOT NULL,
	topic            TEXT NOT NULL,
	payload          {{BLOB}},
	idempotency_key  TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	attempt_count    INTEGER NOT NULL DEFAULT 0,
	next_attempt_at  BIGINT NOT NULL,
	last_error       TEXT NOT NULL DEFAULT '',
	claimed_by       TEXT NOT NULL DEFAULT '',
	claim_expires_at BIGINT NOT NULL DEFAULT 0,
	created_at       BIGINT NOT NULL,
	updated_at       BIGINT NOT NULL,
	published_at     BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS once_outbox_aggregate ON once_outbox (aggregate_type, aggregate_id, seq);
CREATE INDEX IF NOT EXISTS once_outbox_due ON once_outbox (status, next_attempt_at);

CREATE TABLE IF NOT EXISTS once_outbox_archive (
	seq              BIGINT PRIMARY KEY,
	event_id         TEXT NOT NULL UNIQUE,
	event_type       TEXT NOT NULL,
	aggregate_type   TEXT NOT NULL,
	aggregate_id     TEXT NOT NULL,
	topic            TEXT NOT NULL,
	payload          {{BLOB}},
	idempotency_key  TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	attempt_count    INTEGER NOT NULL DEFAULT 0,
	next_attempt_at  BIGINT NOT NULL,
	last_error       TEXT NOT NULL DEFAULT '',
	claimed_by       TEXT NOT NULL DEFAULT '',
	claim_expires_at BIGINT NOT NULL DEFAULT 0,
	created_at       BIGINT NOT NULL,
	updated_at       BIGINT NOT NULL,
	published_at     BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS once_sagas (
	saga_id    TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	status     TEXT NOT NULL,
	version    BIGINT NOT NULL,
	state      {{BLOB}} NOT NULL,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS once_sagas_status ON once_sagas (status, created_at);

CREATE TABLE IF NOT EXISTS once_leases (
	name       TEXT PRIMARY KEY,
	holder     TEXT NOT NULL,
	token      TEXT NOT NULL,
	expires_at BIGINT NOT NULL
);
`

// schema returns the DDL for the store's dialect.
func (s *Store) schema() []string {
	blob, serial := "BLOB", "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == Postgres {
		blob, serial = "BYTEA", "BIGSERIAL PRIMARY KEY"
	}
	ddl := strings.NewReplacer("{{BLOB}}", blob, "{{SERIAL}}", serial).Replace(schemaTemplate)

	var stmts []string
	for _, stmt := range strings.Split(ddl, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

// Migrate creates missing tables and indexes. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return classify("migrate", err)
		}
	}
	s.logger.DebugContext(ctx, "schema migrated", "dialect", s.dialect)
	return nil
}
