package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-once/pkg/idempotency"
	"github.com/Mindburn-Labs/helm-once/pkg/outbox"
	"github.com/Mindburn-Labs/helm-once/pkg/saga"
	"github.com/Mindburn-Labs/helm-once/pkg/store/sqlstore"
)

// setupDB points the CLI at a fresh SQLite file and returns a handle on it.
func setupDB(t *testing.T) *sqlstore.Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "once.db") + "?_pragma=busy_timeout(5000)"
	for _, k := range []string{"REDIS_ADDR", "OTEL_ENABLED", "HELM_ONCE_SERVICE", "RECORD_TTL", "LEASE_DURATION"} {
		t.Setenv(k, "")
	}
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_URL", dsn)
	t.Setenv("LOG_LEVEL", "ERROR")

	s, err := sqlstore.Open(context.Background(), sqlstore.SQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func stageEvents(t *testing.T, s *sqlstore.Store, aggregateID string, types ...string) []*outbox.Event {
	t.Helper()
	var events []*outbox.Event
	for _, typ := range types {
		e, err := outbox.NewEvent(typ, "order", aggregateID, "orders", map[string]any{"order_id": aggregateID})
		require.NoError(t, err)
		events = append(events, e)
	}
	require.NoError(t, s.Outbox().StoreEventsBatch(context.Background(), events))
	return events
}

func TestRelayOncePublishesJSONLines(t *testing.T) {
	s := setupDB(t)
	stageEvents(t, s, "O1", "OrderPlaced", "OrderFilled")

	code, stdout, stderr := run(t, "outbox", "relay", "--once", "--exclusive")
	require.Equal(t, exitOK, code, stderr)

	var types []string
	sc := bufio.NewScanner(strings.NewReader(stdout))
	for sc.Scan() {
		var e outbox.Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		types = append(types, e.EventType)
	}
	assert.Equal(t, []string{"OrderPlaced", "OrderFilled"}, types)

	code, stdout, _ = run(t, "outbox", "stats", "--format", "json")
	require.Equal(t, exitOK, code)
	assert.JSONEq(t, `{"published":2}`, stdout)
}

func TestDeadLetterListAndRequeue(t *testing.T) {
	ctx := context.Background()
	s := setupDB(t)
	events := stageEvents(t, s, "O1", "OrderPlaced")

	now := time.Now()
	claimed, err := s.Outbox().ClaimBatch(ctx, outbox.ClaimRequest{Worker: "w1", Limit: 1, Now: now, ClaimTTL: time.Minute})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, s.Outbox().MarkFailed(ctx, outbox.FailureUpdate{
		ID: events[0].ID, Worker: "w1", Error: "poison", DeadLetter: true, Now: now,
	}))

	code, stdout, _ := run(t, "outbox", "dlq", "list", "--format", "json")
	require.Equal(t, exitOK, code)
	var dead []outbox.Event
	require.NoError(t, json.Unmarshal([]byte(stdout), &dead))
	require.Len(t, dead, 1)
	assert.Equal(t, "poison", dead[0].LastError)

	code, stdout, _ = run(t, "outbox", "dlq", "requeue", events[0].ID)
	require.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "Requeued "+events[0].ID)

	code, _, stderr := run(t, "outbox", "dlq", "requeue", events[0].ID)
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr, "invalid status transition")

	code, stdout, _ = run(t, "outbox", "dlq", "list")
	require.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "No dead-lettered events.")
}

func TestStatus(t *testing.T) {
	s := setupDB(t)
	rec, _, err := s.Records().CheckAndCreate(context.Background(), idempotency.CreateRequest{
		Key: "place_order:trading:abc", OperationType: "place_order", Service: "trading", TTL: time.Hour,
	})
	require.NoError(t, err)

	code, stdout, _ := run(t, "status", rec.ExecutionID, "--format", "json")
	require.Equal(t, exitOK, code)
	var got idempotency.Record
	require.NoError(t, json.Unmarshal([]byte(stdout), &got))
	assert.Equal(t, idempotency.Key("place_order:trading:abc"), got.Key)
	assert.Equal(t, idempotency.StatusPending, got.Status)

	code, stdout, _ = run(t, "status", "--key", "place_order:trading:abc")
	require.Equal(t, exitOK, code)
	assert.Contains(t, stdout, rec.ExecutionID)

	code, _, _ = run(t, "status", "missing")
	assert.Equal(t, exitFailure, code)
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	s := setupDB(t)
	_, _, err := s.Records().CheckAndCreate(ctx, idempotency.CreateRequest{Key: "op:svc:short", TTL: time.Millisecond})
	require.NoError(t, err)
	_, _, err = s.Records().CheckAndCreate(ctx, idempotency.CreateRequest{Key: "op:svc:long", TTL: time.Hour})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	code, stdout, stderr := run(t, "purge", "--format", "json")
	require.Equal(t, exitOK, code, stderr)
	assert.JSONEq(t, `{"records":1,"sagas":0,"archived_events":0}`, stdout)
}

func TestSagaListAndShow(t *testing.T) {
	s := setupDB(t)
	now := time.Now().UTC()
	require.NoError(t, s.Sagas().Create(context.Background(), &saga.Instance{
		ID:                "s1",
		Name:              "transfer",
		StepIDs:           []string{"debit", "credit"},
		Status:            saga.StatusRunning,
		StepResults:       map[string]*saga.StepResult{"debit": {Status: saga.StepSucceeded, Attempts: 1}},
		Completed:         []string{"debit"},
		CurrentStep:       1,
		DefinitionVersion: "1.0.0",
		CreatedAt:         now,
		UpdatedAt:         now,
	}))

	code, stdout, _ := run(t, "saga", "list")
	require.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "s1")
	assert.Contains(t, stdout, "1/2")

	code, stdout, _ = run(t, "saga", "show", "s1")
	require.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "debit")
	assert.Contains(t, stdout, "succeeded")
	assert.Contains(t, stdout, "pending")
}

func TestUsageErrors(t *testing.T) {
	setupDB(t)

	code, _, _ := run(t, "outbox", "dlq", "requeue")
	assert.Equal(t, exitUsage, code)

	code, _, _ = run(t, "--format", "xml", "outbox", "stats")
	assert.Equal(t, exitUsage, code)

	code, _, _ = run(t, "purge", "--no-such-flag")
	assert.Equal(t, exitUsage, code)
}

func TestBadConfigFails(t *testing.T) {
	setupDB(t)
	t.Setenv("DATABASE_DRIVER", "mysql")
	code, _, stderr := run(t, "outbox", "stats")
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr, "unknown database_driver")
}
