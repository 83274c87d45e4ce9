package outbox

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-once/pkg/faults"
)

const orderPlacedSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["order_id", "quantity"],
  "properties": {
    "order_id": {"type": "string", "minLength": 1},
    "quantity": {"type": "number", "exclusiveMinimum": 0}
  }
}`

func TestValidator(t *testing.T) {
	v := NewValidator()
	require.NoError(t, v.Register("OrderPlaced", orderPlacedSchema))

	good := &Event{ID: "e1", EventType: "OrderPlaced", Payload: json.RawMessage(`{"order_id":"O1","quantity":1.5}`)}
	bad := &Event{ID: "e2", EventType: "OrderPlaced", Payload: json.RawMessage(`{"order_id":"O1","quantity":0}`)}
	other := &Event{ID: "e3", EventType: "Unregistered", Payload: json.RawMessage(`[]`)}
	garbage := &Event{ID: "e4", EventType: "OrderPlaced", Payload: json.RawMessage(`{`)}

	assert.NoError(t, v.Validate(good, other))
	assert.ErrorIs(t, v.Validate(good, bad), faults.ErrInvalidArgument)
	assert.ErrorIs(t, v.Validate(garbage), faults.ErrInvalidArgument)

	var nilValidator *Validator
	assert.NoError(t, nilValidator.Validate(bad))
}

func TestValidatorRejectsBrokenSchema(t *testing.T) {
	assert.Error(t, NewValidator().Register("X", `{"type": 12}`))
}

func TestPrepareDefaults(t *testing.T) {
	e, err := NewEvent("OrderPlaced", "order", "O1", "", nil)
	require.NoError(t, err)
	e.Status = StatusPublished
	e.AttemptCount = 4

	require.NoError(t, Prepare([]*Event{e}, e.CreatedAt))
	assert.Equal(t, StatusPending, e.Status)
	assert.Equal(t, "OrderPlaced", e.Topic)
	assert.Zero(t, e.AttemptCount)

	assert.ErrorIs(t, Prepare([]*Event{{EventType: "X"}}, e.CreatedAt), faults.ErrInvalidArgument)
	assert.ErrorIs(t, Prepare([]*Event{nil}, e.CreatedAt), faults.ErrInvalidArgument)
}
