package outbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/helm-once/pkg/faults"
)

// Validator checks event payloads against a JSON Schema per event type before
// they are staged. Event types without a schema pass unchecked.
type Validator struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewValidator returns an empty Validator.
func NewValidator() *Validator {
	return &Validator{schemas: make(map[string]*jsonschema.Schema)}
}

// Register compiles schema for eventType, replacing any previous one.
func (v *Validator) Register(eventType, schema string) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://helm.schemas.local/outbox/%s.schema.json", eventType)
	if err := c.AddResource(schemaURL, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("outbox schema load failed: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("outbox schema compile failed: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.schemas[eventType] = compiled
	return nil
}

// Validate checks every event, stopping at the first invalid one.
func (v *Validator) Validate(events ...*Event) error {
	if v == nil {
		return nil
	}
	v.mu.RLock()
	defer v.mu.RUnlock()

	for _, e := range events {
		schema, ok := v.schemas[e.EventType]
		if !ok {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(e.Payload))
		dec.UseNumber()
		var doc any
		if err := dec.Decode(&doc); err != nil {
			return faults.E(faults.ErrInvalidArgument, "validate_event", e.ID, fmt.Errorf("payload is not JSON: %w", err))
		}
		if err := schema.Validate(doc); err != nil {
			return faults.E(faults.ErrInvalidArgument, "validate_event", e.ID,
				fmt.Errorf("event type %q: schema validation failed: %w", e.EventType, err))
		}
	}
	return nil
}
