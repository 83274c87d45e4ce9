// Package saga coordinates multi-step workflows whose steps have external
// side effects, undoing completed steps in reverse order when a later step
// fails permanently.
//
// Every status change is persisted before the next action or compensation
// runs, so a coordinator that crashes can be replaced by another that reloads
// the instance and continues where the first one stopped.
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle state of a saga instance.
type Status string

const (
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusCompensating Status = "compensating"
	StatusCompensated  Status = "compensated"
	StatusFailed       Status = "failed" // compensation failed; needs an operator
)

// Terminal reports whether the coordinator will never touch the saga again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCompensated || s == StatusFailed
}

// StepStatus is the outcome of one step.
type StepStatus string

const (
	StepSucceeded          StepStatus = "succeeded"
	StepFailed             StepStatus = "failed"
	StepCompensated        StepStatus = "compensated"
	StepCompensationFailed StepStatus = "compensation_failed"
)

// StepResult is the persisted outcome of one step.
type StepResult struct {
	Status               StepStatus     `json:"status"`
	Output               map[string]any `json:"output,omitempty"`
	Attempts             int            `json:"attempts"`
	Error                string         `json:"error,omitempty"`
	CompensationAttempts int            `json:"compensation_attempts,omitempty"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// Instance is the durable state of one saga run.
type Instance struct {
	ID                string                 `json:"saga_id"`
	Name              string                 `json:"name"`
	StepIDs           []string               `json:"step_ids"`
	CurrentStep       int                    `json:"current_step"`
	Context           map[string]any         `json:"context"`
	Status            Status                 `json:"status"`
	StepResults       map[string]*StepResult `json:"step_results"`
	Completed         []string               `json:"completed"`
	FailedStep        string                 `json:"failed_step,omitempty"`
	Error             string                 `json:"error,omitempty"`
	CompensationError string                 `json:"compensation_error,omitempty"`
	DefinitionVersion string                 `json:"definition_version"`
	Version           int64                  `json:"version"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

// Clone returns a deep copy. Context and outputs go through JSON, which is
// also what every durable store does to them.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	raw, err := json.Marshal(i)
	if err != nil {
		panic("saga: instance is not serializable: " + err.Error())
	}
	var c Instance
	if err := json.Unmarshal(raw, &c); err != nil {
		panic("saga: instance round-trip failed: " + err.Error())
	}
	return &c
}

// StepContext is passed to actions and compensations.
type StepContext struct {
	SagaID   string
	SagaName string
	StepID   string
	Attempt  int            // zero-based
	Data     map[string]any // copy of the saga context
	Output   map[string]any // the step's own output; set for compensations
}

// Action performs a step. Its output is merged into the saga context.
type Action func(ctx context.Context, sc StepContext) (map[string]any, error)

// Compensation undoes a step that succeeded.
type Compensation func(ctx context.Context, sc StepContext) error

// StepDefinition binds a step id to its code. Definitions live in process
// memory and must be registered identically after every restart.
type StepDefinition struct {
	ID           string
	Action       Action
	Compensation Compensation // nil means the step has nothing to undo
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The step fails on the first
// attempt and compensation starts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
