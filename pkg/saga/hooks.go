package saga

import (
	"log/slog"
)

// Hooks observe saga lifecycle events. Every field is optional. Hooks run
// synchronously after the corresponding state was persisted; a panicking
// hook is recovered and logged.
type Hooks struct {
	OnStepComplete         func(sagaID, stepID string, attempts int)
	OnStepFailed           func(sagaID, stepID string, err error)
	OnCompensationComplete func(sagaID, stepID string)
	OnCompensationFailed   func(sagaID, stepID string, err error)
	OnSagaFinished         func(inst *Instance)
}

func (h *Hooks) stepComplete(l *slog.Logger, sagaID, stepID string, attempts int) {
	if h == nil || h.OnStepComplete == nil {
		return
	}
	safe(l, "OnStepComplete", func() { h.OnStepComplete(sagaID, stepID, attempts) })
}

func (h *Hooks) stepFailed(l *slog.Logger, sagaID, stepID string, err error) {
	if h == nil || h.OnStepFailed == nil {
		return
	}
	safe(l, "OnStepFailed", func() { h.OnStepFailed(sagaID, stepID, err) })
}

func (h *Hooks) compensationComplete(l *slog.Logger, sagaID, stepID string) {
	if h == nil || h.OnCompensationComplete == nil {
		return
	}
	safe(l, "OnCompensationComplete", func() { h.OnCompensationComplete(sagaID, stepID) })
}

func (h *Hooks) compensationFailed(l *slog.Logger, sagaID, stepID string, err error) {
	if h == nil || h.OnCompensationFailed == nil {
		return
	}
	safe(l, "OnCompensationFailed", func() { h.OnCompensationFailed(sagaID, stepID, err) })
}

func (h *Hooks) sagaFinished(l *slog.Logger, inst *Instance) {
	if h == nil || h.OnSagaFinished == nil {
		return
	}
	c := inst.Clone()
	safe(l, "OnSagaFinished", func() { h.OnSagaFinished(c) })
}

func safe(l *slog.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.Error("saga hook panicked", "hook", name, "panic", r)
		}
	}()
	fn()
}
