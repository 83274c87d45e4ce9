package saga

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/helm-once/pkg/faults"
)

// Registry holds step definitions under one definition version. A saga
// created under version X can be resumed by any registry of the same major
// version.
type Registry struct {
	mu      sync.RWMutex
	version *semver.Version
	steps   map[string]StepDefinition
}

// NewRegistry creates an empty registry. version must be valid semver.
func NewRegistry(version string) (*Registry, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, faults.E(faults.ErrInvalidArgument, "new_registry", version, err)
	}
	return &Registry{version: v, steps: make(map[string]StepDefinition)}, nil
}

// Version returns the definition version.
func (r *Registry) Version() *semver.Version {
	return r.version
}

// Register adds a step. Empty or duplicate ids and nil actions are rejected.
func (r *Registry) Register(def StepDefinition) error {
	const op = "register_step"
	if def.ID == "" {
		return faults.E(faults.ErrInvalidArgument, op, "", fmt.Errorf("step id is empty"))
	}
	if def.Action == nil {
		return faults.E(faults.ErrInvalidArgument, op, def.ID, fmt.Errorf("action is nil"))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.steps[def.ID]; exists {
		return faults.E(faults.ErrInvalidArgument, op, def.ID, fmt.Errorf("step already registered"))
	}
	r.steps[def.ID] = def
	return nil
}

// Lookup returns the definition for id.
func (r *Registry) Lookup(id string) (StepDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.steps[id]
	return def, ok
}

// IDs returns the registered step ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.steps))
	for id := range r.steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Compatible reports whether an instance created under definitionVersion may
// be driven by this registry.
func (r *Registry) Compatible(definitionVersion string) error {
	v, err := semver.NewVersion(definitionVersion)
	if err != nil {
		return fmt.Errorf("definition version %q: %w", definitionVersion, err)
	}
	if v.Major() != r.version.Major() {
		return fmt.Errorf("saga definition %s is incompatible with registry %s", v, r.version)
	}
	return nil
}
