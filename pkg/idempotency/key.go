package idempotency

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-once/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-once/pkg/faults"
)

// KeyInput is the material a key is derived from.
type KeyInput struct {
	OperationType string
	Service       string
	Params        any
	// At places the operation in a time bucket when the policy asks for one.
	At time.Time
}

// KeyPolicy is the per-operation-type derivation policy.
//
// TimeBucket decides whether a retry after the bucket boundary is the same
// operation (zero: always the same) or a legitimate new one. Trading-style
// operations that must be re-placeable on a later day set it explicitly.
type KeyPolicy struct {
	TimeBucket time.Duration
	Precision  int
	Exclude    []string
}

// Deriver derives keys under per-operation-type policies. The zero policy
// applies to any operation type without a registered one.
type Deriver struct {
	mu       sync.RWMutex
	policies map[string]KeyPolicy
}

// NewDeriver returns a Deriver with no registered policies.
func NewDeriver() *Deriver {
	return &Deriver{policies: make(map[string]KeyPolicy)}
}

// SetPolicy registers the policy for an operation type.
func (d *Deriver) SetPolicy(operationType string, p KeyPolicy) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.policies[operationType] = p
}

// Policy returns the policy that applies to operationType.
func (d *Deriver) Policy(operationType string) KeyPolicy {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.policies[operationType]
}

// DeriveKey derives a key with the zero policy.
func DeriveKey(in KeyInput) (Key, error) {
	return deriveKey(in, KeyPolicy{})
}

// Derive returns "<operation_type>:<service>:<sha256 hex>" where the hash
// covers the canonical form of the operation type, service, normalized
// params and, if the policy sets one, the time bucket index.
func (d *Deriver) Derive(in KeyInput) (Key, error) {
	return deriveKey(in, d.Policy(in.OperationType))
}

func deriveKey(in KeyInput, p KeyPolicy) (Key, error) {
	const op = "derive_key"
	if strings.TrimSpace(in.OperationType) == "" || strings.TrimSpace(in.Service) == "" {
		return "", faults.E(faults.ErrInvalidArgument, op, "", fmt.Errorf("operation type and service are required"))
	}

	material := map[string]any{
		"op":      in.OperationType,
		"service": in.Service,
		"params":  in.Params,
	}
	if p.TimeBucket > 0 {
		if in.At.IsZero() {
			return "", faults.E(faults.ErrInvalidArgument, op, "",
				fmt.Errorf("operation type %q is time-bucketed and needs KeyInput.At", in.OperationType))
		}
		material["bucket"] = in.At.UTC().UnixNano() / int64(p.TimeBucket)
	}

	opts := canonicalize.DefaultOptions()
	if p.Precision > 0 {
		opts.Precision = p.Precision
	}
	opts.Exclude = append(append([]string(nil), opts.Exclude...), p.Exclude...)

	canonical, err := canonicalize.Canonical(material, opts)
	if err != nil {
		return "", faults.E(faults.ErrInvalidArgument, op, "", err)
	}
	return Key(fmt.Sprintf("%s:%s:%s", prefix(in.OperationType), prefix(in.Service), canonicalize.HashBytes(canonical))), nil
}

// PayloadHash fingerprints a payload for key-reuse detection.
func PayloadHash(payload any) (string, error) {
	if payload == nil {
		return "", nil
	}
	return canonicalize.CanonicalHash(payload)
}

var prefixReplacer = strings.NewReplacer(":", "_", " ", "_", "\t", "_", "\n", "_")

func prefix(s string) string {
	return prefixReplacer.Replace(strings.TrimSpace(s))
}
