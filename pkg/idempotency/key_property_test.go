//go:build property
// +build property

// Package idempotency_test contains property-based tests for key derivation.
package idempotency_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/helm-once/pkg/idempotency"
)

// TestKeyDerivationDeterminism verifies DeriveKey(x) == DeriveKey(x) regardless
// of map construction order.
func TestKeyDerivationDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("same params in any insertion order yield the same key", prop.ForAll(
		func(keys []string, values []string) bool {
			forward := make(map[string]any)
			backward := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				forward[keys[i]] = values[i]
			}
			for i := len(keys) - 1; i >= 0; i-- {
				if v, ok := forward[keys[i]]; ok {
					backward[keys[i]] = v
				}
			}

			k1, err1 := idempotency.DeriveKey(idempotency.KeyInput{OperationType: "op", Service: "svc", Params: forward})
			k2, err2 := idempotency.DeriveKey(idempotency.KeyInput{OperationType: "op", Service: "svc", Params: backward})
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return k1 == k2
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestKeyDerivationSensitivity verifies that distinct amounts yield distinct keys.
func TestKeyDerivationSensitivity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("different quantities yield different keys", prop.ForAll(
		func(a, b int64) bool {
			ka, err1 := idempotency.DeriveKey(idempotency.KeyInput{OperationType: "op", Service: "svc", Params: map[string]any{"qty": a}})
			kb, err2 := idempotency.DeriveKey(idempotency.KeyInput{OperationType: "op", Service: "svc", Params: map[string]any{"qty": b}})
			if err1 != nil || err2 != nil {
				return false
			}
			return (a == b) == (ka == kb)
		},
		gen.Int64(),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
