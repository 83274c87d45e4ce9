// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme) compliant
// serialization for deterministic hashing of operation payloads.
//
// Canonical form is produced in two stages. Normalize rewrites a value so that
// logically equal inputs become structurally equal (fixed numeric precision,
// NFC strings, sorted sets, secrets removed). JCS then serializes the result
// with sorted keys and ES6 number formatting, so any implementation following
// the same rules produces the same bytes.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical JSON representation of v after
// normalization with DefaultOptions.
func JCS(v interface{}) ([]byte, error) {
	return Canonical(v, DefaultOptions())
}

// Canonical normalizes v with opts and returns its RFC 8785 encoding.
func Canonical(v interface{}, opts Options) ([]byte, error) {
	normalized, err := Normalize(v, opts)
	if err != nil {
		return nil, err
	}
	intermediate, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("jcs: marshal normalized value: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform: %w", err)
	}
	return out, nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON representation of v.
func CanonicalHash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes SHA-256 hash of raw bytes and returns hex string
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
