package canonicalize

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCSSortsKeysAndDisablesHTMLEscaping(t *testing.T) {
	out, err := JCS(map[string]any{"b": 1, "a": "<tag>", "c": map[string]any{"z": true, "y": nil}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"<tag>","b":1,"c":{"y":null,"z":true}}`, string(out))
}

func TestNumericPrecisionIsFixed(t *testing.T) {
	forms := []any{
		map[string]any{"price": 1.085},
		map[string]any{"price": json.Number("1.0850")},
		map[string]any{"price": 1.08500000001},
	}
	var want string
	for i, f := range forms {
		h, err := CanonicalHash(f)
		require.NoError(t, err)
		if i == 0 {
			want = h
			continue
		}
		assert.Equal(t, want, h, "form %d", i)
	}

	out, err := JCS(map[string]any{"qty": 0.1, "whole": 2.0, "int": 7, "neg": -0.0})
	require.NoError(t, err)
	assert.Equal(t, `{"int":7,"neg":0,"qty":0.1,"whole":2}`, string(out))
}

func TestSetsAreOrderIndependent(t *testing.T) {
	a, err := CanonicalHash(map[string]any{"tags": Set{"fx", "eur", "usd"}})
	require.NoError(t, err)
	b, err := CanonicalHash(map[string]any{"tags": Set{"usd", "fx", "eur"}})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	// Plain slices keep their order.
	c, err := CanonicalHash(map[string]any{"legs": []any{"fx", "eur"}})
	require.NoError(t, err)
	d, err := CanonicalHash(map[string]any{"legs": []any{"eur", "fx"}})
	require.NoError(t, err)
	assert.NotEqual(t, c, d)
}

func TestSecretsAreExcluded(t *testing.T) {
	with, err := JCS(map[string]any{"symbol": "EURUSD", "api_key": "k-1", "nested": map[string]any{"Password": "p"}})
	require.NoError(t, err)
	assert.Equal(t, `{"nested":{},"symbol":"EURUSD"}`, string(with))

	custom, err := Canonical(map[string]any{"symbol": "EURUSD", "session": "s"}, Options{Exclude: []string{"session"}})
	require.NoError(t, err)
	assert.Equal(t, `{"symbol":"EURUSD"}`, string(custom))
}

func TestUnicodeIsNFCNormalized(t *testing.T) {
	composed, err := CanonicalHash(map[string]any{"name": "caf\u00e9"})
	require.NoError(t, err)
	decomposed, err := CanonicalHash(map[string]any{"name": "cafe\u0301"})
	require.NoError(t, err)
	assert.Equal(t, composed, decomposed)
}

func TestStructTagsAreRespected(t *testing.T) {
	type order struct {
		Symbol string  `json:"symbol"`
		Qty    float64 `json:"qty"`
	}
	out, err := JCS(order{Symbol: "EURUSD", Qty: 0.1})
	require.NoError(t, err)
	assert.Equal(t, `{"qty":0.1,"symbol":"EURUSD"}`, string(out))
}

func TestHashBytes(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", HashBytes(nil))
}
