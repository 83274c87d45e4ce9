package canonicalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// DefaultPrecision is the number of decimals kept for non-integer numbers.
const DefaultPrecision = 8

// setMarker is the wire shape of a Set before normalization.
const setMarker = "$set"

// DefaultSecretFields are never part of a canonical form.
var DefaultSecretFields = []string{"password", "secret", "token", "api_key", "apikey", "authorization"}

// Options control normalization.
type Options struct {
	// Precision is the number of decimals kept for fractional numbers.
	Precision int
	// Exclude lists field names (case-insensitive, any depth) dropped from the output.
	Exclude []string
}

// DefaultOptions keeps DefaultPrecision decimals and drops DefaultSecretFields.
func DefaultOptions() Options {
	return Options{Precision: DefaultPrecision, Exclude: DefaultSecretFields}
}

// Set marks an unordered collection. Its elements are sorted by their
// canonical encoding during normalization.
type Set []any

// MarshalJSON tags the collection so Normalize can recognise it after a JSON round trip.
func (s Set) MarshalJSON() ([]byte, error) {
	elems := []any(s)
	if elems == nil {
		elems = []any{}
	}
	return json.Marshal(map[string]any{setMarker: elems})
}

// Normalize rewrites v into a JSON-compatible tree of map[string]any, []any,
// string, bool, nil and json.Number such that equivalent inputs compare equal.
func Normalize(v interface{}, opts Options) (interface{}, error) {
	if opts.Precision <= 0 {
		opts.Precision = DefaultPrecision
	}

	// Marshal to intermediate JSON so struct tags are respected, then decode
	// with UseNumber so numeric text survives untouched until we format it.
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}
	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader(intermediate))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: intermediate decode failed: %w", err)
	}

	exclude := make(map[string]struct{}, len(opts.Exclude))
	for _, f := range opts.Exclude {
		exclude[strings.ToLower(f)] = struct{}{}
	}
	n := normalizer{precision: opts.Precision, exclude: exclude}
	return n.walk(generic)
}

type normalizer struct {
	precision int
	exclude   map[string]struct{}
}

func (n normalizer) walk(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case nil, bool:
		return t, nil
	case string:
		return norm.NFC.String(t), nil
	case json.Number:
		return n.number(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, elem := range t {
			nv, err := n.walk(elem)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	case map[string]interface{}:
		if elems, ok := asSet(t); ok {
			return n.set(elems)
		}
		out := make(map[string]interface{}, len(t))
		for k, elem := range t {
			if _, skip := n.exclude[strings.ToLower(k)]; skip {
				continue
			}
			nv, err := n.walk(elem)
			if err != nil {
				return nil, err
			}
			out[norm.NFC.String(k)] = nv
		}
		return out, nil
	default:
		return nil, fmt.Errorf("canonicalize: unsupported type %T", v)
	}
}

// number keeps integers verbatim and renders fractions with fixed precision,
// trimming trailing zeros so 1.0850 and 1.085 agree.
func (n normalizer) number(num json.Number) (interface{}, error) {
	s := num.String()
	if !strings.ContainsAny(s, ".eE") {
		if s == "-0" {
			return json.Number("0"), nil
		}
		return num, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: invalid number %q: %w", s, err)
	}
	out := strconv.FormatFloat(f, 'f', n.precision, 64)
	out = strings.TrimRight(out, "0")
	out = strings.TrimSuffix(out, ".")
	if out == "-0" || out == "" {
		out = "0"
	}
	return json.Number(out), nil
}

func (n normalizer) set(elems []interface{}) (interface{}, error) {
	type keyed struct {
		enc string
		val interface{}
	}
	items := make([]keyed, 0, len(elems))
	for _, elem := range elems {
		nv, err := n.walk(elem)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(nv)
		if err != nil {
			return nil, fmt.Errorf("canonicalize: encode set element: %w", err)
		}
		enc, err := jcs.Transform(raw)
		if err != nil {
			return nil, fmt.Errorf("canonicalize: canonical set element: %w", err)
		}
		items = append(items, keyed{enc: string(enc), val: nv})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].enc < items[j].enc })

	out := make([]interface{}, len(items))
	for i, it := range items {
		out[i] = it.val
	}
	return out, nil
}

func asSet(m map[string]interface{}) ([]interface{}, bool) {
	if len(m) != 1 {
		return nil, false
	}
	elems, ok := m[setMarker].([]interface{})
	return elems, ok
}
