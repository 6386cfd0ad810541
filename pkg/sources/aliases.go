package sources

import (
	"math"
	"strconv"
	"strings"
)

// Alias is an ordered list of candidate field names for one canonical field.
// Sources rename fields across API versions; resolution picks the first
// candidate present in the raw object. The per-source tables live next to
// each adapter instead of branching scattered through the pipeline.
type Alias []string

// lookup returns the first candidate's value present and non-nil.
func (a Alias) lookup(m map[string]any) (any, bool) {
	for _, name := range a {
		if v, ok := m[name]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// Str resolves the alias to a non-empty string.
func (a Alias) Str(m map[string]any) (string, bool) {
	v, ok := a.lookup(m)
	if !ok {
		return "", false
	}
	switch t := v.(type) {
	case string:
		t = strings.TrimSpace(t)
		return t, t != ""
	case float64:
		return formatNumber(t), true
	case bool:
		return strconv.FormatBool(t), true
	}
	return "", false
}

// Int resolves the alias to an int64, accepting JSON numbers and numeric strings.
func (a Alias) Int(m map[string]any) (int64, bool) {
	v, ok := a.lookup(m)
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// Float resolves the alias to a float64.
func (a Alias) Float(m map[string]any) (float64, bool) {
	v, ok := a.lookup(m)
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// Bool resolves the alias to a bool.
func (a Alias) Bool(m map[string]any) (bool, bool) {
	v, ok := a.lookup(m)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// Map resolves the alias to a nested object.
func (a Alias) Map(m map[string]any) (map[string]any, bool) {
	v, ok := a.lookup(m)
	if !ok {
		return nil, false
	}
	nested, ok := v.(map[string]any)
	return nested, ok
}

// List resolves the alias to an array.
func (a Alias) List(m map[string]any) ([]any, bool) {
	v, ok := a.lookup(m)
	if !ok {
		return nil, false
	}
	list, ok := v.([]any)
	return list, ok
}

// formatNumber renders JSON numbers without an exponent so numeric external
// ids round-trip as stable strings.
func formatNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
