package sources

import (
	"math"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

func strPtr(s string) *string    { return &s }
func intPtr(n int64) *int64      { return &n }
func floatPtr(f float64) *float64 { return &f }

// requireStr resolves a required string field or reports a NormalizeError
// naming the field, never fabricating a value.
func requireStr(sourceID string, m map[string]any, a Alias, field string) (string, error) {
	if v, ok := a.Str(m); ok {
		return v, nil
	}
	return "", &NormalizeError{Source: sourceID, Field: field}
}

// optStr returns a pointer only when the field resolves; absence stays nil.
func optStr(m map[string]any, a Alias) *string {
	if v, ok := a.Str(m); ok {
		return strPtr(v)
	}
	return nil
}

func optInt(m map[string]any, a Alias) *int64 {
	if v, ok := a.Int(m); ok {
		return intPtr(v)
	}
	return nil
}

func optFloat(m map[string]any, a Alias) *float64 {
	if v, ok := a.Float(m); ok {
		return floatPtr(v)
	}
	return nil
}

// optMinorUnits converts a major-unit money amount to minor units. Absent
// amounts stay nil; prices are never defaulted to zero.
func optMinorUnits(m map[string]any, a Alias) *int64 {
	if v, ok := a.Float(m); ok {
		return intPtr(int64(math.Round(v * 100)))
	}
	return nil
}

// optTime parses an ISO-8601 timestamp field.
func optTime(m map[string]any, a Alias) *time.Time {
	raw, ok := a.Str(m)
	if !ok {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// stringifyAttributes flattens a raw attribute object or key/value list into
// the canonical string map. Unknown shapes are dropped, not guessed at.
func stringifyAttributes(v any) map[string]string {
	out := make(map[string]string)
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if s, ok := (Alias{"_"}).Str(map[string]any{"_": val}); ok {
				out[k] = s
			}
		}
	case []any:
		for _, entry := range t {
			obj, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			key, okK := Alias{"key", "name"}.Str(obj)
			val, okV := Alias{"value", "val"}.Str(obj)
			if okK && okV {
				out[key] = val
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// flattenHTML strips markup from an HTML fragment, collapsing whitespace.
// Classifieds sources embed rich descriptions that we store as plain text.
func flattenHTML(fragment string) string {
	if !strings.ContainsAny(fragment, "<>") {
		return strings.Join(strings.Fields(fragment), " ")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.Join(strings.Fields(fragment), " ")
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}
