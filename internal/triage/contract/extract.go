package contract

import (
	"bytes"
	"encoding/json"
)

// Source records where a bundle was read from.
type Source string

const (
	SourceBundle    Source = "triage_bundle"
	SourceNamedVars Source = "named_vars"
	SourceSalvaged  Source = "salvaged"
)

// NamedReader reads values out of engine working memory.
type NamedReader interface {
	ReadNamed(names ...string) map[string]any
}

// Extraction is the result of reading and validating one completion's output.
type Extraction struct {
	Bundle Bundle   `json:"bundle"`
	Source Source   `json:"source"`
	Issues []string `json:"issues"`
	// RawBundle is the triage_bundle value as the engine left it, if any.
	RawBundle any `json:"raw_bundle,omitempty"`
}

// Valid reports whether the extraction has no violations.
func (e Extraction) Valid() bool { return len(e.Issues) == 0 }

// Extract reads the output collections from working memory. Keys set inside
// a triage_bundle object take precedence over the individually named values.
func Extract(r NamedReader) Extraction {
	vals := r.ReadNamed(NameBundle, NameScoredItems, NameEliteItems, NameSummary)
	b := Bundle{
		ScoredItems: vals[NameScoredItems],
		EliteItems:  vals[NameEliteItems],
		Summary:     vals[NameSummary],
	}
	src := SourceNamedVars
	raw := vals[NameBundle]
	if m, ok := normalizeJSON(raw).(map[string]any); ok {
		src = SourceBundle
		if v, ok := m[NameScoredItems]; ok {
			b.ScoredItems = v
		}
		if v, ok := m[NameEliteItems]; ok {
			b.EliteItems = v
		}
		if v, ok := m[NameSummary]; ok {
			b.Summary = v
		}
	}
	b = b.Normalized()
	return Extraction{
		Bundle:    b,
		Source:    src,
		Issues:    Validate(b),
		RawBundle: raw,
	}
}

// Normalized returns a copy whose values are plain decoded JSON, with numbers
// as json.Number.
func (b Bundle) Normalized() Bundle {
	return Bundle{
		ScoredItems: normalizeJSON(b.ScoredItems),
		EliteItems:  normalizeJSON(b.EliteItems),
		Summary:     normalizeJSON(b.Summary),
	}
}

// normalizeJSON round-trips v through encoding/json. Values that cannot be
// encoded are returned unchanged and fail validation on shape.
func normalizeJSON(v any) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return v
	}
	return out
}
