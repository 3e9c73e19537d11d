package contract

import (
	"bytes"
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/danshapiro/prtriage/internal/triage/session"
)

// MaxDerivedEliteItems caps top_prs when it is derived from scored items.
const MaxDerivedEliteItems = 150

// Preferred working-memory names for scored items, in priority order.
var salvageNames = []string{NameScoredItems, "final_var", "final_results", "results", "output"}

var recordListKeys = []string{"evaluations", "results", "prs", "triage", "items"}

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)```")

// maxScanAttempts bounds the bracket scan over long responses.
const maxScanAttempts = 256

// SalvageResult describes what Salvage recovered.
type SalvageResult struct {
	Bundle Bundle `json:"-"`
	// ScoredFrom names where scored items came from, empty if they were
	// already present or nothing was found.
	ScoredFrom   string `json:"scored_from,omitempty"`
	EliteDerived bool   `json:"elite_derived"`
}

// Salvage fills collections missing from b using the raw response text and
// working memory. It never invents items: when nothing plausible is found the
// collection stays nil.
func Salvage(b Bundle, responseText string, mem session.Memory) SalvageResult {
	b = b.Normalized()
	res := SalvageResult{}
	if _, ok := b.ScoredItems.([]any); !ok {
		if rows := recordsFromText(responseText); len(rows) > 0 {
			b.ScoredItems = rows
			res.ScoredFrom = "response_text"
		} else if rows, from := recordsFromMemory(mem); len(rows) > 0 {
			b.ScoredItems = rows
			res.ScoredFrom = from
		}
	}
	if _, ok := b.EliteItems.([]any); !ok {
		if rows, ok := b.ScoredItems.([]any); ok && len(rows) > 0 {
			b.EliteItems = deriveElite(rows)
			res.EliteDerived = true
		}
	}
	res.Bundle = b
	return res
}

// ParseResponse decodes the first JSON value found in text: the whole text,
// then fenced code blocks, then bracket-balanced substrings.
func ParseResponse(text string) (any, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, false
	}
	if v, ok := decodeJSON(text); ok {
		return v, true
	}
	for _, m := range fencedJSON.FindAllStringSubmatch(text, -1) {
		if v, ok := decodeJSON(m[1]); ok {
			return v, true
		}
	}
	attempts := 0
	for i := 0; i < len(text) && attempts < maxScanAttempts; i++ {
		if text[i] != '[' && text[i] != '{' {
			continue
		}
		attempts++
		dec := json.NewDecoder(strings.NewReader(text[i:]))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err == nil {
			return v, true
		}
	}
	return nil, false
}

func decodeJSON(s string) (any, bool) {
	dec := json.NewDecoder(bytes.NewReader([]byte(strings.TrimSpace(s))))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	if dec.More() {
		return nil, false
	}
	return v, true
}

func recordsFromText(text string) []any {
	v, ok := ParseResponse(text)
	if !ok {
		return nil
	}
	return FindRecords(v)
}

func recordsFromMemory(mem session.Memory) ([]any, string) {
	named := mem.ReadNamed(salvageNames...)
	for _, name := range salvageNames {
		if rows, ok := recordList(normalizeJSON(named[name])); ok && plausible(rows) {
			return rows, "memory:" + name
		}
	}
	var best []any
	for _, v := range mem.Values() {
		rows, ok := recordList(normalizeJSON(v))
		if !ok || !plausible(rows) {
			continue
		}
		if len(rows) > len(best) {
			best = rows
		}
	}
	if len(best) > 0 {
		return best, "memory:largest"
	}
	return nil, ""
}

// FindRecords searches a decoded JSON value for the first non-empty list of
// objects: the value itself, a well-known key, or any nested value.
func FindRecords(v any) []any {
	if rows, ok := recordList(v); ok {
		return rows
	}
	switch t := v.(type) {
	case map[string]any:
		for _, k := range recordListKeys {
			if rows, ok := recordList(t[k]); ok {
				return rows
			}
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if rows := FindRecords(t[k]); len(rows) > 0 {
				return rows
			}
		}
	case []any:
		for _, item := range t {
			if rows := FindRecords(item); len(rows) > 0 {
				return rows
			}
		}
	}
	return nil
}

func recordList(v any) ([]any, bool) {
	rows, ok := v.([]any)
	if !ok || len(rows) == 0 {
		return nil, false
	}
	for _, r := range rows {
		if _, ok := r.(map[string]any); !ok {
			return nil, false
		}
	}
	return rows, true
}

func plausible(rows []any) bool {
	first, _ := rows[0].(map[string]any)
	for _, k := range []string{"pr_number", "number", "title", "final_score"} {
		if _, ok := first[k]; ok {
			return true
		}
	}
	return false
}

func deriveElite(rows []any) []any {
	out := append([]any(nil), rows...)
	sort.SliceStable(out, func(i, j int) bool {
		return scoreOf(out[i]) > scoreOf(out[j])
	})
	if len(out) > MaxDerivedEliteItems {
		out = out[:MaxDerivedEliteItems]
	}
	return out
}

func scoreOf(v any) float64 {
	row, _ := v.(map[string]any)
	switch t := row["final_score"].(type) {
	case json.Number:
		f, _ := t.Float64()
		return f
	case float64:
		return t
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f
	}
	return 0
}
