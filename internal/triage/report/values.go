package report

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// pick returns the value of the first key present in raw, even when that
// value is null.
func pick(raw map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := raw[k]; ok {
			return v, true
		}
	}
	return nil, false
}

func num(raw map[string]any, def float64, keys ...string) float64 {
	v, ok := pick(raw, keys...)
	if !ok {
		return def
	}
	return toFloat(v, def)
}

func toFloat(v any, def float64) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return f
		}
	case bool:
		if t {
			return 1
		}
		return 0
	}
	return def
}

func toInt(v any) int {
	return int(toFloat(v, 0))
}

func str(raw map[string]any, def string, keys ...string) string {
	v, ok := pick(raw, keys...)
	if !ok {
		return def
	}
	return stringify(v)
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

func list(v any) []any {
	if l, ok := v.([]any); ok {
		return l
	}
	return nil
}

func stringList(v any) []string {
	items := list(v)
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, stringify(it))
	}
	return out
}

func round(f float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(f*p) / p
}

// normalizeScore maps a 0..10 or 0..1 score onto 0..1.
func normalizeScore(v float64) float64 {
	if v > 1 {
		v /= 10
	}
	return math.Max(0, math.Min(1, v))
}

func truncateRunes(s string, limit int) string {
	if limit < 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}
