// Package contract validates, extracts and salvages the structured output a
// triage session leaves in working memory.
package contract

import (
	"fmt"
	"sort"
	"strings"
)

// Names the engine is asked to set.
const (
	NameScoredItems = "triage_results"
	NameEliteItems  = "top_prs"
	NameSummary     = "triage_summary"
	NameBundle      = "triage_bundle"
)

// RecommendationMergeNow is the only recommendation that does not require
// remediation items.
const RecommendationMergeNow = "merge_now"

var reasoningKeys = []string{"criticality", "quality", "risk_if_merged", "urgency"}

// Bundle holds the three output collections as decoded JSON values. A nil
// field means the engine never set it.
type Bundle struct {
	ScoredItems any `json:"triage_results"`
	EliteItems  any `json:"top_prs"`
	Summary     any `json:"triage_summary"`
}

// Validate reports every collection that violates the output contract. Each
// collection contributes at most one message: checking stops at the first
// bad row. An empty result means the bundle is valid.
func Validate(b Bundle) []string {
	b = b.Normalized()
	var issues []string
	if msg := validateScoredItems(b.ScoredItems); msg != "" {
		issues = append(issues, msg)
	}
	if msg := validateEliteItems(b.EliteItems); msg != "" {
		issues = append(issues, msg)
	}
	if msg := validateSummary(b.Summary); msg != "" {
		issues = append(issues, msg)
	}
	return issues
}

func validateScoredItems(v any) string {
	rows, ok := v.([]any)
	if !ok {
		return NameScoredItems + " must be a list"
	}
	for i, raw := range rows {
		row, ok := raw.(map[string]any)
		if !ok {
			return fmt.Sprintf("%s[%d] must be an object", NameScoredItems, i)
		}
		if missing := scoredItemSchema.missing(row); len(missing) > 0 {
			return fmt.Sprintf("%s[%d] missing required fields: %s", NameScoredItems, i, strings.Join(missing, ", "))
		}
		if msg := scoredItemSchema.check(row); msg != "" {
			return fmt.Sprintf("%s[%d] invalid %s", NameScoredItems, i, msg)
		}
		reasoning, _ := row["scoring_reasoning"].(map[string]any)
		var blank []string
		for _, k := range reasoningKeys {
			if text(reasoning[k]) == "" {
				blank = append(blank, k)
			}
		}
		if len(blank) > 0 {
			return fmt.Sprintf("%s[%d].scoring_reasoning missing required keys: %s", NameScoredItems, i, strings.Join(blank, ", "))
		}
		if !strings.EqualFold(text(row["merge_recommendation"]), RecommendationMergeNow) && !hasNonBlank(row["must_fix_before_merge"]) {
			return fmt.Sprintf("%s[%d] must_fix_before_merge requires at least one item when merge_recommendation is not %s", NameScoredItems, i, RecommendationMergeNow)
		}
	}
	return ""
}

func validateEliteItems(v any) string {
	rows, ok := v.([]any)
	if !ok {
		return NameEliteItems + " must be a list"
	}
	for i, raw := range rows {
		row, ok := raw.(map[string]any)
		if !ok {
			return fmt.Sprintf("%s[%d] must be an object", NameEliteItems, i)
		}
		missing := eliteItemSchema.missing(row)
		_, hasPR := row["pr_number"]
		_, hasNumber := row["number"]
		if !hasPR && !hasNumber {
			missing = append(missing, "pr_number")
			sort.Strings(missing)
		}
		if len(missing) > 0 {
			return fmt.Sprintf("%s[%d] missing required fields: %s", NameEliteItems, i, strings.Join(missing, ", "))
		}
		if msg := eliteItemSchema.check(row); msg != "" {
			return fmt.Sprintf("%s[%d] invalid %s", NameEliteItems, i, msg)
		}
	}
	return ""
}

func validateSummary(v any) string {
	row, ok := v.(map[string]any)
	if !ok {
		return NameSummary + " must be an object"
	}
	if missing := summarySchema.missing(row); len(missing) > 0 {
		return fmt.Sprintf("%s missing required fields: %s", NameSummary, strings.Join(missing, ", "))
	}
	if msg := summarySchema.check(row); msg != "" {
		return fmt.Sprintf("%s invalid %s", NameSummary, msg)
	}
	return ""
}

func hasNonBlank(v any) bool {
	items, ok := v.([]any)
	if !ok {
		return false
	}
	for _, it := range items {
		if text(it) != "" {
			return true
		}
	}
	return false
}

func text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}
