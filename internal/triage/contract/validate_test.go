package contract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scoredItem(pr int) map[string]any {
	return map[string]any{
		"pr_number":            pr,
		"title":                "fix(api): guard nil session",
		"author":               "octocat",
		"state":                "open",
		"urgency":              0.7,
		"quality":              0.8,
		"criticality":          0.6,
		"risk_if_merged":       0.2,
		"final_score":          0.74,
		"merge_recommendation": "merge_now",
		"justification":        "small, well tested",
		"key_risks":            []any{},
		"evidence":             []any{map[string]any{"file": "api/session.go", "detail": "nil check"}},
		"scoring_reasoning": map[string]any{
			"urgency":        "blocks release",
			"quality":        "tests added",
			"criticality":    "core path",
			"risk_if_merged": "low",
		},
	}
}

func validBundle() Bundle {
	return Bundle{
		ScoredItems: []any{scoredItem(1), scoredItem(2)},
		EliteItems:  []any{map[string]any{"pr_number": 1, "final_score": 0.74}},
		Summary: map[string]any{
			"total_open_prs_seen": 10,
			"scored_count":        2,
			"elite_count":         1,
			"deep_analyzed_count": 2,
			"score_distribution":  map[string]any{"high": 1, "medium": 1},
		},
	}
}

func TestValidate_ValidBundleHasNoIssues(t *testing.T) {
	assert.Empty(t, Validate(validBundle()))
}

func TestValidate_MissingCollections(t *testing.T) {
	issues := Validate(Bundle{})
	assert.Equal(t, []string{
		"triage_results must be a list",
		"top_prs must be a list",
		"triage_summary must be an object",
	}, issues)
}

func TestValidate_MissingFieldsAreSortedAndFirstRowWins(t *testing.T) {
	b := validBundle()
	bad := scoredItem(1)
	delete(bad, "title")
	delete(bad, "author")
	alsoBad := scoredItem(2)
	delete(alsoBad, "evidence")
	b.ScoredItems = []any{scoredItem(3), bad, alsoBad}

	issues := Validate(b)
	require.Len(t, issues, 1)
	assert.Equal(t, "triage_results[1] missing required fields: author, title", issues[0])
}

func TestValidate_ScoringReasoningKeysMustBeNonBlank(t *testing.T) {
	b := validBundle()
	item := scoredItem(1)
	item["scoring_reasoning"] = map[string]any{
		"urgency":        "x",
		"quality":        "  ",
		"risk_if_merged": "y",
	}
	b.ScoredItems = []any{item}

	assert.Equal(t, []string{
		"triage_results[0].scoring_reasoning missing required keys: criticality, quality",
	}, Validate(b))
}

func TestValidate_RemediationRequiredUnlessMergeNow(t *testing.T) {
	cases := []struct {
		name   string
		rec    string
		fixes  any
		wantOK bool
	}{
		{name: "merge_now without fixes", rec: "merge_now", wantOK: true},
		{name: "merge_now is case and space insensitive", rec: "  Merge_Now ", wantOK: true},
		{name: "block without fixes", rec: "block", wantOK: false},
		{name: "blank fixes", rec: "block", fixes: []any{"", "   "}, wantOK: false},
		{name: "fixes not a list", rec: "ship_with_guards", fixes: "add tests", wantOK: false},
		{name: "one real fix", rec: "ship_with_guards", fixes: []any{"", "add tests"}, wantOK: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := validBundle()
			item := scoredItem(7)
			item["merge_recommendation"] = tc.rec
			if tc.fixes != nil {
				item["must_fix_before_merge"] = tc.fixes
			}
			b.ScoredItems = []any{item}
			issues := Validate(b)
			if tc.wantOK {
				assert.Empty(t, issues)
				return
			}
			require.Len(t, issues, 1)
			if s, ok := tc.fixes.(string); ok && s != "" {
				assert.Contains(t, issues[0], "triage_results[0] invalid must_fix_before_merge")
				return
			}
			assert.Equal(t, "triage_results[0] must_fix_before_merge requires at least one item when merge_recommendation is not merge_now", issues[0])
		})
	}
}

func TestValidate_TypeViolationNamesField(t *testing.T) {
	b := validBundle()
	item := scoredItem(1)
	item["urgency"] = "high"
	b.ScoredItems = []any{item}

	issues := Validate(b)
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0], "triage_results[0] invalid urgency")
}

func TestValidate_NonObjectRow(t *testing.T) {
	b := validBundle()
	b.ScoredItems = []any{"pr 1"}
	assert.Equal(t, []string{"triage_results[0] must be an object"}, Validate(b))
}

func TestValidate_EliteItems(t *testing.T) {
	b := validBundle()
	b.EliteItems = []any{map[string]any{"number": 4, "final_score": 0.9}}
	assert.Empty(t, Validate(b))

	b.EliteItems = []any{map[string]any{"title": "x"}}
	assert.Equal(t, []string{"top_prs[0] missing required fields: final_score, pr_number"}, Validate(b))
}

func TestValidate_SummaryMissingCounter(t *testing.T) {
	b := validBundle()
	summary := b.Summary.(map[string]any)
	delete(summary, "deep_analyzed_count")
	delete(summary, "score_distribution")

	assert.Equal(t, []string{
		"triage_summary missing required fields: deep_analyzed_count, score_distribution",
	}, Validate(b))
}

func TestValidate_CollectionsReportedIndependently(t *testing.T) {
	b := validBundle()
	b.EliteItems = map[string]any{}
	b.Summary = []any{}
	issues := Validate(b)
	assert.Equal(t, []string{"top_prs must be a list", "triage_summary must be an object"}, issues)
}
