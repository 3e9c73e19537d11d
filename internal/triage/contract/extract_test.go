package contract

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danshapiro/prtriage/internal/triage/session"
)

func TestExtract_BundleOverridesNamedValues(t *testing.T) {
	b := validBundle()
	mem := session.NewMemory(session.Scope{Name: session.ScopeLocals, Values: map[string]any{
		NameScoredItems: "stale",
		NameEliteItems:  b.EliteItems,
		NameSummary:     b.Summary,
		NameBundle:      map[string]any{NameScoredItems: b.ScoredItems},
	}})

	ex := Extract(mem)
	assert.Equal(t, SourceBundle, ex.Source)
	assert.True(t, ex.Valid(), "issues: %v", ex.Issues)
	rows, ok := ex.Bundle.ScoredItems.([]any)
	require.True(t, ok)
	assert.Len(t, rows, 2)
}

func TestExtract_NamedVarsWithoutBundle(t *testing.T) {
	mem := session.NewMemory(session.Scope{Name: session.ScopeGlobals, Values: map[string]any{
		NameScoredItems: []any{},
	}})

	ex := Extract(mem)
	assert.Equal(t, SourceNamedVars, ex.Source)
	assert.Equal(t, []string{"top_prs must be a list", "triage_summary must be an object"}, ex.Issues)
}

func TestSalvage_FromFencedResponse(t *testing.T) {
	text := "Here is the result.\n```json\n{\"evaluations\": [{\"pr_number\": 3, \"final_score\": 0.2}, {\"pr_number\": 4, \"final_score\": 0.9}]}\n```\nDone."

	res := Salvage(Bundle{}, text, nil)
	assert.Equal(t, "response_text", res.ScoredFrom)
	assert.True(t, res.EliteDerived)
	elite := res.Bundle.EliteItems.([]any)
	require.Len(t, elite, 2)
	assert.Equal(t, json.Number("4"), elite[0].(map[string]any)["pr_number"])
}

func TestSalvage_FromPreferredMemoryName(t *testing.T) {
	mem := session.NewMemory(
		session.Scope{Name: session.ScopeLocals, Values: map[string]any{
			"scratch":     []any{map[string]any{"pr_number": 1}, map[string]any{"pr_number": 2}, map[string]any{"pr_number": 3}},
			"final_var":   []any{map[string]any{"pr_number": 9, "final_score": 0.5}},
			"not_records": []any{1, 2, 3, 4},
		}},
	)

	res := Salvage(Bundle{}, "no json here", mem)
	assert.Equal(t, "memory:final_var", res.ScoredFrom)
	assert.Len(t, res.Bundle.ScoredItems, 1)
}

func TestSalvage_LargestPlausibleAcrossScopes(t *testing.T) {
	mem := session.NewMemory(
		session.Scope{Name: session.ScopeLocals, Values: map[string]any{
			"a": []any{map[string]any{"title": "x"}},
		}},
		session.Scope{Name: session.ScopeGlobals, Values: map[string]any{
			"b": []any{map[string]any{"title": "y"}, map[string]any{"title": "z"}},
			"c": []any{map[string]any{"unrelated": true}, map[string]any{}, map[string]any{}},
		}},
	)

	res := Salvage(Bundle{}, "", mem)
	assert.Equal(t, "memory:largest", res.ScoredFrom)
	assert.Len(t, res.Bundle.ScoredItems, 2)
}

func TestSalvage_KeepsPresentCollectionsAndCapsElite(t *testing.T) {
	rows := make([]any, 0, 200)
	for i := 0; i < 200; i++ {
		rows = append(rows, map[string]any{"pr_number": i, "final_score": float64(i) / 200})
	}
	res := Salvage(Bundle{ScoredItems: rows}, "", nil)
	assert.Empty(t, res.ScoredFrom)
	elite := res.Bundle.EliteItems.([]any)
	require.Len(t, elite, MaxDerivedEliteItems)
	assert.Equal(t, json.Number("199"), elite[0].(map[string]any)["pr_number"])
}

func TestSalvage_NothingFoundLeavesNil(t *testing.T) {
	res := Salvage(Bundle{}, "I could not finish.", nil)
	assert.Nil(t, res.Bundle.ScoredItems)
	assert.Nil(t, res.Bundle.EliteItems)
	assert.False(t, res.EliteDerived)
}

func TestParseResponse_BracketScan(t *testing.T) {
	v, ok := ParseResponse(`Final answer: [{"pr_number": 1}] trailing words`)
	require.True(t, ok)
	assert.Len(t, FindRecords(v), 1)
}
