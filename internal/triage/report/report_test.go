package report

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNormalizeEvaluation_Aliases(t *testing.T) {
	ev := NormalizeEvaluation(map[string]any{
		"number":          json.Number("42"),
		"risk_score":      "0.9",
		"quality_score":   0.4,
		"strategic_value": 0.3,
		"score":           7.5,
		"review_summary":  "needs tests",
		"verdict":         " block ",
		"labels":          []any{map[string]any{"name": "Bug"}, " UI ", nil, ""},
		"modules":         []any{"api/session.go"},
		"evidence":        []any{"see diff", map[string]any{"file": "a.go", "detail": "x"}},
		"scoring_reasoning": map[string]any{
			"urgency": " hot ", "quality": "", "criticality": nil,
		},
		"linked_issues": []any{"7", 8.0},
	})

	assert.Equal(t, 42, ev.PRNumber)
	assert.Equal(t, "(untitled PR)", ev.Title)
	assert.Equal(t, 0.9, ev.Urgency)
	assert.Equal(t, 0.9, ev.RiskScore)
	assert.Equal(t, 0.4, ev.QualityScore)
	assert.Equal(t, 0.3, ev.Criticality)
	assert.Equal(t, 7.5, ev.FinalRankScore)
	assert.Equal(t, "needs tests", ev.Justification)
	assert.Equal(t, "block", ev.MergeRecommendation)
	assert.Equal(t, []string{"bug", "ui"}, ev.Labels)
	assert.Equal(t, []string{"api/session.go"}, ev.ImpactScope)
	assert.Equal(t, []Evidence{{ReferenceType: "note", Detail: "see diff"}, {File: "a.go", Detail: "x"}}, ev.Evidence)
	assert.Equal(t, map[string]string{"urgency": "hot"}, ev.ScoringReasoning)
	assert.Equal(t, []int{7, 8}, ev.LinkedIssues)
	assert.Empty(t, ev.State)
	assert.Equal(t, 0.5, ev.Confidence)
}

func TestNormalizeEvaluations_DropsNonObjects(t *testing.T) {
	evs := NormalizeEvaluations([]any{map[string]any{"pr_number": 1}, "junk", 3})
	require.Len(t, evs, 1)
	assert.Nil(t, NormalizeEvaluations("not a list"))
}

func TestSummary(t *testing.T) {
	evals := []Evaluation{
		{State: "open", RiskScore: 0.5, QualityScore: 1, FinalRankScore: 0.2},
		{RiskScore: 0.25, QualityScore: 0, FinalRankScore: 0.4},
	}
	s := BuildSummary(evals, now)
	assert.Equal(t, 2, s["total_prs_evaluated"])
	assert.Equal(t, map[string]int{"open": 1, "unknown": 1}, s["state_counts"])
	assert.Equal(t, 0.375, s["average_risk_score"])
	assert.Equal(t, 0.3, s["average_final_rank_score"])

	n := NormalizeSummary(map[string]any{"scored_count": json.Number("9"), "custom": true}, evals, 3, now)
	assert.Equal(t, 9, n["total_prs_evaluated"])
	assert.Equal(t, true, n["custom"])
	assert.Equal(t, []string{"elite_count:3"}, n["themes"])

	assert.Equal(t, s, NormalizeSummary(nil, evals, 0, now))
}

func TestBuildClusters(t *testing.T) {
	evals := []Evaluation{
		{PRNumber: 3, Title: "fix(api): a", Labels: []string{"bug"}, ImpactScope: []string{"api/x.go"}},
		{PRNumber: 1, Title: "fix(api): b", Labels: []string{"bug"}, ImpactScope: []string{"api:handler"}},
		{PRNumber: 2, Title: "docs: c", Labels: []string{"bug"}},
		{PRNumber: 0, Title: "fix(api): ignored", Labels: []string{"bug"}},
		{PRNumber: 5, Title: "chore"},
	}
	clusters := BuildClusters(evals)
	require.Len(t, clusters, 3)

	assert.Equal(t, []int{1, 2, 3}, clusters[0].Members)
	assert.Equal(t, 3, clusters[0].Size)
	assert.Len(t, clusters[0].Relations, 3)
	assert.Equal(t, "Grouped by label 'bug'", clusters[0].Relations[0].Explanation)

	assert.Equal(t, []int{1, 3}, clusters[1].Members)
	assert.Equal(t, "Grouped by module 'api'", clusters[1].Relations[0].Explanation)
	assert.Equal(t, "Grouped by title pattern 'fix(api)'", clusters[2].Relations[0].Explanation)
}

func TestTitleTheme(t *testing.T) {
	assert.Equal(t, "feat(cli)", titleTheme("Feat(cli): add flag"))
	assert.Equal(t, "fix(api)", titleTheme("fix: api/session cleanup"))
	assert.Equal(t, "", titleTheme("Refactor"))
}

func TestBuildRanking(t *testing.T) {
	evals := []Evaluation{
		{PRNumber: 1, FinalRankScore: 8, ReviewSummary: "strong"},
		{PRNumber: 2, RiskScore: 1, QualityScore: 0.5},
		{PRNumber: 3, FinalRankScore: 0.95},
	}
	r := BuildRanking(evals, now)
	require.Len(t, r.Ranking, 3)
	assert.Equal(t, 3, r.TotalEvaluated)
	assert.Equal(t, RankEntry{Number: 3, Rank: 1, Reason: "score=0.95; state=unknown", Score: 0.95}, r.Ranking[0])
	// Ties keep input order.
	assert.Equal(t, RankEntry{Number: 1, Rank: 2, Reason: "strong", Score: 0.8}, r.Ranking[1])
	assert.Equal(t, 2, r.Ranking[2].Number)
	assert.Equal(t, "score=0.80; state=unknown", r.Ranking[2].Reason)
	assert.InDelta(t, 0.8, r.Ranking[2].Score, 1e-9)

	many := make([]Evaluation, 80)
	for i := range many {
		many[i] = Evaluation{PRNumber: i + 1, FinalRankScore: float64(i) / 100}
	}
	assert.Len(t, BuildRanking(many, now).Ranking, MaxRanked)
}

func TestRankingFromElite(t *testing.T) {
	r := RankingFromElite([]any{
		map[string]any{"pr_number": 9, "final_score": 0.7, "elite_rank": 2},
		map[string]any{"number": 4, "final_score": 0.9, "elite_rank": 1, "justification": "best"},
		map[string]any{"final_score": 0.1},
	}, now)
	require.Len(t, r.Ranking, 2)
	assert.Equal(t, RankEntry{Number: 4, Rank: 1, Reason: "best", Score: 0.9}, r.Ranking[0])
	assert.Equal(t, "final_score=0.70", r.Ranking[1].Reason)
}

func TestParseTraceSteps(t *testing.T) {
	text := "Iteration 1\nlooking at PRs\n```python\nprint(len(prs))\n```\nfound 12\n## Step 2\nscoring\n"
	steps := ParseTraceSteps(text, now)
	require.Len(t, steps, 4)
	assert.Equal(t, TraceStep{Iteration: 1, Type: StepLLMResponse, Content: "looking at PRs", Timestamp: now.Format(time.RFC3339Nano)}, steps[0])
	assert.Equal(t, StepCodeExecution, steps[1].Type)
	assert.Equal(t, "```python\nprint(len(prs))\n```", steps[1].Content)
	assert.Equal(t, "found 12", steps[2].Content)
	assert.Equal(t, 2, steps[3].Iteration)

	plain := ParseTraceSteps("just text", now)
	require.Len(t, plain, 1)
	assert.Equal(t, "just text", plain[0].Content)
	assert.Nil(t, ParseTraceSteps("   ", now))
}

func TestExtractRawIterations(t *testing.T) {
	meta := map[string]any{"iterations": []any{
		map[string]any{
			"iteration":      1.0,
			"response":       "abcdefgh",
			"iteration_time": 2.5,
			"code_blocks": []any{
				map[string]any{"code": "x = 1", "result": map[string]any{"stdout": "123456", "stderr": "", "execution_time": 0.1}},
				"junk",
			},
		},
		"junk",
		map[string]any{"response": "second"},
	}}

	iters := ExtractRawIterations(meta, "root", Limits{StdoutChars: 3, StderrChars: 3, ResponseChars: 4})
	require.Len(t, iters, 2)
	assert.Equal(t, "abcd", iters[0].ResponsePreview)
	assert.Equal(t, 8, iters[0].ResponseChars)
	require.Len(t, iters[0].CodeBlocks, 1)
	assert.Equal(t, "123", iters[0].CodeBlocks[0].StdoutPreview)
	assert.Equal(t, 6, iters[0].CodeBlocks[0].StdoutChars)
	assert.Equal(t, 2, iters[1].Iteration)
	assert.Equal(t, "root", iters[1].CompletionLabel)

	it, blocks := LastSeen(iters)
	assert.Equal(t, 2, it)
	assert.Equal(t, 0, blocks)
	assert.Nil(t, ExtractRawIterations(nil, "root", Limits{}))
}
