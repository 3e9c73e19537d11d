// Package report shapes validated (or salvaged) triage output into the
// payloads pushed to the dashboard.
package report

import (
	"strconv"
	"strings"
	"time"
)

type Evidence struct {
	File          string `json:"file"`
	ReferenceType string `json:"reference_type"`
	Detail        string `json:"detail"`
	LineHint      string `json:"line_hint"`
}

// Evaluation is one scored PR in dashboard shape. The legacy score fields
// mirror the contract fields for older dashboard readers.
type Evaluation struct {
	PRNumber            int               `json:"pr_number"`
	Title               string            `json:"title"`
	Author              string            `json:"author"`
	State               string            `json:"state,omitempty"`
	Urgency             float64           `json:"urgency"`
	Quality             float64           `json:"quality"`
	RiskIfMerged        float64           `json:"risk_if_merged"`
	Criticality         float64           `json:"criticality"`
	FinalScore          float64           `json:"final_score"`
	MergeRecommendation string            `json:"merge_recommendation"`
	Justification       string            `json:"justification"`
	KeyRisks            []string          `json:"key_risks"`
	MustFixBeforeMerge  []string          `json:"must_fix_before_merge"`
	Evidence            []Evidence        `json:"evidence"`
	ScoringReasoning    map[string]string `json:"scoring_reasoning,omitempty"`

	RiskScore      float64 `json:"risk_score"`
	QualityScore   float64 `json:"quality_score"`
	StrategicValue float64 `json:"strategic_value"`
	NoveltyScore   float64 `json:"novelty_score"`
	TestAlignment  float64 `json:"test_alignment"`
	FinalRankScore float64 `json:"final_rank_score"`
	ReviewSummary  string  `json:"review_summary"`
	Confidence     float64 `json:"confidence"`

	ImpactScope  []string `json:"impact_scope"`
	Labels       []string `json:"labels"`
	LinkedIssues []int    `json:"linked_issues"`
	AgentTraces  any      `json:"agent_traces,omitempty"`
}

// NormalizeEvaluations converts every object in rows. Non-objects are
// dropped.
func NormalizeEvaluations(rows any) []Evaluation {
	var out []Evaluation
	for _, r := range list(rows) {
		if m, ok := r.(map[string]any); ok {
			out = append(out, NormalizeEvaluation(m))
		}
	}
	return out
}

// NormalizeEvaluation canonicalizes shape and types, accepting the field
// aliases older prompts produced. It never invents reasoning.
func NormalizeEvaluation(raw map[string]any) Evaluation {
	urgency := num(raw, 0.5, "urgency", "risk_score", "risk")
	quality := num(raw, 0.5, "quality", "quality_score")
	criticality := num(raw, 0.5, "criticality", "strategic_value")
	finalScore := num(raw, 0, "final_score", "final_rank_score", "rank_score", "score")
	justification := str(raw, "", "justification", "review_summary", "summary")

	ev := Evaluation{
		PRNumber:            toInt(firstOf(raw, "pr_number", "number")),
		Title:               str(raw, "(untitled PR)", "title"),
		Author:              str(raw, "", "author"),
		Urgency:             urgency,
		Quality:             quality,
		RiskIfMerged:        num(raw, 0.5, "risk_if_merged", "risk", "risk_score"),
		Criticality:         criticality,
		FinalScore:          finalScore,
		MergeRecommendation: strings.TrimSpace(str(raw, "", "merge_recommendation", "verdict")),
		Justification:       justification,
		KeyRisks:            stringList(raw["key_risks"]),
		MustFixBeforeMerge:  stringList(raw["must_fix_before_merge"]),
		Evidence:            normalizeEvidence(raw["evidence"]),
		ScoringReasoning:    normalizeReasoning(raw["scoring_reasoning"]),

		RiskScore:      urgency,
		QualityScore:   quality,
		StrategicValue: criticality,
		NoveltyScore:   num(raw, 0.5, "novelty_score"),
		TestAlignment:  num(raw, 0.5, "test_alignment"),
		FinalRankScore: finalScore,
		ReviewSummary:  justification,
		Confidence:     num(raw, 0.5, "confidence"),

		ImpactScope: stringList(firstOf(raw, "impact_scope", "modules")),
		Labels:      extractLabels(raw),
		AgentTraces: firstOf(raw, "agent_traces", "agent_outputs"),
	}
	if v, ok := raw["state"]; ok && v != nil {
		ev.State = stringify(v)
	}
	for _, it := range list(raw["linked_issues"]) {
		ev.LinkedIssues = append(ev.LinkedIssues, toInt(it))
	}
	return ev
}

func firstOf(raw map[string]any, keys ...string) any {
	v, _ := pick(raw, keys...)
	return v
}

func normalizeReasoning(v any) map[string]string {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		if val == nil {
			continue
		}
		if s := strings.TrimSpace(stringify(val)); s != "" {
			out[k] = s
		}
	}
	return out
}

func normalizeEvidence(v any) []Evidence {
	var out []Evidence
	for _, it := range list(v) {
		switch t := it.(type) {
		case nil:
		case map[string]any:
			out = append(out, Evidence{
				File:          str(t, "", "file"),
				ReferenceType: str(t, "", "reference_type"),
				Detail:        str(t, "", "detail"),
				LineHint:      str(t, "", "line_hint"),
			})
		default:
			out = append(out, Evidence{ReferenceType: "note", Detail: stringify(t)})
		}
	}
	return out
}

func extractLabels(raw map[string]any) []string {
	var out []string
	for _, it := range list(firstOf(raw, "labels", "tags")) {
		var label string
		switch t := it.(type) {
		case nil:
			continue
		case map[string]any:
			label = stringify(t["name"])
		default:
			label = stringify(t)
		}
		if label = strings.ToLower(strings.TrimSpace(label)); label != "" {
			out = append(out, label)
		}
	}
	return out
}

// BuildSummary aggregates evaluations into the dashboard summary.
func BuildSummary(evals []Evaluation, now time.Time) map[string]any {
	states := map[string]int{}
	var risk, quality, rank float64
	for _, ev := range evals {
		state := ev.State
		if state == "" {
			state = "unknown"
		}
		states[state]++
		risk += ev.RiskScore
		quality += ev.QualityScore
		rank += ev.FinalRankScore
	}
	avg := func(sum float64) float64 {
		if len(evals) == 0 {
			return 0
		}
		return round(sum/float64(len(evals)), 4)
	}
	return map[string]any{
		"total_prs_evaluated":      len(evals),
		"total_modules":            0,
		"clusters":                 0,
		"themes":                   []string{},
		"state_counts":             states,
		"average_risk_score":       avg(risk),
		"average_quality_score":    avg(quality),
		"average_final_rank_score": avg(rank),
		"timestamp":                now.UTC().Format(time.RFC3339Nano),
	}
}

// NormalizeSummary overlays the engine's own summary on the computed one.
func NormalizeSummary(raw any, evals []Evaluation, eliteCount int, now time.Time) map[string]any {
	base := BuildSummary(evals, now)
	summary, ok := raw.(map[string]any)
	if !ok || len(summary) == 0 {
		return base
	}
	out := make(map[string]any, len(base)+len(summary))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range summary {
		out[k] = v
	}
	out["total_prs_evaluated"] = int(num(summary, float64(len(evals)), "scored_count", "deep_analyzed_count", "total_open_prs_seen"))
	out["total_modules"] = int(num(summary, 0, "total_modules"))
	out["clusters"] = int(num(summary, 0, "clusters"))
	themes := stringList(summary["themes"])
	if len(themes) == 0 {
		themes = []string{"elite_count:" + strconv.Itoa(eliteCount)}
	}
	out["themes"] = themes
	out["timestamp"] = now.UTC().Format(time.RFC3339Nano)
	return out
}
