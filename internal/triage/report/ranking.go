package report

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// MaxRanked caps rankings built from evaluations.
const MaxRanked = 50

type Relation struct {
	PRA          int    `json:"pr_a"`
	PRB          int    `json:"pr_b"`
	RelationType string `json:"relation_type"`
	Explanation  string `json:"explanation"`
}

type Cluster struct {
	ClusterID int        `json:"cluster_id"`
	Members   []int      `json:"members"`
	Size      int        `json:"size"`
	Relations []Relation `json:"relations"`
}

var (
	conventionalTitle = regexp.MustCompile(`^([a-z]+)\(([^)]+)\)`)
	prefixedTitle     = regexp.MustCompile(`^([a-z]+)[:\s_/-]+([a-z0-9_/-]+)`)
)

// BuildClusters groups PRs sharing a label, a module prefix, or a title
// theme. Groups of fewer than two PRs are dropped; larger groups come first.
func BuildClusters(evals []Evaluation) []Cluster {
	type group struct {
		theme   string
		members map[int]bool
	}
	groups := map[string]*group{}
	var order []string
	add := func(name, theme string, pr int) {
		g, ok := groups[name]
		if !ok {
			g = &group{theme: theme, members: map[int]bool{}}
			groups[name] = g
			order = append(order, name)
		}
		g.members[pr] = true
	}

	for _, ev := range evals {
		if ev.PRNumber <= 0 {
			continue
		}
		for _, l := range ev.Labels {
			if l = strings.ToLower(strings.TrimSpace(l)); l != "" {
				add("label:"+l, fmt.Sprintf("label '%s'", l), ev.PRNumber)
			}
		}
		for _, p := range modulePrefixes(ev.ImpactScope) {
			add("module:"+p, fmt.Sprintf("module '%s'", p), ev.PRNumber)
		}
		if theme := titleTheme(ev.Title); theme != "" {
			add("title:"+theme, fmt.Sprintf("title pattern '%s'", theme), ev.PRNumber)
		}
	}

	var out []Cluster
	for _, name := range order {
		g := groups[name]
		if len(g.members) < 2 {
			continue
		}
		members := make([]int, 0, len(g.members))
		for pr := range g.members {
			members = append(members, pr)
		}
		sort.Ints(members)
		var rels []Relation
		for i := 0; i < len(members); i++ {
			for k := i + 1; k < len(members); k++ {
				rels = append(rels, Relation{
					PRA:          members[i],
					PRB:          members[k],
					RelationType: "related",
					Explanation:  "Grouped by " + g.theme,
				})
			}
		}
		out = append(out, Cluster{ClusterID: len(out) + 1, Members: members, Size: len(members), Relations: rels})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Size > out[j].Size })
	return out
}

func modulePrefixes(scope []string) []string {
	var out []string
	for _, item := range scope {
		v := strings.TrimSpace(item)
		if v == "" {
			continue
		}
		var prefix string
		switch {
		case strings.Contains(v, "/"):
			prefix, _, _ = strings.Cut(v, "/")
		case strings.Contains(v, ":"):
			prefix, _, _ = strings.Cut(v, ":")
		default:
			prefix, _, _ = strings.Cut(v, ".")
		}
		if prefix = strings.ToLower(strings.TrimSpace(prefix)); prefix != "" {
			out = append(out, prefix)
		}
	}
	return out
}

func titleTheme(title string) string {
	t := strings.ToLower(strings.TrimSpace(title))
	if t == "" {
		return ""
	}
	if m := conventionalTitle.FindStringSubmatch(t); m != nil {
		return m[1] + "(" + m[2] + ")"
	}
	if m := prefixedTitle.FindStringSubmatch(t); m != nil {
		scope, _, _ := strings.Cut(m[2], "/")
		return m[1] + "(" + scope + ")"
	}
	return ""
}

type RankEntry struct {
	Number int     `json:"number"`
	Rank   int     `json:"rank"`
	Reason string  `json:"reason"`
	Score  float64 `json:"score"`
}

type Ranking struct {
	Ranking        []RankEntry `json:"ranking"`
	TotalEvaluated int         `json:"total_evaluated"`
	Timestamp      string      `json:"timestamp"`
}

// BuildRanking ranks evaluations by final score, or by 0.6*urgency +
// 0.4*quality when no final score was given.
func BuildRanking(evals []Evaluation, now time.Time) Ranking {
	type item struct {
		pr     int
		score  float64
		state  string
		reason string
	}
	items := make([]item, 0, len(evals))
	for _, ev := range evals {
		score := normalizeScore(ev.FinalRankScore)
		if ev.FinalRankScore <= 0 {
			score = round(normalizeScore(ev.RiskScore)*0.6+normalizeScore(ev.QualityScore)*0.4, 4)
		}
		state := ev.State
		if state == "" {
			state = "unknown"
		}
		items = append(items, item{pr: ev.PRNumber, score: score, state: state, reason: strings.TrimSpace(ev.ReviewSummary)})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].score > items[j].score })
	if len(items) > MaxRanked {
		items = items[:MaxRanked]
	}
	entries := make([]RankEntry, 0, len(items))
	for i, it := range items {
		reason := it.reason
		if reason == "" {
			reason = fmt.Sprintf("score=%.2f; state=%s", it.score, it.state)
		}
		entries = append(entries, RankEntry{Number: it.pr, Rank: i + 1, Reason: reason, Score: it.score})
	}
	return Ranking{Ranking: entries, TotalEvaluated: len(evals), Timestamp: now.UTC().Format(time.RFC3339Nano)}
}

// RankingFromElite keeps the engine's own elite ordering.
func RankingFromElite(elite any, now time.Time) Ranking {
	var entries []RankEntry
	for i, r := range list(elite) {
		row, ok := r.(map[string]any)
		if !ok {
			continue
		}
		pr := toInt(firstOf(row, "pr_number", "number"))
		if pr <= 0 {
			continue
		}
		rank := int(num(row, float64(i+1), "elite_rank"))
		score := num(row, 0, "final_score", "score")
		reason := strings.TrimSpace(str(row, "", "justification", "review_summary"))
		if reason == "" {
			reason = fmt.Sprintf("final_score=%.2f", score)
		}
		entries = append(entries, RankEntry{Number: pr, Rank: rank, Reason: reason, Score: score})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Rank < entries[j].Rank })
	return Ranking{Ranking: entries, TotalEvaluated: len(entries), Timestamp: now.UTC().Format(time.RFC3339Nano)}
}
