package supervisor

import (
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/danshapiro/prtriage/internal/triage/contract"
)

// RequiredOutputs are the working-memory names the engine must set.
var RequiredOutputs = []string{contract.NameScoredItems, contract.NameEliteItems, contract.NameSummary, contract.NameBundle}

// PromptBundle is everything that determines what the engine is asked to do.
// Its hash identifies the prompt version of a run.
type PromptBundle struct {
	System          string   `json:"root_system_prompt"`
	Task            string   `json:"task_prompt"`
	Model           string   `json:"model"`
	RequiredOutputs []string `json:"required_outputs"`
}

func NewPromptBundle(cfg *Config) PromptBundle {
	return PromptBundle{
		System:          normalizePromptText(cfg.Prompt.System),
		Task:            normalizePromptText(cfg.Prompt.Task),
		Model:           cfg.Model,
		RequiredOutputs: append([]string(nil), RequiredOutputs...),
	}
}

// Hash is the hex BLAKE3 digest of the bundle's compact JSON encoding.
func (b PromptBundle) Hash() string {
	raw, err := json.Marshal(b)
	if err != nil {
		return "unknown"
	}
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// RootPrompt is the text of the first engine call.
func (b PromptBundle) RootPrompt() string {
	if b.System == "" {
		return b.Task
	}
	return b.System + "\n\n" + b.Task
}

// normalizePromptText unifies line endings, strips trailing whitespace from
// every line and trims the result.
func normalizePromptText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// RepairPrompt asks the engine to fix exactly the listed violations in the
// same session.
func RepairPrompt(issues []string) string {
	var sb strings.Builder
	sb.WriteString("Output contract repair required.\n")
	sb.WriteString("Only do the minimum needed to fix these issues in the current session:\n")
	if len(issues) == 0 {
		issues = []string{"unknown output contract issue"}
	}
	for _, issue := range issues {
		sb.WriteString("- ")
		sb.WriteString(issue)
		sb.WriteString("\n")
	}
	sb.WriteString("Set triage_results, top_prs, triage_summary, then set triage_bundle as a dict with those keys.\n")
	sb.WriteString("Run finalize_outputs() if available.\n")
	sb.WriteString(`End your response with exactly: FINAL_VAR("triage_bundle")`)
	return sb.String()
}
