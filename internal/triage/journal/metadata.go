package journal

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"
)

type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// Totals are the counters recorded when a run finishes.
type Totals struct {
	ItemsSeen          int
	ItemsScored        int
	RepairAttemptsUsed int
	Degraded           bool
	FailureReason      string
}

// RunMetadata describes one run. It is written at start and updated exactly
// once, at the terminal transition.
type RunMetadata struct {
	RunID       string    `json:"run_id"`
	Status      RunStatus `json:"status"`
	PromptHash  string    `json:"prompt_hash"`
	PromptLabel string    `json:"prompt_label"`
	Model       string    `json:"model_name"`
	BudgetUSD   float64   `json:"budget"`

	StartedAt      time.Time `json:"start_time"`
	EndedAt        time.Time `json:"end_time,omitzero"`
	ElapsedSeconds float64   `json:"time_elapsed_seconds"`

	TotalPRsSeen       int    `json:"total_prs_seen"`
	TotalPRsScored     int    `json:"total_prs_scored"`
	RepairAttemptsUsed int    `json:"repair_attempts_used"`
	Degraded           bool   `json:"degraded"`
	FailureReason      string `json:"failure_reason,omitempty"`
}

// NewRunMetadata returns metadata for a run that has just started. The prompt
// label is the first 12 characters of the hash.
func NewRunMetadata(runID, promptHash, model string, budget float64, startedAt time.Time) *RunMetadata {
	label := promptHash
	if len(label) > 12 {
		label = label[:12]
	}
	return &RunMetadata{
		RunID:       runID,
		Status:      StatusRunning,
		PromptHash:  promptHash,
		PromptLabel: label,
		Model:       model,
		BudgetUSD:   budget,
		StartedAt:   startedAt.UTC(),
	}
}

// Terminal reports whether Finish has been applied.
func (m *RunMetadata) Terminal() bool {
	return m.Status == StatusCompleted || m.Status == StatusFailed
}

// Finish records the terminal outcome. It fails if the run already finished.
func (m *RunMetadata) Finish(status RunStatus, endedAt time.Time, t Totals) error {
	if m == nil {
		return fmt.Errorf("run metadata is nil")
	}
	if m.Terminal() {
		return fmt.Errorf("run %s already finished with status %s", m.RunID, m.Status)
	}
	if status != StatusCompleted && status != StatusFailed {
		return fmt.Errorf("invalid terminal status %q", status)
	}
	m.Status = status
	m.EndedAt = endedAt.UTC()
	elapsed := m.EndedAt.Sub(m.StartedAt).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	m.ElapsedSeconds = math.Round(elapsed*100) / 100
	m.TotalPRsSeen = t.ItemsSeen
	m.TotalPRsScored = t.ItemsScored
	m.RepairAttemptsUsed = t.RepairAttemptsUsed
	m.Degraded = t.Degraded
	m.FailureReason = t.FailureReason
	return nil
}

func (m *RunMetadata) Save(path string) error {
	if m == nil {
		return fmt.Errorf("run metadata is nil")
	}
	return WriteJSONAtomicFile(path, m)
}

func LoadRunMetadata(path string) (*RunMetadata, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m RunMetadata
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &m, nil
}
