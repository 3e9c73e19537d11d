package liveness

import (
	"math"
	"time"

	"github.com/danshapiro/prtriage/internal/triage/session"
	"github.com/danshapiro/prtriage/internal/triage/telemetry"
)

// Liveness is the health section of a heartbeat.
type Liveness struct {
	Classification        Classification         `json:"classification"`
	LastProgressAt        time.Time              `json:"last_progress_at"`
	SecondsSinceProgress  float64                `json:"seconds_since_progress"`
	StallThresholdSeconds float64                `json:"stall_threshold_seconds"`
	LastErrorType         string                 `json:"last_error_type,omitempty"`
	LastErrorMessage      string                 `json:"last_error_message,omitempty"`
	LM                    telemetry.LMStats      `json:"lm"`
	Subcalls              telemetry.SubcallStats `json:"subcalls"`
	Network               telemetry.NetworkStats `json:"network"`
}

// Heartbeat is one point-in-time view of a run. Values are never mutated
// after construction.
type Heartbeat struct {
	Timestamp           time.Time       `json:"timestamp"`
	RunID               string          `json:"run_id"`
	PromptHash          string          `json:"prompt_hash"`
	Phase               telemetry.Phase `json:"phase"`
	PhaseEnteredAt      time.Time       `json:"phase_entered_at"`
	PhaseElapsedSeconds float64         `json:"phase_elapsed_seconds"`
	ElapsedSeconds      float64         `json:"elapsed_seconds"`
	RepairAttemptsUsed  int             `json:"repair_attempts_used"`
	LastIterationSeen   int             `json:"last_iteration_seen"`
	LastBlockSeen       int             `json:"last_block_seen"`
	Liveness            Liveness        `json:"liveness"`
}

// BuildHeartbeat projects a state copy into a heartbeat. Iteration counters
// are the max of what the supervisor saw locally and what the engine reports.
func BuildHeartbeat(st telemetry.State, engine session.Progress, now time.Time, threshold time.Duration) Heartbeat {
	iteration, blocks := st.LastIteration, st.LastBlocks
	if engine.Iteration > iteration {
		iteration, blocks = engine.Iteration, engine.Blocks
	} else if engine.Iteration == iteration && engine.Blocks > blocks {
		blocks = engine.Blocks
	}
	return Heartbeat{
		Timestamp:           now,
		RunID:               st.RunID,
		PromptHash:          st.PromptHash,
		Phase:               st.Phase,
		PhaseEnteredAt:      st.PhaseEnteredAt,
		PhaseElapsedSeconds: seconds(now.Sub(st.PhaseEnteredAt)),
		ElapsedSeconds:      seconds(now.Sub(st.StartedAt)),
		RepairAttemptsUsed:  st.RepairAttemptsUsed,
		LastIterationSeen:   iteration,
		LastBlockSeen:       blocks,
		Liveness: Liveness{
			Classification:        Classify(st, now, threshold),
			LastProgressAt:        st.LastProgressAt,
			SecondsSinceProgress:  seconds(SinceProgress(st, now)),
			StallThresholdSeconds: seconds(threshold),
			LastErrorType:         st.LastErrorType,
			LastErrorMessage:      st.LastErrorMessage,
			LM:                    st.LM,
			Subcalls:              roundSubcalls(st.Subcalls),
			Network:               st.Network,
		},
	}
}

func roundSubcalls(s telemetry.SubcallStats) telemetry.SubcallStats {
	s.OldestInFlightSeconds = math.Round(s.OldestInFlightSeconds*100) / 100
	return s
}

func seconds(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return math.Round(d.Seconds()*100) / 100
}
