// Package liveness classifies whether a supervised run is alive, stalled or
// finished, and periodically publishes heartbeat snapshots.
package liveness

import (
	"time"

	"github.com/danshapiro/prtriage/internal/triage/telemetry"
)

// Classification is the externally visible health of a run.
type Classification string

const (
	ActivelyReasoning Classification = "actively_reasoning"
	WaitingOnProvider Classification = "waiting_on_provider"
	SuspectedStall    Classification = "suspected_stall"
	Idle              Classification = "idle"
	Completed         Classification = "completed"
	Failed            Classification = "failed"
)

const (
	// RecentProgressWindow is how recent progress must be to count as active.
	RecentProgressWindow = 90 * time.Second
	// MinStallThreshold is the floor for StallThreshold.
	MinStallThreshold = 300 * time.Second
)

// StallThreshold is the silence after which a run is suspected stalled:
// max(300s, timeout * (retries + 1)).
func StallThreshold(requestTimeout time.Duration, retries int) time.Duration {
	if retries < 0 {
		retries = 0
	}
	t := requestTimeout * time.Duration(retries+1)
	if t < MinStallThreshold {
		return MinStallThreshold
	}
	return t
}

// Classify derives the classification from a state copy. The first matching
// rule wins.
func Classify(st telemetry.State, now time.Time, threshold time.Duration) Classification {
	switch {
	case st.Phase.Completed():
		return Completed
	case st.Phase.Failed():
		return Failed
	}

	since := SinceProgress(st, now)
	observed := st.LM.CallsCompleted > 0 || st.Subcalls.Completed > 0 ||
		st.Network.BytesSentDelta > 0 || st.Network.BytesRecvDelta > 0
	if since <= RecentProgressWindow && observed {
		return ActivelyReasoning
	}

	if st.LM.InFlight > 0 || st.Subcalls.InFlight > 0 {
		if since >= threshold {
			return SuspectedStall
		}
		return WaitingOnProvider
	}
	if since >= threshold {
		return SuspectedStall
	}
	if st.Phase == telemetry.PhaseStarting || st.Phase == telemetry.PhaseWritingLocalArtifacts {
		return ActivelyReasoning
	}
	return Idle
}

// SinceProgress is the time elapsed since the last recorded progress.
func SinceProgress(st telemetry.State, now time.Time) time.Duration {
	if st.LastProgressAt.IsZero() {
		return 0
	}
	d := now.Sub(st.LastProgressAt)
	if d < 0 {
		return 0
	}
	return d
}

// Recommendation is the operator guidance printed by status queries.
func (c Classification) Recommendation() string {
	switch c {
	case Completed:
		return "Run completed successfully."
	case Failed:
		return "Run failed. Check trace and raw iterations for error context."
	case SuspectedStall:
		return "Likely stalled. Inspect provider/network logs or restart run."
	case WaitingOnProvider:
		return "Still waiting on upstream provider response."
	case ActivelyReasoning:
		return "Run is actively making progress."
	case Idle:
		return "Run is alive but currently idle."
	default:
		return "Run state is unknown."
	}
}
