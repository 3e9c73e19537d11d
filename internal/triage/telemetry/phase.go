package telemetry

import (
	"fmt"
	"strings"
)

// Phase is the coarse stage of a run, as shown in heartbeats.
type Phase string

const (
	PhaseStarting                 Phase = "starting"
	PhaseWaitingFirstResponse     Phase = "waiting_first_response"
	PhaseRootCompletionReceived   Phase = "root_completion_received"
	PhaseRepairCompletionReceived Phase = "repair_completion_received"
	PhaseWritingLocalArtifacts    Phase = "writing_local_artifacts"
	PhasePushingDashboard         Phase = "pushing_dashboard"
	PhaseCompleted                Phase = "completed"
	PhaseCompletedLocalOnly       Phase = "completed_local_only"
	PhaseFailedRootCompletion     Phase = "failed_root_completion"
	PhaseFailedRepairCompletion   Phase = "failed_repair_completion"
	PhaseFailedContract           Phase = "failed_contract"
)

// RepairingPhase is the phase while repair attempt n (1-based) is in flight.
func RepairingPhase(n int) Phase {
	return Phase(fmt.Sprintf("repairing_%d", n))
}

func (p Phase) Completed() bool {
	return p == PhaseCompleted || p == PhaseCompletedLocalOnly
}

func (p Phase) Failed() bool {
	return strings.HasPrefix(string(p), "failed")
}

// Terminal reports whether no further phase change is expected.
func (p Phase) Terminal() bool {
	return p.Completed() || p.Failed()
}
