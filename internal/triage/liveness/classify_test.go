package liveness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/danshapiro/prtriage/internal/triage/session"
	"github.com/danshapiro/prtriage/internal/triage/telemetry"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func stateAt(phase telemetry.Phase, sinceProgress time.Duration) telemetry.State {
	return telemetry.State{
		RunID:          "run-1",
		StartedAt:      t0.Add(-time.Hour),
		Phase:          phase,
		PhaseEnteredAt: t0.Add(-30 * time.Minute),
		LastProgressAt: t0.Add(-sinceProgress),
	}
}

func TestStallThreshold(t *testing.T) {
	assert.Equal(t, 2700*time.Second, StallThreshold(900*time.Second, 2))
	assert.Equal(t, 300*time.Second, StallThreshold(60*time.Second, 1))
	assert.Equal(t, 300*time.Second, StallThreshold(0, 0))
	assert.Equal(t, 400*time.Second, StallThreshold(400*time.Second, -3))
}

func TestClassify(t *testing.T) {
	threshold := 300 * time.Second
	cases := []struct {
		name  string
		state func() telemetry.State
		want  Classification
	}{
		{
			name:  "completed phase wins over everything",
			state: func() telemetry.State { return stateAt(telemetry.PhaseCompletedLocalOnly, time.Hour) },
			want:  Completed,
		},
		{
			name:  "any failed phase",
			state: func() telemetry.State { return stateAt(telemetry.PhaseFailedContract, 0) },
			want:  Failed,
		},
		{
			name: "recent progress with completed call",
			state: func() telemetry.State {
				st := stateAt(telemetry.PhaseWaitingFirstResponse, 30*time.Second)
				st.LM.CallsCompleted = 3
				st.LM.InFlight = 1
				return st
			},
			want: ActivelyReasoning,
		},
		{
			name: "recent progress from network bytes",
			state: func() telemetry.State {
				st := stateAt(telemetry.PhaseWaitingFirstResponse, 90*time.Second)
				st.Network.BytesRecvDelta = 10
				return st
			},
			want: ActivelyReasoning,
		},
		{
			name: "in flight under threshold",
			state: func() telemetry.State {
				st := stateAt(telemetry.PhaseWaitingFirstResponse, 200*time.Second)
				st.LM.InFlight = 1
				return st
			},
			want: WaitingOnProvider,
		},
		{
			name: "in flight past threshold",
			state: func() telemetry.State {
				st := stateAt(telemetry.PhaseWaitingFirstResponse, 400*time.Second)
				st.LM.InFlight = 1
				st.LM.CallsCompleted = 5
				return st
			},
			want: SuspectedStall,
		},
		{
			name: "subcall in flight counts",
			state: func() telemetry.State {
				st := stateAt(telemetry.RepairingPhase(1), 10*time.Second)
				st.Subcalls.InFlight = 2
				return st
			},
			want: WaitingOnProvider,
		},
		{
			name:  "nothing in flight past threshold",
			state: func() telemetry.State { return stateAt(telemetry.PhaseWaitingFirstResponse, 301*time.Second) },
			want:  SuspectedStall,
		},
		{
			name:  "starting phase bootstraps as active",
			state: func() telemetry.State { return stateAt(telemetry.PhaseStarting, 5*time.Second) },
			want:  ActivelyReasoning,
		},
		{
			name:  "writing artifacts is active",
			state: func() telemetry.State { return stateAt(telemetry.PhaseWritingLocalArtifacts, 5*time.Second) },
			want:  ActivelyReasoning,
		},
		{
			name:  "quiet mid-run phase is idle",
			state: func() telemetry.State { return stateAt(telemetry.PhaseRootCompletionReceived, 100*time.Second) },
			want:  Idle,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.state(), t0, threshold))
		})
	}
}

func TestBuildHeartbeat_TakesMaxIterationCounters(t *testing.T) {
	st := stateAt(telemetry.PhaseWaitingFirstResponse, 10*time.Second)
	st.LastIteration, st.LastBlocks = 3, 1
	st.RepairAttemptsUsed = 1

	hb := BuildHeartbeat(st, session.Progress{Iteration: 7, Blocks: 4}, t0, 300*time.Second)
	assert.Equal(t, 7, hb.LastIterationSeen)
	assert.Equal(t, 4, hb.LastBlockSeen)
	assert.Equal(t, 3600.0, hb.ElapsedSeconds)
	assert.Equal(t, 1800.0, hb.PhaseElapsedSeconds)
	assert.Equal(t, 10.0, hb.Liveness.SecondsSinceProgress)
	assert.Equal(t, 300.0, hb.Liveness.StallThresholdSeconds)
	assert.Equal(t, 1, hb.RepairAttemptsUsed)

	hb = BuildHeartbeat(st, session.Progress{Iteration: 2, Blocks: 9}, t0, 300*time.Second)
	assert.Equal(t, 3, hb.LastIterationSeen)
	assert.Equal(t, 1, hb.LastBlockSeen)
}

func TestRecommendation(t *testing.T) {
	assert.Equal(t, "Likely stalled. Inspect provider/network logs or restart run.", SuspectedStall.Recommendation())
	assert.Equal(t, "Run is alive but currently idle.", Idle.Recommendation())
}
