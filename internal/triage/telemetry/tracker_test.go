package telemetry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danshapiro/prtriage/internal/triage/session"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestTracker_LMCallLifecycle(t *testing.T) {
	clk := newFakeClock()
	tr := NewTracker("run-1", "abc", clk.Now)

	tr.LMStart(session.LMStart{Model: "m", NumRetries: 2})
	tr.LMStart(session.LMStart{Model: "m"})
	clk.Advance(5 * time.Second)
	tr.LMSuccess(session.LMResult{Duration: 1500 * time.Millisecond})
	tr.LMFailure(session.LMResult{Duration: 2 * time.Second, Err: "deadline exceeded", IsTimeout: true})

	st := tr.Snapshot()
	assert.Equal(t, 2, st.LM.CallsStarted)
	assert.Equal(t, 1, st.LM.CallsCompleted)
	assert.Equal(t, 1, st.LM.CallsFailed)
	assert.Equal(t, 0, st.LM.InFlight)
	assert.Equal(t, 1, st.LM.Timeouts)
	assert.Equal(t, 2, st.LM.Retries)
	assert.Equal(t, int64(2000), st.LM.LastCallDurationMS)
	assert.Equal(t, int64(3500), st.LM.TotalCallTimeMS)
	assert.Equal(t, "lm_failure", st.LastErrorType)
	assert.Equal(t, "deadline exceeded", st.LastErrorMessage)
	assert.Equal(t, clk.Now(), st.LastProgressAt)
}

func TestTracker_InFlightNeverNegative(t *testing.T) {
	tr := NewTracker("run-1", "", nil)
	tr.LMSuccess(session.LMResult{})
	tr.SubcallComplete(session.Subcall{})

	st := tr.Snapshot()
	assert.Equal(t, 0, st.LM.InFlight)
	assert.Equal(t, 0, st.Subcalls.InFlight)
	assert.Equal(t, 1, st.LM.CallsCompleted)
}

func TestTracker_OldestSubcallAgeUsesFIFO(t *testing.T) {
	clk := newFakeClock()
	tr := NewTracker("run-1", "", clk.Now)

	tr.SubcallStart(session.Subcall{})
	clk.Advance(10 * time.Second)
	tr.SubcallStart(session.Subcall{})
	clk.Advance(5 * time.Second)
	tr.RefreshSubcallAge()
	assert.Equal(t, 15.0, tr.Snapshot().Subcalls.OldestInFlightSeconds)

	tr.SubcallComplete(session.Subcall{})
	tr.RefreshSubcallAge()
	assert.Equal(t, 5.0, tr.Snapshot().Subcalls.OldestInFlightSeconds)

	tr.SubcallComplete(session.Subcall{})
	tr.RefreshSubcallAge()
	st := tr.Snapshot()
	assert.Equal(t, 0.0, st.Subcalls.OldestInFlightSeconds)
	assert.Equal(t, 2, st.Subcalls.Completed)
}

func TestTracker_MergeNetworkDeltas(t *testing.T) {
	clk := newFakeClock()
	tr := NewTracker("run-1", "", clk.Now)
	start := tr.Snapshot().LastProgressAt

	tr.MergeNetwork(NetworkSample{EstablishedConnections: 2, BytesSent: 100, BytesRecv: 200})
	st := tr.Snapshot()
	assert.Zero(t, st.Network.BytesSentDelta)
	assert.True(t, st.Network.LastIOAt.IsZero())

	clk.Advance(10 * time.Second)
	tr.MergeNetwork(NetworkSample{EstablishedConnections: 2, BytesSent: 100, BytesRecv: 200})
	assert.Equal(t, start, tr.Snapshot().LastProgressAt, "no delta must not count as progress")

	clk.Advance(10 * time.Second)
	tr.MergeNetwork(NetworkSample{EstablishedConnections: 1, BytesSent: 150, BytesRecv: 260})
	st = tr.Snapshot()
	assert.Equal(t, 3, st.Network.SamplesCollected)
	assert.Equal(t, 1, st.Network.EstablishedConnections)
	assert.Equal(t, uint64(50), st.Network.BytesSentDelta)
	assert.Equal(t, uint64(60), st.Network.BytesRecvDelta)
	assert.Equal(t, clk.Now(), st.Network.LastIOAt)
	assert.Equal(t, clk.Now(), st.LastProgressAt)
}

func TestTracker_PhaseEntryTime(t *testing.T) {
	clk := newFakeClock()
	tr := NewTracker("run-1", "", clk.Now)
	require.Equal(t, PhaseStarting, tr.Phase())

	clk.Advance(time.Minute)
	tr.SetPhase(PhaseWaitingFirstResponse)
	entered := tr.Snapshot().PhaseEnteredAt
	clk.Advance(time.Minute)
	tr.SetPhase(PhaseWaitingFirstResponse)
	assert.Equal(t, entered, tr.Snapshot().PhaseEnteredAt)
}

func TestPhase_Terminal(t *testing.T) {
	assert.True(t, PhaseCompletedLocalOnly.Completed())
	assert.True(t, PhaseFailedRepairCompletion.Failed())
	assert.True(t, PhaseFailedContract.Terminal())
	assert.False(t, RepairingPhase(2).Terminal())
	assert.Equal(t, Phase("repairing_2"), RepairingPhase(2))
}

func TestTracker_ConcurrentCallbacks(t *testing.T) {
	tr := NewTracker("run-1", "", nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.LMStart(session.LMStart{})
			tr.SubcallStart(session.Subcall{})
			tr.SubcallComplete(session.Subcall{})
			tr.LMSuccess(session.LMResult{Duration: time.Millisecond})
		}()
	}
	wg.Wait()
	st := tr.Snapshot()
	assert.Equal(t, 50, st.LM.CallsStarted)
	assert.Equal(t, 50, st.LM.CallsCompleted)
	assert.Equal(t, 0, st.LM.InFlight)
	assert.Equal(t, 0, st.Subcalls.InFlight)
}
