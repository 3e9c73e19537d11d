// Package telemetry holds the per-run state shared between engine telemetry
// callbacks, the supervisor and the liveness sampler.
package telemetry

import (
	"sync"
	"time"

	"github.com/danshapiro/prtriage/internal/triage/session"
)

// LMStats counts provider requests.
type LMStats struct {
	CallsStarted        int       `json:"calls_started"`
	CallsCompleted      int       `json:"calls_completed"`
	CallsFailed         int       `json:"calls_failed"`
	InFlight            int       `json:"in_flight"`
	Timeouts            int       `json:"timeouts"`
	Retries             int       `json:"retries"`
	LastCallStartedAt   time.Time `json:"last_call_started_at,omitzero"`
	LastCallCompletedAt time.Time `json:"last_call_completed_at,omitzero"`
	LastCallDurationMS  int64     `json:"last_call_duration_ms"`
	TotalCallTimeMS     int64     `json:"total_call_time_ms"`
}

// SubcallStats counts nested sub-session calls.
type SubcallStats struct {
	Started               int     `json:"started"`
	Completed             int     `json:"completed"`
	InFlight              int     `json:"in_flight"`
	OldestInFlightSeconds float64 `json:"oldest_in_flight_seconds"`
}

// NetworkStats is the most recent network sample merged into the run.
type NetworkStats struct {
	SamplesCollected       int       `json:"samples_collected"`
	EstablishedConnections int       `json:"established_connections"`
	BytesSentDelta         uint64    `json:"bytes_sent_delta"`
	BytesRecvDelta         uint64    `json:"bytes_recv_delta"`
	LastIOAt               time.Time `json:"last_io_at,omitzero"`
}

// NetworkSample is one raw observation from a network probe.
type NetworkSample struct {
	EstablishedConnections int
	BytesSent              uint64
	BytesRecv              uint64
}

// State is a copy of everything the tracker knows about a run.
type State struct {
	RunID              string    `json:"run_id"`
	PromptHash         string    `json:"prompt_hash"`
	StartedAt          time.Time `json:"started_at"`
	Phase              Phase     `json:"phase"`
	PhaseEnteredAt     time.Time `json:"phase_entered_at"`
	RepairAttemptsUsed int       `json:"repair_attempts_used"`
	LastIteration      int       `json:"last_iteration_seen"`
	LastBlocks         int       `json:"last_block_seen"`
	LastProgressAt     time.Time `json:"last_progress_at"`
	LastErrorType      string    `json:"last_error_type,omitempty"`
	LastErrorMessage   string    `json:"last_error_message,omitempty"`

	LM       LMStats      `json:"lm"`
	Subcalls SubcallStats `json:"subcalls"`
	Network  NetworkStats `json:"network"`
}

// Tracker guards run State with a single mutex. It implements
// session.TelemetryHandler, so engine callbacks from any goroutine land here.
type Tracker struct {
	mu            sync.Mutex
	now           func() time.Time
	st            State
	subcallStarts []time.Time
	prevNet       *NetworkSample
}

var _ session.TelemetryHandler = (*Tracker)(nil)

// NewTracker starts tracking a run in PhaseStarting. A nil clock uses
// time.Now.
func NewTracker(runID, promptHash string, clock func() time.Time) *Tracker {
	if clock == nil {
		clock = time.Now
	}
	now := clock().UTC()
	return &Tracker{
		now: clock,
		st: State{
			RunID:          runID,
			PromptHash:     promptHash,
			StartedAt:      now,
			Phase:          PhaseStarting,
			PhaseEnteredAt: now,
			LastProgressAt: now,
		},
	}
}

// Now reads the tracker's clock.
func (t *Tracker) Now() time.Time { return t.now().UTC() }

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.st
}

func (t *Tracker) Phase() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.st.Phase
}

// SetPhase moves the run to p. Setting the current phase again keeps the
// original entry time.
func (t *Tracker) SetPhase(p Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.st.Phase == p {
		return
	}
	t.st.Phase = p
	t.st.PhaseEnteredAt = t.Now()
}

// NoteProgress records that the run did something observable.
func (t *Tracker) NoteProgress() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.noteProgressLocked()
}

func (t *Tracker) noteProgressLocked() {
	t.st.LastProgressAt = t.Now()
}

func (t *Tracker) SetRepairAttempts(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.st.RepairAttemptsUsed = n
}

// ObserveIterations raises the locally seen iteration and block counters.
func (t *Tracker) ObserveIterations(iteration, blocks int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if iteration > t.st.LastIteration {
		t.st.LastIteration = iteration
		t.st.LastBlocks = blocks
	} else if iteration == t.st.LastIteration && blocks > t.st.LastBlocks {
		t.st.LastBlocks = blocks
	}
}

// RecordError keeps the most recent error for heartbeats.
func (t *Tracker) RecordError(errType, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.st.LastErrorType = errType
	t.st.LastErrorMessage = msg
}

func (t *Tracker) LMStart(ev session.LMStart) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.st.LM.CallsStarted++
	t.st.LM.InFlight++
	if ev.NumRetries > 0 {
		t.st.LM.Retries += ev.NumRetries
	}
	t.st.LM.LastCallStartedAt = t.Now()
}

func (t *Tracker) LMSuccess(ev session.LMResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.st.LM.CallsCompleted++
	t.finishCallLocked(ev)
	t.noteProgressLocked()
}

func (t *Tracker) LMFailure(ev session.LMResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.st.LM.CallsFailed++
	if ev.IsTimeout {
		t.st.LM.Timeouts++
	}
	t.finishCallLocked(ev)
	errType := ev.ErrType
	if errType == "" {
		errType = "lm_failure"
	}
	t.st.LastErrorType = errType
	t.st.LastErrorMessage = ev.Err
	t.noteProgressLocked()
}

func (t *Tracker) finishCallLocked(ev session.LMResult) {
	if t.st.LM.InFlight > 0 {
		t.st.LM.InFlight--
	}
	ms := ev.Duration.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	t.st.LM.LastCallCompletedAt = t.Now()
	t.st.LM.LastCallDurationMS = ms
	t.st.LM.TotalCallTimeMS += ms
}

func (t *Tracker) SubcallStart(session.Subcall) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.st.Subcalls.Started++
	t.st.Subcalls.InFlight++
	t.subcallStarts = append(t.subcallStarts, t.Now())
}

func (t *Tracker) SubcallComplete(session.Subcall) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.st.Subcalls.Completed++
	if t.st.Subcalls.InFlight > 0 {
		t.st.Subcalls.InFlight--
	}
	// Completions are not correlated to starts, so the oldest start is retired.
	if len(t.subcallStarts) > 0 {
		t.subcallStarts = t.subcallStarts[1:]
	}
	t.noteProgressLocked()
}

// RefreshSubcallAge recomputes the age of the oldest in-flight subcall.
func (t *Tracker) RefreshSubcallAge() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.subcallStarts) == 0 {
		t.st.Subcalls.OldestInFlightSeconds = 0
		return
	}
	age := t.Now().Sub(t.subcallStarts[0]).Seconds()
	if age < 0 {
		age = 0
	}
	t.st.Subcalls.OldestInFlightSeconds = age
}

// MergeNetwork folds a probe sample into the run. Byte deltas are relative to
// the previous sample; any nonzero delta counts as progress.
func (t *Tracker) MergeNetwork(s NetworkSample) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := &t.st.Network
	n.SamplesCollected++
	n.EstablishedConnections = s.EstablishedConnections
	n.BytesSentDelta, n.BytesRecvDelta = 0, 0
	if t.prevNet != nil {
		if s.BytesSent > t.prevNet.BytesSent {
			n.BytesSentDelta = s.BytesSent - t.prevNet.BytesSent
		}
		if s.BytesRecv > t.prevNet.BytesRecv {
			n.BytesRecvDelta = s.BytesRecv - t.prevNet.BytesRecv
		}
	}
	prev := s
	t.prevNet = &prev
	if n.BytesSentDelta > 0 || n.BytesRecvDelta > 0 {
		n.LastIOAt = t.Now()
		t.noteProgressLocked()
	}
}
