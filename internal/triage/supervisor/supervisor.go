// Package supervisor runs one triage session end to end: it drives the
// engine, validates and repairs its output, keeps the liveness monitor
// running and journals the outcome.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/danshapiro/prtriage/internal/triage/contract"
	"github.com/danshapiro/prtriage/internal/triage/journal"
	"github.com/danshapiro/prtriage/internal/triage/liveness"
	"github.com/danshapiro/prtriage/internal/triage/report"
	"github.com/danshapiro/prtriage/internal/triage/session"
	"github.com/danshapiro/prtriage/internal/triage/sink"
	"github.com/danshapiro/prtriage/internal/triage/telemetry"
)

// State is the repair loop's position.
type State string

const (
	StateStarting             State = "STARTING"
	StateWaitingFirstResponse State = "WAITING_FIRST_RESPONSE"
	StateRootReceived         State = "ROOT_RECEIVED"
	StateRepairing            State = "REPAIRING"
	StateRepairReceived       State = "REPAIR_RECEIVED"
	StateDone                 State = "DONE"
	StateContractFailed       State = "CONTRACT_FAILED"
	StateTransportFailed      State = "TRANSPORT_FAILED"
)

// Run event kinds.
const (
	EventRunStarted            = "run_started"
	EventRootTurnStarted       = "root_turn_started"
	EventRootTurnCompleted     = "root_turn_completed"
	EventRepairStarted         = "repair_started"
	EventRepairCompleted       = "repair_completed"
	EventContractSalvaged      = "contract_salvaged"
	EventRunFailed             = "run_failed"
	EventRunCompleted          = "run_completed"
	EventRunCompletedLocalOnly = "run_completed_local_only"
	EventSinkPushFailed        = "sink_push_failed"
	EventArtifactWriteFailed   = "artifact_write_failed"
)

// mirroredEvents are also pushed to the sink as run_event payloads.
var mirroredEvents = map[string]bool{
	EventRunStarted:            true,
	EventRepairStarted:         true,
	EventContractSalvaged:      true,
	EventRunFailed:             true,
	EventRunCompleted:          true,
	EventRunCompletedLocalOnly: true,
}

// Options carries collaborators and test overrides. Only Opener is required.
type Options struct {
	Opener session.Opener
	// Sink receives dashboard payloads. Nil keeps the run local-only. The
	// caller owns the sink and closes it.
	Sink   sink.Sink
	Probe  liveness.NetworkProbe
	Logger *zap.Logger
	Clock  func() time.Time
	RunID  string
	// HeartbeatInterval overrides the configured interval when positive.
	HeartbeatInterval time.Duration
	// PID is recorded in run.pid. Zero records this process.
	PID int
}

// Result is the outcome of a run that got far enough to have a run id.
type Result struct {
	RunID              string
	ResultsDir         string
	State              State
	Phase              telemetry.Phase
	Status             journal.RunStatus
	Degraded           bool
	RepairAttemptsUsed int
	Issues             []string
	Bundle             contract.Bundle
	Metadata           *journal.RunMetadata
}

// Supervisor owns the state of exactly one run.
type Supervisor struct {
	cfg    *Config
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	runID   string
	prompt  PromptBundle
	journal *journal.Journal
	tracker *telemetry.Tracker
	monitor *liveness.Monitor
	pub     *sink.Publisher
	pushCtx context.Context
	meta    *journal.RunMetadata
	state   State

	rawIterations []report.RawIteration
	ran           bool
}

func New(cfg *Config, opts Options) (*Supervisor, error) {
	if cfg == nil {
		return nil, configErrorf("config is nil")
	}
	if opts.Opener == nil {
		return nil, configErrorf("engine opener is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Supervisor{cfg: cfg, opts: opts, logger: logger, now: now, state: StateStarting}, nil
}

// Run executes the run. The returned Result is non-nil whenever a run id was
// assigned, including failed runs; the error is a *TransportError,
// *ContractError, or a setup failure.
func (s *Supervisor) Run(ctx context.Context) (*Result, error) {
	if s.ran {
		return nil, errors.New("supervisor already ran")
	}
	s.ran = true

	s.runID = strings.TrimSpace(s.opts.RunID)
	if s.runID == "" {
		s.runID = ulid.Make().String()
	}
	s.prompt = NewPromptBundle(s.cfg)
	hash := s.prompt.Hash()
	s.logger = s.logger.With(zap.String("run_id", s.runID))

	j, err := journal.Open(s.cfg.ResultsDir, s.runID)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	j.SetClock(s.now)
	s.journal = j
	s.tracker = telemetry.NewTracker(s.runID, hash, s.now)
	s.meta = journal.NewRunMetadata(s.runID, hash, s.cfg.Model, s.cfg.BudgetUSD, s.tracker.Now())
	if err := s.journal.WriteMetadata(s.meta); err != nil {
		return nil, fmt.Errorf("write run metadata: %w", err)
	}
	if err := s.journal.MarkLatestRun(); err != nil {
		return nil, fmt.Errorf("mark latest run: %w", err)
	}
	pid := s.opts.PID
	if pid == 0 {
		pid = os.Getpid()
	}
	if err := s.journal.WritePID(pid); err != nil {
		s.logger.Warn("write pid file failed", zap.Error(err))
	}

	s.pub = sink.NewPublisher(s.opts.Sink, s.runID, s.logger)
	s.pushCtx = context.WithoutCancel(ctx)
	if s.cfg.Sink.Concurrency > 0 {
		s.pub.SetConcurrency(s.cfg.Sink.Concurrency)
	}
	if s.pub.Enabled() {
		s.pushed(sink.KindRunMeta, s.pub.RunMeta(s.pushCtx, s.meta))
	}

	s.event(EventRunStarted, map[string]any{
		"prompt_hash":   hash,
		"model":         s.cfg.Model,
		"contract_mode": string(s.cfg.Contract.Mode),
	})
	s.logger.Info("run started",
		zap.String("prompt_label", s.meta.PromptLabel),
		zap.String("contract_mode", string(s.cfg.Contract.Mode)),
		zap.String("results_dir", s.cfg.ResultsDir))

	sess, err := s.opts.Opener.Open(ctx, s.tracker)
	if err != nil {
		return s.transportFailure(telemetry.PhaseFailedRootCompletion, fmt.Errorf("open engine session: %w", err))
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			s.logger.Warn("engine session close failed", zap.Error(cerr))
		}
	}()

	if s.cfg.ObservabilityEnabled() {
		s.startMonitor(ctx, sess)
	}
	defer s.stopMonitor()

	return s.drive(ctx, sess)
}

func (s *Supervisor) drive(ctx context.Context, sess session.Session) (*Result, error) {
	s.transition(StateWaitingFirstResponse, telemetry.PhaseWaitingFirstResponse)
	s.event(EventRootTurnStarted, map[string]any{"turn": 1})
	started := s.now()
	comp, err := sess.Complete(ctx, s.prompt.RootPrompt())
	if err != nil {
		return s.transportFailure(telemetry.PhaseFailedRootCompletion, err)
	}
	elapsed := s.now().Sub(started)
	s.event(EventRootTurnCompleted, map[string]any{"turn": 1, "duration_seconds": roundSeconds(elapsed, 3)})
	s.logger.Info("root turn returned", zap.Duration("duration", elapsed))
	s.observe(comp, "root")
	s.transition(StateRootReceived, telemetry.PhaseRootCompletionReceived)

	ext := contract.Extract(sess)
	attempts := 0
	for !ext.Valid() && attempts < s.cfg.MaxRepairAttempts() {
		attempts++
		s.tracker.SetRepairAttempts(attempts)
		s.transition(StateRepairing, telemetry.RepairingPhase(attempts))
		s.event(EventRepairStarted, map[string]any{"attempt": attempts, "issues": ext.Issues})
		s.logger.Info("repairing output contract", zap.Int("attempt", attempts), zap.Strings("issues", ext.Issues))

		comp, err = sess.Complete(ctx, RepairPrompt(ext.Issues))
		if err != nil {
			return s.transportFailure(telemetry.PhaseFailedRepairCompletion, err)
		}
		s.observe(comp, fmt.Sprintf("repair_%d", attempts))
		ext = contract.Extract(sess)
		s.transition(StateRepairReceived, telemetry.PhaseRepairCompletionReceived)
		s.event(EventRepairCompleted, map[string]any{"attempt": attempts, "valid": ext.Valid(), "issue_count": len(ext.Issues)})
	}

	bundle := ext.Bundle
	var salvage *contract.SalvageResult
	if !ext.Valid() && s.cfg.Contract.Mode == ModeHybrid {
		res := contract.Salvage(ext.Bundle, comp.Text, memoryOf(sess))
		salvage = &res
		bundle = res.Bundle
		s.event(EventContractSalvaged, map[string]any{
			"issues":        ext.Issues,
			"scored_from":   res.ScoredFrom,
			"elite_derived": res.EliteDerived,
		})
		s.logger.Warn("output contract salvaged; results are degraded",
			zap.Strings("issues", ext.Issues),
			zap.String("scored_from", res.ScoredFrom),
			zap.Bool("elite_derived", res.EliteDerived))
	}

	s.tracker.SetPhase(telemetry.PhaseWritingLocalArtifacts)
	s.writeArtifacts(comp.Text, ext, bundle, attempts, salvage)

	if !ext.Valid() && s.cfg.Contract.Mode == ModeStrictREPL {
		cerr := &ContractError{Mode: s.cfg.Contract.Mode, Attempts: attempts, Issues: ext.Issues}
		s.transition(StateContractFailed, telemetry.PhaseFailedContract)
		s.event(EventRunFailed, map[string]any{
			"phase":  string(telemetry.PhaseFailedContract),
			"issues": ext.Issues,
			"error":  cerr.Error(),
		})
		s.logger.Error("output contract failed", zap.Int("repair_attempts", attempts), zap.Strings("issues", ext.Issues))
		s.finish(journal.StatusFailed, bundle, attempts, false, cerr.Error())
		return s.result(bundle, ext.Issues, false), cerr
	}

	degraded := salvage != nil
	evals := report.NormalizeEvaluations(bundle.ScoredItems)
	if !s.pub.Enabled() {
		s.transition(StateDone, telemetry.PhaseCompletedLocalOnly)
		s.tracker.NoteProgress()
		s.event(EventRunCompletedLocalOnly, map[string]any{"degraded": degraded, "scored": len(evals)})
		s.logger.Info("run completed locally; no sink configured", zap.Int("scored", len(evals)))
		s.finish(journal.StatusCompleted, bundle, attempts, degraded, "")
		return s.result(bundle, ext.Issues, degraded), nil
	}

	s.tracker.SetPhase(telemetry.PhasePushingDashboard)
	s.publish(bundle, evals, comp.Text)
	s.transition(StateDone, telemetry.PhaseCompleted)
	s.event(EventRunCompleted, map[string]any{"degraded": degraded, "scored": len(evals)})
	s.logger.Info("run completed", zap.Int("scored", len(evals)), zap.Bool("degraded", degraded))
	s.finish(journal.StatusCompleted, bundle, attempts, degraded, "")
	return s.result(bundle, ext.Issues, degraded), nil
}

// transportFailure records a failed engine call and returns it typed.
func (s *Supervisor) transportFailure(phase telemetry.Phase, err error) (*Result, error) {
	terr := &TransportError{Phase: phase, Err: err}
	s.tracker.RecordError(errorType(err), err.Error())
	s.transition(StateTransportFailed, phase)
	s.event(EventRunFailed, map[string]any{
		"phase":      string(phase),
		"error_type": errorType(err),
		"error":      err.Error(),
	})
	s.logger.Error("engine call failed", zap.String("phase", string(phase)), zap.Error(err))
	s.finish(journal.StatusFailed, contract.Bundle{}, s.tracker.Snapshot().RepairAttemptsUsed, false, terr.Error())
	return s.result(contract.Bundle{}, nil, false), terr
}

func (s *Supervisor) transition(st State, phase telemetry.Phase) {
	s.state = st
	s.tracker.SetPhase(phase)
	s.logger.Debug("state changed", zap.String("state", string(st)), zap.String("phase", string(phase)))
}

// observe folds a completion's iteration trace into the run.
func (s *Supervisor) observe(comp *session.Completion, label string) {
	iters := report.ExtractRawIterations(comp.Metadata, label, s.cfg.TraceLimits())
	s.rawIterations = append(s.rawIterations, iters...)
	if it, blocks := report.LastSeen(iters); it > 0 {
		s.tracker.ObserveIterations(it, blocks)
	}
	s.tracker.NoteProgress()
}

func (s *Supervisor) startMonitor(ctx context.Context, sess session.Session) {
	probe := s.opts.Probe
	if probe == nil {
		pids := []int32{int32(os.Getpid())}
		if p, ok := sess.(interface{ PID() int }); ok {
			pids = append(pids, int32(p.PID()))
		}
		probe = liveness.ProcessProbe{PIDs: func() []int32 { return pids }}
	}
	interval := s.cfg.HeartbeatInterval()
	if s.opts.HeartbeatInterval > 0 {
		interval = s.opts.HeartbeatInterval
	}
	opts := liveness.Options{
		Interval:       interval,
		StallThreshold: s.cfg.StallThreshold(),
		Probe:          probe,
		Logger:         s.logger,
	}
	if pr, ok := sess.(session.ProgressReporter); ok {
		opts.Progress = pr
	}
	s.monitor = liveness.NewMonitor(s.tracker, s.journal, opts)
	if err := s.monitor.Start(ctx); err != nil {
		s.logger.Warn("heartbeat start failed", zap.Error(err))
	}
}

func (s *Supervisor) stopMonitor() {
	if s.monitor == nil {
		return
	}
	if _, err := s.monitor.Stop(); err != nil {
		s.logger.Warn("final heartbeat failed", zap.Error(err))
	}
}

func (s *Supervisor) event(kind string, payload map[string]any) {
	if err := s.journal.AppendEvent(kind, payload); err != nil {
		s.logger.Warn("append run event failed", zap.String("event", kind), zap.Error(err))
	}
	if mirroredEvents[kind] && s.pub.Enabled() {
		s.pushed(sink.KindRunEvent, s.pub.Event(s.pushCtx, kind, payload))
	}
}

// pushed journals a failed sink push. Push failures never fail the run.
func (s *Supervisor) pushed(kind sink.Kind, err error) bool {
	if err == nil {
		return true
	}
	s.event(EventSinkPushFailed, map[string]any{"kind": string(kind), "error": err.Error()})
	return false
}

// finish applies the terminal metadata update once, stops the monitor so
// the final heartbeat carries the terminal phase, and mirrors the metadata
// to the sink.
func (s *Supervisor) finish(status journal.RunStatus, b contract.Bundle, attempts int, degraded bool, reason string) {
	seen := 0
	if rows, ok := b.ScoredItems.([]any); ok {
		seen = len(rows)
	}
	totals := journal.Totals{
		ItemsSeen:          seen,
		ItemsScored:        len(report.NormalizeEvaluations(b.ScoredItems)),
		RepairAttemptsUsed: attempts,
		Degraded:           degraded,
		FailureReason:      reason,
	}
	if err := s.meta.Finish(status, s.tracker.Now(), totals); err != nil {
		s.logger.Error("finish run metadata", zap.Error(err))
		return
	}
	if err := s.journal.WriteMetadata(s.meta); err != nil {
		s.logger.Error("write run metadata", zap.Error(err))
	}
	s.stopMonitor()
	if s.pub.Enabled() {
		s.pushed(sink.KindRunMeta, s.pub.RunMeta(s.pushCtx, s.meta))
	}
}

func (s *Supervisor) result(b contract.Bundle, issues []string, degraded bool) *Result {
	return &Result{
		RunID:              s.runID,
		ResultsDir:         s.cfg.ResultsDir,
		State:              s.state,
		Phase:              s.tracker.Phase(),
		Status:             s.meta.Status,
		Degraded:           degraded,
		RepairAttemptsUsed: s.tracker.Snapshot().RepairAttemptsUsed,
		Issues:             issues,
		Bundle:             b,
		Metadata:           s.meta,
	}
}

func memoryOf(sess session.Session) session.Memory {
	if ml, ok := sess.(session.MemoryLister); ok {
		return ml.Memory()
	}
	return nil
}

// errorType names the first error in the chain that is not a plain
// fmt/errors wrapper.
func errorType(err error) string {
	for e := err; e != nil; e = errors.Unwrap(e) {
		name := strings.TrimPrefix(fmt.Sprintf("%T", e), "*")
		if !strings.HasPrefix(name, "fmt.") && !strings.HasPrefix(name, "errors.") {
			return name
		}
	}
	return "Error"
}

func roundSeconds(d time.Duration, places int) float64 {
	p := math.Pow10(places)
	return math.Round(d.Seconds()*p) / p
}
