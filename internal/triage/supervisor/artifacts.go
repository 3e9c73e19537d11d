package supervisor

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/danshapiro/prtriage/internal/triage/contract"
	"github.com/danshapiro/prtriage/internal/triage/report"
	"github.com/danshapiro/prtriage/internal/triage/sink"
)

// ContractStatus is recorded with the final bundle.
type ContractStatus struct {
	Mode               ContractMode            `json:"mode"`
	Source             contract.Source         `json:"source"`
	RepairAttemptsUsed int                     `json:"repair_attempts_used"`
	RepairAttemptsMax  int                     `json:"repair_attempts_max"`
	Issues             []string                `json:"issues"`
	Valid              bool                    `json:"valid"`
	Degraded           bool                    `json:"degraded"`
	Salvage            *contract.SalvageResult `json:"salvage,omitempty"`
}

type bundleDebug struct {
	RawIterationsPath string `json:"raw_iterations_path"`
	HeartbeatPath     string `json:"heartbeat_path"`
	LastIterationSeen int    `json:"last_iteration_seen"`
	LastBlockSeen     int    `json:"last_block_seen"`
}

// OutputBundle is the content of triage.json.
type OutputBundle struct {
	ScoredItems    any            `json:"triage_results"`
	EliteItems     any            `json:"top_prs"`
	Summary        any            `json:"triage_summary"`
	RawResponse    any            `json:"raw_response"`
	TriageBundle   any            `json:"triage_bundle"`
	Debug          bundleDebug    `json:"debug"`
	ContractStatus ContractStatus `json:"contract_status"`
}

type rawIterationsFile struct {
	RunID      string                `json:"run_id"`
	PromptHash string                `json:"prompt_hash"`
	CapturedAt time.Time             `json:"captured_at"`
	Iterations []report.RawIteration `json:"iterations"`
}

// writeArtifacts saves the trace, raw iterations and bundle. It runs before
// the contract verdict so a failed run still leaves its output behind.
func (s *Supervisor) writeArtifacts(text string, ext contract.Extraction, b contract.Bundle, attempts int, salvage *contract.SalvageResult) {
	paths := s.journal.Paths()
	lastIter, lastBlocks := report.LastSeen(s.rawIterations)
	raw, ok := contract.ParseResponse(text)
	if !ok {
		raw = text
	}
	iters := s.rawIterations
	if iters == nil {
		iters = []report.RawIteration{}
	}
	issues := ext.Issues
	if issues == nil {
		issues = []string{}
	}

	out := OutputBundle{
		ScoredItems:  b.ScoredItems,
		EliteItems:   b.EliteItems,
		Summary:      b.Summary,
		RawResponse:  raw,
		TriageBundle: ext.RawBundle,
		Debug: bundleDebug{
			RawIterationsPath: paths.RawIterations,
			HeartbeatPath:     paths.Heartbeat,
			LastIterationSeen: lastIter,
			LastBlockSeen:     lastBlocks,
		},
		ContractStatus: ContractStatus{
			Mode:               s.cfg.Contract.Mode,
			Source:             ext.Source,
			RepairAttemptsUsed: attempts,
			RepairAttemptsMax:  s.cfg.MaxRepairAttempts(),
			Issues:             issues,
			Valid:              ext.Valid(),
			Degraded:           salvage != nil,
			Salvage:            salvage,
		},
	}
	if salvage != nil {
		out.ContractStatus.Source = contract.SourceSalvaged
	}

	err := errors.Join(
		s.journal.WriteTrace(text),
		s.journal.WriteRawIterations(rawIterationsFile{
			RunID:      s.runID,
			PromptHash: s.meta.PromptHash,
			CapturedAt: s.tracker.Now(),
			Iterations: iters,
		}),
		s.journal.WriteBundle(out),
	)
	if err != nil {
		s.logger.Error("writing local artifacts failed", zap.Error(err))
		s.event(EventArtifactWriteFailed, map[string]any{"error": err.Error()})
		return
	}
	s.logger.Info("local artifacts written", zap.String("bundle", paths.Bundle), zap.String("trace", paths.Trace))
}

// publish pushes dashboard payloads. Each group is attempted regardless of
// earlier failures; failures are journaled and never fail the run. Pushes
// use the detached run context so a caller cancelling after the engine
// returned does not drop the artifacts.
func (s *Supervisor) publish(b contract.Bundle, evals []report.Evaluation, text string) {
	now := s.tracker.Now()
	elite, _ := b.EliteItems.([]any)
	summary := report.NormalizeSummary(b.Summary, evals, len(elite), now)

	ctx := s.pushCtx
	n, err := s.pub.Evaluations(ctx, evals)
	okEvals := s.pushed(sink.KindEvaluation, err)
	okSummary := s.pushed(sink.KindSummary, s.pub.Summary(ctx, summary))
	if okEvals && okSummary {
		s.tracker.NoteProgress()
		s.logger.Info("pushed evaluations and summary", zap.Int("evaluations", n))
	}

	clusters := report.BuildClusters(evals)
	ranking := report.BuildRanking(evals, now)
	if len(elite) > 0 {
		ranking = report.RankingFromElite(elite, now)
	}
	okClusters := s.pushed(sink.KindClusters, s.pub.Clusters(ctx, clusters))
	okRanking := s.pushed(sink.KindRanking, s.pub.Ranking(ctx, ranking))
	if okClusters && okRanking {
		s.tracker.NoteProgress()
		s.logger.Info("pushed clusters and ranking", zap.Int("clusters", len(clusters)), zap.Int("ranked", len(ranking.Ranking)))
	}

	steps := report.ParseTraceSteps(text, now)
	if s.pushed(sink.KindTrace, s.pub.Trace(ctx, steps)) {
		s.tracker.NoteProgress()
		s.logger.Info("pushed trace steps", zap.Int("steps", len(steps)))
	}
}
