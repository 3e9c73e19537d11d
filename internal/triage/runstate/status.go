// Package runstate answers "what is this run doing" from on-disk artifacts
// alone, without access to the supervising process.
package runstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/danshapiro/prtriage/internal/triage/journal"
	"github.com/danshapiro/prtriage/internal/triage/liveness"
	"github.com/danshapiro/prtriage/internal/triage/procutil"
	"github.com/danshapiro/prtriage/internal/triage/telemetry"
)

// Process exit codes for status queries.
const (
	ExitCompleted   = 0
	ExitLive        = 2
	ExitStalled     = 3
	ExitFailed      = 4
	ExitUnavailable = 5
)

// Status is a compact view of one run.
type Status struct {
	ResultsDir string `json:"results_dir"`
	RunID      string `json:"run_id,omitempty"`
	Available  bool   `json:"available"`
	Reason     string `json:"reason,omitempty"`

	HeartbeatPath        string                  `json:"heartbeat_path,omitempty"`
	HeartbeatAt          time.Time               `json:"heartbeat_at,omitzero"`
	Phase                telemetry.Phase         `json:"phase,omitempty"`
	Classification       liveness.Classification `json:"classification,omitempty"`
	ElapsedSeconds       float64                 `json:"elapsed_seconds"`
	SecondsSinceProgress float64                 `json:"seconds_since_progress"`
	LastIterationSeen    int                     `json:"last_iteration_seen"`
	LastBlockSeen        int                     `json:"last_block_seen"`
	RepairAttemptsUsed   int                     `json:"repair_attempts_used"`
	FailureReason        string                  `json:"failure_reason,omitempty"`

	PID      int  `json:"pid,omitempty"`
	PIDAlive bool `json:"pid_alive"`

	Recommendation string `json:"recommendation"`
	ExitCode       int    `json:"exit_code"`
}

// Load resolves runID (or the latest run when empty) under resultsDir and
// reads its heartbeat and run metadata. Terminal metadata decides the
// classification even when no heartbeat was ever written. Missing or
// unreadable state yields an unavailable Status, not an error; errors are
// reserved for a bad results dir argument.
func Load(ctx context.Context, resultsDir, runID string) (*Status, error) {
	root := strings.TrimSpace(resultsDir)
	if root == "" {
		return nil, fmt.Errorf("results dir is required")
	}
	s := &Status{ResultsDir: root, RunID: strings.TrimSpace(runID)}
	if s.RunID == "" {
		s.RunID = ResolveLatestRunID(root)
	}
	if s.RunID == "" {
		return s.unavailable("no run id found"), nil
	}

	paths := journal.PathsFor(root, s.RunID)
	// A terminal run_meta.json is authoritative; the heartbeat may predate it
	// or be missing entirely when the monitor never ran.
	meta, merr := journal.LoadRunMetadata(paths.Metadata)
	if merr != nil || !meta.Terminal() {
		meta = nil
	}
	hb, path, err := readHeartbeat(paths, s.RunID)
	s.HeartbeatPath = path
	if err != nil && meta == nil {
		return s.unavailable(err.Error()), nil
	}
	s.Available = true
	if hb != nil {
		s.HeartbeatAt = hb.Timestamp
		s.Phase = hb.Phase
		s.Classification = hb.Liveness.Classification
		s.ElapsedSeconds = hb.ElapsedSeconds
		s.SecondsSinceProgress = hb.Liveness.SecondsSinceProgress
		s.LastIterationSeen = hb.LastIterationSeen
		s.LastBlockSeen = hb.LastBlockSeen
		s.RepairAttemptsUsed = hb.RepairAttemptsUsed
	} else {
		s.HeartbeatPath = ""
		s.ElapsedSeconds = meta.ElapsedSeconds
		s.RepairAttemptsUsed = meta.RepairAttemptsUsed
	}
	if meta != nil {
		switch meta.Status {
		case journal.StatusCompleted:
			s.Classification = liveness.Completed
		case journal.StatusFailed:
			s.Classification = liveness.Failed
			s.FailureReason = meta.FailureReason
		}
	}

	if pid, err := procutil.ReadPIDFile(paths.PID); err == nil && pid > 0 {
		s.PID = pid
		s.PIDAlive = procutil.PIDAlive(ctx, pid)
	}

	s.Recommendation = s.Classification.Recommendation()
	if s.PID > 0 && !s.PIDAlive && !terminal(s.Classification) {
		s.Recommendation = "Supervisor process is gone but the run never finished. Inspect run_events.jsonl and restart."
	}
	s.ExitCode = ExitCode(s.Classification)
	return s, nil
}

func (s *Status) unavailable(reason string) *Status {
	s.Available = false
	s.Reason = reason
	s.Recommendation = "No heartbeat available. Start a run or check the results directory."
	s.ExitCode = ExitUnavailable
	return s
}

// ExitCode maps a classification to the status command's exit code.
func ExitCode(c liveness.Classification) int {
	switch c {
	case liveness.Completed:
		return ExitCompleted
	case liveness.Failed:
		return ExitFailed
	case liveness.SuspectedStall:
		return ExitStalled
	case liveness.ActivelyReasoning, liveness.WaitingOnProvider, liveness.Idle:
		return ExitLive
	default:
		return ExitUnavailable
	}
}

func terminal(c liveness.Classification) bool {
	return c == liveness.Completed || c == liveness.Failed
}

// ResolveLatestRunID tries, in order: the latest_run_id pointer, the run id
// in the legacy heartbeat, and the most recently written per-run heartbeat or
// run metadata.
func ResolveLatestRunID(resultsDir string) string {
	if b, err := os.ReadFile(filepath.Join(resultsDir, journal.LatestPointerName)); err == nil {
		if id := strings.TrimSpace(string(b)); id != "" {
			return id
		}
	}
	if hb, err := decodeHeartbeat(filepath.Join(resultsDir, journal.HeartbeatName)); err == nil {
		if id := strings.TrimSpace(hb.RunID); id != "" {
			return id
		}
	}
	return newestRunDir(resultsDir)
}

func newestRunDir(resultsDir string) string {
	fsys := os.DirFS(resultsDir)
	matches, err := doublestar.Glob(fsys, journal.RunsDirName+"/*/{"+journal.HeartbeatName+","+journal.MetadataName+"}")
	if err != nil {
		return ""
	}
	var (
		best   string
		bestAt time.Time
	)
	for _, m := range matches {
		info, err := fs.Stat(fsys, m)
		if err != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestAt) {
			best = filepath.Base(filepath.Dir(m))
			bestAt = info.ModTime()
		}
	}
	return best
}

// readHeartbeat prefers the per-run file and falls back to the legacy mirror
// when it belongs to the same run.
func readHeartbeat(p journal.Paths, runID string) (*liveness.Heartbeat, string, error) {
	hb, err := decodeHeartbeat(p.Heartbeat)
	if err == nil {
		return hb, p.Heartbeat, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, p.Heartbeat, err
	}
	legacy, lerr := decodeHeartbeat(p.LegacyHeartbeat)
	if lerr != nil {
		if errors.Is(lerr, os.ErrNotExist) {
			return nil, p.Heartbeat, fmt.Errorf("heartbeat not found for run %s", runID)
		}
		return nil, p.LegacyHeartbeat, lerr
	}
	if legacy.RunID != "" && legacy.RunID != runID {
		return nil, p.Heartbeat, fmt.Errorf("heartbeat not found for run %s", runID)
	}
	return legacy, p.LegacyHeartbeat, nil
}

func decodeHeartbeat(path string) (*liveness.Heartbeat, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var hb liveness.Heartbeat
	if err := json.Unmarshal(b, &hb); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &hb, nil
}
