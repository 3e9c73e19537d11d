package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/danshapiro/prtriage/internal/triage/runstate"
	"github.com/danshapiro/prtriage/internal/triage/supervisor"
)

const defaultResultsDirHint = supervisor.DefaultResultsDir

type statusOptions struct {
	resultsDir string
	configPath string
	runID      string
	asJSON     bool
}

func runStatus(ctx context.Context, o statusOptions, stdout, stderr io.Writer) int {
	root := strings.TrimSpace(o.resultsDir)
	if root != "" && o.configPath != "" {
		fmt.Fprintln(stderr, "--results-dir and --config are mutually exclusive")
		return 1
	}
	if o.configPath != "" {
		cfg, err := supervisor.LoadConfig(o.configPath)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		root = cfg.ResultsDir
	}
	if root == "" {
		root = supervisor.DefaultResultsDir
	}

	st, err := runstate.Load(ctx, root, o.runID)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	if o.asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(st); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		return st.ExitCode
	}

	fmt.Fprintf(stdout, "results_dir=%s\n", st.ResultsDir)
	if st.RunID != "" {
		fmt.Fprintf(stdout, "run_id=%s\n", st.RunID)
	}
	if !st.Available {
		fmt.Fprintf(stdout, "available=false\n")
		fmt.Fprintf(stdout, "reason=%s\n", st.Reason)
		fmt.Fprintf(stdout, "recommendation=%s\n", st.Recommendation)
		return st.ExitCode
	}
	fmt.Fprintf(stdout, "phase=%s\n", st.Phase)
	fmt.Fprintf(stdout, "classification=%s\n", st.Classification)
	fmt.Fprintf(stdout, "elapsed_seconds=%.1f\n", st.ElapsedSeconds)
	fmt.Fprintf(stdout, "seconds_since_progress=%.1f\n", st.SecondsSinceProgress)
	fmt.Fprintf(stdout, "last_iteration_seen=%d\n", st.LastIterationSeen)
	fmt.Fprintf(stdout, "last_block_seen=%d\n", st.LastBlockSeen)
	fmt.Fprintf(stdout, "repair_attempts_used=%d\n", st.RepairAttemptsUsed)
	if !st.HeartbeatAt.IsZero() {
		fmt.Fprintf(stdout, "heartbeat_at=%s\n", st.HeartbeatAt.UTC().Format(time.RFC3339Nano))
	}
	if st.PID > 0 {
		fmt.Fprintf(stdout, "pid=%d\n", st.PID)
		fmt.Fprintf(stdout, "pid_alive=%t\n", st.PIDAlive)
	}
	if st.FailureReason != "" {
		fmt.Fprintf(stdout, "failure_reason=%s\n", st.FailureReason)
	}
	fmt.Fprintf(stdout, "recommendation=%s\n", st.Recommendation)
	return st.ExitCode
}
