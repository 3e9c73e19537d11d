package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/danshapiro/prtriage/internal/triage/cliengine"
	"github.com/danshapiro/prtriage/internal/triage/supervisor"
)

type runOptions struct {
	configPath string
	runID      string
	resultsDir string
	verbose    bool
}

func runTriage(ctx context.Context, o runOptions, stdout, w io.Writer) int {
	// The logger and the engine worker's stderr copier write concurrently.
	stderr := zapcore.Lock(zapcore.AddSync(w))
	cfg, err := supervisor.LoadConfig(o.configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return supervisor.ExitCode(err)
	}
	if dir := strings.TrimSpace(o.resultsDir); dir != "" {
		cfg.ResultsDir = dir
	}
	if o.verbose {
		cfg.Log.Level = "debug"
	}

	logger, err := newLogger(cfg.Log, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "failed to initialize logger: %v\n", err)
		return supervisor.ExitError
	}
	defer func() { _ = logger.Sync() }()

	s, err := supervisor.NewSink(cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return supervisor.ExitCode(err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Warn("closing sink", zap.Error(err))
		}
	}()

	opener := cliengine.NewOpener(cliengine.Config{
		Command:      cfg.Engine.Command,
		Env:          cfg.Engine.Env,
		Dir:          cfg.Engine.Dir,
		CloseTimeout: cfg.EngineCloseTimeout(),
		Stderr:       stderr,
		Logger:       logger.Named("engine"),
	})
	sup, err := supervisor.New(cfg, supervisor.Options{
		Opener: opener,
		Sink:   s,
		Logger: logger,
		RunID:  o.runID,
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return supervisor.ExitCode(err)
	}

	res, err := sup.Run(ctx)
	if res != nil {
		fmt.Fprintf(stdout, "run_id=%s\n", res.RunID)
		fmt.Fprintf(stdout, "results_dir=%s\n", res.ResultsDir)
		fmt.Fprintf(stdout, "status=%s\n", res.Status)
		if res.Degraded {
			fmt.Fprintln(stdout, "degraded=true")
		}
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
	}
	return supervisor.ExitCode(err)
}

// newLogger builds a production-style zap logger that writes to ws. Callers
// sharing ws with other writers must pass a locked syncer.
func newLogger(cfg supervisor.LogConfig, ws zapcore.WriteSyncer) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	var encoder zapcore.Encoder
	switch cfg.Format {
	case "json":
		encoder = zapcore.NewJSONEncoder(enc)
	default:
		enc.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(enc)
	}
	core := zapcore.NewCore(encoder, ws, level)
	return zap.New(core, zap.AddCaller()), nil
}
