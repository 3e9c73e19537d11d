package supervisor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danshapiro/prtriage/internal/triage/telemetry"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig_YAMLDefaults(t *testing.T) {
	path := writeConfig(t, "run.yaml", `
prompt:
  task: "Triage open PRs."
engine:
  command: ["python", "-m", "worker", " "]
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Version)
	assert.Equal(t, ".rlm-repo-intel/results", cfg.ResultsDir)
	assert.Equal(t, ModeStrictREPL, cfg.Contract.Mode)
	assert.Equal(t, 1, cfg.MaxRepairAttempts())
	assert.True(t, cfg.ObservabilityEnabled())
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval())
	assert.Equal(t, 2700*time.Second, cfg.StallThreshold())
	assert.Equal(t, 5*time.Second, cfg.EngineCloseTimeout())
	assert.Equal(t, 15*time.Second, cfg.SinkTimeout())
	assert.Equal(t, []string{"python", "-m", "worker"}, cfg.Engine.Command)
	assert.Equal(t, 4000, cfg.TraceLimits().StdoutChars)
	assert.Equal(t, 2000, cfg.TraceLimits().ResponseChars)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoadConfig_ExplicitZeroesSurvive(t *testing.T) {
	path := writeConfig(t, "run.yaml", `
contract:
  mode: " Hybrid "
  max_repair_attempts: 0
transport:
  request_timeout_seconds: 30
  retries: 0
observability:
  enabled: false
prompt:
  task: t
engine:
  command: [w]
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ModeHybrid, cfg.Contract.Mode)
	assert.Equal(t, 0, cfg.MaxRepairAttempts())
	assert.False(t, cfg.ObservabilityEnabled())
	assert.Equal(t, 300*time.Second, cfg.StallThreshold())
}

func TestLoadConfig_JSON(t *testing.T) {
	path := writeConfig(t, "run.json", `{
  "results_dir": "out",
  "prompt": {"task": "t"},
  "engine": {"command": ["w"]},
  "sink": {"dashboard_url": "http://localhost:8080/ingest", "timeout_ms": 2500}
}`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "out", cfg.ResultsDir)
	assert.Equal(t, 2500*time.Millisecond, cfg.SinkTimeout())
	assert.Equal(t, "http://localhost:8080/ingest", cfg.Sink.DashboardURL)
}

func TestLoadConfig_PromptFilesRelativeToConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "task.md"), []byte("Score each PR.\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "system.md"), []byte("You are a reviewer."), 0o644))
	path := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
prompt:
  task_file: task.md
  system_file: system.md
engine:
  command: [w]
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "Score each PR.\n", cfg.Prompt.Task)
	assert.Equal(t, "You are a reviewer.\n\nScore each PR.", NewPromptBundle(cfg).RootPrompt())
}

func TestLoadConfig_Rejects(t *testing.T) {
	cases := []struct {
		name string
		file string
		body string
		want string
	}{
		{"unknown field", "c.yaml", "prompt: {task: t}\nengine: {command: [w]}\nbogus: 1\n", "field bogus not found"},
		{"unknown json field", "c.json", `{"prompt":{"task":"t"},"engine":{"command":["w"]},"bogus":1}`, "unknown field"},
		{"multiple documents", "c.yaml", "prompt: {task: t}\nengine: {command: [w]}\n---\nversion: 1\n", "multiple documents"},
		{"invalid mode", "c.yaml", "contract: {mode: lenient}\nprompt: {task: t}\nengine: {command: [w]}\n", "invalid contract.mode"},
		{"negative attempts", "c.yaml", "contract: {max_repair_attempts: -1}\nprompt: {task: t}\nengine: {command: [w]}\n", "max_repair_attempts"},
		{"missing task", "c.yaml", "engine: {command: [w]}\n", "prompt.task"},
		{"missing command", "c.yaml", "prompt: {task: t}\n", "engine.command"},
		{"fast heartbeat", "c.yaml", "observability: {heartbeat_interval_ms: 50}\nprompt: {task: t}\nengine: {command: [w]}\n", "heartbeat_interval_ms"},
		{"task and task_file", "c.yaml", "prompt: {task: t, task_file: x.md}\nengine: {command: [w]}\n", "mutually exclusive"},
		{"bad version", "c.yaml", "version: 2\nprompt: {task: t}\nengine: {command: [w]}\n", "unsupported config version"},
		{"bad log level", "c.yaml", "log: {level: loud}\nprompt: {task: t}\nengine: {command: [w]}\n", "log.level"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.file, tc.body))
			require.Error(t, err)
			var ce *ConfigurationError
			require.ErrorAs(t, err, &ce)
			assert.Contains(t, err.Error(), tc.want)
			assert.Equal(t, ExitError, ExitCode(err))
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorAs(t, err, new(*ConfigurationError))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitRunFailed, ExitCode(&TransportError{Phase: telemetry.PhaseFailedRootCompletion, Err: errors.New("x")}))
	assert.Equal(t, ExitRunFailed, ExitCode(fmt.Errorf("run: %w", &ContractError{Mode: ModeStrictREPL})))
	assert.Equal(t, ExitError, ExitCode(errors.New("disk full")))
}

func TestNewSink(t *testing.T) {
	cfg := testConfig(t, ModeStrictREPL, 0)
	s, err := NewSink(cfg)
	require.NoError(t, err)
	assert.Equal(t, "sink.Nop", fmt.Sprintf("%T", s))

	cfg.Sink.DashboardURL = "http://127.0.0.1:1/ingest"
	s, err = NewSink(cfg)
	require.NoError(t, err)
	assert.Equal(t, "*sink.HTTPSink", fmt.Sprintf("%T", s))
	require.NoError(t, s.Close())

	cfg.Sink.Redis.URL = "not a url"
	_, err = NewSink(cfg)
	require.ErrorAs(t, err, new(*ConfigurationError))
}
