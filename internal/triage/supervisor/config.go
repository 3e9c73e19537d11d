package supervisor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/danshapiro/prtriage/internal/triage/liveness"
	"github.com/danshapiro/prtriage/internal/triage/report"
)

// DefaultResultsDir is used when results_dir is not configured.
const DefaultResultsDir = ".rlm-repo-intel/results"

type ContractMode string

const (
	ModeStrictREPL ContractMode = "strict_repl"
	ModeHybrid     ContractMode = "hybrid"
)

type ContractConfig struct {
	Mode              ContractMode `json:"mode" yaml:"mode"`
	MaxRepairAttempts *int         `json:"max_repair_attempts,omitempty" yaml:"max_repair_attempts,omitempty"`
}

type TransportConfig struct {
	RequestTimeoutSeconds float64 `json:"request_timeout_seconds" yaml:"request_timeout_seconds"`
	Retries               *int    `json:"retries,omitempty" yaml:"retries,omitempty"`
}

type ObservabilityConfig struct {
	Enabled              *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	HeartbeatIntervalMS  int   `json:"heartbeat_interval_ms" yaml:"heartbeat_interval_ms"`
	CaptureStdoutChars   int   `json:"capture_stdout_chars" yaml:"capture_stdout_chars"`
	CaptureStderrChars   int   `json:"capture_stderr_chars" yaml:"capture_stderr_chars"`
	ResponsePreviewChars int   `json:"response_preview_chars" yaml:"response_preview_chars"`
}

type PromptConfig struct {
	Task       string `json:"task,omitempty" yaml:"task,omitempty"`
	TaskFile   string `json:"task_file,omitempty" yaml:"task_file,omitempty"`
	System     string `json:"system,omitempty" yaml:"system,omitempty"`
	SystemFile string `json:"system_file,omitempty" yaml:"system_file,omitempty"`
}

type EngineConfig struct {
	Command        []string          `json:"command" yaml:"command"`
	Env            map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Dir            string            `json:"dir,omitempty" yaml:"dir,omitempty"`
	CloseTimeoutMS int               `json:"close_timeout_ms" yaml:"close_timeout_ms"`
}

type RedisSinkConfig struct {
	URL    string `json:"url" yaml:"url"`
	Stream string `json:"stream" yaml:"stream"`
	MaxLen int64  `json:"max_len,omitempty" yaml:"max_len,omitempty"`
}

type SinkConfig struct {
	DashboardURL string          `json:"dashboard_url" yaml:"dashboard_url"`
	TimeoutMS    int             `json:"timeout_ms" yaml:"timeout_ms"`
	Concurrency  int             `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	Redis        RedisSinkConfig `json:"redis" yaml:"redis"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Config is the run configuration file.
type Config struct {
	Version       int                 `json:"version" yaml:"version"`
	ResultsDir    string              `json:"results_dir" yaml:"results_dir"`
	Model         string              `json:"model" yaml:"model"`
	BudgetUSD     float64             `json:"budget_usd" yaml:"budget_usd"`
	Prompt        PromptConfig        `json:"prompt" yaml:"prompt"`
	Contract      ContractConfig      `json:"contract" yaml:"contract"`
	Transport     TransportConfig     `json:"transport" yaml:"transport"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
	Engine        EngineConfig        `json:"engine" yaml:"engine"`
	Sink          SinkConfig          `json:"sink" yaml:"sink"`
	Log           LogConfig           `json:"log" yaml:"log"`
}

// LoadConfig reads a YAML or JSON config, applies defaults and validates it.
// Every failure is a *ConfigurationError.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, configErrorf("read %s: %v", path, err)
	}
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = decodeJSONStrict(b, &cfg)
	default:
		err = decodeYAMLStrict(b, &cfg)
	}
	if err != nil {
		return nil, configErrorf("parse %s: %v", path, err)
	}
	if err := cfg.resolvePromptFiles(filepath.Dir(path)); err != nil {
		return nil, err
	}
	applyConfigDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeJSONStrict(b []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

// resolvePromptFiles loads task_file and system_file, relative to the config
// file's directory.
func (c *Config) resolvePromptFiles(baseDir string) error {
	load := func(field, path string, dst *string) error {
		path = strings.TrimSpace(path)
		if path == "" {
			return nil
		}
		if strings.TrimSpace(*dst) != "" {
			return configErrorf("prompt.%s and prompt.%s are mutually exclusive", strings.TrimSuffix(field, "_file"), field)
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return configErrorf("prompt.%s: %v", field, err)
		}
		*dst = string(b)
		return nil
	}
	if err := load("task_file", c.Prompt.TaskFile, &c.Prompt.Task); err != nil {
		return err
	}
	return load("system_file", c.Prompt.SystemFile, &c.Prompt.System)
}

func applyConfigDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	cfg.ResultsDir = strings.TrimSpace(cfg.ResultsDir)
	if cfg.ResultsDir == "" {
		cfg.ResultsDir = DefaultResultsDir
	}
	cfg.Model = strings.TrimSpace(cfg.Model)
	if cfg.Model == "" {
		cfg.Model = "anthropic/claude-sonnet-4-20250514"
	}
	if cfg.BudgetUSD == 0 {
		cfg.BudgetUSD = 2000
	}

	cfg.Contract.Mode = ContractMode(strings.ToLower(strings.TrimSpace(string(cfg.Contract.Mode))))
	if cfg.Contract.Mode == "" {
		cfg.Contract.Mode = ModeStrictREPL
	}
	if cfg.Contract.MaxRepairAttempts == nil {
		v := 1
		cfg.Contract.MaxRepairAttempts = &v
	}

	if cfg.Transport.RequestTimeoutSeconds == 0 {
		cfg.Transport.RequestTimeoutSeconds = 900
	}
	if cfg.Transport.Retries == nil {
		v := 2
		cfg.Transport.Retries = &v
	}

	if cfg.Observability.Enabled == nil {
		t := true
		cfg.Observability.Enabled = &t
	}
	if cfg.Observability.HeartbeatIntervalMS == 0 {
		cfg.Observability.HeartbeatIntervalMS = int(liveness.DefaultInterval / time.Millisecond)
	}
	if cfg.Observability.CaptureStdoutChars == 0 {
		cfg.Observability.CaptureStdoutChars = 4000
	}
	if cfg.Observability.CaptureStderrChars == 0 {
		cfg.Observability.CaptureStderrChars = 4000
	}
	if cfg.Observability.ResponsePreviewChars == 0 {
		cfg.Observability.ResponsePreviewChars = 2000
	}

	cfg.Engine.Command = trimNonEmpty(cfg.Engine.Command)
	if cfg.Engine.CloseTimeoutMS == 0 {
		cfg.Engine.CloseTimeoutMS = 5000
	}

	cfg.Sink.DashboardURL = strings.TrimSpace(cfg.Sink.DashboardURL)
	if cfg.Sink.TimeoutMS == 0 {
		cfg.Sink.TimeoutMS = 15000
	}
	cfg.Sink.Redis.URL = strings.TrimSpace(cfg.Sink.Redis.URL)
	cfg.Sink.Redis.Stream = strings.TrimSpace(cfg.Sink.Redis.Stream)

	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return configErrorf("config is nil")
	}
	if cfg.Version != 1 {
		return configErrorf("unsupported config version: %d", cfg.Version)
	}
	switch cfg.Contract.Mode {
	case ModeStrictREPL, ModeHybrid:
	default:
		return configErrorf("invalid contract.mode: %q (want strict_repl|hybrid)", cfg.Contract.Mode)
	}
	if *cfg.Contract.MaxRepairAttempts < 0 {
		return configErrorf("contract.max_repair_attempts must be >= 0")
	}
	if cfg.Transport.RequestTimeoutSeconds < 0 {
		return configErrorf("transport.request_timeout_seconds must be >= 0")
	}
	if *cfg.Transport.Retries < 0 {
		return configErrorf("transport.retries must be >= 0")
	}
	if cfg.Observability.HeartbeatIntervalMS < 1000 {
		return configErrorf("observability.heartbeat_interval_ms must be >= 1000")
	}
	if cfg.Observability.CaptureStdoutChars < 0 || cfg.Observability.CaptureStderrChars < 0 || cfg.Observability.ResponsePreviewChars < 0 {
		return configErrorf("observability capture limits must be >= 0")
	}
	if strings.TrimSpace(cfg.Prompt.Task) == "" {
		return configErrorf("prompt.task or prompt.task_file is required")
	}
	if len(cfg.Engine.Command) == 0 {
		return configErrorf("engine.command is required")
	}
	if cfg.Engine.CloseTimeoutMS < 0 {
		return configErrorf("engine.close_timeout_ms must be >= 0")
	}
	if cfg.Sink.TimeoutMS < 0 {
		return configErrorf("sink.timeout_ms must be >= 0")
	}
	if cfg.Sink.Concurrency < 0 {
		return configErrorf("sink.concurrency must be >= 0")
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return configErrorf("invalid log.level: %q (want debug|info|warn|error)", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "console", "json":
	default:
		return configErrorf("invalid log.format: %q (want console|json)", cfg.Log.Format)
	}
	return nil
}

// Derived settings.

func (c *Config) MaxRepairAttempts() int { return *c.Contract.MaxRepairAttempts }

func (c *Config) ObservabilityEnabled() bool { return *c.Observability.Enabled }

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Observability.HeartbeatIntervalMS) * time.Millisecond
}

func (c *Config) StallThreshold() time.Duration {
	timeout := time.Duration(c.Transport.RequestTimeoutSeconds * float64(time.Second))
	return liveness.StallThreshold(timeout, *c.Transport.Retries)
}

func (c *Config) TraceLimits() report.Limits {
	return report.Limits{
		StdoutChars:   c.Observability.CaptureStdoutChars,
		StderrChars:   c.Observability.CaptureStderrChars,
		ResponseChars: c.Observability.ResponsePreviewChars,
	}
}

func (c *Config) EngineCloseTimeout() time.Duration {
	return time.Duration(c.Engine.CloseTimeoutMS) * time.Millisecond
}

func (c *Config) SinkTimeout() time.Duration {
	return time.Duration(c.Sink.TimeoutMS) * time.Millisecond
}

func trimNonEmpty(parts []string) []string {
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
