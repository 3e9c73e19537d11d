// Package cliengine drives a reasoning engine worker process over an NDJSON
// protocol on stdin/stdout. One worker hosts one stateful session.
package cliengine

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/danshapiro/prtriage/internal/triage/session"
)

// Worker event types.
const (
	eventLMStart         = "lm_start"
	eventLMSuccess       = "lm_success"
	eventLMFailure       = "lm_failure"
	eventSubcallStart    = "subcall_start"
	eventSubcallComplete = "subcall_complete"
	eventIteration       = "iteration"
	eventResult          = "result"
	eventError           = "error"
)

type request struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Prompt string `json:"prompt"`
}

// wireEvent is a single NDJSON line from the worker. Fields are populated
// according to Type.
type wireEvent struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	Model      string      `json:"model,omitempty"`
	TimeoutS   json.Number `json:"timeout_s,omitempty"`
	NumRetries int         `json:"num_retries,omitempty"`
	DurationMS json.Number `json:"duration_ms,omitempty"`
	IsTimeout  bool        `json:"is_timeout,omitempty"`
	Error      string      `json:"error,omitempty"`
	ErrorType  string      `json:"error_type,omitempty"`

	Depth      int `json:"depth,omitempty"`
	Iteration  int `json:"iteration,omitempty"`
	CodeBlocks int `json:"code_blocks,omitempty"`

	Text     string          `json:"text,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
	Scopes   []session.Scope `json:"scopes,omitempty"`
}

// parseLine decodes one line. Empty lines return nil, nil. Numbers inside
// metadata and scopes stay json.Number.
func parseLine(line []byte) (*wireEvent, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var ev wireEvent
	if err := dec.Decode(&ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func seconds(n json.Number) time.Duration {
	f, err := n.Float64()
	if err != nil {
		return 0
	}
	return time.Duration(f * float64(time.Second))
}

func millis(n json.Number) time.Duration {
	f, err := n.Float64()
	if err != nil {
		return 0
	}
	return time.Duration(f * float64(time.Millisecond))
}

func (ev *wireEvent) lmResult() session.LMResult {
	errType := ev.ErrorType
	if errType == "" && ev.Error != "" {
		errType = "EngineError"
	}
	return session.LMResult{
		Model:     ev.Model,
		Duration:  millis(ev.DurationMS),
		Err:       ev.Error,
		ErrType:   errType,
		IsTimeout: ev.IsTimeout,
	}
}

func (ev *wireEvent) memory() session.Memory {
	return session.NewMemory(ev.Scopes...)
}
