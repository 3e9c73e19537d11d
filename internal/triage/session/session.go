// Package session defines the contract between the supervisor and a
// long-lived reasoning engine session.
package session

import (
	"context"
	"time"
)

// Completion is the result of one blocking engine call.
type Completion struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Session is a handle to one stateful engine session. Working memory persists
// across Complete calls, so a repair prompt sees the state the root call left.
type Session interface {
	// Complete blocks until the engine produces a final response. Duration is
	// unbounded; a returned error is a transport or provider failure.
	Complete(ctx context.Context, prompt string) (*Completion, error)
	// ReadNamed resolves each name against working memory, most-local scope
	// first. Missing names are absent from the result.
	ReadNamed(names ...string) map[string]any
	Close() error
}

// MemoryLister is implemented by sessions that can expose every scope.
type MemoryLister interface {
	Memory() Memory
}

// Progress is the engine's own count of reasoning iterations and executed
// code blocks.
type Progress struct {
	Iteration int `json:"iteration"`
	Blocks    int `json:"blocks"`
}

// ProgressReporter is implemented by sessions that track engine progress
// while a call is in flight.
type ProgressReporter interface {
	Progress() Progress
}

// Opener creates sessions. The handler is registered once for the lifetime
// of the session.
type Opener interface {
	Open(ctx context.Context, handler TelemetryHandler) (Session, error)
}

// LMStart describes a provider request that has been issued.
type LMStart struct {
	Model      string
	Timeout    time.Duration
	NumRetries int
}

// LMResult describes a provider request that has finished.
type LMResult struct {
	Model     string
	Duration  time.Duration
	Err       string
	ErrType   string
	IsTimeout bool
}

// Subcall describes a nested sub-session call.
type Subcall struct {
	Depth int
}

// TelemetryHandler receives engine telemetry. Methods may be invoked from
// any goroutine and must not block.
type TelemetryHandler interface {
	LMStart(LMStart)
	LMSuccess(LMResult)
	LMFailure(LMResult)
	SubcallStart(Subcall)
	SubcallComplete(Subcall)
}

// NopHandler discards telemetry.
type NopHandler struct{}

func (NopHandler) LMStart(LMStart)         {}
func (NopHandler) LMSuccess(LMResult)      {}
func (NopHandler) LMFailure(LMResult)      {}
func (NopHandler) SubcallStart(Subcall)    {}
func (NopHandler) SubcallComplete(Subcall) {}
