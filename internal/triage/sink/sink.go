// Package sink delivers run artifacts to external consumers such as the
// triage dashboard. Delivery is best-effort: a failed push never changes the
// outcome of a run.
package sink

import (
	"context"
	"errors"
	"fmt"
)

// Kind identifies the payload type of a push.
type Kind string

const (
	KindRunMeta    Kind = "run_meta"
	KindRunEvent   Kind = "run_event"
	KindEvaluation Kind = "evaluation"
	KindSummary    Kind = "summary"
	KindClusters   Kind = "clusters"
	KindRanking    Kind = "ranking"
	KindTrace      Kind = "trace"
)

// Sink accepts one payload at a time.
type Sink interface {
	Push(ctx context.Context, runID string, kind Kind, data any) error
	Close() error
}

// PushError is a failed delivery.
type PushError struct {
	Kind Kind
	Err  error
}

func (e *PushError) Error() string {
	return fmt.Sprintf("push %s: %v", e.Kind, e.Err)
}

func (e *PushError) Unwrap() error { return e.Err }

// Nop discards everything. It is used when no sink is configured.
type Nop struct{}

func (Nop) Push(context.Context, string, Kind, any) error { return nil }
func (Nop) Close() error                                  { return nil }

// IsNop reports whether s delivers nowhere.
func IsNop(s Sink) bool {
	switch t := s.(type) {
	case nil:
		return true
	case Nop, *Nop:
		return true
	case Multi:
		return len(t) == 0
	}
	return false
}

// Multi pushes to every sink in order and joins their errors.
type Multi []Sink

func (m Multi) Push(ctx context.Context, runID string, kind Kind, data any) error {
	var errs []error
	for _, s := range m {
		if err := s.Push(ctx, runID, kind, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
