package sink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/danshapiro/prtriage/internal/triage/report"
)

const DefaultPushConcurrency = 4

// Publisher pushes one run's payloads. It remembers what it has already sent
// so a re-push of an identical evaluation is skipped. A Publisher must not be
// shared across runs.
type Publisher struct {
	sink        Sink
	runID       string
	logger      *zap.Logger
	concurrency int

	mu     sync.Mutex
	sent   map[int][]byte
	sentFP map[string]struct{}
}

func NewPublisher(s Sink, runID string, logger *zap.Logger) *Publisher {
	if s == nil {
		s = Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		sink:        s,
		runID:       runID,
		logger:      logger.With(zap.String("run_id", runID)),
		concurrency: DefaultPushConcurrency,
		sent:        map[int][]byte{},
		sentFP:      map[string]struct{}{},
	}
}

// SetConcurrency bounds concurrent evaluation pushes. n < 1 means 1.
func (p *Publisher) SetConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	p.concurrency = n
}

// Enabled reports whether pushes go anywhere.
func (p *Publisher) Enabled() bool { return !IsNop(p.sink) }

// Evaluations pushes every evaluation not already sent unchanged and
// returns how many were pushed. Every push is attempted; the returned error
// joins all failures.
func (p *Publisher) Evaluations(ctx context.Context, evals []report.Evaluation) (int, error) {
	var pending []report.Evaluation
	for _, ev := range evals {
		if p.claim(ev) {
			pending = append(pending, ev)
		}
	}

	var (
		g      errgroup.Group
		errsMu sync.Mutex
		errs   []error
	)
	g.SetLimit(p.concurrency)
	for _, ev := range pending {
		ev := ev
		g.Go(func() error {
			if err := p.push(ctx, KindEvaluation, ev); err != nil {
				p.release(ev)
				errsMu.Lock()
				errs = append(errs, err)
				errsMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(pending) - len(errs), errors.Join(errs...)
}

func (p *Publisher) Summary(ctx context.Context, summary map[string]any) error {
	return p.push(ctx, KindSummary, summary)
}

func (p *Publisher) Clusters(ctx context.Context, clusters []report.Cluster) error {
	if clusters == nil {
		clusters = []report.Cluster{}
	}
	return p.push(ctx, KindClusters, clusters)
}

func (p *Publisher) Ranking(ctx context.Context, r report.Ranking) error {
	return p.push(ctx, KindRanking, r)
}

func (p *Publisher) Trace(ctx context.Context, steps []report.TraceStep) error {
	if steps == nil {
		steps = []report.TraceStep{}
	}
	return p.push(ctx, KindTrace, steps)
}

func (p *Publisher) RunMeta(ctx context.Context, meta any) error {
	return p.push(ctx, KindRunMeta, meta)
}

func (p *Publisher) Event(ctx context.Context, kind string, payload map[string]any) error {
	data := map[string]any{"event": kind}
	for k, v := range payload {
		data[k] = v
	}
	return p.push(ctx, KindRunEvent, data)
}

func (p *Publisher) Close() error {
	return p.sink.Close()
}

func (p *Publisher) push(ctx context.Context, kind Kind, data any) error {
	err := p.sink.Push(ctx, p.runID, kind, data)
	if err != nil {
		p.logger.Warn("dashboard push failed", zap.String("kind", string(kind)), zap.Error(err))
	}
	return err
}

// claim records ev as sent and reports whether it differs from what was
// last sent for the same PR. Evaluations without a PR number are keyed by
// content.
func (p *Publisher) claim(ev report.Evaluation) bool {
	b, err := json.Marshal(ev)
	if err != nil {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if ev.PRNumber > 0 {
		if prev, ok := p.sent[ev.PRNumber]; ok && string(prev) == string(b) {
			return false
		}
		p.sent[ev.PRNumber] = b
		return true
	}
	fp := string(b)
	if _, ok := p.sentFP[fp]; ok {
		return false
	}
	p.sentFP[fp] = struct{}{}
	return true
}

// release forgets a failed push so a later call retries it.
func (p *Publisher) release(ev report.Evaluation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ev.PRNumber > 0 {
		delete(p.sent, ev.PRNumber)
		return
	}
	if b, err := json.Marshal(ev); err == nil {
		delete(p.sentFP, string(b))
	}
}
