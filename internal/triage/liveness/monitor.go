package liveness

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/danshapiro/prtriage/internal/triage/session"
	"github.com/danshapiro/prtriage/internal/triage/telemetry"
)

const (
	DefaultInterval    = 10 * time.Second
	DefaultStopTimeout = 2 * time.Second
)

// Event kinds appended by the monitor.
const (
	EventHeartbeatStarted = "heartbeat_started"
	EventHeartbeatStopped = "heartbeat_stopped"
	EventLivenessChanged  = "liveness_changed"
)

// Journal receives heartbeats and monitor events.
type Journal interface {
	WriteSnapshot(hb Heartbeat) error
	AppendEvent(kind string, payload map[string]any) error
}

// Options configures a Monitor. Zero values fall back to defaults.
type Options struct {
	Interval       time.Duration
	StallThreshold time.Duration
	StopTimeout    time.Duration
	Probe          NetworkProbe
	Progress       session.ProgressReporter
	Logger         *zap.Logger
}

// Monitor samples a tracker on a ticker and writes heartbeats. Every write,
// including the final one made by Stop, goes through writeMu so snapshots
// for a run are totally ordered and the final snapshot is the last.
type Monitor struct {
	tracker *telemetry.Tracker
	journal Journal
	opts    Options
	log     *zap.Logger

	writeMu   sync.Mutex
	stopped   bool
	lastClass Classification

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewMonitor(tr *telemetry.Tracker, j Journal, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.StallThreshold <= 0 {
		opts.StallThreshold = MinStallThreshold
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		tracker: tr,
		journal: j,
		opts:    opts,
		log:     log.With(zap.String("component", "liveness")),
		done:    make(chan struct{}),
	}
}

// Start writes an initial heartbeat and launches the sampling goroutine.
func (m *Monitor) Start(ctx context.Context) error {
	var err error
	m.startOnce.Do(func() {
		if _, werr := m.sample(ctx); werr != nil {
			err = werr
		}
		if aerr := m.journal.AppendEvent(EventHeartbeatStarted, map[string]any{
			"interval_seconds":        m.opts.Interval.Seconds(),
			"stall_threshold_seconds": m.opts.StallThreshold.Seconds(),
		}); aerr != nil && err == nil {
			err = aerr
		}
		loopCtx, cancel := context.WithCancel(ctx)
		m.cancel = cancel
		go m.loop(loopCtx)
	})
	return err
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.sample(ctx); err != nil && !errors.Is(err, errStopped) {
				m.log.Warn("heartbeat write failed", zap.Error(err))
			}
		}
	}
}

var errStopped = errors.New("monitor stopped")

// sample runs one cycle: refresh ages, probe the network outside the lock,
// classify, and write.
func (m *Monitor) sample(ctx context.Context) (Heartbeat, error) {
	m.tracker.RefreshSubcallAge()
	if m.opts.Probe != nil {
		probeCtx, cancel := context.WithTimeout(ctx, m.opts.Interval)
		s, err := m.opts.Probe.Sample(probeCtx)
		cancel()
		if err != nil {
			m.log.Debug("network probe failed", zap.Error(err))
		} else {
			m.tracker.MergeNetwork(s)
		}
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.stopped {
		return Heartbeat{}, errStopped
	}
	return m.writeLocked()
}

func (m *Monitor) writeLocked() (Heartbeat, error) {
	var engine session.Progress
	if m.opts.Progress != nil {
		engine = m.opts.Progress.Progress()
	}
	hb := BuildHeartbeat(m.tracker.Snapshot(), engine, m.tracker.Now(), m.opts.StallThreshold)
	m.noteTransition(hb)
	return hb, m.journal.WriteSnapshot(hb)
}

func (m *Monitor) noteTransition(hb Heartbeat) {
	cls := hb.Liveness.Classification
	prev := m.lastClass
	m.lastClass = cls
	if prev == "" || prev == cls {
		return
	}
	fields := []zap.Field{
		zap.String("run_id", hb.RunID),
		zap.String("phase", string(hb.Phase)),
		zap.String("from", string(prev)),
		zap.String("to", string(cls)),
		zap.Float64("seconds_since_progress", hb.Liveness.SecondsSinceProgress),
	}
	if cls == SuspectedStall {
		m.log.Warn("run suspected stalled", fields...)
	} else {
		m.log.Info("liveness changed", fields...)
	}
	if err := m.journal.AppendEvent(EventLivenessChanged, map[string]any{
		"from":                   string(prev),
		"to":                     string(cls),
		"phase":                  string(hb.Phase),
		"seconds_since_progress": hb.Liveness.SecondsSinceProgress,
	}); err != nil {
		m.log.Warn("append liveness event failed", zap.Error(err))
	}
}

// Stop halts sampling, waits at most StopTimeout for the goroutine, then
// writes the final heartbeat for the current phase. Safe to call repeatedly.
func (m *Monitor) Stop() (Heartbeat, error) {
	var (
		hb  Heartbeat
		err error
	)
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
			select {
			case <-m.done:
			case <-time.After(m.opts.StopTimeout):
				m.log.Warn("heartbeat goroutine did not stop in time", zap.Duration("timeout", m.opts.StopTimeout))
			}
		}
		m.writeMu.Lock()
		hb, err = m.writeLocked()
		m.stopped = true
		m.writeMu.Unlock()
		if aerr := m.journal.AppendEvent(EventHeartbeatStopped, map[string]any{
			"phase":          string(hb.Phase),
			"classification": string(hb.Liveness.Classification),
		}); aerr != nil && err == nil {
			err = aerr
		}
	})
	return hb, err
}
