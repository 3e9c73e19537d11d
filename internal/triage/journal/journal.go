// Package journal lays out and writes the durable artifacts of a run.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danshapiro/prtriage/internal/triage/liveness"
)

const (
	RunsDirName       = "runs"
	LatestPointerName = "latest_run_id"
	BundleName        = "triage.json"
	TraceName         = "agent_trace.txt"
	RawIterationsName = "raw_iterations.json"
	HeartbeatName     = "run_heartbeat.json"
	EventsName        = "run_events.jsonl"
	MetadataName      = "run_meta.json"
	PIDName           = "run.pid"
)

// Paths is the artifact layout for one run. Legacy paths mirror the latest
// run directly under the results directory.
type Paths struct {
	ResultsDir    string
	RunDir        string
	Bundle        string
	Trace         string
	RawIterations string
	Heartbeat     string
	Events        string
	Metadata      string
	PID           string
	LatestPointer string

	LegacyBundle        string
	LegacyTrace         string
	LegacyRawIterations string
	LegacyHeartbeat     string
}

func PathsFor(resultsDir, runID string) Paths {
	runDir := filepath.Join(resultsDir, RunsDirName, runID)
	return Paths{
		ResultsDir:          resultsDir,
		RunDir:              runDir,
		Bundle:              filepath.Join(runDir, BundleName),
		Trace:               filepath.Join(runDir, TraceName),
		RawIterations:       filepath.Join(runDir, RawIterationsName),
		Heartbeat:           filepath.Join(runDir, HeartbeatName),
		Events:              filepath.Join(runDir, EventsName),
		Metadata:            filepath.Join(runDir, MetadataName),
		PID:                 filepath.Join(runDir, PIDName),
		LatestPointer:       filepath.Join(resultsDir, LatestPointerName),
		LegacyBundle:        filepath.Join(resultsDir, BundleName),
		LegacyTrace:         filepath.Join(resultsDir, TraceName),
		LegacyRawIterations: filepath.Join(resultsDir, RawIterationsName),
		LegacyHeartbeat:     filepath.Join(resultsDir, HeartbeatName),
	}
}

// Event is one line of run_events.jsonl.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id"`
	Kind      string         `json:"event"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Journal writes artifacts for a single run. Methods are safe for concurrent
// use; file writes are serialized.
type Journal struct {
	runID string
	paths Paths
	now   func() time.Time
	mu    sync.Mutex
}

var _ liveness.Journal = (*Journal)(nil)

// Open creates the run directory.
func Open(resultsDir, runID string) (*Journal, error) {
	resultsDir = strings.TrimSpace(resultsDir)
	runID = strings.TrimSpace(runID)
	if resultsDir == "" {
		return nil, fmt.Errorf("results dir is required")
	}
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	p := PathsFor(resultsDir, runID)
	if err := os.MkdirAll(p.RunDir, 0o755); err != nil {
		return nil, err
	}
	return &Journal{runID: runID, paths: p, now: time.Now}, nil
}

// SetClock replaces the clock used to timestamp events.
func (j *Journal) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	j.mu.Lock()
	j.now = now
	j.mu.Unlock()
}

func (j *Journal) RunID() string { return j.runID }
func (j *Journal) Paths() Paths  { return j.paths }

// WriteSnapshot overwrites the run heartbeat and its legacy mirror.
func (j *Journal) WriteSnapshot(hb liveness.Heartbeat) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.writeMirrored(j.paths.Heartbeat, j.paths.LegacyHeartbeat, hb)
}

// AppendEvent appends one event line. Lines are never rewritten.
func (j *Journal) AppendEvent(kind string, payload map[string]any) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	ev := Event{Timestamp: j.now().UTC(), RunID: j.runID, Kind: kind, Payload: payload}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", kind, err)
	}
	f, err := os.OpenFile(j.paths.Events, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// MarkLatestRun points latest_run_id at this run.
func (j *Journal) MarkLatestRun() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return WriteFileAtomic(j.paths.LatestPointer, []byte(j.runID+"\n"))
}

func (j *Journal) WriteMetadata(m *RunMetadata) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return m.Save(j.paths.Metadata)
}

func (j *Journal) ReadMetadata() (*RunMetadata, error) {
	return LoadRunMetadata(j.paths.Metadata)
}

// WriteBundle writes the final output bundle and its legacy mirror.
func (j *Journal) WriteBundle(v any) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.writeMirrored(j.paths.Bundle, j.paths.LegacyBundle, v)
}

// WriteTrace writes the final response text and its legacy mirror.
func (j *Journal) WriteTrace(text string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return errors.Join(
		WriteFileAtomic(j.paths.Trace, []byte(text)),
		WriteFileAtomic(j.paths.LegacyTrace, []byte(text)),
	)
}

func (j *Journal) WriteRawIterations(v any) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.writeMirrored(j.paths.RawIterations, j.paths.LegacyRawIterations, v)
}

// WritePID records the supervising process id for status queries.
func (j *Journal) WritePID(pid int) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return WriteFileAtomic(j.paths.PID, []byte(strconv.Itoa(pid)+"\n"))
}

func (j *Journal) writeMirrored(primary, legacy string, v any) error {
	if err := WriteJSONAtomicFile(primary, v); err != nil {
		return err
	}
	if err := WriteJSONAtomicFile(legacy, v); err != nil {
		return fmt.Errorf("legacy mirror: %w", err)
	}
	return nil
}

// ReadEvents returns every event in file order.
func ReadEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	var out []Event
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		out = append(out, ev)
	}
	return out, sc.Err()
}
