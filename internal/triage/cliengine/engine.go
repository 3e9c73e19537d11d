package cliengine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/danshapiro/prtriage/internal/triage/session"
)

const DefaultCloseTimeout = 5 * time.Second

// ErrWorkerExited is returned for calls that were pending, or issued, after
// the worker process went away.
var ErrWorkerExited = errors.New("engine worker exited")

// EngineError is a failure the worker reported for a call.
type EngineError struct {
	Type    string
	Message string
}

func (e *EngineError) Error() string {
	if e.Type == "" {
		return e.Message
	}
	return e.Type + ": " + e.Message
}

// Config describes how to launch the worker.
type Config struct {
	Command      []string
	Env          map[string]string
	Dir          string
	CloseTimeout time.Duration
	// Stderr receives the worker's stderr from a copier goroutine; share it
	// with other writers only behind a lock. Nil discards it.
	Stderr io.Writer
	Logger *zap.Logger
}

// Opener starts one worker per Open call.
type Opener struct {
	cfg Config
}

func NewOpener(cfg Config) *Opener {
	return &Opener{cfg: cfg}
}

func (o *Opener) Open(ctx context.Context, handler session.TelemetryHandler) (session.Session, error) {
	return Start(ctx, o.cfg, handler)
}

type callResult struct {
	completion *session.Completion
	err        error
}

type pendingCall struct {
	id string
	ch chan callResult
}

// Engine is a running worker. It implements session.Session,
// session.MemoryLister and session.ProgressReporter.
type Engine struct {
	cfg     Config
	handler session.TelemetryHandler
	logger  *zap.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	doneCh chan struct{}

	callMu sync.Mutex // one call at a time

	mu       sync.Mutex
	nextID   int
	pending  *pendingCall
	memory   session.Memory
	progress session.Progress
	exitErr  error
	exited   bool

	closeOnce sync.Once
	closeErr  error
}

// Start launches the worker and its reader goroutine. The context only
// bounds startup; the worker lives until Close.
func Start(ctx context.Context, cfg Config, handler session.TelemetryHandler) (*Engine, error) {
	parts := trimNonEmpty(cfg.Command)
	if len(parts) == 0 {
		return nil, fmt.Errorf("engine command is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if handler == nil {
		handler = session.NopHandler{}
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultCloseTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cmd := exec.Command(parts[0], parts[1:]...)
	cmd.Env = append(os.Environ(), envList(cfg.Env)...)
	cmd.Dir = cfg.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = 2 * time.Second
	if cfg.Stderr != nil {
		cmd.Stderr = cfg.Stderr
	} else {
		cmd.Stderr = io.Discard
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%s: %w", strings.Join(parts, " "), err)
	}

	e := &Engine{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With(zap.Int("engine_pid", cmd.Process.Pid)),
		cmd:     cmd,
		stdin:   stdin,
		doneCh:  make(chan struct{}),
	}
	go e.readLoop(stdout)
	return e, nil
}

// PID is the worker's process id.
func (e *Engine) PID() int {
	return e.cmd.Process.Pid
}

// Complete sends prompt and blocks until the worker answers, fails, or
// exits. Cancelling ctx abandons the wait; the worker is not interrupted and
// a late answer is dropped.
func (e *Engine) Complete(ctx context.Context, prompt string) (*session.Completion, error) {
	e.callMu.Lock()
	defer e.callMu.Unlock()

	e.mu.Lock()
	if e.exited {
		err := e.exitErr
		e.mu.Unlock()
		return nil, err
	}
	e.nextID++
	call := &pendingCall{id: strconv.Itoa(e.nextID), ch: make(chan callResult, 1)}
	e.pending = call
	e.mu.Unlock()

	line, err := json.Marshal(request{Type: "completion", ID: call.id, Prompt: prompt})
	if err != nil {
		e.clearPending(call)
		return nil, err
	}
	if _, err := e.stdin.Write(append(line, '\n')); err != nil {
		e.clearPending(call)
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case res := <-call.ch:
		return res.completion, res.err
	case <-ctx.Done():
		e.clearPending(call)
		return nil, ctx.Err()
	}
}

func (e *Engine) clearPending(call *pendingCall) {
	e.mu.Lock()
	if e.pending == call {
		e.pending = nil
	}
	e.mu.Unlock()
}

// ReadNamed resolves names against the scopes reported with the last
// result.
func (e *Engine) ReadNamed(names ...string) map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.memory.ReadNamed(names...)
}

func (e *Engine) Memory() session.Memory {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append(session.Memory(nil), e.memory...)
}

func (e *Engine) Progress() session.Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progress
}

// Close ends stdin and waits for the worker to exit, killing its process
// group after CloseTimeout.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		_ = e.stdin.Close()
		select {
		case <-e.doneCh:
			return
		case <-time.After(e.cfg.CloseTimeout):
		}
		e.logger.Warn("engine worker did not exit; killing", zap.Duration("close_timeout", e.cfg.CloseTimeout))
		if err := syscall.Kill(-e.cmd.Process.Pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			_ = e.cmd.Process.Kill()
		}
		select {
		case <-e.doneCh:
		case <-time.After(2 * time.Second):
			e.closeErr = fmt.Errorf("engine worker %d did not exit after kill", e.PID())
		}
	})
	return e.closeErr
}

func (e *Engine) readLoop(stdout io.Reader) {
	defer close(e.doneCh)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 256*1024), 64*1024*1024)
	for scanner.Scan() {
		ev, err := parseLine(scanner.Bytes())
		if err != nil {
			e.logger.Debug("ignoring unparseable engine line", zap.Error(err))
			continue
		}
		if ev != nil {
			e.dispatch(ev)
		}
	}
	scanErr := scanner.Err()
	// Drain so Wait does not block on a full pipe after a scan error.
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := e.cmd.Wait()

	exitErr := ErrWorkerExited
	switch {
	case scanErr != nil:
		exitErr = fmt.Errorf("%w: read stdout: %v", ErrWorkerExited, scanErr)
	case waitErr != nil:
		exitErr = fmt.Errorf("%w: %v", ErrWorkerExited, waitErr)
	}

	e.mu.Lock()
	e.exited = true
	e.exitErr = exitErr
	call := e.pending
	e.pending = nil
	e.mu.Unlock()
	if call != nil {
		call.ch <- callResult{err: exitErr}
	}
}

func (e *Engine) dispatch(ev *wireEvent) {
	switch ev.Type {
	case eventLMStart:
		e.handler.LMStart(session.LMStart{Model: ev.Model, Timeout: seconds(ev.TimeoutS), NumRetries: ev.NumRetries})
	case eventLMSuccess:
		e.handler.LMSuccess(ev.lmResult())
	case eventLMFailure:
		e.handler.LMFailure(ev.lmResult())
	case eventSubcallStart:
		e.handler.SubcallStart(session.Subcall{Depth: ev.Depth})
	case eventSubcallComplete:
		e.handler.SubcallComplete(session.Subcall{Depth: ev.Depth})
	case eventIteration:
		e.mu.Lock()
		if ev.Iteration > e.progress.Iteration {
			e.progress.Iteration = ev.Iteration
		}
		e.progress.Blocks = ev.CodeBlocks
		e.mu.Unlock()
	case eventResult:
		e.mu.Lock()
		e.memory = ev.memory()
		call := e.take(ev.ID)
		e.mu.Unlock()
		if call != nil {
			call.ch <- callResult{completion: &session.Completion{Text: ev.Text, Metadata: ev.Metadata}}
		}
	case eventError:
		e.mu.Lock()
		call := e.take(ev.ID)
		e.mu.Unlock()
		if call != nil {
			call.ch <- callResult{err: &EngineError{Type: ev.ErrorType, Message: ev.Error}}
		}
	default:
		e.logger.Debug("ignoring engine event", zap.String("type", ev.Type))
	}
}

// take removes and returns the pending call matching id. An empty id
// matches whatever is pending. Caller holds e.mu.
func (e *Engine) take(id string) *pendingCall {
	call := e.pending
	if call == nil || (id != "" && id != call.id) {
		return nil
	}
	e.pending = nil
	return call
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
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
