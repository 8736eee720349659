// Package runner spawns and supervises the agent CLI child processes
// (spec.md §4.4), grounded on the teacher's internal/mcp.StdioTransport pipe
// plumbing and internal/tools.HostExecutor's context-bound exec.Cmd
// lifecycle, generalized from a single request/response RPC call into a
// long-lived streamed subprocess with single-flight-per-session enforcement.
// Raw pipe reads are framed into lines via internal/framer.LineFramer
// (spec.md §4.1/C1), matching the dataflow of §2: C4 delivers chunks, and
// framing happens before a line ever reaches a callback.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/clibridge/agentbridge/internal/framer"
)

// Lifecycle is one of the ordered states a handle passes through.
type Lifecycle string

const (
	LifecycleStarting   Lifecycle = "starting"
	LifecycleRunning    Lifecycle = "running"
	LifecycleCancelling Lifecycle = "cancelling"
	LifecycleKilling    Lifecycle = "killing"
	LifecycleExited     Lifecycle = "exited"
)

// ExitStatus is the terminal classification of a run's child process.
type ExitStatus string

const (
	StatusCompleted ExitStatus = "completed"
	StatusFailed    ExitStatus = "failed"
	StatusCancelled ExitStatus = "cancelled"
)

// ErrSingleFlightSession is returned by Start when a session key already has
// a live handle.
var ErrSingleFlightSession = errors.New("runner: session already has an active run")

const defaultCancelGraceMs = 1000

// Result is the terminal outcome of a process handle.
type Result struct {
	ExitCode  int
	Signal    string
	Status    ExitStatus
	Cancelled bool
	Err       error
}

// StartParams configures a single Start call.
type StartParams struct {
	SessionKey    string
	Command       string
	Args          []string
	Cwd           string
	Env           []string
	CancelGraceMs int

	// OnStdout/OnStderr are invoked once per complete line (sans trailing
	// newline). They may do blocking work (parse + persist); the
	// corresponding stream is paused until the callback returns, per
	// spec.md §4.4's back-pressure requirement.
	OnStdout func(line string)
	OnStderr func(line string)

	// OnLifecycle is invoked for every lifecycle transition. pid is 0
	// until LifecycleRunning.
	OnLifecycle func(state Lifecycle, pid int)
}

// Handle is a live or completed invocation.
type Handle struct {
	Pid    int
	result chan Result
	cancel func()

	once sync.Once
	done chan struct{}
	res  Result
}

// Result blocks until the process has exited and returns its terminal
// Result. Safe to call more than once.
func (h *Handle) Result() Result {
	<-h.done
	return h.res
}

// Cancel requests graceful-then-forceful termination. The first call sends
// an interrupt; if the process has not exited within cancelGraceMs, it is
// force-killed. Further calls are no-ops.
func (h *Handle) Cancel() {
	h.cancel()
}

// Runner spawns and tracks child processes, enforcing single-flight per
// session key.
type Runner struct {
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*Handle
}

// New returns a Runner.
func New(logger *slog.Logger) *Runner {
	return &Runner{
		logger: logger,
		active: make(map[string]*Handle),
	}
}

// Start spawns a child process for the given params. It fails with
// ErrSingleFlightSession if sessionKey already has a live invocation.
func (r *Runner) Start(ctx context.Context, p StartParams) (*Handle, error) {
	r.mu.Lock()
	if _, busy := r.active[p.SessionKey]; busy {
		r.mu.Unlock()
		return nil, ErrSingleFlightSession
	}
	h := &Handle{done: make(chan struct{})}
	r.active[p.SessionKey] = h
	r.mu.Unlock()

	graceMs := p.CancelGraceMs
	if graceMs <= 0 {
		graceMs = defaultCancelGraceMs
	}

	emit := func(state Lifecycle, pid int) {
		if p.OnLifecycle != nil {
			p.OnLifecycle(state, pid)
		}
	}
	emit(LifecycleStarting, 0)

	// exec.CommandContext's default cmd.Cancel is an immediate
	// Process.Kill the instant ctx is done, which would race and bypass
	// Handle.cancel's own SIGINT-then-grace-period escalation below (and
	// the caller's ctx here is not detached: it's the root process
	// context, so a SIGINT/SIGTERM would hard-kill every in-flight child
	// before CancelAll ever gets to send its own interrupt). Strip
	// cancellation from the context passed to exec.Command and let
	// Handle.cancel/Runner.CancelAll own all termination.
	cmd := exec.CommandContext(context.WithoutCancel(ctx), p.Command, p.Args...)
	cmd.Dir = p.Cwd
	cmd.Env = p.Env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.freeSlot(p.SessionKey)
		close(h.done)
		return nil, fmt.Errorf("runner: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		r.freeSlot(p.SessionKey)
		close(h.done)
		return nil, fmt.Errorf("runner: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		r.freeSlot(p.SessionKey)
		h.res = Result{Status: StatusFailed, Err: err}
		close(h.done)
		return nil, fmt.Errorf("runner: start %q: %w", p.Command, err)
	}

	h.Pid = cmd.Process.Pid
	emit(LifecycleRunning, h.Pid)

	var cancelOnce sync.Once
	var cancelled bool
	var cancelMu sync.Mutex
	cancelDone := make(chan struct{})

	h.cancel = func() {
		cancelOnce.Do(func() {
			cancelMu.Lock()
			cancelled = true
			cancelMu.Unlock()
			emit(LifecycleCancelling, h.Pid)
			_ = cmd.Process.Signal(syscall.SIGINT)
			go func() {
				select {
				case <-cancelDone:
					return
				case <-time.After(time.Duration(graceMs) * time.Millisecond):
					emit(LifecycleKilling, h.Pid)
					_ = cmd.Process.Kill()
				}
			}()
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		streamLines(stdout, p.OnStdout)
	}()
	go func() {
		defer wg.Done()
		streamLines(stderr, p.OnStderr)
	}()

	go func() {
		wg.Wait()
		waitErr := cmd.Wait()
		close(cancelDone)

		cancelMu.Lock()
		wasCancelled := cancelled
		cancelMu.Unlock()

		result := Result{Cancelled: wasCancelled}
		if cmd.ProcessState != nil {
			result.ExitCode = cmd.ProcessState.ExitCode()
		}
		switch {
		case wasCancelled:
			result.Status = StatusCancelled
		case waitErr != nil:
			result.Status = StatusFailed
			result.Err = waitErr
		default:
			result.Status = StatusCompleted
		}

		emit(LifecycleExited, h.Pid)
		r.freeSlot(p.SessionKey)
		h.res = result
		close(h.done)
	}()

	return h, nil
}

func (r *Runner) freeSlot(sessionKey string) {
	r.mu.Lock()
	delete(r.active, sessionKey)
	r.mu.Unlock()
}

// CancelAll cancels every active handle (used during graceful shutdown).
func (r *Runner) CancelAll() {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.active))
	for _, h := range r.active {
		handles = append(handles, h)
	}
	r.mu.Unlock()
	for _, h := range handles {
		if h.cancel != nil {
			h.cancel()
		}
	}
}

// streamLines reads raw chunks from r, frames them into complete lines via
// a framer.LineFramer, and invokes cb once per line, blocking (and thus
// back-pressuring the pipe) until cb returns.
func streamLines(r io.Reader, cb func(line string)) {
	if cb == nil {
		_, _ = io.Copy(io.Discard, r)
		return
	}
	f := framer.New()
	buf := make([]byte, 64*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, line := range f.Push(string(buf[:n])) {
				cb(line)
			}
		}
		if err != nil {
			break
		}
	}
	for _, line := range f.Flush() {
		cb(line)
	}
}
