// Package executor implements EngineExecutor (spec.md §4.8): composes
// ProcessRunner (C4) and an engine's Parser (C3), builds argv/env per the
// tool policy (internal/policy), and persists each normalized event as it
// is produced. Grounded on the teacher's internal/engine/engine.go
// (provider dispatch: one function per provider building its own CLI
// invocation) and internal/tools/spawn.go (subprocess argv construction
// patterns, environment sanitization before exec).
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/clibridge/agentbridge/internal/bus"
	"github.com/clibridge/agentbridge/internal/engineproto"
	"github.com/clibridge/agentbridge/internal/eventmodel"
	"github.com/clibridge/agentbridge/internal/orchestrator"
	otelpkg "github.com/clibridge/agentbridge/internal/otel"
	"github.com/clibridge/agentbridge/internal/policy"
	"github.com/clibridge/agentbridge/internal/runner"
	"github.com/clibridge/agentbridge/internal/store"
)

const (
	// ContinueMarker is the engineSessionId value meaning "continue the
	// most recent conversation" rather than resume a specific captured id.
	ContinueMarker = "__continue__"

	defaultClaudeIdleTimeout   = 180 * time.Second
	defaultOpenCodeIdleTimeout = 300 * time.Second
	defaultCancelPollInterval  = 500 * time.Millisecond
	maxStderrBufferBytes       = 10 * 1024
)

// Config holds the dependencies shared by both engine variants.
type Config struct {
	Store  *store.Store
	Runner *runner.Runner
	Bus    *bus.Bus
	Logger *slog.Logger

	// Metrics is optional; when nil, engine subprocess runs are still traced
	// (via the global tracer) but no duration/counter metrics are recorded.
	Metrics *otelpkg.Metrics

	ClaudeIdleTimeout   time.Duration
	OpenCodeIdleTimeout time.Duration
	CancelPollInterval  time.Duration

	// ClaudeModel/OpenCodeModel are the process-wide default models; a
	// per-chat model override is a C9 (ChatCommandHandler) concern not
	// yet persisted by the store, so only this default is threaded
	// through today (see DESIGN.md).
	ClaudeModel   string
	OpenCodeModel string

	ClaudeBinary   string
	OpenCodeBinary string
}

// Executor implements orchestrator.Executor for both engines.
type Executor struct {
	cfg Config
}

// New builds an Executor, filling in spec.md §4.8 defaults.
func New(cfg Config) *Executor {
	if cfg.ClaudeIdleTimeout <= 0 {
		cfg.ClaudeIdleTimeout = defaultClaudeIdleTimeout
	}
	if cfg.OpenCodeIdleTimeout <= 0 {
		cfg.OpenCodeIdleTimeout = defaultOpenCodeIdleTimeout
	}
	if cfg.CancelPollInterval <= 0 {
		cfg.CancelPollInterval = defaultCancelPollInterval
	}
	if cfg.ClaudeBinary == "" {
		cfg.ClaudeBinary = "claude"
	}
	if cfg.OpenCodeBinary == "" {
		cfg.OpenCodeBinary = "opencode"
	}
	return &Executor{cfg: cfg}
}

// Execute dispatches to the claude or opencode variant by provider.
func (e *Executor) Execute(ctx context.Context, p orchestrator.ExecParams) (orchestrator.ExecResult, error) {
	project, err := e.cfg.Store.GetProject(ctx, p.ProjectID)
	if err != nil {
		return orchestrator.ExecResult{}, fmt.Errorf("executor: load project: %w", err)
	}
	sess, err := e.cfg.Store.GetSession(ctx, p.SessionID)
	if err != nil {
		return orchestrator.ExecResult{}, fmt.Errorf("executor: load session: %w", err)
	}
	mode := e.resolveMode(ctx, sess)

	switch p.Provider {
	case "claude":
		return e.run(ctx, p, project, claudeSpec(e.cfg, project, sess, p.Prompt, mode))
	case "opencode":
		return e.run(ctx, p, project, openCodeSpec(e.cfg, project, sess, p.Prompt, mode))
	default:
		return orchestrator.ExecResult{}, fmt.Errorf("executor: unknown provider %q", p.Provider)
	}
}

// resolveMode decides safe vs unsafe at execution start, never at enqueue
// time (spec.md §4.8 step 2).
func (e *Executor) resolveMode(ctx context.Context, sess store.Session) policy.Mode {
	if sess.ChatID == "" {
		return policy.ModeSafe
	}
	chat, err := e.cfg.Store.GetChat(ctx, sess.ChatID)
	if err != nil {
		return policy.ModeSafe
	}
	unsafe := chat.UnsafeUntil != nil && chat.UnsafeUntil.After(time.Now().UTC())
	return policy.ModeForChat(unsafe)
}

// engineSpec is what differs between the two engine variants.
type engineSpec struct {
	command     string
	args        []string
	env         []string
	parser      engineproto.Parser
	idleTimeout time.Duration
}

func claudeSpec(cfg Config, project store.Project, sess store.Session, prompt string, mode policy.Mode) engineSpec {
	args := []string{"-p", prompt, "--output-format", "stream-json", "--include-partial-messages", "--verbose"}
	if cfg.ClaudeModel != "" {
		args = append(args, "--model", cfg.ClaudeModel)
	}
	switch sess.EngineSessionID {
	case "":
	case ContinueMarker:
		args = append(args, "--continue")
	default:
		args = append(args, "--resume", sess.EngineSessionID)
	}
	toolsCSV := policy.ClaudeToolsCSV(mode)
	args = append(args, "--tools", toolsCSV, "--allowedTools", toolsCSV)

	return engineSpec{
		command:     cfg.ClaudeBinary,
		args:        args,
		env:         sanitizeEnv(os.Environ(), nil),
		parser:      engineproto.NewClaudeParser(),
		idleTimeout: cfg.ClaudeIdleTimeout,
	}
}

func openCodeSpec(cfg Config, project store.Project, sess store.Session, prompt string, mode policy.Mode) engineSpec {
	args := []string{"run", prompt, "--format", "json"}
	switch sess.EngineSessionID {
	case "":
	case ContinueMarker:
		args = append(args, "--continue")
	default:
		args = append(args, "--session", sess.EngineSessionID)
	}
	if project.OpenCodeAttachURL != "" {
		args = append(args, "--attach", project.OpenCodeAttachURL)
	}
	if cfg.OpenCodeModel != "" {
		args = append(args, "--model", cfg.OpenCodeModel)
	}

	configContent, err := policy.OpenCodeConfigContent(mode)
	extra := map[string]string{}
	if err == nil {
		extra["OPENCODE_CONFIG_CONTENT"] = configContent
	}

	return engineSpec{
		command:     cfg.OpenCodeBinary,
		args:        args,
		env:         sanitizeEnv(os.Environ(), extra),
		parser:      engineproto.NewOpenCodeParser(),
		idleTimeout: cfg.OpenCodeIdleTimeout,
	}
}

// sanitizeEnv strips CLAUDECODE and prefixes PATH with common binary
// directories (spec.md §4.8), then applies extra overrides.
func sanitizeEnv(base []string, extra map[string]string) []string {
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		if strings.HasPrefix(kv, "CLAUDECODE=") {
			continue
		}
		if strings.HasPrefix(kv, "PATH=") {
			path := strings.TrimPrefix(kv, "PATH=")
			kv = "PATH=/opt/homebrew/bin:/usr/local/bin:" + path
		}
		out = append(out, kv)
	}
	for k, v := range extra {
		out = append(out, k+"="+v)
	}
	return out
}

func (e *Executor) run(ctx context.Context, p orchestrator.ExecParams, project store.Project, spec engineSpec) (orchestrator.ExecResult, error) {
	tracer := otel.Tracer(otelpkg.TracerName)
	ctx, span := otelpkg.StartClientSpan(ctx, tracer, "engine.exec",
		otelpkg.AttrProjectID.String(p.ProjectID),
		otelpkg.AttrSessionID.String(p.SessionID),
		otelpkg.AttrRunID.String(p.RunID),
		otelpkg.AttrEngine.String(p.Provider),
	)
	engineStart := time.Now()
	defer func() {
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.EngineDuration.Record(ctx, time.Since(engineStart).Seconds())
		}
		span.End()
	}()

	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())
	var bytesOut, bytesIn, toolCalls atomic.Int64
	var stderrTail stderrBuffer
	var sawError atomic.Bool

	onLine := func(line string, isStderr bool) {
		lastActivity.Store(time.Now().UnixNano())
		if isStderr {
			stderrTail.Append(line)
			bytesIn.Add(int64(len(line)))
			return
		}
		bytesOut.Add(int64(len(line)))
		for _, ev := range spec.parser.Push(line) {
			if ev.Type == eventmodel.TypeToolStart {
				toolCalls.Add(1)
			}
			if ev.Type == eventmodel.TypeError {
				sawError.Store(true)
			}
			e.persistAndPublish(ctx, p.RunID, ev)
		}
	}

	handle, err := e.cfg.Runner.Start(ctx, runner.StartParams{
		SessionKey: p.SessionID,
		Command:    spec.command,
		Args:       spec.args,
		Cwd:        project.RootPath,
		Env:        spec.env,
		OnStdout:   func(line string) { onLine(line, false) },
		OnStderr:   func(line string) { onLine(line, true) },
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return orchestrator.ExecResult{}, fmt.Errorf("executor: start process: %w", err)
	}

	watchdogCtx, stopWatchdog := context.WithCancel(ctx)
	var watchdogs sync.WaitGroup
	watchdogs.Add(2)
	go func() { defer watchdogs.Done(); e.idleWatchdog(watchdogCtx, handle, &lastActivity, spec.idleTimeout) }()
	go func() { defer watchdogs.Done(); e.cancellationPoll(watchdogCtx, handle, p.RunID) }()

	result := handle.Result()
	stopWatchdog()
	watchdogs.Wait()

	status := e.terminalStatus(result)
	if status == eventmodel.RunStatusError {
		span.SetStatus(codes.Error, "engine run terminated with error status")
	}
	for _, ev := range spec.parser.Finish(status) {
		if ev.Type == eventmodel.TypeError {
			sawError.Store(true)
		}
		e.persistAndPublish(ctx, p.RunID, ev)
	}

	if status == eventmodel.RunStatusError && result.Err != nil && !sawError.Load() {
		if tail := stderrTail.String(); tail != "" {
			e.persistAndPublish(ctx, p.RunID, eventmodel.Event{Type: eventmodel.TypeError, Message: tail})
		}
	}

	if e.cfg.Metrics != nil {
		if n := spec.parser.MalformedCount(); n > 0 {
			e.cfg.Metrics.MalformedLines.Add(ctx, int64(n))
		}
	}

	engineSessionID := spec.parser.EngineSessionID()
	if engineSessionID != "" {
		sess, err := e.cfg.Store.GetSession(ctx, p.SessionID)
		if err == nil && sess.EngineSessionID != engineSessionID {
			_ = e.cfg.Store.SetSessionEngineSessionID(ctx, p.SessionID, engineSessionID)
		}
	}

	return orchestrator.ExecResult{
		EventsPersisted: true,
		ToolCallsCount:  int(toolCalls.Load()),
		ExitStatus:      status,
		EngineSessionID: engineSessionID,
		BytesIn:         bytesIn.Load(),
		BytesOut:        bytesOut.Load(),
	}, nil
}

func (e *Executor) terminalStatus(r runner.Result) eventmodel.RunStatus {
	switch {
	case r.Cancelled:
		return eventmodel.RunStatusCancelled
	case r.Status == runner.StatusCompleted:
		return eventmodel.RunStatusSuccess
	default:
		return eventmodel.RunStatusError
	}
}

func (e *Executor) persistAndPublish(ctx context.Context, runID string, ev eventmodel.Event) {
	if _, err := e.cfg.Store.AppendRunEvent(ctx, runID, string(ev.Type), ev); err != nil {
		if e.cfg.Logger != nil {
			e.cfg.Logger.Warn("failed to persist run event", "run_id", runID, "type", ev.Type, "err", err)
		}
	}
	if e.cfg.Bus != nil {
		e.cfg.Bus.Publish(bus.TopicRunEvent, bus.RunEventPayload{RunID: runID, Event: ev})
	}
}

// idleWatchdog cancels the handle once idleTimeout has elapsed since the
// most recent stdout/stderr activity (spec.md §4.8 step 5).
func (e *Executor) idleWatchdog(ctx context.Context, h *runner.Handle, lastActivity *atomic.Int64, idleTimeout time.Duration) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, lastActivity.Load())
			if time.Since(last) >= idleTimeout {
				h.Cancel()
				return
			}
		}
	}
}

// cancellationPoll cancels the handle if the run's store status becomes
// cancelled (spec.md §4.8 step 6).
func (e *Executor) cancellationPoll(ctx context.Context, h *runner.Handle, runID string) {
	ticker := time.NewTicker(e.cfg.CancelPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run, err := e.cfg.Store.GetRun(ctx, runID)
			if err != nil {
				if !errors.Is(err, store.ErrNotFound) && e.cfg.Logger != nil {
					e.cfg.Logger.Warn("cancellation poll: get run failed", "run_id", runID, "err", err)
				}
				continue
			}
			if run.Status == store.RunCancelled {
				h.Cancel()
				return
			}
		}
	}
}

// stderrBuffer retains at most maxStderrBufferBytes of the most recent
// stderr output, for synthesizing an error event on an unflagged error
// exit (spec.md §4.8 step 4).
type stderrBuffer struct {
	data []byte
}

func (b *stderrBuffer) Append(line string) {
	b.data = append(b.data, []byte(line+"\n")...)
	if len(b.data) > maxStderrBufferBytes {
		b.data = b.data[len(b.data)-maxStderrBufferBytes:]
	}
}

func (b *stderrBuffer) String() string {
	return string(b.data)
}
