// Package orchestrator implements RunOrchestrator (spec.md §4.6): idempotent
// run enqueue, lease-acquire-execute-finalize, and stale in-flight
// reconciliation. Grounded on the teacher's task lifecycle in
// internal/persistence/store.go (ClaimNextPendingTask/StartTaskRun/
// CompleteTask/FailTask/RecoverRunningTasks) generalized from "task" to
// "run", and internal/coordinator/waiter.go's bus-subscription idiom for
// how downstream consumers learn about run progress without polling.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/clibridge/agentbridge/internal/bus"
	"github.com/clibridge/agentbridge/internal/eventmodel"
	otelpkg "github.com/clibridge/agentbridge/internal/otel"
	"github.com/clibridge/agentbridge/internal/store"
)

// ErrSessionAlreadyActive is returned by Enqueue when the session already
// has a run in flight (spec.md §4.6 Enqueue step 2).
var ErrSessionAlreadyActive = errors.New("orchestrator: session already has an active run")

// ExecParams is what an Executor needs to run a prompt against an engine.
type ExecParams struct {
	RunID     string
	ProjectID string
	SessionID string
	Provider  string
	Prompt    string
}

// ExecResult is what an Executor returns once the child process has exited.
// Events may be nil if EventsPersisted is true: some executors persist
// events themselves as they're produced (so the streamer can see them
// live) rather than buffering the whole run in memory. ToolCallsCount is
// only read when EventsPersisted is true, since Events itself won't be
// there to count tool_start entries from.
type ExecResult struct {
	Events          []eventmodel.Event
	EventsPersisted bool
	ToolCallsCount  int
	ExitStatus      eventmodel.RunStatus
	EngineSessionID string
	BytesIn         int64
	BytesOut        int64
}

// Executor runs one prompt to completion. Implemented by internal/executor.
type Executor interface {
	Execute(ctx context.Context, p ExecParams) (ExecResult, error)
}

// Orchestrator is the RunOrchestrator of spec.md §4.6.
type Orchestrator struct {
	store   *store.Store
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otelpkg.Metrics

	killSwitch atomic.Bool

	mu             sync.Mutex
	activeSessions map[string]struct{}
}

// New builds an Orchestrator backed by the given store and event bus.
func New(st *store.Store, b *bus.Bus, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:          st,
		bus:            b,
		logger:         logger,
		activeSessions: make(map[string]struct{}),
	}
}

// SetMetrics attaches OTel instruments for run/lease counters. Optional: a
// nil or never-called SetMetrics leaves the orchestrator fully functional,
// just unmeasured.
func (o *Orchestrator) SetMetrics(m *otelpkg.Metrics) {
	o.metrics = m
}

// SetKillSwitch toggles the process-wide maintenance mode (spec.md §9's
// resolved open question: the kill switch is re-checked here, at Process
// entry, not just at enqueue, so a job leased before the switch flipped is
// still aborted rather than executed). Safe to call concurrently with
// Process.
func (o *Orchestrator) SetKillSwitch(enabled bool) {
	o.killSwitch.Store(enabled)
}

// Enqueue inserts a run+job pair for a prompt, idempotent by key and
// single-flight per session (spec.md §4.6 Enqueue).
func (o *Orchestrator) Enqueue(ctx context.Context, projectID, sessionID, idempotencyKey, prompt string) (store.Run, error) {
	tracer := otel.Tracer(otelpkg.TracerName)
	ctx, span := otelpkg.StartSpan(ctx, tracer, "run.enqueue",
		otelpkg.AttrProjectID.String(projectID),
		otelpkg.AttrSessionID.String(sessionID),
	)
	defer span.End()

	if existing, err := o.store.GetRunByIdempotencyKey(ctx, idempotencyKey); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.Run{}, fmt.Errorf("orchestrator: lookup idempotency key: %w", err)
	}

	if o.isSessionActive(sessionID) {
		return store.Run{}, ErrSessionAlreadyActive
	}

	if _, err := o.store.FindActiveRunBySession(ctx, sessionID); err == nil {
		return store.Run{}, ErrSessionAlreadyActive
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.Run{}, fmt.Errorf("orchestrator: check active run: %w", err)
	}

	run := store.Run{
		ID:             store.NewID(),
		ProjectID:      projectID,
		SessionID:      sessionID,
		IdempotencyKey: idempotencyKey,
		Prompt:         prompt,
	}
	created, _, err := o.store.CreateRunAndJob(ctx, run, time.Now().UTC())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return store.Run{}, fmt.Errorf("orchestrator: create run and job: %w", err)
	}
	span.SetAttributes(otelpkg.AttrRunID.String(created.ID))
	o.bus.Publish(bus.TopicRunStarted, created.ID)
	return created, nil
}

func (o *Orchestrator) isSessionActive(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, busy := o.activeSessions[sessionID]
	return busy
}

func (o *Orchestrator) trySessionActive(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.activeSessions[sessionID]; busy {
		return false
	}
	o.activeSessions[sessionID] = struct{}{}
	return true
}

func (o *Orchestrator) releaseSession(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.activeSessions, sessionID)
}

// Process leases the next job, if any, and drives it through execution to a
// terminal run/job state (spec.md §4.6 Process). Returns false if there was
// no job to lease.
func (o *Orchestrator) Process(ctx context.Context, owner string, leaseDurationMs int64, exec Executor) (bool, error) {
	job, err := o.store.LeaseNextJob(ctx, owner, time.Now().UTC(), leaseDurationMs)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("orchestrator: lease next job: %w", err)
	}

	run, err := o.store.GetRun(ctx, job.RunID)
	if errors.Is(err, store.ErrNotFound) {
		_ = o.store.FailJob(ctx, job.ID, "run not found")
		return true, nil
	}
	if err != nil {
		return true, fmt.Errorf("orchestrator: load run: %w", err)
	}

	if o.killSwitch.Load() {
		o.abortKillSwitch(ctx, run.ID)
		return true, nil
	}

	if !o.trySessionActive(run.SessionID) {
		if reErr := o.store.RequeueLeasedJobByRunID(ctx, run.ID, time.Now().UTC()); reErr != nil {
			return true, fmt.Errorf("orchestrator: requeue on re-lease collision: %w", reErr)
		}
		return true, nil
	}
	defer o.releaseSession(run.SessionID)

	sess, err := o.store.GetSession(ctx, run.SessionID)
	if err != nil {
		now := time.Now().UTC()
		_ = o.store.FinalizeRun(ctx, run.ID, store.RunFailed, now, `{"error":"session not found"}`, "session not found")
		return true, nil
	}

	now := time.Now().UTC()
	if err := o.store.MarkRunInFlight(ctx, run.ID, now); err != nil {
		return true, fmt.Errorf("orchestrator: mark in_flight: %w", err)
	}
	o.bus.Publish(bus.TopicRunEvent, bus.RunEventPayload{
		RunID: run.ID,
		Event: eventmodel.Event{Type: eventmodel.TypeRunStarted},
	})

	tracer := otel.Tracer(otelpkg.TracerName)
	execCtx, span := otelpkg.StartClientSpan(ctx, tracer, "run.process",
		otelpkg.AttrProjectID.String(run.ProjectID),
		otelpkg.AttrSessionID.String(run.SessionID),
		otelpkg.AttrRunID.String(run.ID),
		otelpkg.AttrEngine.String(sess.Provider),
	)

	stopRenewal := o.startLeaseRenewal(ctx, job.ID, leaseDurationMs)
	result, execErr := exec.Execute(execCtx, ExecParams{
		RunID:     run.ID,
		ProjectID: run.ProjectID,
		SessionID: run.SessionID,
		Provider:  sess.Provider,
		Prompt:    run.Prompt,
	})
	stopRenewal()
	if execErr != nil {
		span.RecordError(execErr)
		span.SetStatus(codes.Error, execErr.Error())
		span.End()
		if o.metrics != nil {
			o.metrics.RunsTotal.Add(ctx, 1)
			o.metrics.RunsFailedTotal.Add(ctx, 1)
		}
		o.finishWithError(ctx, run.ID, job.ID, now, execErr)
		return true, execErr
	}
	span.End()

	finishedAt := time.Now().UTC()
	summary := o.deriveSummary(now, finishedAt, result)

	status := runStatusFromExit(result.ExitStatus)
	summaryJSON, _ := json.Marshal(summary)
	if err := o.store.FinalizeRun(ctx, run.ID, status, finishedAt, string(summaryJSON), ""); err != nil {
		return true, fmt.Errorf("orchestrator: finalize run: %w", err)
	}
	if o.metrics != nil {
		o.metrics.RunsTotal.Add(ctx, 1)
		if status == store.RunFailed {
			o.metrics.RunsFailedTotal.Add(ctx, 1)
		}
		duration := finishedAt.Sub(now).Seconds()
		if duration >= 0 {
			o.metrics.RunDuration.Record(ctx, duration)
		}
	}
	o.bus.Publish(bus.TopicRunFinished, run.ID)
	return true, nil
}

// leaseRenewalInterval is how often an executing job's lease is renewed
// (spec.md §4.7: LEASE_RENEWAL_INTERVAL_MS = 15000).
const leaseRenewalInterval = 15 * time.Second

// startLeaseRenewal runs a background ticker that renews jobID's lease
// until the returned stop func is called. Grounded on the teacher's
// internal/cron/scheduler.go ticker-loop-with-context-cancel shape.
func (o *Orchestrator) startLeaseRenewal(ctx context.Context, jobID string, leaseDurationMs int64) func() {
	renewCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(leaseRenewalInterval)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				if err := o.store.RenewJobLease(renewCtx, jobID, time.Now().UTC(), leaseDurationMs); err != nil {
					if o.logger != nil {
						o.logger.Warn("lease renewal failed", "job_id", jobID, "err", err)
					}
					continue
				}
				if o.metrics != nil {
					o.metrics.LeaseRenewals.Add(renewCtx, 1)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// abortKillSwitch fails a leased run without ever invoking an Executor,
// for the case where the kill switch flipped on after enqueue but before
// this job was leased.
func (o *Orchestrator) abortKillSwitch(ctx context.Context, runID string) {
	errEvent := eventmodel.Event{Type: eventmodel.TypeError, Message: "Maintenance mode: kill switch is enabled"}
	_, _ = o.store.AppendRunEvent(ctx, runID, string(errEvent.Type), errEvent)
	o.bus.Publish(bus.TopicRunEvent, bus.RunEventPayload{RunID: runID, Event: errEvent})

	now := time.Now().UTC()
	_ = o.store.FinalizeRun(ctx, runID, store.RunFailed, now, "", "kill-switch")
	if o.metrics != nil {
		o.metrics.RunsTotal.Add(ctx, 1)
		o.metrics.RunsFailedTotal.Add(ctx, 1)
	}
	o.bus.Publish(bus.TopicRunFinished, runID)
}

func (o *Orchestrator) finishWithError(ctx context.Context, runID, jobID string, startedAt time.Time, execErr error) {
	errEvent := eventmodel.Event{Type: eventmodel.TypeError, Message: execErr.Error()}
	_, _ = o.store.AppendRunEvent(ctx, runID, string(errEvent.Type), errEvent)
	now := time.Now().UTC()
	summaryJSON, _ := json.Marshal(summary{DurationMs: durationMs(startedAt, now)})
	_ = o.store.FinalizeRun(ctx, runID, store.RunFailed, now, string(summaryJSON), execErr.Error())
	o.bus.Publish(bus.TopicRunFinished, runID)
}

type summary struct {
	DurationMs     int64 `json:"durationMs"`
	ToolCallsCount int   `json:"toolCallsCount"`
	BytesIn        int64 `json:"bytesIn"`
	BytesOut       int64 `json:"bytesOut"`
}

func (o *Orchestrator) deriveSummary(startedAt, finishedAt time.Time, result ExecResult) summary {
	toolCalls := result.ToolCallsCount
	if !result.EventsPersisted {
		toolCalls = 0
		for _, ev := range result.Events {
			if ev.Type == eventmodel.TypeToolStart {
				toolCalls++
			}
		}
	}
	bytesOut := result.BytesOut
	if bytesOut == 0 && !result.EventsPersisted {
		for _, ev := range result.Events {
			if b, err := json.Marshal(ev); err == nil {
				bytesOut += int64(len(b))
			}
		}
	}
	return summary{
		DurationMs:     durationMs(startedAt, finishedAt),
		ToolCallsCount: toolCalls,
		BytesIn:        result.BytesIn,
		BytesOut:       bytesOut,
	}
}

func durationMs(startedAt, finishedAt time.Time) int64 {
	d := finishedAt.Sub(startedAt).Milliseconds()
	if d < 0 {
		return 0
	}
	return d
}

func runStatusFromExit(status eventmodel.RunStatus) store.RunStatus {
	switch status {
	case eventmodel.RunStatusSuccess:
		return store.RunCompleted
	case eventmodel.RunStatusCancelled:
		return store.RunCancelled
	default:
		return store.RunFailed
	}
}

// Reconcile abandons in_flight runs older than staleBeforeMs and requeues
// their jobs (spec.md §4.6 Reconcile).
func (o *Orchestrator) Reconcile(ctx context.Context, now time.Time, staleBeforeMs int64) ([]string, int, error) {
	cutoff := now.Add(-time.Duration(staleBeforeMs) * time.Millisecond)
	staleRunIDs, err := o.store.ListStaleInFlightRuns(ctx, cutoff)
	if err != nil {
		return nil, 0, fmt.Errorf("orchestrator: list stale in_flight runs: %w", err)
	}

	var abandoned []string
	requeued := 0
	for _, runID := range staleRunIDs {
		changed, err := o.store.AbandonRun(ctx, runID, now)
		if err != nil {
			if o.logger != nil {
				o.logger.Warn("reconcile_abandon_failed", "run_id", runID, "err", err)
			}
			continue
		}
		if !changed {
			continue
		}
		abandoned = append(abandoned, runID)
		if o.metrics != nil {
			o.metrics.RunsAbandoned.Add(ctx, 1)
		}
		o.bus.Publish(bus.TopicRunAbandoned, runID)

		if err := o.store.RequeueLeasedJobByRunID(ctx, runID, now); err != nil {
			if o.logger != nil {
				o.logger.Warn("reconcile_requeue_failed", "run_id", runID, "err", err)
			}
			continue
		}
		requeued++
	}
	return abandoned, requeued, nil
}
