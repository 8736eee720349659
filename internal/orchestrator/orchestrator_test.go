package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/clibridge/agentbridge/internal/bus"
	"github.com/clibridge/agentbridge/internal/eventmodel"
	"github.com/clibridge/agentbridge/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedProjectSession(t *testing.T, s *store.Store) (projectID, sessionID string) {
	t.Helper()
	ctx := context.Background()
	projectID = store.NewID()
	if err := s.UpsertProject(ctx, store.Project{ID: projectID, Name: "demo", RootPath: "/tmp/demo", DefaultEngine: "claude"}); err != nil {
		t.Fatalf("upsert project: %v", err)
	}
	sessionID, err := s.CreateSession(ctx, store.Session{ProjectID: projectID, Provider: "claude", Status: "new"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return projectID, sessionID
}

type fakeExecutor struct {
	result ExecResult
	err    error
	calls  int
}

func (f *fakeExecutor) Execute(ctx context.Context, p ExecParams) (ExecResult, error) {
	f.calls++
	return f.result, f.err
}

func TestEnqueueIdempotentByKey(t *testing.T) {
	s := newTestStore(t)
	o := New(s, bus.New(), nil)
	ctx := context.Background()
	projectID, sessionID := seedProjectSession(t, s)

	run1, err := o.Enqueue(ctx, projectID, sessionID, "key-1", "hello")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	run2, err := o.Enqueue(ctx, projectID, sessionID, "key-1", "hello again")
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if run1.ID != run2.ID {
		t.Fatalf("expected same run id, got %s vs %s", run1.ID, run2.ID)
	}
}

func TestEnqueueRejectsSessionAlreadyActive(t *testing.T) {
	s := newTestStore(t)
	o := New(s, bus.New(), nil)
	ctx := context.Background()
	projectID, sessionID := seedProjectSession(t, s)

	if _, err := o.Enqueue(ctx, projectID, sessionID, "key-a", "first"); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	// A second distinct prompt for the same session, before the first run
	// has reached a terminal state, must be rejected.
	if _, err := o.Enqueue(ctx, projectID, sessionID, "key-b", "second"); !errors.Is(err, ErrSessionAlreadyActive) {
		t.Fatalf("expected ErrSessionAlreadyActive, got %v", err)
	}
}

func TestProcessRunsToCompletion(t *testing.T) {
	s := newTestStore(t)
	o := New(s, bus.New(), nil)
	ctx := context.Background()
	projectID, sessionID := seedProjectSession(t, s)

	run, err := o.Enqueue(ctx, projectID, sessionID, "key-1", "hello")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	exec := &fakeExecutor{result: ExecResult{
		Events: []eventmodel.Event{
			{Type: eventmodel.TypeToolStart, ToolName: "Read", CallID: "1"},
			{Type: eventmodel.TypeToolEnd, ToolName: "Read", CallID: "1"},
		},
		ExitStatus:      eventmodel.RunStatusSuccess,
		EngineSessionID: "engine-sess-1",
	}}

	processed, err := o.Process(ctx, "worker-1", 30000, exec)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !processed {
		t.Fatal("expected a job to be processed")
	}
	if exec.calls != 1 {
		t.Fatalf("expected executor called once, got %d", exec.calls)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != store.RunCompleted {
		t.Fatalf("run status = %s", got.Status)
	}
	if got.SummaryJSON == "" {
		t.Fatal("expected non-empty summary json")
	}

	job, err := s.GetJobByRunID(ctx, run.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != store.JobCompleted {
		t.Fatalf("job status = %s", job.Status)
	}
}

func TestProcessNoJobAvailable(t *testing.T) {
	s := newTestStore(t)
	o := New(s, bus.New(), nil)
	ctx := context.Background()

	processed, err := o.Process(ctx, "worker-1", 30000, &fakeExecutor{})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if processed {
		t.Fatal("expected no job to be processed")
	}
}

func TestProcessFinalizesFailedOnExecutorError(t *testing.T) {
	s := newTestStore(t)
	o := New(s, bus.New(), nil)
	ctx := context.Background()
	projectID, sessionID := seedProjectSession(t, s)

	run, err := o.Enqueue(ctx, projectID, sessionID, "key-1", "hello")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	exec := &fakeExecutor{err: errors.New("spawn failed")}
	if _, err := o.Process(ctx, "worker-1", 30000, exec); err == nil {
		t.Fatal("expected process to propagate executor error")
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != store.RunFailed {
		t.Fatalf("run status = %s", got.Status)
	}

	events, err := s.ListRunEvents(ctx, run.ID)
	if err != nil {
		t.Fatalf("list run events: %v", err)
	}
	if len(events) != 1 || events[0].EventType != string(eventmodel.TypeError) {
		t.Fatalf("expected one error event, got %+v", events)
	}
}

func TestProcessAbortsWhenKillSwitchEnabled(t *testing.T) {
	s := newTestStore(t)
	o := New(s, bus.New(), nil)
	ctx := context.Background()
	projectID, sessionID := seedProjectSession(t, s)

	run, err := o.Enqueue(ctx, projectID, sessionID, "key-1", "hello")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	o.SetKillSwitch(true)

	exec := &fakeExecutor{}
	processed, err := o.Process(ctx, "worker-1", 30000, exec)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !processed {
		t.Fatal("expected the job to be leased then aborted")
	}
	if exec.calls != 0 {
		t.Fatalf("expected executor never invoked, got %d calls", exec.calls)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != store.RunFailed {
		t.Fatalf("run status = %s", got.Status)
	}

	job, err := s.GetJobByRunID(ctx, run.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != store.JobFailed {
		t.Fatalf("job status = %s", job.Status)
	}
}

func TestProcessRequeuesOnReLeaseCollision(t *testing.T) {
	s := newTestStore(t)
	o := New(s, bus.New(), nil)
	ctx := context.Background()
	projectID, sessionID := seedProjectSession(t, s)

	if _, err := o.Enqueue(ctx, projectID, sessionID, "key-1", "hello"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Simulate a Process already holding this session active in memory.
	o.mu.Lock()
	o.activeSessions[sessionID] = struct{}{}
	o.mu.Unlock()

	processed, err := o.Process(ctx, "worker-1", 30000, &fakeExecutor{})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !processed {
		t.Fatal("expected the job to be leased then requeued")
	}

	job, err := s.LeaseNextJob(ctx, "worker-2", time.Now().UTC(), 30000)
	if err != nil {
		t.Fatalf("expected job to be requeued and re-leasable: %v", err)
	}
	if job.Status != store.JobLeased {
		t.Fatalf("job status = %s", job.Status)
	}
}

func TestReconcileAbandonsAndRequeuesStaleRuns(t *testing.T) {
	s := newTestStore(t)
	o := New(s, bus.New(), nil)
	ctx := context.Background()
	projectID, sessionID := seedProjectSession(t, s)

	run, err := o.Enqueue(ctx, projectID, sessionID, "key-1", "hello")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.LeaseNextJob(ctx, "worker-1", time.Now().UTC(), 30000); err != nil {
		t.Fatalf("lease: %v", err)
	}
	staleStart := time.Now().UTC().Add(-2 * time.Hour)
	if err := s.MarkRunInFlight(ctx, run.ID, staleStart); err != nil {
		t.Fatalf("mark in_flight: %v", err)
	}

	abandoned, requeued, err := o.Reconcile(ctx, time.Now().UTC(), 60*60*1000)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(abandoned) != 1 || abandoned[0] != run.ID {
		t.Fatalf("abandoned = %+v", abandoned)
	}
	if requeued != 1 {
		t.Fatalf("requeued = %d", requeued)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != store.RunAbandoned {
		t.Fatalf("run status = %s", got.Status)
	}

	job, err := s.GetJobByRunID(ctx, run.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != store.JobQueued {
		t.Fatalf("job status = %s", job.Status)
	}
}
