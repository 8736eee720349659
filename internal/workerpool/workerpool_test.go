package workerpool

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/clibridge/agentbridge/internal/bus"
	"github.com/clibridge/agentbridge/internal/eventmodel"
	"github.com/clibridge/agentbridge/internal/orchestrator"
	"github.com/clibridge/agentbridge/internal/runner"
	"github.com/clibridge/agentbridge/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

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

type countingExecutor struct {
	n     chan struct{}
	delay time.Duration
}

func (c *countingExecutor) Execute(ctx context.Context, p orchestrator.ExecParams) (orchestrator.ExecResult, error) {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.n <- struct{}{}
	return orchestrator.ExecResult{ExitStatus: eventmodel.RunStatusSuccess}, nil
}

func seedRunnableRun(t *testing.T, s *store.Store, o *orchestrator.Orchestrator, key string) {
	t.Helper()
	ctx := context.Background()
	projectID := store.NewID()
	if err := s.UpsertProject(ctx, store.Project{ID: projectID, Name: "demo", RootPath: "/tmp/demo", DefaultEngine: "claude"}); err != nil {
		t.Fatalf("upsert project: %v", err)
	}
	sessionID, err := s.CreateSession(ctx, store.Session{ProjectID: projectID, Provider: "claude", Status: "new"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := o.Enqueue(ctx, projectID, sessionID, key, "hi"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func TestPoolProcessesQueuedJob(t *testing.T) {
	s := newTestStore(t)
	o := orchestrator.New(s, bus.New(), testLogger())
	exec := &countingExecutor{n: make(chan struct{}, 1)}
	seedRunnableRun(t, s, o, "key-1")

	pool := New(Config{Orchestrator: o, Executor: exec, Logger: testLogger(), Owner: "test-worker"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	select {
	case <-exec.n:
	case <-time.After(3 * time.Second):
		t.Fatal("expected job to be processed")
	}
}

func TestPoolCapsConcurrency(t *testing.T) {
	s := newTestStore(t)
	o := orchestrator.New(s, bus.New(), testLogger())
	// Each job holds its slot for 3s, well past the 750ms poll interval,
	// so by t=2.2s three jobs (spawned at 0, 750ms, 1.5s) are still
	// in-flight and a fourth has not yet been dispatched.
	exec := &countingExecutor{n: make(chan struct{}, 10), delay: 3 * time.Second}
	for i := 0; i < 6; i++ {
		seedRunnableRun(t, s, o, store.NewID())
	}

	pool := New(Config{Orchestrator: o, Executor: exec, Logger: testLogger(), Owner: "test-worker"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	time.Sleep(2200 * time.Millisecond)
	if active := pool.ActiveJobs(); active > MaxConcurrentJobs {
		t.Fatalf("active jobs = %d, want <= %d", active, MaxConcurrentJobs)
	}
}

func TestStopWaitsForActiveJobsThenReturns(t *testing.T) {
	s := newTestStore(t)
	o := orchestrator.New(s, bus.New(), testLogger())
	exec := &countingExecutor{n: make(chan struct{}, 1), delay: 50 * time.Millisecond}
	seedRunnableRun(t, s, o, "key-stop")

	pool := New(Config{Orchestrator: o, Executor: exec, Runner: runner.New(testLogger()), Logger: testLogger(), Owner: "test-worker"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	<-exec.n
	pool.Stop()
	if pool.ActiveJobs() != 0 {
		t.Fatalf("expected no active jobs after stop, got %d", pool.ActiveJobs())
	}
}

func TestReconcileStaleLogsFailureWithoutPanicking(t *testing.T) {
	s := newTestStore(t)
	o := orchestrator.New(s, bus.New(), testLogger())
	pool := New(Config{Orchestrator: o, Executor: &countingExecutor{n: make(chan struct{}, 1)}, Logger: testLogger()})
	pool.reconcileStale(context.Background())
}
