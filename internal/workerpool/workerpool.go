// Package workerpool implements the WorkerPool of spec.md §4.7: a bounded
// concurrent job supervisor over internal/orchestrator, with lease renewal,
// periodic stale-run reconciliation, and graceful shutdown. Grounded on the
// teacher's internal/cron/scheduler.go (ticker-driven loop, context-based
// Start/Stop, sync.WaitGroup shutdown) for the poll loop's shape, and its
// use of github.com/robfig/cron/v3 for the hourly hard-ceiling
// reconciliation sweep (the teacher uses the same library to fire its own
// periodic schedules off a cron expression).
package workerpool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/clibridge/agentbridge/internal/orchestrator"
	"github.com/clibridge/agentbridge/internal/runner"
)

const (
	// MaxConcurrentJobs bounds in-flight jobs (spec.md §4.7).
	MaxConcurrentJobs = 3
	// PollInterval is the sleep when idle or at capacity.
	PollInterval = 750 * time.Millisecond
	// LeaseDurationMs is the lease duration requested on each renewal; the
	// renewal ticker itself runs inside Orchestrator.Process, which is the
	// only place that knows the leased job's id for the run's duration.

	LeaseDurationMs = 30000
	// ShutdownGrace is how long Stop waits for active jobs to clear.
	ShutdownGrace = 5 * time.Second
	// StaleRunThresholdMs is the hard ceiling after which an in_flight run
	// is considered abandoned by the hourly reconciliation sweep.
	StaleRunThresholdMs = 60 * 60 * 1000
)

// Config holds the dependencies for a Pool.
type Config struct {
	Orchestrator *orchestrator.Orchestrator
	Executor     orchestrator.Executor
	Runner       *runner.Runner
	Logger       *slog.Logger
	Owner        string // lease owner identity, e.g. hostname:pid
}

// Pool is the WorkerPool of spec.md §4.7.
type Pool struct {
	orch      *orchestrator.Orchestrator
	exec      orchestrator.Executor
	runner    *runner.Runner
	logger    *slog.Logger
	owner     string
	cronSweep *cronlib.Cron

	mu           sync.Mutex
	activeJobs   int
	shuttingDown bool
	cancel       context.CancelFunc
	loopDone     chan struct{}
}

// New builds a Pool. Call Start to begin polling.
func New(cfg Config) *Pool {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	owner := cfg.Owner
	if owner == "" {
		owner = "agentbridged"
	}
	return &Pool{
		orch:     cfg.Orchestrator,
		exec:     cfg.Executor,
		runner:   cfg.Runner,
		logger:   logger,
		owner:    owner,
		loopDone: make(chan struct{}),
	}
}

// Start launches the poll loop and the hourly reconciliation cron.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.cronSweep = cronlib.New()
	_, _ = p.cronSweep.AddFunc("@hourly", func() { p.reconcileStale(ctx) })
	p.cronSweep.Start()

	go p.loop(ctx)
	p.logger.Info("worker pool started", "max_concurrent_jobs", MaxConcurrentJobs)
}

// Stop sets the shutting-down flag, cancels all running processes, and
// waits up to ShutdownGrace for active jobs to clear (spec.md §4.7).
func (p *Pool) Stop() {
	p.mu.Lock()
	p.shuttingDown = true
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	if p.cronSweep != nil {
		<-p.cronSweep.Stop().Done()
	}
	if p.runner != nil {
		p.runner.CancelAll()
	}

	deadline := time.After(ShutdownGrace)
	for {
		if p.ActiveJobs() == 0 {
			break
		}
		select {
		case <-deadline:
			p.logger.Warn("worker pool shutdown grace expired with jobs still active", "active_jobs", p.ActiveJobs())
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
	p.logger.Info("worker pool stopped")
}

// ActiveJobs returns the current in-flight job count.
func (p *Pool) ActiveJobs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeJobs
}

func (p *Pool) isShuttingDown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shuttingDown
}

func (p *Pool) loop(ctx context.Context) {
	defer close(p.loopDone)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if p.isShuttingDown() || p.ActiveJobs() >= MaxConcurrentJobs {
			if !sleepOrDone(ctx, PollInterval) {
				return
			}
			continue
		}

		p.mu.Lock()
		p.activeJobs++
		p.mu.Unlock()

		go p.runOne(ctx)

		if !sleepOrDone(ctx, PollInterval) {
			return
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (p *Pool) runOne(ctx context.Context) {
	defer func() {
		p.mu.Lock()
		p.activeJobs--
		p.mu.Unlock()
	}()

	processed, err := p.orch.Process(ctx, p.owner, LeaseDurationMs, p.exec)
	if err != nil {
		p.logger.Error("worker job failed", "err", err)
		return
	}
	if !processed {
		// No job was available; avoid busy-spinning by absorbing one
		// poll interval here too.
		sleepOrDone(ctx, PollInterval)
	}
}

func (p *Pool) reconcileStale(ctx context.Context) {
	abandoned, requeued, err := p.orch.Reconcile(ctx, time.Now().UTC(), StaleRunThresholdMs)
	if err != nil {
		p.logger.Error("reconciliation sweep failed", "err", err)
		return
	}
	if len(abandoned) > 0 {
		p.logger.Info("reconciliation sweep abandoned stale runs", "count", len(abandoned), "requeued", requeued)
	}
}
