// Command agentbridged is the agentbridge daemon: it owns the Telegram
// long-poll connection, the run orchestrator and worker pool, and the
// read-only dashboard, all wired from the environment per SPEC_FULL.md §6/§8.
// Grounded on the teacher's cmd/goclaw/main.go: same phase ordering (load
// config, open audit before the logger so early failures still land
// somewhere, init the logger, init otel, open the store, start background
// components, serve, wait for a signal, shut down in reverse), same
// loadDotEnv convenience, same signal.NotifyContext + phased-shutdown shape.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/clibridge/agentbridge/internal/audit"
	"github.com/clibridge/agentbridge/internal/bus"
	"github.com/clibridge/agentbridge/internal/config"
	"github.com/clibridge/agentbridge/internal/dashboard"
	"github.com/clibridge/agentbridge/internal/eventmodel"
	"github.com/clibridge/agentbridge/internal/executor"
	"github.com/clibridge/agentbridge/internal/orchestrator"
	otelpkg "github.com/clibridge/agentbridge/internal/otel"
	"github.com/clibridge/agentbridge/internal/runner"
	"github.com/clibridge/agentbridge/internal/store"
	"github.com/clibridge/agentbridge/internal/streamer"
	"github.com/clibridge/agentbridge/internal/telegrambot"
	"github.com/clibridge/agentbridge/internal/telegramtransport"
	"github.com/clibridge/agentbridge/internal/telemetry"
	"github.com/clibridge/agentbridge/internal/workerpool"
)

func main() {
	loadDotEnv(".env")

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "agentbridged: config:", err)
		os.Exit(1)
	}

	auditLog, err := audit.Open(cfg.DataDir, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "agentbridged: audit:", err)
		os.Exit(1)
	}
	defer auditLog.Close()

	logger, logCloser, err := telemetry.NewLogger(cfg.DataDir, cfg.LogLevel, false)
	if err != nil {
		fmt.Fprintln(os.Stderr, "agentbridged: logger:", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelProvider, err := otelpkg.Init(ctx, otelpkg.Config{
		Enabled:     cfg.OTelEnabled,
		Exporter:    cfg.OTelExporter,
		ServiceName: cfg.OTelServiceName,
		SampleRate:  cfg.OTelSampleRate,
	})
	if err != nil {
		logger.Error("otel_init_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel_shutdown_failed", slog.String("error", err.Error()))
		}
	}()

	var metrics *otelpkg.Metrics
	if otelProvider.Meter != nil {
		metrics, err = otelpkg.NewMetrics(otelProvider.Meter)
		if err != nil {
			logger.Error("otel_metrics_init_failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, "agentbridge.db"))
	if err != nil {
		logger.Error("store_open_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer st.Close()
	auditLog.SetDB(st.DB())

	if err := loadProjectsInto(ctx, cfg.ProjectsConfigPath, st, logger); err != nil {
		logger.Error("projects_load_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	eventBus := bus.NewWithLogger(logger)
	procRunner := runner.New(logger)

	exec := executor.New(executor.Config{
		Store:         st,
		Runner:        procRunner,
		Bus:           eventBus,
		Logger:        logger,
		Metrics:       metrics,
		ClaudeModel:   cfg.ClaudeModel,
		OpenCodeModel: cfg.OpenCodeModel,

		ClaudeBinary:   cfg.ClaudeBinary,
		OpenCodeBinary: cfg.OpenCodeBinary,
	})

	orch := orchestrator.New(st, eventBus, logger)
	orch.SetMetrics(metrics)
	orch.SetKillSwitch(cfg.KillSwitchDisableRuns)

	owner := leaseOwner()
	pool := workerpool.New(workerpool.Config{
		Orchestrator: orch,
		Executor:     exec,
		Runner:       procRunner,
		Logger:       logger,
		Owner:        owner,
	})
	pool.Start(ctx)

	botHandler := telegrambot.New(telegrambot.Config{
		Store:         st,
		Orchestrator:  orch,
		Audit:         auditLog,
		Logger:        logger,
		OwnerUserID:   cfg.TelegramOwnerUserID,
		KillSwitch:    cfg.KillSwitchDisableRuns,
		DataDir:       cfg.DataDir,
		MaxUploadSize: cfg.MaxUploadBytes,
	})

	transport := telegramtransport.New(cfg.TelegramBotToken, botHandler, logger, cfg.MaxUploadBytes)
	if err := transport.Connect(); err != nil {
		logger.Error("telegram_connect_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	go func() {
		if err := transport.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("telegram_transport_stopped", slog.String("error", err.Error()))
		}
	}()

	runStreamer := streamer.New(streamer.Config{Sender: transport.NewStreamSender()})
	go bridgeRunEvents(ctx, eventBus, st, runStreamer, logger)

	dashSrv := dashboard.New(dashboard.Config{
		Store:    st,
		Pool:     pool,
		Audit:    auditLog,
		Logger:   logger,
		AuthUser: cfg.DashboardBasicAuthUser,
		AuthPass: cfg.DashboardBasicAuthPass,
	})
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.DashboardBindHost, cfg.DashboardPort),
		Handler: dashSrv.Handler(),
	}
	serverErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	watcher := config.NewWatcher(cfg.ProjectsConfigPath, logger)
	go func() {
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("projects_watcher_stopped", slog.String("error", err.Error()))
		}
	}()
	go watchProjects(ctx, watcher, cfg.ProjectsConfigPath, st, logger)

	retentionCron := cronlib.New()
	if _, err := retentionCron.AddFunc("@daily", func() { runRetentionSweep(ctx, st, cfg.RetentionHorizonDays, logger) }); err != nil {
		logger.Error("retention_schedule_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	retentionCron.Start()

	logger.Info("agentbridged_started",
		slog.String("dashboard_addr", httpServer.Addr),
		slog.Int64("owner_user_id", cfg.TelegramOwnerUserID),
	)

	select {
	case <-ctx.Done():
		logger.Info("shutdown_signal_received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("dashboard_server_failed", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("dashboard_shutdown_failed", slog.String("error", err.Error()))
	}
	<-retentionCron.Stop().Done()
	pool.Stop()
	procRunner.CancelAll()
	logger.Info("agentbridged_stopped")
}

// runRetentionSweep deletes run_events and audit_log rows older than
// horizonDays, scheduled daily from main via robfig/cron/v3 (the same
// library workerpool uses for its hourly reconciliation sweep).
func runRetentionSweep(ctx context.Context, st *store.Store, horizonDays int, logger *slog.Logger) {
	result, err := st.RunRetention(ctx, horizonDays)
	if err != nil {
		logger.Warn("retention_sweep_failed", slog.String("error", err.Error()))
		return
	}
	logger.Info("retention_sweep_completed",
		slog.Int64("purged_run_events", result.PurgedRunEvents),
		slog.Int64("purged_audit_logs", result.PurgedAuditLogs),
	)
}

func leaseOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// loadProjectsInto seeds the store from the projects file at startup. A
// project present in the store but absent from the file is left alone —
// deletions are only applied via the live watcher (watchProjects), which
// can tell "removed from file" apart from "file not readable yet".
func loadProjectsInto(ctx context.Context, path string, st *store.Store, logger *slog.Logger) error {
	projects, err := config.LoadProjects(path)
	if err != nil {
		return err
	}
	for _, p := range projects {
		if err := st.UpsertProject(ctx, store.Project{
			ID:                p.ID,
			Name:              p.Name,
			RootPath:          p.RootPath,
			DefaultEngine:     string(p.DefaultEngine),
			OpenCodeAttachURL: p.OpenCodeAttachURL,
		}); err != nil {
			return fmt.Errorf("seed project %q: %w", p.ID, err)
		}
	}
	logger.Info("projects_loaded", slog.Int("count", len(projects)))
	return nil
}

// watchProjects reloads the projects file on every fsnotify event and
// diffs it against the store: deleting rows the file no longer lists,
// then upserting additions/changes, per SPEC_FULL.md §8's hot-reload
// resolution of the original spec's open question.
func watchProjects(ctx context.Context, w *config.Watcher, path string, st *store.Store, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-w.Events():
			if !ok {
				return
			}
			projects, err := config.LoadProjects(path)
			if err != nil {
				logger.Warn("projects_reload_failed", slog.String("error", err.Error()))
				continue
			}
			existing, err := st.ListProjects(ctx)
			if err != nil {
				logger.Warn("projects_list_failed", slog.String("error", err.Error()))
				continue
			}
			seen := make(map[string]bool, len(projects))
			for _, p := range projects {
				seen[p.ID] = true
			}
			for _, old := range existing {
				if !seen[old.ID] {
					if err := st.DeleteProject(ctx, old.ID); err != nil {
						logger.Warn("project_delete_failed", slog.String("project_id", old.ID), slog.String("error", err.Error()))
						continue
					}
					logger.Info("project_removed", slog.String("project_id", old.ID))
				}
			}
			for _, p := range projects {
				if err := st.UpsertProject(ctx, store.Project{
					ID:                p.ID,
					Name:              p.Name,
					RootPath:          p.RootPath,
					DefaultEngine:     string(p.DefaultEngine),
					OpenCodeAttachURL: p.OpenCodeAttachURL,
				}); err != nil {
					logger.Warn("project_upsert_failed", slog.String("project_id", p.ID), slog.String("error", err.Error()))
				}
			}
			logger.Info("projects_reloaded", slog.Int("count", len(projects)))
		}
	}
}

// bridgeRunEvents subscribes to every run.* topic and forwards each
// message to the Telegram streamer, resolving the owning chat's external
// (Telegram) id through the run's session and chat rows. This is the one
// piece of glue that lets internal/executor and internal/orchestrator stay
// ignorant of Telegram entirely: they publish normalized run events, and
// only this bridge knows how to turn a run id into somewhere to send them.
func bridgeRunEvents(ctx context.Context, b *bus.Bus, st *store.Store, s *streamer.Streamer, logger *slog.Logger) {
	sub := b.Subscribe("run.")
	defer b.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			switch ev.Topic {
			case bus.TopicRunEvent:
				payload, ok := ev.Payload.(bus.RunEventPayload)
				if !ok {
					logger.Warn("run_event_bad_payload", slog.String("topic", ev.Topic))
					continue
				}
				chatID, err := resolveChatID(ctx, st, payload.RunID)
				if err != nil {
					logger.Warn("run_event_chat_lookup_failed", slog.String("run_id", payload.RunID), slog.String("error", err.Error()))
					continue
				}
				if err := s.HandleEvent(chatID, payload.RunID, payload.Event); err != nil {
					logger.Warn("run_event_stream_failed", slog.String("run_id", payload.RunID), slog.String("error", err.Error()))
				}
			case bus.TopicRunFinished:
				runID, ok := ev.Payload.(string)
				if !ok {
					logger.Warn("run_finished_bad_payload")
					continue
				}
				finishRun(ctx, st, s, runID, logger)
			case bus.TopicRunStarted, bus.TopicRunAbandoned:
				// Logged only; the streamer's progress message already
				// carries started/abandoned state via HandleEvent/FinishRun.
				logger.Debug("run_lifecycle", slog.String("topic", ev.Topic))
			}
		}
	}
}

func finishRun(ctx context.Context, st *store.Store, s *streamer.Streamer, runID string, logger *slog.Logger) {
	run, err := st.GetRun(ctx, runID)
	if err != nil {
		logger.Warn("run_finished_lookup_failed", slog.String("run_id", runID), slog.String("error", err.Error()))
		return
	}
	chatID, err := resolveChatID(ctx, st, runID)
	if err != nil {
		logger.Warn("run_finished_chat_lookup_failed", slog.String("run_id", runID), slog.String("error", err.Error()))
		return
	}

	var durationMs int64
	if run.StartedAt != nil && run.FinishedAt != nil {
		durationMs = run.FinishedAt.Sub(*run.StartedAt).Milliseconds()
	}

	sess, err := st.GetSession(ctx, run.SessionID)
	engineSessionID := ""
	if err == nil {
		engineSessionID = sess.EngineSessionID
	}

	result := streamer.FinishResult{
		Status:          eventmodel.RunStatus(run.Status),
		DurationMs:      durationMs,
		EngineSessionID: engineSessionID,
	}
	if err := s.FinishRun(chatID, runID, result); err != nil {
		logger.Warn("run_finish_stream_failed", slog.String("run_id", runID), slog.String("error", err.Error()))
	}
}

func resolveChatID(ctx context.Context, st *store.Store, runID string) (int64, error) {
	run, err := st.GetRun(ctx, runID)
	if err != nil {
		return 0, fmt.Errorf("load run: %w", err)
	}
	sess, err := st.GetSession(ctx, run.SessionID)
	if err != nil {
		return 0, fmt.Errorf("load session: %w", err)
	}
	chat, err := st.GetChat(ctx, sess.ChatID)
	if err != nil {
		return 0, fmt.Errorf("load chat: %w", err)
	}
	chatID, err := strconv.ParseInt(chat.ExternalChatID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse external chat id %q: %w", chat.ExternalChatID, err)
	}
	return chatID, nil
}

// loadDotEnv applies KEY=VALUE lines from path to the process environment,
// without overriding anything already set. Missing files are silently
// ignored; this is a convenience for local runs, not a required input.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
