// Package store is the durable repository for projects, sessions, runs,
// jobs, run events, files, inbox dedupe, and the audit log (spec.md §3,
// §4.5), grounded on the teacher's internal/persistence/store.go: SQLite
// opened with mattn/go-sqlite3 over a single connection, WAL journaling,
// a schema-migration ledger, busy-retry wrapping, and the
// select-then-conditional-UPDATE transition pattern used by
// transitionTaskTx, generalized from the teacher's task lifecycle to a
// project/session/run/job lifecycle.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "agentbridge-v1-run-queue"
)

// RunStatus mirrors spec.md §3's Run.status enum.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunInFlight  RunStatus = "in_flight"
	RunLeased    RunStatus = "leased"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunAbandoned RunStatus = "abandoned"
)

// JobStatus mirrors spec.md §3's Job.status enum.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobLeased    JobStatus = "leased"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Project is a configured working directory the bridge can run agents in.
type Project struct {
	ID                string
	Name              string
	RootPath          string
	DefaultEngine     string
	OpenCodeAttachURL string
}

// Chat is one external chat surface bound to a project.
type Chat struct {
	ID             string
	ProjectID      string
	ExternalChatID string
	UnsafeUntil    *time.Time
}

// Session is one engine conversation thread.
type Session struct {
	ID              string
	ProjectID       string
	ChatID          string
	Provider        string
	EngineSessionID string
	Status          string
	Prompt          string
}

// Run is one durable work item produced by a prompt.
type Run struct {
	ID             string
	ProjectID      string
	SessionID      string
	IdempotencyKey string
	Prompt         string
	Status         RunStatus
	StartedAt      *time.Time
	FinishedAt     *time.Time
	SummaryJSON    string
}

// Job is the leasable queue entry backing a Run, one-to-one.
type Job struct {
	ID             string
	RunID          string
	Status         JobStatus
	LeaseOwner     string
	LeaseExpiresAt *time.Time
	AvailableAt    time.Time
	Attempts       int
	LastError      string
}

// RunEvent is one append-only, gap-free-sequenced event row.
type RunEvent struct {
	ID          int64
	RunID       string
	Seq         int64
	EventType   string
	PayloadJSON string
	CreatedAt   time.Time
}

// FileRecord is upload/download provenance.
type FileRecord struct {
	ID            string
	RunID         string
	Direction     string // upload | download
	OriginalName  string
	StoredRelPath string
	SizeBytes     int64
	SHA256        string
}

// AuditEntry is one append-only audit row.
type AuditEntry struct {
	ID       int64
	UserID   string
	ChatID   string
	Command  string
	RunID    string
	Decision string // allow | deny
	Reason   string
}

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

// Store wraps a single SQLite connection.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and migrates the SQLite database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for read-only dashboard queries.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA synchronous=FULL;"} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("store: set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("store: read migration version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("store: db schema v%d is newer than supported v%d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var checksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&checksum); err != nil {
			return fmt.Errorf("store: read schema checksum: %w", err)
		}
		if checksum != schemaChecksum {
			return fmt.Errorf("store: schema checksum mismatch: got %q want %q", checksum, schemaChecksum)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			root_path TEXT NOT NULL,
			default_engine TEXT NOT NULL CHECK(default_engine IN ('claude','opencode')),
			opencode_attach_url TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id),
			external_chat_id TEXT NOT NULL UNIQUE,
			unsafe_until DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id),
			chat_id TEXT REFERENCES chats(id),
			provider TEXT NOT NULL CHECK(provider IN ('claude','opencode')),
			engine_session_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'new',
			prompt TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id),
			session_id TEXT NOT NULL REFERENCES sessions(id),
			idempotency_key TEXT NOT NULL UNIQUE,
			prompt TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('queued','in_flight','leased','completed','failed','cancelled','abandoned')),
			started_at DATETIME,
			finished_at DATETIME,
			summary_json TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL UNIQUE REFERENCES runs(id),
			status TEXT NOT NULL CHECK(status IN ('queued','leased','completed','failed','cancelled')),
			lease_owner TEXT,
			lease_expires_at DATETIME,
			available_at DATETIME NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS run_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES runs(id),
			seq INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(run_id, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS files (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id),
			direction TEXT NOT NULL CHECK(direction IN ('upload','download')),
			original_name TEXT NOT NULL,
			stored_rel_path TEXT NOT NULL,
			size_bytes INTEGER NOT NULL,
			sha256 TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS inbox_updates (
			update_id TEXT PRIMARY KEY,
			chat_id TEXT,
			payload_json TEXT NOT NULL,
			received_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT,
			chat_id TEXT NOT NULL,
			command TEXT NOT NULL,
			run_id TEXT,
			decision TEXT NOT NULL CHECK(decision IN ('allow','deny')),
			reason TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status_available ON jobs(status, available_at);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_lease_expires ON jobs(lease_expires_at);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_session_status ON runs(session_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_run_seq ON run_events(run_id, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_chats_project ON chats(project_id);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_chat ON sessions(chat_id);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: exec migration: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("store: insert migration ledger: %w", err)
	}
	return tx.Commit()
}

// retryOnBusy retries f while SQLite reports BUSY/LOCKED, with bounded
// jittered backoff, mirroring the teacher's persistence.retryOnBusy.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay/2) + 1))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// NewID returns a fresh random identifier for any entity primary key.
func NewID() string { return uuid.NewString() }

// --- Projects -------------------------------------------------------------

// UpsertProject inserts or replaces a project row by id.
func (s *Store) UpsertProject(ctx context.Context, p Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, root_path, default_engine, opencode_attach_url)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			root_path = excluded.root_path,
			default_engine = excluded.default_engine,
			opencode_attach_url = excluded.opencode_attach_url;
	`, p.ID, p.Name, p.RootPath, p.DefaultEngine, p.OpenCodeAttachURL)
	if err != nil {
		return fmt.Errorf("store: upsert project: %w", err)
	}
	return nil
}

// DeleteProject removes a project not present in the latest config reload.
// Added per spec.md §3's note that config reload "deletes projects absent
// from config before upserting present ones" — no op of that name was
// listed among C5's contracted operations, so this closes that gap.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("store: delete project: %w", err)
	}
	return nil
}

// ListProjects returns every configured project.
func (s *Store) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, root_path, default_engine, opencode_attach_url FROM projects ORDER BY name;`)
	if err != nil {
		return nil, fmt.Errorf("store: list projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name, &p.RootPath, &p.DefaultEngine, &p.OpenCodeAttachURL); err != nil {
			return nil, fmt.Errorf("store: scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetProject loads one project by id.
func (s *Store) GetProject(ctx context.Context, id string) (Project, error) {
	var p Project
	err := s.db.QueryRowContext(ctx, `SELECT id, name, root_path, default_engine, opencode_attach_url FROM projects WHERE id = ?;`, id).
		Scan(&p.ID, &p.Name, &p.RootPath, &p.DefaultEngine, &p.OpenCodeAttachURL)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, fmt.Errorf("store: get project: %w", err)
	}
	return p, nil
}

// --- Chats ------------------------------------------------------------

// GetOrCreateChat returns the chat row for an external chat id, creating one
// bound to projectID if absent.
func (s *Store) GetOrCreateChat(ctx context.Context, projectID, externalChatID string) (Chat, error) {
	var c Chat
	var unsafeUntil sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, external_chat_id, unsafe_until FROM chats WHERE external_chat_id = ?;
	`, externalChatID).Scan(&c.ID, &c.ProjectID, &c.ExternalChatID, &unsafeUntil)
	if err == nil {
		if unsafeUntil.Valid {
			t := unsafeUntil.Time
			c.UnsafeUntil = &t
		}
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Chat{}, fmt.Errorf("store: get chat: %w", err)
	}

	c = Chat{ID: NewID(), ProjectID: projectID, ExternalChatID: externalChatID}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chats (id, project_id, external_chat_id) VALUES (?, ?, ?);
	`, c.ID, c.ProjectID, c.ExternalChatID)
	if err != nil {
		return Chat{}, fmt.Errorf("store: create chat: %w", err)
	}
	return c, nil
}

// GetChat loads a chat by its internal id.
func (s *Store) GetChat(ctx context.Context, chatID string) (Chat, error) {
	var c Chat
	var unsafeUntil sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, external_chat_id, unsafe_until FROM chats WHERE id = ?;
	`, chatID).Scan(&c.ID, &c.ProjectID, &c.ExternalChatID, &unsafeUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return Chat{}, ErrNotFound
	}
	if err != nil {
		return Chat{}, fmt.Errorf("store: get chat: %w", err)
	}
	if unsafeUntil.Valid {
		t := unsafeUntil.Time
		c.UnsafeUntil = &t
	}
	return c, nil
}

// SetChatProject rebinds a chat to a different project (a /project switch).
func (s *Store) SetChatProject(ctx context.Context, chatID, projectID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE chats SET project_id = ? WHERE id = ?;`, projectID, chatID)
	if err != nil {
		return fmt.Errorf("store: set chat project: %w", err)
	}
	return nil
}

// SetChatUnsafeUntil sets or clears (nil) a chat's unsafe-mode deadline.
func (s *Store) SetChatUnsafeUntil(ctx context.Context, chatID string, until *time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE chats SET unsafe_until = ? WHERE id = ?;`, until, chatID)
	if err != nil {
		return fmt.Errorf("store: set chat unsafe_until: %w", err)
	}
	return nil
}

// --- Sessions ---------------------------------------------------------

// CreateSession inserts a new session row and returns its id.
func (s *Store) CreateSession(ctx context.Context, sess Session) (string, error) {
	if sess.ID == "" {
		sess.ID = NewID()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, project_id, chat_id, provider, engine_session_id, status, prompt)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, sess.ID, sess.ProjectID, sess.ChatID, sess.Provider, sess.EngineSessionID, sess.Status, sess.Prompt)
	if err != nil {
		return "", fmt.Errorf("store: create session: %w", err)
	}
	return sess.ID, nil
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	var sess Session
	var chatID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, COALESCE(chat_id,''), provider, engine_session_id, status, prompt
		FROM sessions WHERE id = ?;
	`, id).Scan(&sess.ID, &sess.ProjectID, &chatID, &sess.Provider, &sess.EngineSessionID, &sess.Status, &sess.Prompt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("store: get session: %w", err)
	}
	sess.ChatID = chatID.String
	return sess, nil
}

// SetSessionEngineSessionID persists the engine-assigned session id once
// captured from the event stream (spec.md §4.8 step 8).
func (s *Store) SetSessionEngineSessionID(ctx context.Context, sessionID, engineSessionID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET engine_session_id = ? WHERE id = ?;`, engineSessionID, sessionID)
	if err != nil {
		return fmt.Errorf("store: set engine session id: %w", err)
	}
	return nil
}

// ListSessionsByProject returns a project's sessions oldest-first, the
// order ChatCommandHandler needs to pick "the first session in the
// project" when a chat has none selected yet (spec.md §4.9).
func (s *Store) ListSessionsByProject(ctx context.Context, projectID string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, COALESCE(chat_id,''), provider, engine_session_id, status, prompt
		FROM sessions WHERE project_id = ? ORDER BY created_at ASC;
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions by project: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var chatID sql.NullString
		if err := rows.Scan(&sess.ID, &sess.ProjectID, &chatID, &sess.Provider, &sess.EngineSessionID, &sess.Status, &sess.Prompt); err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		sess.ChatID = chatID.String
		out = append(out, sess)
	}
	return out, rows.Err()
}

// --- Runs + Jobs --------------------------------------------------------

// GetRunByIdempotencyKey returns an existing run for that key, or
// ErrNotFound.
func (s *Store) GetRunByIdempotencyKey(ctx context.Context, key string) (Run, error) {
	return s.scanRunWhere(ctx, `idempotency_key = ?`, key)
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	return s.scanRunWhere(ctx, `id = ?`, id)
}

func (s *Store) scanRunWhere(ctx context.Context, where string, arg any) (Run, error) {
	var r Run
	var startedAt, finishedAt sql.NullTime
	var summary sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, session_id, idempotency_key, prompt, status, started_at, finished_at, summary_json
		FROM runs WHERE `+where+`;
	`, arg).Scan(&r.ID, &r.ProjectID, &r.SessionID, &r.IdempotencyKey, &r.Prompt, &r.Status, &startedAt, &finishedAt, &summary)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("store: get run: %w", err)
	}
	if startedAt.Valid {
		t := startedAt.Time
		r.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		r.FinishedAt = &t
	}
	r.SummaryJSON = summary.String
	return r, nil
}

// FindActiveRunBySession returns a run in {queued,in_flight,leased} for the
// given session, or ErrNotFound.
func (s *Store) FindActiveRunBySession(ctx context.Context, sessionID string) (Run, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM runs
		WHERE session_id = ? AND status IN ('queued','in_flight','leased')
		LIMIT 1;
	`, sessionID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("store: find active run: %w", err)
	}
	return s.GetRun(ctx, id)
}

// CreateRunAndJob atomically inserts a queued run and its queued job, per
// spec.md §4.6 Enqueue step 3.
func (s *Store) CreateRunAndJob(ctx context.Context, run Run, now time.Time) (Run, Job, error) {
	if run.ID == "" {
		run.ID = NewID()
	}
	run.Status = RunQueued
	job := Job{ID: NewID(), RunID: run.ID, Status: JobQueued, AvailableAt: now}

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: begin enqueue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO runs (id, project_id, session_id, idempotency_key, prompt, status)
			VALUES (?, ?, ?, ?, ?, ?);
		`, run.ID, run.ProjectID, run.SessionID, run.IdempotencyKey, run.Prompt, run.Status); err != nil {
			return fmt.Errorf("store: insert run: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, run_id, status, available_at, attempts)
			VALUES (?, ?, ?, ?, 0);
		`, job.ID, job.RunID, job.Status, job.AvailableAt); err != nil {
			return fmt.Errorf("store: insert job: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return Run{}, Job{}, err
	}
	return run, job, nil
}

// LeaseNextJob atomically claims the oldest available queued job.
func (s *Store) LeaseNextJob(ctx context.Context, owner string, now time.Time, leaseDurationMs int64) (Job, error) {
	var job Job
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: begin lease tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var id string
		err = tx.QueryRowContext(ctx, `
			SELECT id FROM jobs
			WHERE status = 'queued' AND available_at <= ?
				AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
			ORDER BY available_at ASC
			LIMIT 1;
		`, now, now).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("store: select leasable job: %w", err)
		}

		leaseExpires := now.Add(time.Duration(leaseDurationMs) * time.Millisecond)
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'leased', lease_owner = ?, lease_expires_at = ?, attempts = attempts + 1
			WHERE id = ?;
		`, owner, leaseExpires, id); err != nil {
			return fmt.Errorf("store: lease job: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: commit lease tx: %w", err)
		}
		return s.scanJobInto(ctx, id, &job)
	})
	if err != nil {
		return Job{}, err
	}
	return job, nil
}

func (s *Store) scanJobInto(ctx context.Context, id string, job *Job) error {
	j, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	*job = j
	return nil
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	var j Job
	var leaseOwner, lastError sql.NullString
	var leaseExpires sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, status, lease_owner, lease_expires_at, available_at, attempts, COALESCE(last_error,'')
		FROM jobs WHERE id = ?;
	`, id).Scan(&j.ID, &j.RunID, &j.Status, &leaseOwner, &leaseExpires, &j.AvailableAt, &j.Attempts, &lastError)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("store: get job: %w", err)
	}
	j.LeaseOwner = leaseOwner.String
	j.LastError = lastError.String
	if leaseExpires.Valid {
		t := leaseExpires.Time
		j.LeaseExpiresAt = &t
	}
	return j, nil
}

// GetJobByRunID loads the job owned by a run.
func (s *Store) GetJobByRunID(ctx context.Context, runID string) (Job, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM jobs WHERE run_id = ?;`, runID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("store: get job by run: %w", err)
	}
	return s.GetJob(ctx, id)
}

// RenewJobLease extends a leased job's lease, called by the 15s renewal
// ticker that Orchestrator.Process runs for the job (spec.md §4.7).
func (s *Store) RenewJobLease(ctx context.Context, jobID string, now time.Time, leaseDurationMs int64) error {
	leaseExpires := now.Add(time.Duration(leaseDurationMs) * time.Millisecond)
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET lease_expires_at = ? WHERE id = ? AND status = 'leased';
	`, leaseExpires, jobID)
	if err != nil {
		return fmt.Errorf("store: renew job lease: %w", err)
	}
	return nil
}

// MarkRunInFlight transitions a run to in_flight with startedAt=now.
func (s *Store) MarkRunInFlight(ctx context.Context, runID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = 'in_flight', started_at = ? WHERE id = ?;
	`, now, runID)
	if err != nil {
		return fmt.Errorf("store: mark run in_flight: %w", err)
	}
	return nil
}

// FinalizeRun sets a run to a terminal status with finishedAt and an
// optional summary, and completes/fails its job to match.
func (s *Store) FinalizeRun(ctx context.Context, runID string, status RunStatus, now time.Time, summaryJSON string, jobErr string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: begin finalize tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			UPDATE runs SET status = ?, finished_at = ?, summary_json = ? WHERE id = ?;
		`, status, now, summaryJSON, runID); err != nil {
			return fmt.Errorf("store: finalize run: %w", err)
		}

		jobStatus := JobCompleted
		switch status {
		case RunFailed:
			jobStatus = JobFailed
		case RunCancelled:
			jobStatus = JobCancelled
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, last_error = NULLIF(?, ''), lease_owner = NULL, lease_expires_at = NULL
			WHERE run_id = ?;
		`, jobStatus, jobErr, runID); err != nil {
			return fmt.Errorf("store: finalize job: %w", err)
		}
		return tx.Commit()
	})
}

// FailJob marks the job jobID failed with an error message, without
// touching the run (used when the run itself could not be loaded).
func (s *Store) FailJob(ctx context.Context, jobID, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'failed', last_error = ?, lease_owner = NULL, lease_expires_at = NULL WHERE id = ?;
	`, errMsg, jobID)
	if err != nil {
		return fmt.Errorf("store: fail job: %w", err)
	}
	return nil
}

// CancelRun sets a run to cancelled and its job to cancelled, clearing the
// lease (spec.md §4.5).
func (s *Store) CancelRun(ctx context.Context, runID string, now time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: begin cancel tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			UPDATE runs SET status = 'cancelled', finished_at = ? WHERE id = ?;
		`, now, runID); err != nil {
			return fmt.Errorf("store: cancel run: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'cancelled', lease_owner = NULL, lease_expires_at = NULL WHERE run_id = ?;
		`, runID); err != nil {
			return fmt.Errorf("store: cancel job: %w", err)
		}
		return tx.Commit()
	})
}

// RequeueLeasedJobByRunID flips a leased job back to queued, clearing its
// lease and resetting availableAt to now (spec.md §4.5).
func (s *Store) RequeueLeasedJobByRunID(ctx context.Context, runID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'queued', lease_owner = NULL, lease_expires_at = NULL, available_at = ?
		WHERE run_id = ? AND status = 'leased';
	`, now, runID)
	if err != nil {
		return fmt.Errorf("store: requeue leased job: %w", err)
	}
	return nil
}

// AbandonRun sets a run to abandoned only if currently in_flight, idempotent
// under concurrent callers (spec.md §4.5).
func (s *Store) AbandonRun(ctx context.Context, runID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = 'abandoned', finished_at = ? WHERE id = ? AND status = 'in_flight';
	`, now, runID)
	if err != nil {
		return false, fmt.Errorf("store: abandon run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: abandon run rows affected: %w", err)
	}
	return affected == 1, nil
}

// ListStaleInFlightRuns returns run ids currently in_flight with
// startedAt older than the cutoff, for reconciliation.
func (s *Store) ListStaleInFlightRuns(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM runs WHERE status = 'in_flight' AND started_at IS NOT NULL AND started_at < ?;
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: list stale runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan stale run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Run events ---------------------------------------------------------

// AppendRunEvent inserts the next sequential event for runID. Concurrent
// appends for the same run serialize on the single-connection SQLite
// handle, so seq assignment cannot race within this process.
func (s *Store) AppendRunEvent(ctx context.Context, runID, eventType string, payload any) (RunEvent, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return RunEvent{}, fmt.Errorf("store: marshal event payload: %w", err)
	}

	var event RunEvent
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: begin append event tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var maxSeq sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM run_events WHERE run_id = ?;`, runID).Scan(&maxSeq); err != nil {
			return fmt.Errorf("store: select max seq: %w", err)
		}
		seq := int64(1)
		if maxSeq.Valid {
			seq = maxSeq.Int64 + 1
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO run_events (run_id, seq, event_type, payload_json)
			VALUES (?, ?, ?, ?);
		`, runID, seq, eventType, string(payloadJSON))
		if err != nil {
			return fmt.Errorf("store: insert run_event: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("store: run_event last insert id: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: commit append event tx: %w", err)
		}
		event = RunEvent{ID: id, RunID: runID, Seq: seq, EventType: eventType, PayloadJSON: string(payloadJSON)}
		return nil
	})
	if err != nil {
		return RunEvent{}, err
	}
	return event, nil
}

// ListRunEvents returns every event for a run, ordered by seq.
func (s *Store) ListRunEvents(ctx context.Context, runID string) ([]RunEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, seq, event_type, payload_json, created_at
		FROM run_events WHERE run_id = ? ORDER BY seq ASC;
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: list run events: %w", err)
	}
	defer rows.Close()

	var out []RunEvent
	for rows.Next() {
		var e RunEvent
		if err := rows.Scan(&e.ID, &e.RunID, &e.Seq, &e.EventType, &e.PayloadJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan run event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Inbox dedupe --------------------------------------------------------

// InsertInboxUpdate attempts to record an inbound update id, returning false
// if it was already seen (first-writer-wins).
func (s *Store) InsertInboxUpdate(ctx context.Context, updateID, chatID string, payload any) (bool, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("store: marshal inbox payload: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO inbox_updates (update_id, chat_id, payload_json)
		VALUES (?, ?, ?)
		ON CONFLICT(update_id) DO NOTHING;
	`, updateID, chatID, string(payloadJSON))
	if err != nil {
		return false, fmt.Errorf("store: insert inbox update: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: inbox update rows affected: %w", err)
	}
	return affected == 1, nil
}

// --- Files ---------------------------------------------------------------

// RecordFile inserts upload/download provenance for a run.
func (s *Store) RecordFile(ctx context.Context, f FileRecord) error {
	if f.ID == "" {
		f.ID = NewID()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files (id, run_id, direction, original_name, stored_rel_path, size_bytes, sha256)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, f.ID, f.RunID, f.Direction, f.OriginalName, f.StoredRelPath, f.SizeBytes, f.SHA256)
	if err != nil {
		return fmt.Errorf("store: record file: %w", err)
	}
	return nil
}

// --- Audit log -------------------------------------------------------------

// AppendAudit writes one append-only audit row.
func (s *Store) AppendAudit(ctx context.Context, e AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (user_id, chat_id, command, run_id, decision, reason)
		VALUES (NULLIF(?,''), ?, ?, NULLIF(?,''), ?, NULLIF(?,''));
	`, e.UserID, e.ChatID, e.Command, e.RunID, e.Decision, e.Reason)
	if err != nil {
		return fmt.Errorf("store: append audit: %w", err)
	}
	return nil
}

// --- Retention ---------------------------------------------------------

// RetentionResult holds counts of purged rows from a retention sweep.
type RetentionResult struct {
	PurgedRunEvents int64
	PurgedAuditLogs int64
}

// RunRetention deletes run_events and audit_log rows older than horizonDays.
// Each category uses its own DELETE with a shared cutoff; the sweep is
// idempotent, so a missed or doubled run has no ill effect.
func (s *Store) RunRetention(ctx context.Context, horizonDays int) (RetentionResult, error) {
	var result RetentionResult
	if horizonDays <= 0 {
		return result, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -horizonDays)

	res, err := s.db.ExecContext(ctx, `DELETE FROM run_events WHERE created_at < ?;`, cutoff)
	if err != nil {
		return result, fmt.Errorf("store: purge run_events: %w", err)
	}
	result.PurgedRunEvents, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
	if err != nil {
		return result, fmt.Errorf("store: purge audit_log: %w", err)
	}
	result.PurgedAuditLogs, _ = res.RowsAffected()

	return result, nil
}
