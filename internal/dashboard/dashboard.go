// Package dashboard is the thin HTTP read-view surface spec.md §8 and
// SPEC_FULL.md §9 call for: basic-auth-gated JSON views over the store plus
// a Prometheus /metrics endpoint. It deliberately carries no business logic
// of its own — every endpoint is a read query or a gauge snapshot, mirroring
// the "thin read-views" Non-goal. Grounded on the teacher's
// internal/gateway/gateway.go (stdlib net/http + ServeMux routing,
// handleHealthz/handleMetrics shape) and internal/gateway/auth.go
// (constant-time credential comparison), generalized from the teacher's
// Bearer-token/API-key auth to HTTP Basic auth since spec.md §6 configures
// DASHBOARD_BASIC_AUTH_USER/PASS rather than an API key list.
package dashboard

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clibridge/agentbridge/internal/audit"
	"github.com/clibridge/agentbridge/internal/store"
	"github.com/clibridge/agentbridge/internal/workerpool"
)

// Config wires the dashboard to the running daemon's collaborators.
type Config struct {
	Store    *store.Store
	Pool     *workerpool.Pool
	Audit    *audit.Log
	Logger   *slog.Logger
	AuthUser string
	AuthPass string
}

// Server serves the read-only dashboard endpoints.
type Server struct {
	cfg      Config
	registry *prometheus.Registry
}

// New builds a Server and registers its Prometheus collectors.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{cfg: cfg, registry: prometheus.NewRegistry()}
	s.registerCollectors()
	return s
}

// registerCollectors wires gauge funcs for queue depth, active workers, and
// oldest-lease age — the three signals SPEC_FULL.md §9 calls out, grounded
// on the teacher's own prometheus/client_golang-style registration.
func (s *Server) registerCollectors() {
	s.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: "agentbridge_queue_depth", Help: "Number of queued jobs awaiting a worker."},
		func() float64 {
			depth, _ := s.queueDepth(context.Background())
			return float64(depth)
		},
	))
	s.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: "agentbridge_active_workers", Help: "Number of jobs currently leased and running."},
		func() float64 {
			if s.cfg.Pool == nil {
				return 0
			}
			return float64(s.cfg.Pool.ActiveJobs())
		},
	))
	s.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: "agentbridge_oldest_lease_age_seconds", Help: "Age in seconds of the oldest outstanding job lease."},
		func() float64 {
			age, _ := s.oldestLeaseAge(context.Background())
			return age.Seconds()
		},
	))
	s.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: "agentbridge_audit_deny_total", Help: "Total audit-log deny decisions recorded this process lifetime."},
		func() float64 {
			if s.cfg.Audit == nil {
				return 0
			}
			return float64(s.cfg.Audit.DenyCount())
		},
	))
}

func (s *Server) queueDepth(ctx context.Context) (int64, error) {
	var n int64
	err := s.cfg.Store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = 'queued'`).Scan(&n)
	return n, err
}

func (s *Server) oldestLeaseAge(ctx context.Context) (time.Duration, error) {
	var leasedAt *time.Time
	err := s.cfg.Store.DB().QueryRowContext(ctx, `
		SELECT MIN(r.started_at)
		FROM jobs j JOIN runs r ON r.id = j.run_id
		WHERE j.status = 'leased'
	`).Scan(&leasedAt)
	if err != nil || leasedAt == nil {
		return 0, err
	}
	return time.Since(*leasedAt), nil
}

// Handler builds the full routed, auth-wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/api/projects", s.handleProjects)
	mux.HandleFunc("/api/runs", s.handleRuns)
	mux.HandleFunc("/api/audit", s.handleAudit)
	return s.basicAuth(mux)
}

// basicAuth gates every route except /healthz and /metrics behind HTTP Basic
// auth, constant-time-compared the way the teacher's AuthMiddleware compares
// API keys. When no credentials are configured, the dashboard is left open —
// the operator is expected to bind it to 127.0.0.1 in that case (spec.md §6
// default for DASHBOARD_BIND_HOST).
func (s *Server) basicAuth(next http.Handler) http.Handler {
	if s.cfg.AuthUser == "" && s.cfg.AuthPass == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.AuthUser)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.AuthPass)) == 1
		if !ok || !userOK || !passOK {
			w.Header().Set("WWW-Authenticate", `Basic realm="agentbridge"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if _, err := s.cfg.Store.ListProjects(r.Context()); err != nil {
		dbOK = false
	}
	depth, _ := s.queueDepth(r.Context())
	payload := map[string]any{
		"healthy":     dbOK,
		"db_ok":       dbOK,
		"queue_depth": depth,
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	projects, err := s.cfg.Store.ListProjects(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"projects": projects})
}

type runSummary struct {
	ID         string  `json:"id"`
	ProjectID  string  `json:"project_id"`
	SessionID  string  `json:"session_id"`
	Status     string  `json:"status"`
	StartedAt  *string `json:"started_at,omitempty"`
	FinishedAt *string `json:"finished_at,omitempty"`
}

// handleRuns lists recent runs, most-recent first, optionally filtered by
// ?project_id=. This is a read view only — mutating a run happens through
// the Telegram chat, never through the dashboard (SPEC_FULL.md §9 Non-goal).
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	projectID := r.URL.Query().Get("project_id")
	limit := 50

	query := `SELECT id, project_id, session_id, status, started_at, finished_at FROM runs`
	args := []any{}
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.cfg.Store.DB().QueryContext(r.Context(), query, args...)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	runs := make([]runSummary, 0, limit)
	for rows.Next() {
		var rs runSummary
		var startedAt, finishedAt *time.Time
		if err := rows.Scan(&rs.ID, &rs.ProjectID, &rs.SessionID, &rs.Status, &startedAt, &finishedAt); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if startedAt != nil {
			v := startedAt.UTC().Format(time.RFC3339)
			rs.StartedAt = &v
		}
		if finishedAt != nil {
			v := finishedAt.UTC().Format(time.RFC3339)
			rs.FinishedAt = &v
		}
		runs = append(runs, rs)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"runs": runs})
}

type auditEntry struct {
	ID       int64  `json:"id"`
	UserID   string `json:"user_id"`
	ChatID   string `json:"chat_id"`
	Command  string `json:"command"`
	RunID    string `json:"run_id"`
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

// handleAudit lists the most recent audit-log rows, most-recent first.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	const limit = 100
	rows, err := s.cfg.Store.DB().QueryContext(r.Context(), `
		SELECT id, COALESCE(user_id, ''), chat_id, command, COALESCE(run_id, ''), decision, COALESCE(reason, '')
		FROM audit_log ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	entries := make([]auditEntry, 0, limit)
	for rows.Next() {
		var e auditEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.ChatID, &e.Command, &e.RunID, &e.Decision, &e.Reason); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		entries = append(entries, e)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"entries": entries})
}
