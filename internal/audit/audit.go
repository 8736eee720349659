// Package audit records owner-gating and command decisions to both a
// JSONL file and the store's audit_log table, grounded on the teacher's
// internal/audit/audit.go: same dual-sink design (append-only JSONL plus a
// SQL table), same secret redaction before persistence, same deny-count
// telemetry — generalized from capability allow/deny decisions to chat
// command allow/deny decisions.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clibridge/agentbridge/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Decision  string `json:"decision"`
	ChatID    string `json:"chat_id"`
	Command   string `json:"command"`
	RunID     string `json:"run_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// Log writes audit entries to a JSONL file and, if configured, a SQL
// audit_log table.
type Log struct {
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	logger    *slog.Logger
	denyCount atomic.Int64
}

// Open creates (or appends to) <dataDir>/logs/audit.jsonl.
func Open(dataDir string, logger *slog.Logger) (*Log, error) {
	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{file: f, logger: logger}, nil
}

// SetDB attaches the audit_log table sink.
func (l *Log) SetDB(db *sql.DB) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.db = db
}

// Close releases the JSONL file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// DenyCount returns the total number of deny decisions since Open.
func (l *Log) DenyCount() int64 {
	return l.denyCount.Load()
}

// Record appends one decision, redacting reason/userID before persistence.
func (l *Log) Record(decision, chatID, command, runID, reason, userID string) {
	if decision == "deny" {
		l.denyCount.Add(1)
	}

	reason = shared.Redact(reason)
	userID = shared.Redact(userID)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		ev := entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Decision:  decision,
			ChatID:    chatID,
			Command:   command,
			RunID:     runID,
			Reason:    reason,
			UserID:    userID,
		}
		if b, err := json.Marshal(ev); err == nil {
			_, _ = l.file.Write(append(b, '\n'))
		}
	}

	if l.db != nil {
		_, _ = l.db.ExecContext(context.Background(), `
			INSERT INTO audit_log (user_id, chat_id, command, run_id, decision, reason)
			VALUES (NULLIF(?,''), ?, ?, NULLIF(?,''), ?, NULLIF(?,''));
		`, userID, chatID, command, runID, decision, reason)
	}

	if l.logger != nil && decision == "deny" {
		l.logger.Warn("audit_deny", "chat_id", chatID, "command", command, "reason", reason)
	}
}
