package telemetry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestNewLoggerWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	logger, closer, err := NewLogger(dir, "info", true)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer closer.Close()

	logger.Info("run started", "run_id", "run-1", "telegram_token", "123456789:abcdefGHIJKLMNOPQRSTUVWXYZ012345678")

	raw, err := os.ReadFile(filepath.Join(dir, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(raw[:len(raw)-1], &entry); err != nil {
		// multiple lines possible; just validate the first
		lines := splitLines(raw)
		if err := json.Unmarshal(lines[0], &entry); err != nil {
			t.Fatalf("unmarshal log entry: %v", err)
		}
	}
	if entry["msg"] != "run started" {
		t.Fatalf("msg = %v", entry["msg"])
	}
	if entry["telegram_token"] != "[REDACTED]" {
		t.Fatalf("expected token redacted, got %v", entry["telegram_token"])
	}
}

func splitLines(raw []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range raw {
		if b == '\n' {
			out = append(out, raw[start:i])
			start = i + 1
		}
	}
	return out
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{
		"debug": "DEBUG",
		"warn":  "WARN",
		"error": "ERROR",
		"info":  "INFO",
		"":      "INFO",
	}
	for in, want := range cases {
		if got := parseLevel(in).String(); got != want {
			t.Errorf("parseLevel(%q) = %q, want %q", in, got, want)
		}
	}
}
