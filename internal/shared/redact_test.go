package shared

import (
	"strings"
	"testing"
)

func TestRedactBearerToken(t *testing.T) {
	input := "Bearer abc123def456ghi789jkl0"
	result := Redact(input)
	if result == input {
		t.Fatalf("expected redaction, got %q", result)
	}
	if result != "Bearer [REDACTED]" {
		t.Fatalf("got %q", result)
	}
}

func TestRedactTelegramToken(t *testing.T) {
	input := "failed using token 123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw"
	result := Redact(input)
	if result == input {
		t.Fatalf("expected telegram token redacted, got %q", result)
	}
}

func TestRedactAnthropicKey(t *testing.T) {
	input := "auth error for sk-ant-" + strings.Repeat("x", 24)
	result := Redact(input)
	if result == input {
		t.Fatalf("expected anthropic key redacted, got %q", result)
	}
}

func TestRedactNoSecret(t *testing.T) {
	input := "this is a normal stderr line"
	if got := Redact(input); got != input {
		t.Fatalf("expected no redaction, got %q", got)
	}
}

func TestRedactEmpty(t *testing.T) {
	if got := Redact(""); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestRedactEnvValue(t *testing.T) {
	cases := []struct{ key, value, want string }{
		{"TELEGRAM_BOT_TOKEN", "123:abc", "[REDACTED]"},
		{"DASHBOARD_BASIC_AUTH_PASS", "hunter2", "[REDACTED]"},
		{"DASHBOARD_BIND_HOST", "127.0.0.1", "127.0.0.1"},
		{"DATA_DIR", "./data", "./data"},
	}
	for _, tc := range cases {
		if got := RedactEnvValue(tc.key, tc.value); got != tc.want {
			t.Errorf("RedactEnvValue(%q, %q) = %q, want %q", tc.key, tc.value, got, tc.want)
		}
	}
}
