package config

import (
	"os"
	"path/filepath"
	"testing"
)

func withEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		t.Setenv(k, v)
	}
}

func TestLoadRequiresOwnerAndToken(t *testing.T) {
	os.Unsetenv("TELEGRAM_BOT_TOKEN")
	os.Unsetenv("TELEGRAM_OWNER_USER_ID")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error when TELEGRAM_BOT_TOKEN unset")
	}
}

func TestLoadDefaults(t *testing.T) {
	withEnv(t, map[string]string{
		"TELEGRAM_BOT_TOKEN":    "123:abc",
		"TELEGRAM_OWNER_USER_ID": "42",
	})
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "./data" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.DashboardPort != 4312 {
		t.Errorf("DashboardPort = %d", cfg.DashboardPort)
	}
	if cfg.MaxUploadBytes != 26214400 {
		t.Errorf("MaxUploadBytes = %d", cfg.MaxUploadBytes)
	}
	if cfg.TelegramOwnerUserID != 42 {
		t.Errorf("TelegramOwnerUserID = %d", cfg.TelegramOwnerUserID)
	}
}

func TestLoadOverrides(t *testing.T) {
	withEnv(t, map[string]string{
		"TELEGRAM_BOT_TOKEN":      "123:abc",
		"TELEGRAM_OWNER_USER_ID":  "42",
		"DASHBOARD_PORT":          "9090",
		"KILL_SWITCH_DISABLE_RUNS": "true",
	})
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DashboardPort != 9090 {
		t.Errorf("DashboardPort = %d", cfg.DashboardPort)
	}
	if !cfg.KillSwitchDisableRuns {
		t.Errorf("expected kill switch enabled")
	}
}

func TestLoadProjectsMissingFileIsEmpty(t *testing.T) {
	projects, err := LoadProjects(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("LoadProjects: %v", err)
	}
	if len(projects) != 0 {
		t.Fatalf("expected no projects, got %d", len(projects))
	}
}

func TestLoadProjectsDefaultsEngine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "projects.json")
	if err := os.WriteFile(path, []byte(`[{"id":"p1","name":"P1","rootPath":"/tmp/p1"}]`), 0o644); err != nil {
		t.Fatalf("write projects: %v", err)
	}
	projects, err := LoadProjects(path)
	if err != nil {
		t.Fatalf("LoadProjects: %v", err)
	}
	if len(projects) != 1 || projects[0].DefaultEngine != EngineClaude {
		t.Fatalf("projects = %+v", projects)
	}
}

func TestLoadProjectsRejectsUnknownEngine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "projects.json")
	if err := os.WriteFile(path, []byte(`[{"id":"p1","name":"P1","rootPath":"/tmp/p1","defaultEngine":"gpt"}]`), 0o644); err != nil {
		t.Fatalf("write projects: %v", err)
	}
	if _, err := LoadProjects(path); err == nil {
		t.Fatalf("expected error for unknown engine")
	}
}
