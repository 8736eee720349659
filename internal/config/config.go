// Package config loads the process environment and the projects file,
// and watches the latter for hot reload.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Engine is one of the two supported agent CLI tools.
type Engine string

const (
	EngineClaude   Engine = "claude"
	EngineOpenCode Engine = "opencode"
)

// Project describes one on-disk project the bot can drive an engine against.
type Project struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	RootPath          string `json:"rootPath"`
	DefaultEngine     Engine `json:"defaultEngine"`
	OpenCodeAttachURL string `json:"opencodeAttachUrl,omitempty"`
}

// Config is the fully resolved process configuration.
type Config struct {
	TelegramBotToken       string
	TelegramOwnerUserID    int64
	DataDir                string
	ProjectsConfigPath     string
	DashboardPort          int
	DashboardBindHost      string
	DashboardBasicAuthUser string
	DashboardBasicAuthPass string
	KillSwitchDisableRuns  bool
	MaxUploadBytes         int64
	LogLevel               string

	ClaudeBinary   string
	OpenCodeBinary string
	ClaudeModel    string
	OpenCodeModel  string

	OTelEnabled     bool
	OTelExporter    string
	OTelServiceName string
	OTelSampleRate  float64

	RetentionHorizonDays int
}

// Load reads configuration from the process environment, applying the
// defaults documented in SPEC_FULL.md §6/§8.
func Load() (Config, error) {
	cfg := Config{
		DataDir:              "./data",
		ProjectsConfigPath:   "./config/projects.json",
		DashboardPort:        4312,
		DashboardBindHost:    "127.0.0.1",
		MaxUploadBytes:       26214400,
		LogLevel:             "info",
		RetentionHorizonDays: 30,
	}

	cfg.TelegramBotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	if cfg.TelegramBotToken == "" {
		return cfg, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	ownerRaw := os.Getenv("TELEGRAM_OWNER_USER_ID")
	if ownerRaw == "" {
		return cfg, fmt.Errorf("TELEGRAM_OWNER_USER_ID is required")
	}
	ownerID, err := strconv.ParseInt(ownerRaw, 10, 64)
	if err != nil {
		return cfg, fmt.Errorf("parse TELEGRAM_OWNER_USER_ID: %w", err)
	}
	cfg.TelegramOwnerUserID = ownerID

	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("PROJECTS_CONFIG_PATH"); v != "" {
		cfg.ProjectsConfigPath = v
	}
	if v := os.Getenv("DASHBOARD_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DashboardPort = n
		}
	}
	if v := os.Getenv("DASHBOARD_BIND_HOST"); v != "" {
		cfg.DashboardBindHost = v
	}
	cfg.DashboardBasicAuthUser = os.Getenv("DASHBOARD_BASIC_AUTH_USER")
	cfg.DashboardBasicAuthPass = os.Getenv("DASHBOARD_BASIC_AUTH_PASS")
	if v := os.Getenv("KILL_SWITCH_DISABLE_RUNS"); v != "" {
		b, _ := strconv.ParseBool(v)
		cfg.KillSwitchDisableRuns = b
	}
	if v := os.Getenv("MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	cfg.ClaudeBinary = os.Getenv("CLAUDE_BINARY")
	cfg.OpenCodeBinary = os.Getenv("OPENCODE_BINARY")
	cfg.ClaudeModel = os.Getenv("CLAUDE_MODEL")
	cfg.OpenCodeModel = os.Getenv("OPENCODE_MODEL")

	if v := os.Getenv("OTEL_ENABLED"); v != "" {
		b, _ := strconv.ParseBool(v)
		cfg.OTelEnabled = b
	}
	cfg.OTelExporter = os.Getenv("OTEL_EXPORTER")
	cfg.OTelServiceName = os.Getenv("OTEL_SERVICE_NAME")
	if v := os.Getenv("OTEL_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.OTelSampleRate = f
		}
	}

	if v := os.Getenv("RETENTION_HORIZON_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetentionHorizonDays = n
		}
	}

	return cfg, nil
}

// LoadProjects reads the projects file (a JSON array per SPEC_FULL.md §6).
func LoadProjects(path string) ([]Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read projects file: %w", err)
	}
	var projects []Project
	if err := json.Unmarshal(data, &projects); err != nil {
		return nil, fmt.Errorf("parse projects file: %w", err)
	}
	for i, p := range projects {
		if p.DefaultEngine == "" {
			projects[i].DefaultEngine = EngineClaude
		}
		if !strings.EqualFold(string(p.DefaultEngine), string(EngineClaude)) &&
			!strings.EqualFold(string(p.DefaultEngine), string(EngineOpenCode)) {
			return nil, fmt.Errorf("project %q: unknown defaultEngine %q", p.ID, p.DefaultEngine)
		}
	}
	return projects, nil
}
