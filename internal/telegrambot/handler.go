package telegrambot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/clibridge/agentbridge/internal/audit"
	"github.com/clibridge/agentbridge/internal/orchestrator"
	"github.com/clibridge/agentbridge/internal/store"
)

// chatState is the in-memory per-chat state machine of spec.md §4.9.
// UnsafeUntil mirrors the durable chats.unsafe_until column; it is
// rehydrated from the store on every update so a process restart or a
// second writer (the dashboard) is reflected without extra plumbing.
type chatState struct {
	ProjectID     string
	SessionID     string
	DefaultEngine string
	Model         string
	OpenCodeAgent string
	UnsafeUntil   *time.Time
	LastRunID     string
}

// Config wires the handler's dependencies.
type Config struct {
	Store         *store.Store
	Orchestrator  *orchestrator.Orchestrator
	Audit         *audit.Log
	Logger        *slog.Logger
	OwnerUserID   int64
	KillSwitch    bool
	DataDir       string
	MaxUploadSize int64
	Now           func() time.Time
}

// Handler implements ChatCommandHandler.
type Handler struct {
	cfg Config

	mu    sync.Mutex
	chats map[string]*chatState
}

// New builds a Handler.
func New(cfg Config) *Handler {
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = 26214400
	}
	return &Handler{cfg: cfg, chats: make(map[string]*chatState)}
}

// Handle processes one update and returns the actions to perform.
func (h *Handler) Handle(ctx context.Context, u Update) []Action {
	if u.Message != nil {
		return h.handleMessage(ctx, u.UpdateID, u.Message)
	}
	if u.CallbackQuery != nil {
		return h.handleCallback(ctx, u.UpdateID, u.CallbackQuery)
	}
	return nil
}

func (h *Handler) handleMessage(ctx context.Context, updateID string, msg *Message) []Action {
	chatIDStr := strconv.FormatInt(msg.Chat.ID, 10)

	if msg.Chat.Type != "private" {
		h.cfg.Audit.Record("deny", chatIDStr, "deny/group-or-non-private-chat", "", "", userIDStr(msg.From.ID))
		return nil
	}
	if msg.From.ID != h.cfg.OwnerUserID {
		h.cfg.Audit.Record("deny", chatIDStr, "deny/non-owner", "", "", userIDStr(msg.From.ID))
		return []Action{Reply{Text: "Access denied."}}
	}

	accepted, err := h.cfg.Store.InsertInboxUpdate(ctx, updateID, chatIDStr, map[string]any{"kind": "message", "text": msg.Text})
	if err != nil {
		h.logError("insert inbox update", err)
		return []Action{Reply{Text: "Internal error, please retry."}}
	}
	if !accepted {
		return nil
	}

	state := h.hydrateState(ctx, chatIDStr)

	if msg.Document != nil {
		return h.handleUpload(ctx, state, msg)
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil
	}
	if !strings.HasPrefix(text, "/") {
		return h.enqueueRun(ctx, chatIDStr, state, msg.MessageID, text)
	}
	return h.handleCommand(ctx, chatIDStr, state, msg, text)
}

func userIDStr(id int64) string { return strconv.FormatInt(id, 10) }

// hydrateState returns the in-memory state for a chat, selecting the
// first configured project on first access and refreshing UnsafeUntil
// from the durable chat row (spec.md §4.9 gatekeeping step 4).
func (h *Handler) hydrateState(ctx context.Context, chatIDStr string) *chatState {
	h.mu.Lock()
	state, ok := h.chats[chatIDStr]
	if !ok {
		state = &chatState{DefaultEngine: "claude"}
		h.chats[chatIDStr] = state
	}
	h.mu.Unlock()

	if state.ProjectID == "" {
		if projects, err := h.cfg.Store.ListProjects(ctx); err == nil && len(projects) > 0 {
			state.ProjectID = projects[0].ID
		}
	}
	if state.ProjectID != "" {
		if chat, err := h.cfg.Store.GetOrCreateChat(ctx, state.ProjectID, chatIDStr); err == nil {
			state.UnsafeUntil = chat.UnsafeUntil
		}
	}
	return state
}

func (h *Handler) logError(action string, err error) {
	if h.cfg.Logger != nil {
		h.cfg.Logger.Error("telegrambot: "+action, "err", err)
	}
}

// unsafeBanner prefixes text with an UNSAFE MODE banner when active, per
// spec.md §4.9.
func (h *Handler) unsafeBanner(state *chatState, text string) string {
	if state.UnsafeUntil == nil || !state.UnsafeUntil.After(h.cfg.Now()) {
		return text
	}
	return fmt.Sprintf("⚠️ UNSAFE MODE (expires %s)\n%s", state.UnsafeUntil.UTC().Format(time.RFC3339), text)
}

func (h *Handler) reply(state *chatState, text string) Action {
	return Reply{Text: h.unsafeBanner(state, text)}
}

func (h *Handler) replyKeyboard(state *chatState, text string, rows [][]Button) Action {
	return ReplyKeyboard{Text: h.unsafeBanner(state, text), Rows: rows}
}

func (h *Handler) editKeyboard(state *chatState, messageID int, text string, rows [][]Button) Action {
	return EditKeyboard{MessageID: messageID, Text: h.unsafeBanner(state, text), Rows: rows}
}

// handleCommand dispatches a leading-slash command.
func (h *Handler) handleCommand(ctx context.Context, chatIDStr string, state *chatState, msg *Message, text string) []Action {
	parts := strings.SplitN(text, " ", 2)
	cmd := strings.ToLower(parts[0])
	var arg string
	if len(parts) > 1 {
		arg = strings.TrimSpace(parts[1])
	}

	switch cmd {
	case "/d", "/dashboard":
		return []Action{h.renderDashboard(ctx, state)}
	case "/help", "/start":
		return []Action{h.reply(state, helpText)}
	case "/projects":
		return h.cmdProjects(ctx, state)
	case "/use":
		return h.cmdUseProject(ctx, chatIDStr, state, arg)
	case "/sessions":
		return h.cmdSessions(ctx, state)
	case "/newsession":
		return h.cmdNewSession(ctx, state, arg)
	case "/use_session":
		return h.cmdUseSession(ctx, state, arg)
	case "/engine":
		return h.cmdEngine(ctx, state, arg)
	case "/run":
		if arg == "" {
			return []Action{h.reply(state, "Usage: /run <text>")}
		}
		return h.enqueueRun(ctx, chatIDStr, state, msg.MessageID, arg)
	case "/continue":
		return h.cmdContinue(ctx, chatIDStr, state, msg.MessageID, arg)
	case "/attach":
		return h.cmdAttach(ctx, chatIDStr, state, msg.MessageID, arg)
	case "/stop":
		return h.cmdStop(ctx, state)
	case "/status":
		return h.cmdStatus(ctx, state)
	case "/current":
		return []Action{h.reply(state, h.currentText(state))}
	case "/whoami":
		return []Action{h.reply(state, fmt.Sprintf("chat %s, owner user %d", chatIDStr, h.cfg.OwnerUserID))}
	case "/enable_unsafe":
		return h.cmdEnableUnsafe(ctx, chatIDStr, state, arg)
	case "/uploads":
		return h.cmdUploads(ctx, state)
	case "/get":
		return h.cmdGet(ctx, state, arg)
	case "/reload_projects":
		return []Action{h.reply(state, "Project reload is triggered by editing the projects file; this process watches it automatically.")}
	default:
		return []Action{h.reply(state, "Unknown command. /help for a list.")}
	}
}

const helpText = "Commands: /dashboard /projects /use <id> /sessions /newsession <engine> [name] " +
	"/use_session <id> /engine <claude|opencode> /run <text> /continue [text] /attach <id> /stop " +
	"/status /current /whoami /enable_unsafe <minutes> /uploads /get <path> /help"

func (h *Handler) cmdProjects(ctx context.Context, state *chatState) []Action {
	projects, err := h.cfg.Store.ListProjects(ctx)
	if err != nil {
		return []Action{h.reply(state, "Could not list projects.")}
	}
	if len(projects) == 0 {
		return []Action{h.reply(state, "No projects configured.")}
	}
	var b strings.Builder
	for _, p := range projects {
		marker := "  "
		if p.ID == state.ProjectID {
			marker = "✓ "
		}
		fmt.Fprintf(&b, "%s%s (%s)\n", marker, p.Name, p.ID)
	}
	return []Action{h.reply(state, b.String())}
}

func (h *Handler) cmdUseProject(ctx context.Context, chatIDStr string, state *chatState, arg string) []Action {
	if arg == "" {
		return []Action{h.reply(state, "Usage: /use <projectId>")}
	}
	project, err := h.cfg.Store.GetProject(ctx, arg)
	if err != nil {
		return []Action{h.reply(state, "Unknown project id.")}
	}
	state.ProjectID = project.ID
	state.SessionID = ""
	if err := h.cfg.Store.SetChatProject(ctx, chatIDFromState(h, ctx, chatIDStr), project.ID); err != nil {
		h.logError("set chat project", err)
	}
	return []Action{h.reply(state, "Using project "+project.Name)}
}

// chatIDFromState resolves the internal chat row id for a given external
// chat id, creating the row if needed. Isolated so callers that already
// hold a *chatState don't need to thread the internal id through it.
func chatIDFromState(h *Handler, ctx context.Context, chatIDStr string) string {
	h.mu.Lock()
	state := h.chats[chatIDStr]
	h.mu.Unlock()
	if state == nil || state.ProjectID == "" {
		return ""
	}
	chat, err := h.cfg.Store.GetOrCreateChat(ctx, state.ProjectID, chatIDStr)
	if err != nil {
		return ""
	}
	return chat.ID
}

func (h *Handler) cmdSessions(ctx context.Context, state *chatState) []Action {
	if state.ProjectID == "" {
		return []Action{h.reply(state, "No project selected. /projects then /use <id>.")}
	}
	sessions, err := h.cfg.Store.ListSessionsByProject(ctx, state.ProjectID)
	if err != nil {
		return []Action{h.reply(state, "Could not list sessions.")}
	}
	if len(sessions) == 0 {
		return []Action{h.reply(state, "No sessions yet. /newsession <engine> to create one.")}
	}
	var b strings.Builder
	for _, s := range sessions {
		marker := "  "
		if s.ID == state.SessionID {
			marker = "✓ "
		}
		fmt.Fprintf(&b, "%s%s [%s]\n", marker, s.ID, s.Provider)
	}
	return []Action{h.reply(state, b.String())}
}

func (h *Handler) cmdNewSession(ctx context.Context, state *chatState, arg string) []Action {
	if state.ProjectID == "" {
		return []Action{h.reply(state, "No project selected. /projects then /use <id>.")}
	}
	engine, _, _ := strings.Cut(arg, " ")
	engine = strings.ToLower(strings.TrimSpace(engine))
	if engine == "" {
		engine = state.DefaultEngine
	}
	if engine != "claude" && engine != "opencode" {
		return []Action{h.reply(state, "Engine must be claude or opencode.")}
	}
	sessionID, err := h.cfg.Store.CreateSession(ctx, store.Session{ProjectID: state.ProjectID, Provider: engine, Status: "new"})
	if err != nil {
		return []Action{h.reply(state, "Could not create session.")}
	}
	state.SessionID = sessionID
	state.DefaultEngine = engine
	return []Action{h.reply(state, "New session: "+sessionID)}
}

func (h *Handler) cmdUseSession(ctx context.Context, state *chatState, arg string) []Action {
	if arg == "" {
		return []Action{h.reply(state, "Usage: /use_session <id>")}
	}
	sess, err := h.cfg.Store.GetSession(ctx, arg)
	if err != nil {
		return []Action{h.reply(state, "Unknown session id.")}
	}
	state.SessionID = sess.ID
	state.DefaultEngine = sess.Provider
	return []Action{h.reply(state, "Using session "+sess.ID)}
}

func (h *Handler) cmdEngine(ctx context.Context, state *chatState, arg string) []Action {
	engine := strings.ToLower(strings.TrimSpace(arg))
	if engine != "claude" && engine != "opencode" {
		return []Action{h.reply(state, "Usage: /engine <claude|opencode>")}
	}
	state.DefaultEngine = engine
	return []Action{h.reply(state, "Engine set to "+engine)}
}

func (h *Handler) cmdStop(ctx context.Context, state *chatState) []Action {
	if state.SessionID == "" {
		return []Action{h.reply(state, "No active session.")}
	}
	run, err := h.cfg.Store.FindActiveRunBySession(ctx, state.SessionID)
	if err != nil {
		return []Action{h.reply(state, "No active run to stop.")}
	}
	if err := h.cfg.Store.CancelRun(ctx, run.ID, h.cfg.Now()); err != nil {
		return []Action{h.reply(state, "Could not cancel run.")}
	}
	return []Action{h.reply(state, "Stopping run "+run.ID)}
}

func (h *Handler) cmdStatus(ctx context.Context, state *chatState) []Action {
	if state.LastRunID == "" {
		return []Action{h.reply(state, "No runs yet.")}
	}
	run, err := h.cfg.Store.GetRun(ctx, state.LastRunID)
	if err != nil {
		return []Action{h.reply(state, "Last run not found.")}
	}
	return []Action{h.reply(state, fmt.Sprintf("Run %s: %s", run.ID, run.Status))}
}

func (h *Handler) currentText(state *chatState) string {
	return fmt.Sprintf("project=%s session=%s engine=%s model=%s", state.ProjectID, state.SessionID, state.DefaultEngine, state.Model)
}

func (h *Handler) cmdEnableUnsafe(ctx context.Context, chatIDStr string, state *chatState, arg string) []Action {
	minutes, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || minutes <= 0 {
		return []Action{h.reply(state, "Usage: /enable_unsafe <minutes>")}
	}
	if state.ProjectID == "" {
		return []Action{h.reply(state, "No project selected; cannot persist unsafe mode yet.")}
	}
	chat, err := h.cfg.Store.GetOrCreateChat(ctx, state.ProjectID, chatIDStr)
	if err != nil {
		return []Action{h.reply(state, "Could not enable unsafe mode.")}
	}
	until := h.cfg.Now().Add(time.Duration(minutes) * time.Minute)
	if err := h.cfg.Store.SetChatUnsafeUntil(ctx, chat.ID, &until); err != nil {
		return []Action{h.reply(state, "Could not enable unsafe mode.")}
	}
	state.UnsafeUntil = &until
	return []Action{h.reply(state, fmt.Sprintf("Unsafe mode enabled for %d minute(s).", minutes))}
}

// enqueueRun implements the run-enqueue path of spec.md §4.9.
func (h *Handler) enqueueRun(ctx context.Context, chatIDStr string, state *chatState, messageID int, prompt string) []Action {
	if h.cfg.KillSwitch {
		h.cfg.Audit.Record("deny", chatIDStr, "deny/kill-switch", "", "", "")
		return []Action{h.reply(state, "Maintenance mode…")}
	}
	if state.ProjectID == "" {
		if projects, err := h.cfg.Store.ListProjects(ctx); err == nil && len(projects) > 0 {
			state.ProjectID = projects[0].ID
		}
	}
	if state.ProjectID == "" {
		return []Action{h.reply(state, "No projects configured.")}
	}
	if state.SessionID == "" {
		sessionID, err := h.ensureSession(ctx, state)
		if err != nil {
			return []Action{h.reply(state, "Could not create a session.")}
		}
		state.SessionID = sessionID
	}

	idempotencyKey := fmt.Sprintf("tg:%s:%d", chatIDStr, messageID)
	run, err := h.cfg.Orchestrator.Enqueue(ctx, state.ProjectID, state.SessionID, idempotencyKey, prompt)
	if err != nil {
		h.cfg.Audit.Record("deny", chatIDStr, "deny/enqueue-failed", "", err.Error(), "")
		return []Action{h.reply(state, "Could not queue run: "+err.Error())}
	}
	state.LastRunID = run.ID
	h.cfg.Audit.Record("allow", chatIDStr, "allow/run", run.ID, "", "")
	return []Action{h.reply(state, "Run queued: "+run.ID)}
}

// ensureSession picks the first session in the project, or creates one
// owned by this chat, per spec.md §4.9's run-enqueue path.
func (h *Handler) ensureSession(ctx context.Context, state *chatState) (string, error) {
	sessions, err := h.cfg.Store.ListSessionsByProject(ctx, state.ProjectID)
	if err != nil {
		return "", err
	}
	if len(sessions) > 0 {
		return sessions[0].ID, nil
	}
	return h.cfg.Store.CreateSession(ctx, store.Session{ProjectID: state.ProjectID, Provider: state.DefaultEngine, Status: "new"})
}

func (h *Handler) cmdContinue(ctx context.Context, chatIDStr string, state *chatState, messageID int, prompt string) []Action {
	return h.setSessionMarkerAndMaybeRun(ctx, chatIDStr, state, messageID, executorContinueMarker, prompt)
}

func (h *Handler) cmdAttach(ctx context.Context, chatIDStr string, state *chatState, messageID int, arg string) []Action {
	parts := strings.SplitN(arg, " ", 2)
	engineSessionID := strings.TrimSpace(parts[0])
	if engineSessionID == "" {
		return []Action{h.reply(state, "Usage: /attach <engineSessionId> [prompt]")}
	}
	var prompt string
	if len(parts) > 1 {
		prompt = strings.TrimSpace(parts[1])
	}
	return h.setSessionMarkerAndMaybeRun(ctx, chatIDStr, state, messageID, engineSessionID, prompt)
}

const executorContinueMarker = "__continue__"

func (h *Handler) setSessionMarkerAndMaybeRun(ctx context.Context, chatIDStr string, state *chatState, messageID int, marker, prompt string) []Action {
	if state.SessionID == "" {
		sessionID, err := h.ensureSession(ctx, state)
		if err != nil {
			return []Action{h.reply(state, "Could not create a session.")}
		}
		state.SessionID = sessionID
	}
	if err := h.cfg.Store.SetSessionEngineSessionID(ctx, state.SessionID, marker); err != nil {
		return []Action{h.reply(state, "Could not update session.")}
	}
	if prompt == "" {
		return []Action{h.reply(state, "Session updated.")}
	}
	return h.enqueueRun(ctx, chatIDStr, state, messageID, prompt)
}

// handleUpload stores an incoming document against the chat's last run.
func (h *Handler) handleUpload(ctx context.Context, state *chatState, msg *Message) []Action {
	if state.LastRunID == "" {
		return []Action{h.reply(state, "No active run to attach a file to — run something first.")}
	}
	doc := msg.Document
	if doc.FileSize > h.cfg.MaxUploadSize {
		return []Action{h.reply(state, "File too large.")}
	}
	rec, err := h.saveUpload(ctx, state.LastRunID, doc.FileName, doc.Data)
	if err != nil {
		h.logError("save upload", err)
		return []Action{h.reply(state, "Could not save upload.")}
	}
	return []Action{h.reply(state, fmt.Sprintf("Saved %s (%d bytes).", rec.OriginalName, rec.SizeBytes))}
}

func (h *Handler) saveUpload(ctx context.Context, runID, originalName string, data []byte) (store.FileRecord, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	dir := filepath.Join(h.cfg.DataDir, "uploads", runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return store.FileRecord{}, err
	}
	relName := digest[:12] + "-" + filepath.Base(originalName)
	fullPath := filepath.Join(dir, relName)
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return store.FileRecord{}, err
	}
	rec := store.FileRecord{
		ID:            store.NewID(),
		RunID:         runID,
		Direction:     "upload",
		OriginalName:  originalName,
		StoredRelPath: filepath.Join("uploads", runID, relName),
		SizeBytes:     int64(len(data)),
		SHA256:        digest,
	}
	if err := h.cfg.Store.RecordFile(ctx, rec); err != nil {
		return store.FileRecord{}, err
	}
	return rec, nil
}

func (h *Handler) cmdUploads(ctx context.Context, state *chatState) []Action {
	if state.LastRunID == "" {
		return []Action{h.reply(state, "No runs yet.")}
	}
	return []Action{h.reply(state, "Uploads are listed per run in the dashboard /api/runs/"+state.LastRunID+"/events for now.")}
}

// cmdGet reads a file from the current project's root and sends it back,
// recording provenance as a download against the chat's last run. Guards
// against path traversal by resolving relative to the project root and
// rejecting anything that escapes it.
func (h *Handler) cmdGet(ctx context.Context, state *chatState, arg string) []Action {
	if arg == "" {
		return []Action{h.reply(state, "Usage: /get <path>")}
	}
	if state.ProjectID == "" {
		return []Action{h.reply(state, "No project selected.")}
	}
	if state.LastRunID == "" {
		return []Action{h.reply(state, "No run context; run something first.")}
	}
	project, err := h.cfg.Store.GetProject(ctx, state.ProjectID)
	if err != nil {
		return []Action{h.reply(state, "Project not found.")}
	}
	root, err := filepath.Abs(project.RootPath)
	if err != nil {
		return []Action{h.reply(state, "Invalid project root.")}
	}
	full, err := filepath.Abs(filepath.Join(root, arg))
	if err != nil || !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return []Action{h.reply(state, "Path escapes project root.")}
	}
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return []Action{h.reply(state, "File not found.")}
	}
	if info.Size() > h.cfg.MaxUploadSize {
		return []Action{h.reply(state, "File too large to send.")}
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return []Action{h.reply(state, "Could not read file.")}
	}
	sum := sha256.Sum256(data)
	rec := store.FileRecord{
		ID:            store.NewID(),
		RunID:         state.LastRunID,
		Direction:     "download",
		OriginalName:  filepath.Base(full),
		StoredRelPath: arg,
		SizeBytes:     info.Size(),
		SHA256:        hex.EncodeToString(sum[:]),
	}
	if err := h.cfg.Store.RecordFile(ctx, rec); err != nil {
		h.logError("record download", err)
	}
	return []Action{ReplyWithDocument{FilePath: full, Caption: arg}}
}

// --- Dashboard + callbacks ----------------------------------------------

func (h *Handler) renderDashboard(ctx context.Context, state *chatState) Action {
	projects, _ := h.cfg.Store.ListProjects(ctx)
	sort.Slice(projects, func(i, j int) bool { return projects[i].Name < projects[j].Name })

	var rows [][]Button
	var row []Button
	for _, p := range projects {
		label := p.Name
		if p.ID == state.ProjectID {
			label = "✓ " + label
		}
		row = append(row, Button{Text: label, CallbackData: "proj:" + p.ID})
		if len(row) == 3 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	rows = append(rows, []Button{{Text: "Engine: " + state.DefaultEngine, CallbackData: "engine:toggle"}})
	rows = append(rows, []Button{{Text: "Model", CallbackData: "models"}})
	rows = append(rows, []Button{
		{Text: "New Session", CallbackData: "newsession"},
		{Text: "Sessions", CallbackData: "sessions"},
	})
	rows = append(rows, []Button{
		{Text: "Unsafe 30", CallbackData: "unsafe:30"},
		{Text: "Unsafe 60", CallbackData: "unsafe:60"},
		{Text: "Unsafe off", CallbackData: "unsafe_off"},
	})
	rows = append(rows, []Button{{Text: "Refresh", CallbackData: "refresh"}})

	return h.replyKeyboard(state, h.currentText(state), rows)
}

func (h *Handler) handleCallback(ctx context.Context, updateID string, cb *CallbackQuery) []Action {
	if cb.Message == nil {
		return nil
	}
	chatIDStr := strconv.FormatInt(cb.Message.Chat.ID, 10)
	if cb.From.ID != h.cfg.OwnerUserID {
		h.cfg.Audit.Record("deny", chatIDStr, "deny/non-owner", "", "", userIDStr(cb.From.ID))
		return nil
	}
	accepted, err := h.cfg.Store.InsertInboxUpdate(ctx, updateID, chatIDStr, map[string]any{"kind": "callback", "data": cb.Data})
	if err != nil || !accepted {
		return nil
	}
	state := h.hydrateState(ctx, chatIDStr)

	verb, rest, _ := strings.Cut(cb.Data, ":")
	switch verb {
	case "proj":
		if project, err := h.cfg.Store.GetProject(ctx, rest); err == nil {
			state.ProjectID = project.ID
			state.SessionID = ""
		}
		return h.dashboardEdit(ctx, state, cb.Message.MessageID, "Project updated.")
	case "engine":
		if state.DefaultEngine == "claude" {
			state.DefaultEngine = "opencode"
		} else {
			state.DefaultEngine = "claude"
		}
		return h.dashboardEdit(ctx, state, cb.Message.MessageID, "Engine updated.")
	case "newsession":
		if state.ProjectID != "" {
			if id, err := h.cfg.Store.CreateSession(ctx, store.Session{ProjectID: state.ProjectID, Provider: state.DefaultEngine, Status: "new"}); err == nil {
				state.SessionID = id
			}
		}
		return h.dashboardEdit(ctx, state, cb.Message.MessageID, "New session created.")
	case "continue":
		if state.SessionID != "" {
			_ = h.cfg.Store.SetSessionEngineSessionID(ctx, state.SessionID, executorContinueMarker)
		}
		return h.dashboardEdit(ctx, state, cb.Message.MessageID, "Will continue on next run.")
	case "session":
		if sess, err := h.cfg.Store.GetSession(ctx, rest); err == nil {
			state.SessionID = sess.ID
			state.DefaultEngine = sess.Provider
		}
		return h.dashboardEdit(ctx, state, cb.Message.MessageID, "Session selected.")
	case "sessions":
		return h.sessionsSubmenu(ctx, state, cb.Message.MessageID)
	case "unsafe":
		minutes, _ := strconv.Atoi(rest)
		if minutes > 0 && state.ProjectID != "" {
			if chat, err := h.cfg.Store.GetOrCreateChat(ctx, state.ProjectID, chatIDStr); err == nil {
				until := h.cfg.Now().Add(time.Duration(minutes) * time.Minute)
				if h.cfg.Store.SetChatUnsafeUntil(ctx, chat.ID, &until) == nil {
					state.UnsafeUntil = &until
				}
			}
		}
		return h.dashboardEdit(ctx, state, cb.Message.MessageID, "Unsafe mode updated.")
	case "unsafe_off":
		if state.ProjectID != "" {
			if chat, err := h.cfg.Store.GetOrCreateChat(ctx, state.ProjectID, chatIDStr); err == nil {
				_ = h.cfg.Store.SetChatUnsafeUntil(ctx, chat.ID, nil)
				state.UnsafeUntil = nil
			}
		}
		return h.dashboardEdit(ctx, state, cb.Message.MessageID, "Unsafe mode disabled.")
	case "model":
		state.Model = rest
		return h.dashboardEdit(ctx, state, cb.Message.MessageID, "Model updated.")
	case "agent":
		state.OpenCodeAgent = rest
		return h.dashboardEdit(ctx, state, cb.Message.MessageID, "Agent updated.")
	case "models":
		return h.modelsSubmenu(state, cb.Message.MessageID)
	case "clisessions", "clipeek", "cliattach":
		return h.dashboardEdit(ctx, state, cb.Message.MessageID, "Not available in this build.")
	case "stop_run":
		if err := h.cfg.Store.CancelRun(ctx, rest, h.cfg.Now()); err == nil {
			return append([]Action{Toast{Text: "Stopping " + rest}}, h.dashboardEdit(ctx, state, cb.Message.MessageID, "Stopping run "+rest+".")...)
		}
		return h.dashboardEdit(ctx, state, cb.Message.MessageID, "Could not stop run.")
	case "refresh", "back":
		return h.dashboardEdit(ctx, state, cb.Message.MessageID, "")
	default:
		return h.dashboardEdit(ctx, state, cb.Message.MessageID, "")
	}
}

func (h *Handler) dashboardEdit(ctx context.Context, state *chatState, messageID int, toastText string) []Action {
	dash := h.renderDashboard(ctx, state)
	kb, ok := dash.(ReplyKeyboard)
	if !ok {
		return nil
	}
	actions := []Action{h.editKeyboard(state, messageID, kb.Text, kb.Rows)}
	if toastText != "" {
		actions = append(actions, Toast{Text: toastText})
	}
	return actions
}

func (h *Handler) sessionsSubmenu(ctx context.Context, state *chatState, messageID int) []Action {
	if state.ProjectID == "" {
		return []Action{h.editKeyboard(state, messageID, "No project selected.", nil)}
	}
	sessions, _ := h.cfg.Store.ListSessionsByProject(ctx, state.ProjectID)
	var rows [][]Button
	for _, s := range sessions {
		label := s.ID
		if s.ID == state.SessionID {
			label = "✓ " + label
		}
		rows = append(rows, []Button{{Text: label, CallbackData: "session:" + s.ID}})
	}
	rows = append(rows, []Button{{Text: "Back", CallbackData: "back"}})
	return []Action{h.editKeyboard(state, messageID, "Sessions", rows)}
}

// knownModels is the fixed set of model overrides offered on the
// dashboard. Selecting one only updates in-memory chatState.Model for
// now — there's no store column to persist a per-chat model yet, so
// internal/executor still runs with its process-wide default (see
// DESIGN.md).
var knownModels = []string{"sonnet", "opus", "haiku"}

func (h *Handler) modelsSubmenu(state *chatState, messageID int) []Action {
	var rows [][]Button
	for _, m := range knownModels {
		rows = append(rows, []Button{{Text: m, CallbackData: "model:" + m}})
	}
	rows = append(rows, []Button{{Text: "Back", CallbackData: "back"}})
	return []Action{h.editKeyboard(state, messageID, "Models", rows)}
}
