package dashboard_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/clibridge/agentbridge/internal/dashboard"
	"github.com/clibridge/agentbridge/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "agentbridge.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestHealthzReportsDBOK(t *testing.T) {
	s := openTestStore(t)
	srv := dashboard.New(dashboard.Config{Store: s})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["db_ok"] != true {
		t.Fatalf("db_ok = %v", body["db_ok"])
	}
}

func TestMetricsEndpointIsUnauthenticatedAndExposesGauges(t *testing.T) {
	s := openTestStore(t)
	srv := dashboard.New(dashboard.Config{Store: s, AuthUser: "owner", AuthPass: "secret"})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "agentbridge_queue_depth") {
		t.Fatalf("missing queue depth gauge in output")
	}
}

func TestProjectsRequiresBasicAuthWhenConfigured(t *testing.T) {
	s := openTestStore(t)
	srv := dashboard.New(dashboard.Config{Store: s, AuthUser: "owner", AuthPass: "secret"})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", rr.Code)
	}

	rr2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
	req2.SetBasicAuth("owner", "secret")
	srv.Handler().ServeHTTP(rr2, req2)
	if rr2.Code != http.StatusOK {
		t.Fatalf("expected 200 with credentials, got %d", rr2.Code)
	}
}

func TestProjectsListsSeededProjects(t *testing.T) {
	s := openTestStore(t)
	if err := s.UpsertProject(context.Background(), store.Project{
		ID: "p1", Name: "demo", RootPath: "/tmp/demo", DefaultEngine: "claude",
	}); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	srv := dashboard.New(dashboard.Config{Store: s})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var body struct {
		Projects []store.Project `json:"projects"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Projects) != 1 || body.Projects[0].ID != "p1" {
		t.Fatalf("projects = %+v", body.Projects)
	}
}

func TestRunsEndpointRejectsNonGet(t *testing.T) {
	s := openTestStore(t)
	srv := dashboard.New(dashboard.Config{Store: s})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/runs", nil)
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rr.Code)
	}
}
