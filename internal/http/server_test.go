package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/specflowd/internal/orchestrator"
)

// stubEngine records calls and returns canned results.
type stubEngine struct {
	execution *orchestrator.Execution
	document  *orchestrator.Document
	projects  []string
	err       error

	startProject string
	startConfig  orchestrator.ExecutionConfig
	resumeChoice orchestrator.RecoveryChoice
	lastID       string
}

func (s *stubEngine) Start(_ context.Context, project string, cfg orchestrator.ExecutionConfig) (*orchestrator.Execution, error) {
	s.startProject, s.startConfig = project, cfg
	return s.execution, s.err
}

func (s *stubEngine) Pause(_ context.Context, id string) (*orchestrator.Execution, error) {
	s.lastID = id
	return s.execution, s.err
}

func (s *stubEngine) Resume(_ context.Context, id string, choice orchestrator.RecoveryChoice) (*orchestrator.Execution, error) {
	s.lastID, s.resumeChoice = id, choice
	return s.execution, s.err
}

func (s *stubEngine) Cancel(_ context.Context, id string) (*orchestrator.Execution, error) {
	s.lastID = id
	return s.execution, s.err
}

func (s *stubEngine) TriggerMerge(_ context.Context, id string) (*orchestrator.Execution, error) {
	s.lastID = id
	return s.execution, s.err
}

func (s *stubEngine) Status(_ context.Context, id string) (*orchestrator.Execution, error) {
	s.lastID = id
	return s.execution, s.err
}

func (s *stubEngine) List(_ context.Context, project string) (*orchestrator.Document, error) {
	s.startProject = project
	return s.document, s.err
}

func (s *stubEngine) Projects(context.Context) ([]string, error) {
	return s.projects, s.err
}

func newTestServer(t *testing.T, engine *stubEngine) *Server {
	t.Helper()
	srv, err := NewServer(engine, zap.NewNop(), nil)
	require.NoError(t, err)
	return srv
}

func doRequest(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, &stubEngine{})
	rec := doRequest(srv, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, &stubEngine{})
	rec := doRequest(srv, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStartOrchestration(t *testing.T) {
	engine := &stubEngine{
		execution: &orchestrator.Execution{ID: "exec-1", Project: "demo", Status: orchestrator.StatusRunning},
	}
	srv := newTestServer(t, engine)

	rec := doRequest(srv, http.MethodPost, "/api/v1/projects/demo/orchestrations",
		`{"auto_merge":true,"max_budget_total":25.0,"skip_design":true}`)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "demo", engine.startProject)
	assert.True(t, engine.startConfig.AutoMerge)
	assert.True(t, engine.startConfig.SkipDesign)
	assert.InDelta(t, 25.0, engine.startConfig.MaxBudgetTotal, 1e-9)

	var ex orchestrator.Execution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ex))
	assert.Equal(t, "exec-1", ex.ID)
}

func TestStartConflictMapsTo409(t *testing.T) {
	engine := &stubEngine{
		err: orchestrator.NewConflictError("demo", orchestrator.StatusRunning, ""),
	}
	srv := newTestServer(t, engine)

	rec := doRequest(srv, http.MethodPost, "/api/v1/projects/demo/orchestrations", `{}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"validation", orchestrator.NewValidationError("choice", "bad"), http.StatusBadRequest},
		{"not found", orchestrator.ErrExecutionNotFound, http.StatusNotFound},
		{"internal", context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(t, &stubEngine{err: tc.err})
			rec := doRequest(srv, http.MethodPost, "/api/v1/orchestrations/exec-1/pause", "")
			assert.Equal(t, tc.code, rec.Code)
		})
	}
}

func TestResumePassesChoice(t *testing.T) {
	engine := &stubEngine{
		execution: &orchestrator.Execution{ID: "exec-1", Status: orchestrator.StatusRunning},
	}
	srv := newTestServer(t, engine)

	rec := doRequest(srv, http.MethodPost, "/api/v1/orchestrations/exec-1/resume", `{"choice":"retry"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "exec-1", engine.lastID)
	assert.Equal(t, orchestrator.ChoiceRetry, engine.resumeChoice)
}

func TestControlEndpoints(t *testing.T) {
	engine := &stubEngine{
		execution: &orchestrator.Execution{ID: "exec-1", Status: orchestrator.StatusCancelled},
	}
	srv := newTestServer(t, engine)

	for _, path := range []string{
		"/api/v1/orchestrations/exec-1/pause",
		"/api/v1/orchestrations/exec-1/cancel",
		"/api/v1/orchestrations/exec-1/merge",
	} {
		rec := doRequest(srv, http.MethodPost, path, "")
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "exec-1", engine.lastID)
	}
}

func TestStatusAndList(t *testing.T) {
	engine := &stubEngine{
		execution: &orchestrator.Execution{ID: "exec-1", Status: orchestrator.StatusWaitingMerge},
		document: &orchestrator.Document{
			Project: "demo",
			History: []orchestrator.Execution{{ID: "old"}},
		},
		projects: []string{"demo"},
	}
	srv := newTestServer(t, engine)

	rec := doRequest(srv, http.MethodGet, "/api/v1/orchestrations/exec-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(srv, http.MethodGet, "/api/v1/projects/demo/orchestrations", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var doc orchestrator.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Len(t, doc.History, 1)

	rec = doRequest(srv, http.MethodGet, "/api/v1/projects", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var projects ProjectsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &projects))
	assert.Equal(t, []string{"demo"}, projects.Projects)
}
