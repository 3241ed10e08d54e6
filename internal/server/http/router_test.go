package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	agentports "counsel/internal/agent/ports"
	"counsel/internal/agent/scripted"
	"counsel/internal/agent/sessions"
	"counsel/internal/logging"
	"counsel/internal/server/app"
)

func newTestRouter(t *testing.T) (http.Handler, *app.LiveRunManager) {
	t.Helper()
	store, err := app.NewRunStore(app.DefaultMaxRetainedRuns)
	if err != nil {
		t.Fatalf("failed to create run store: %v", err)
	}
	resolver := sessions.NewInMemoryResolver("counsel", logging.Nop())
	manager := app.NewLiveRunManager(scripted.New([]agentports.Event{
		scripted.TextEvent("assistant", "routed"),
	}), resolver, store, app.WithManagerLogger(logging.Nop()))

	router := NewRouter(manager, app.NewHealthChecker(), RouterConfig{
		Environment:    "development",
		AllowedOrigins: []string{"http://localhost:3000"},
	}, nil)
	return router, manager
}

func TestRouterStartRunRoute(t *testing.T) {
	router, manager := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/live/run", strings.NewReader(`{"prompt":"hi"}`))
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp StartRunResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if err := manager.EnsureRunDone(context.Background(), resp.RunID); err != nil {
		t.Fatalf("run did not finish: %v", err)
	}
}

func TestRouterRejectsWrongMethods(t *testing.T) {
	router, _ := newTestRouter(t)

	cases := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/live/run"},
		{http.MethodPost, "/api/live/runs"},
		{http.MethodPost, "/api/live/runs/run-abc12345"},
		{http.MethodGet, "/api/run"},
	}

	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		if w.Code != http.StatusMethodNotAllowed {
			t.Fatalf("%s %s: expected status 405, got %d", tc.method, tc.path, w.Code)
		}
	}
}

func TestRouterRunLookupRoutes(t *testing.T) {
	router, manager := newTestRouter(t)

	run, err := manager.StartRun(context.Background(), "", "", "hi")
	if err != nil {
		t.Fatalf("failed to start run: %v", err)
	}
	if err := manager.EnsureRunDone(context.Background(), run.ID); err != nil {
		t.Fatalf("run did not finish: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/live/runs/"+run.ID, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("get run: expected status 200, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/live/runs", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("list runs: expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), run.ID) {
		t.Fatalf("expected run %s in listing, got %s", run.ID, w.Body.String())
	}
}

func TestRouterRunOnceRoute(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/run", strings.NewReader(`{"prompt":"hi"}`))
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "routed") {
		t.Fatalf("expected scripted event in response, got %s", w.Body.String())
	}
}

func TestRouterHealthAndRootRoutes(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("health: expected status 200, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("root: expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), ServiceName) {
		t.Fatalf("expected service name in root response, got %s", w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/nope", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown path: expected status 404, got %d", w.Code)
	}
}

func TestRouterAppliesCORS(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/live/run", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200 for preflight, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("expected CORS origin header, got %q", got)
	}
}
