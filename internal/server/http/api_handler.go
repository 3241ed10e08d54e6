package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"counsel/internal/logging"
	"counsel/internal/server/app"
	"counsel/internal/server/ports"
)

const maxStartRunBodySize = 1 << 20 // 1 MiB

// ServiceName and ServiceVersion identify the server in the root info payload.
const (
	ServiceName    = "counsel"
	ServiceVersion = "1.0.0"
)

// APIHandler handles REST API endpoints
type APIHandler struct {
	manager *app.LiveRunManager
	checker ports.HealthChecker
	logger  logging.Logger
}

// NewAPIHandler creates a new API handler
func NewAPIHandler(manager *app.LiveRunManager, checker ports.HealthChecker) *APIHandler {
	return &APIHandler{
		manager: manager,
		checker: checker,
		logger:  logging.NewComponentLogger("APIHandler"),
	}
}

// StartRunRequest is the body of POST /api/live/run.
type StartRunRequest struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// StartRunResponse is returned once the run is admitted.
type StartRunResponse struct {
	RunID     string `json:"run_id"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// decodeBody parses a single JSON object from the request body.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxStartRunBodySize)
	defer func() { _ = body.Close() }()

	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		var maxBytesErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return errors.New("request body is empty")
		case errors.As(err, &syntaxErr):
			return fmt.Errorf("invalid JSON at position %d", syntaxErr.Offset)
		case errors.As(err, &typeErr):
			return fmt.Errorf("invalid value for field '%s'", typeErr.Field)
		case errors.As(err, &maxBytesErr):
			return errors.New("request body too large")
		default:
			return errors.New("invalid request body")
		}
	}

	// Ensure there are no extra JSON tokens
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

// HandleStartRun handles POST /api/live/run - admits a background run.
func (h *APIHandler) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req StartRunRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if strings.TrimSpace(req.Prompt) == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	run, err := h.manager.StartRun(r.Context(), req.UserID, req.SessionID, req.Prompt)
	if err != nil {
		h.writeDomainError(w, "start run failed", err)
		return
	}

	h.logger.Info("run admitted: run=%s session=%s", run.ID, run.SessionID)
	writeJSON(w, http.StatusCreated, StartRunResponse{
		RunID:     run.ID,
		SessionID: run.SessionID,
		Status:    string(run.Status),
	})
}

// RunResponse is the registry view of one run.
type RunResponse struct {
	RunID     string `json:"run_id"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func runResponse(run ports.Run) RunResponse {
	return RunResponse{
		RunID:     run.ID,
		SessionID: run.SessionID,
		UserID:    run.UserID,
		Status:    string(run.Status),
		Error:     run.Error,
		CreatedAt: run.CreatedAt.Format(time.RFC3339),
		UpdatedAt: run.UpdatedAt.Format(time.RFC3339),
	}
}

// HandleGetRun handles GET /api/live/runs/:id
func (h *APIHandler) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	runID := strings.TrimPrefix(r.URL.Path, "/api/live/runs/")
	if runID == "" || strings.Contains(runID, "/") {
		writeJSONError(w, http.StatusBadRequest, "run id required")
		return
	}

	run, err := h.manager.GetRun(r.Context(), runID)
	if err != nil {
		h.writeDomainError(w, "get run failed", err)
		return
	}
	writeJSON(w, http.StatusOK, runResponse(run))
}

// HandleListRuns handles GET /api/live/runs
func (h *APIHandler) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	runs := h.manager.ListRuns(r.Context())
	out := make([]RunResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, runResponse(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  out,
		"total": len(out),
	})
}

// RunOnceRequest is the body of POST /api/run.
type RunOnceRequest struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// HandleRunOnce handles POST /api/run - synchronous execution collecting all
// agent events into one response.
func (h *APIHandler) HandleRunOnce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req RunOnceRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	events, session, err := h.manager.RunOnce(r.Context(), req.UserID, req.SessionID, req.Prompt)
	if err != nil {
		h.writeDomainError(w, "run failed", err)
		return
	}

	if events == nil {
		events = []json.RawMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":     events,
		"session_id": session.ID,
	})
}

// HandleHealthCheck handles GET /health
func (h *APIHandler) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{
		"status": "ok",
	}
	if h.checker != nil {
		components := h.checker.CheckAll(r.Context())
		response["components"] = components
		for _, component := range components {
			if component.Status == ports.HealthStatusNotReady {
				response["status"] = "degraded"
				break
			}
		}
	}
	writeJSON(w, http.StatusOK, response)
}

// HandleRoot handles GET / with basic service info.
func (h *APIHandler) HandleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service": ServiceName,
		"version": ServiceVersion,
		"endpoints": []string{
			"POST /api/live/run",
			"GET /api/live/events",
			"GET /api/live/runs",
			"GET /api/live/runs/{run_id}",
			"POST /api/run",
			"GET /health",
		},
	})
}

// writeDomainError maps application errors onto HTTP status codes.
func (h *APIHandler) writeDomainError(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, app.ErrValidation):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrUnavailable):
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error("%s: %v", msg, err)
		writeJSONError(w, http.StatusInternalServerError, msg)
	}
}
