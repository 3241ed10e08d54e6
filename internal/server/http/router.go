package http

import (
	"net/http"
	"time"

	"counsel/internal/logging"
	"counsel/internal/observability"
	"counsel/internal/server/app"
	"counsel/internal/server/ports"
)

// RouterConfig carries the request-surface knobs the router needs.
type RouterConfig struct {
	Environment    string
	AllowedOrigins []string
	SSEKeepalive   time.Duration
}

// NewRouter creates a new HTTP router with all endpoints
func NewRouter(manager *app.LiveRunManager, healthChecker ports.HealthChecker, cfg RouterConfig, obs *observability.Observability) http.Handler {
	logger := logging.NewComponentLogger("Router")
	latencyLogger := logging.NewComponentLogger("HTTP")

	sseOpts := []SSEOption{}
	if cfg.SSEKeepalive > 0 {
		sseOpts = append(sseOpts, WithKeepaliveInterval(cfg.SSEKeepalive))
	}
	if obs != nil {
		sseOpts = append(sseOpts, WithSSEObservability(obs.Metrics, obs.Tracer))
	}
	sseHandler := NewSSEHandler(manager, sseOpts...)
	apiHandler := NewAPIHandler(manager, healthChecker)

	mux := http.NewServeMux()

	// Live run endpoints
	mux.Handle("/api/live/run", routeHandler("/api/live/run", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			apiHandler.HandleStartRun(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})))

	mux.Handle("/api/live/events", routeHandler("/api/live/events", http.HandlerFunc(sseHandler.HandleEventStream)))

	mux.Handle("/api/live/runs", routeHandler("/api/live/runs", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			apiHandler.HandleListRuns(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})))

	mux.Handle("/api/live/runs/", routeHandler("/api/live/runs/:run_id", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			apiHandler.HandleGetRun(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})))

	// Synchronous one-shot run
	mux.Handle("/api/run", routeHandler("/api/run", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			apiHandler.HandleRunOnce(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})))

	// Health check endpoint
	mux.Handle("/health", routeHandler("/health", http.HandlerFunc(apiHandler.HandleHealthCheck)))

	// Service info
	mux.Handle("/", routeHandler("/", http.HandlerFunc(apiHandler.HandleRoot)))

	// Apply middleware
	var handler http.Handler = mux
	handler = ObservabilityMiddleware(obs, latencyLogger)(handler)
	handler = LoggingMiddleware(logger)(handler)
	handler = CORSMiddleware(cfg.Environment, cfg.AllowedOrigins)(handler)

	return handler
}

func routeHandler(route string, handler http.Handler) http.Handler {
	if route == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		annotateRequestRoute(r, route)
		handler.ServeHTTP(w, r)
	})
}
