package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"counsel/internal/logging"
	"counsel/internal/observability"
	"counsel/internal/server/app"
	"counsel/internal/server/ports"

	"go.opentelemetry.io/otel/trace"
)

// DefaultKeepaliveInterval is how long a stream may sit idle before a
// keepalive frame is written.
const DefaultKeepaliveInterval = 15 * time.Second

// keepaliveFrame is the idle heartbeat. It carries no id so it never disturbs
// Last-Event-ID resume positions.
const keepaliveFrame = "event: keepalive\ndata: {}\n\n"

// SSEHandler streams run events to connected clients
type SSEHandler struct {
	manager   *app.LiveRunManager
	keepalive time.Duration
	logger    logging.Logger
	metrics   *observability.MetricsCollector
	tracer    *observability.TracerProvider
}

// SSEOption customizes an SSEHandler.
type SSEOption func(*SSEHandler)

// WithKeepaliveInterval overrides the idle keepalive cadence. Tests use short
// intervals to observe keepalive frames quickly.
func WithKeepaliveInterval(d time.Duration) SSEOption {
	return func(h *SSEHandler) {
		if d > 0 {
			h.keepalive = d
		}
	}
}

// WithSSEObservability attaches metrics and tracing.
func WithSSEObservability(metrics *observability.MetricsCollector, tracer *observability.TracerProvider) SSEOption {
	return func(h *SSEHandler) {
		h.metrics = metrics
		h.tracer = tracer
	}
}

// NewSSEHandler creates a new SSE handler
func NewSSEHandler(manager *app.LiveRunManager, opts ...SSEOption) *SSEHandler {
	h := &SSEHandler{
		manager:   manager,
		keepalive: DefaultKeepaliveInterval,
		logger:    logging.NewComponentLogger("SSEHandler"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleEventStream serves GET /api/live/events?run_id=...
//
// It replays the run's buffered history, then streams live frames. When no
// frame arrives within the keepalive interval a bare keepalive is written so
// intermediaries do not drop the idle connection.
func (h *SSEHandler) HandleEventStream(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		writeJSONError(w, http.StatusBadRequest, "run_id required")
		return
	}

	queue, err := h.manager.Subscribe(runID)
	if err != nil {
		if errors.Is(err, app.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown run: %s", runID))
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "subscribe failed")
		return
	}
	defer h.manager.Unsubscribe(runID, queue)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// SSE headers (CORS headers are handled by middleware)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	if h.tracer != nil {
		var span trace.Span
		ctx, span = h.tracer.StartSpan(ctx, observability.SpanSSEConnection, observability.RunAttrs(runID)...)
		defer span.End()
	}

	h.metrics.IncrementSSEConnections(ctx)
	connectedAt := time.Now()
	defer func() {
		h.metrics.DecrementSSEConnections(ctx)
		h.metrics.RecordSSEConnectionDuration(ctx, time.Since(connectedAt))
	}()

	h.logger.Info("SSE stream opened: run=%s subscribers=%d", runID, h.manager.SubscriberCount(runID))
	defer h.logger.Info("SSE stream closed: run=%s", runID)

	for {
		waitCtx, cancel := context.WithTimeout(ctx, h.keepalive)
		frame, err := queue.Next(waitCtx)
		cancel()

		switch {
		case err == nil:
			if writeErr := h.writeFrame(w, flusher, frame); writeErr != nil {
				h.logger.Debug("SSE write failed, client gone: run=%s err=%v", runID, writeErr)
				return
			}
			h.metrics.RecordSSEMessage(ctx, frame.Name, "delivered", int64(len(frame.Data)))

		case errors.Is(err, app.ErrQueueClosed):
			// Run evicted; nothing more will ever arrive.
			return

		case ctx.Err() != nil:
			// Client disconnected.
			return

		case errors.Is(err, context.DeadlineExceeded):
			if writeErr := h.writeKeepalive(w, flusher); writeErr != nil {
				return
			}
			h.metrics.RecordSSEMessage(ctx, "keepalive", "delivered", int64(len(keepaliveFrame)))

		default:
			h.logger.Warn("SSE stream error: run=%s err=%v", runID, err)
			return
		}
	}
}

// writeFrame emits one identified SSE frame: id, event name, then data.
func (h *SSEHandler) writeFrame(w http.ResponseWriter, flusher http.Flusher, frame ports.StreamEvent) error {
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", frame.Sequence, frame.Name, frame.Data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// writeKeepalive emits a bare keepalive frame with no id.
func (h *SSEHandler) writeKeepalive(w http.ResponseWriter, flusher http.Flusher) error {
	if _, err := fmt.Fprint(w, keepaliveFrame); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
