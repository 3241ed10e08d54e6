package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	agentports "counsel/internal/agent/ports"
	"counsel/internal/async"
	"counsel/internal/logging"
	"counsel/internal/observability"
	"counsel/internal/server/ports"
	id "counsel/internal/utils/id"

	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxHistory caps how many events each run's replay buffer retains.
const DefaultMaxHistory = 500

// Wire event names.
const (
	EventRunStatus = "run.status"
	EventAgent     = "adk.event"
)

// run.status payload values.
const (
	StatusStarted   = "started"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// LiveRunManager owns the run registry, the per-run event histories, and the
// fan-out to subscriber queues. One mutex guards sequence, histories, and
// subscriber sets so that publish and subscribe-with-replay are atomic with
// respect to each other: a subscriber sees every event exactly once, either
// replayed from history or pushed live.
type LiveRunManager struct {
	runner   agentports.Runner
	sessions agentports.SessionResolver
	store    *LRURunStore

	mu          sync.Mutex
	sequence    uint64
	histories   map[string][]ports.StreamEvent
	subscribers map[string]map[*EventQueue]struct{}
	maxHistory  int

	taskMu sync.Mutex
	tasks  map[string]chan struct{}

	logger  logging.Logger
	metrics *observability.MetricsCollector
	tracer  *observability.TracerProvider
}

// ManagerOption customizes a LiveRunManager.
type ManagerOption func(*LiveRunManager)

// WithMaxHistory overrides the per-run replay buffer size.
func WithMaxHistory(n int) ManagerOption {
	return func(m *LiveRunManager) {
		if n > 0 {
			m.maxHistory = n
		}
	}
}

// WithManagerLogger overrides the component logger.
func WithManagerLogger(logger logging.Logger) ManagerOption {
	return func(m *LiveRunManager) {
		m.logger = logging.OrNop(logger)
	}
}

// WithMetrics attaches the metrics collector.
func WithMetrics(metrics *observability.MetricsCollector) ManagerOption {
	return func(m *LiveRunManager) {
		m.metrics = metrics
	}
}

// WithTracer attaches the tracer provider.
func WithTracer(tracer *observability.TracerProvider) ManagerOption {
	return func(m *LiveRunManager) {
		m.tracer = tracer
	}
}

// NewLiveRunManager wires the manager to its collaborators. The store's
// eviction hook is claimed by the manager so that evicted runs also release
// their history and subscriber queues.
func NewLiveRunManager(runner agentports.Runner, sessions agentports.SessionResolver, store *LRURunStore, opts ...ManagerOption) *LiveRunManager {
	m := &LiveRunManager{
		runner:      runner,
		sessions:    sessions,
		store:       store,
		histories:   make(map[string][]ports.StreamEvent),
		subscribers: make(map[string]map[*EventQueue]struct{}),
		maxHistory:  DefaultMaxHistory,
		tasks:       make(map[string]chan struct{}),
		logger:      logging.NewComponentLogger("LiveRunManager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if store != nil {
		store.SetEvictionHook(m.teardownRun)
	}
	return m
}

// StartRun resolves the session, allocates a run id, publishes the started
// lifecycle event, and spawns the executor. The started event is published
// before the executor goroutine exists, so the first frame any subscriber
// sees for a run is always run.status/started.
func (m *LiveRunManager) StartRun(ctx context.Context, userID, sessionID, prompt string) (ports.Run, error) {
	if prompt == "" {
		return ports.Run{}, ValidationError("prompt must not be empty")
	}
	if m.runner == nil {
		return ports.Run{}, UnavailableError("agent runner not configured")
	}

	session, err := m.sessions.EnsureSession(ctx, userID, sessionID)
	if err != nil {
		return ports.Run{}, fmt.Errorf("resolve session: %w", err)
	}

	now := time.Now()
	run := ports.Run{
		ID:        id.NewRunID(),
		SessionID: session.ID,
		UserID:    session.UserID,
		Prompt:    prompt,
		Status:    ports.RunStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.registerRun(run.ID)
	done := make(chan struct{})
	m.taskMu.Lock()
	m.tasks[run.ID] = done
	m.taskMu.Unlock()

	if err := m.store.Put(ctx, run); err != nil {
		m.taskMu.Lock()
		delete(m.tasks, run.ID)
		m.taskMu.Unlock()
		m.teardownRun(run.ID)
		return ports.Run{}, fmt.Errorf("store run: %w", err)
	}

	m.publishStatus(run.ID, session.ID, StatusStarted, "")
	m.metrics.RecordRunStarted(ctx)

	run.Status = ports.RunStatusRunning
	_ = m.store.SetStatus(ctx, run.ID, ports.RunStatusRunning, "")

	execCtx := id.WithIDs(context.Background(), id.IDs{
		SessionID: session.ID,
		RunID:     run.ID,
		UserID:    session.UserID,
		LogID:     id.LogIDFromContext(ctx),
	})
	async.Go(m.logger, "live.run."+run.ID, func() {
		m.execute(execCtx, run.ID, session, prompt, done)
	})

	m.logger.Info("run started: run=%s session=%s", run.ID, session.ID)
	return run, nil
}

// execute drives one Agent Runner invocation to completion. Errors from the
// stream are swallowed into a terminal run.status/error event; they are never
// returned because no caller is waiting.
func (m *LiveRunManager) execute(ctx context.Context, runID string, session agentports.Session, prompt string, done chan struct{}) {
	started := time.Now()
	m.metrics.IncrementActiveRuns(ctx)
	if m.tracer != nil {
		var span trace.Span
		ctx, span = m.tracer.StartSpan(ctx, observability.SpanRunExecute, observability.RunAttrs(runID)...)
		defer span.End()
	}

	defer func() {
		m.taskMu.Lock()
		delete(m.tasks, runID)
		m.taskMu.Unlock()
		close(done)
		m.metrics.DecrementActiveRuns(ctx)
	}()

	stream, err := m.runner.Run(ctx, session, prompt)
	if err != nil {
		m.finishRun(ctx, runID, session.ID, started, err)
		return
	}
	defer func() { _ = stream.Close() }()

	for {
		event, nextErr := stream.Next(ctx)
		if nextErr == io.EOF {
			m.finishRun(ctx, runID, session.ID, started, nil)
			return
		}
		if nextErr != nil {
			m.finishRun(ctx, runID, session.ID, started, nextErr)
			return
		}
		m.publishAgentEvent(runID, event)
	}
}

func (m *LiveRunManager) finishRun(ctx context.Context, runID, sessionID string, started time.Time, runErr error) {
	if runErr != nil {
		m.publishStatus(runID, sessionID, StatusError, runErr.Error())
		_ = m.store.SetStatus(ctx, runID, ports.RunStatusFailed, runErr.Error())
		m.metrics.RecordRunExecution(ctx, string(ports.RunStatusFailed), time.Since(started))
		m.logger.Warn("run failed: run=%s err=%v", runID, runErr)
		return
	}
	m.publishStatus(runID, sessionID, StatusCompleted, "")
	_ = m.store.SetStatus(ctx, runID, ports.RunStatusCompleted, "")
	m.metrics.RecordRunExecution(ctx, string(ports.RunStatusCompleted), time.Since(started))
	m.logger.Info("run completed: run=%s", runID)
}

// registerRun creates the history and subscriber structures for a run.
func (m *LiveRunManager) registerRun(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subscribers[runID]; ok {
		return
	}
	m.histories[runID] = nil
	m.subscribers[runID] = make(map[*EventQueue]struct{})
}

// publishStatus publishes a run.status lifecycle event.
func (m *LiveRunManager) publishStatus(runID, sessionID, status, errMsg string) {
	payload := map[string]any{
		"status":    status,
		"runId":     runID,
		"sessionId": sessionID,
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	m.Publish(runID, EventRunStatus, payload)
}

// publishAgentEvent publishes one passthrough agent event under the adk.event
// wire name, regardless of the event's own type tag.
func (m *LiveRunManager) publishAgentEvent(runID string, event agentports.Event) {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	m.Publish(runID, EventAgent, payload)
}

// Publish stamps payload with the next global sequence number and a wall-clock
// timestamp, appends the frame to the run's bounded history, and pushes it to
// every current subscriber. Publishing to an unknown run is a silent no-op:
// teardown races with in-flight background publishes and neither side may
// crash the other.
func (m *LiveRunManager) Publish(runID, name string, payload map[string]any) {
	m.mu.Lock()

	subs, ok := m.subscribers[runID]
	if !ok {
		m.mu.Unlock()
		return
	}

	m.sequence++
	seq := m.sequence
	ts := float64(time.Now().UnixMilli()) / 1000.0

	// Shallow copy so stamping never mutates the caller's map.
	stamped := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		stamped[k] = v
	}
	switch name {
	case EventRunStatus:
		if _, exists := stamped["timestamp"]; !exists {
			stamped["timestamp"] = ts
		}
	default:
		orig, _ := stamped["_meta"].(map[string]any)
		meta := make(map[string]any, len(orig)+2)
		for k, v := range orig {
			meta[k] = v
		}
		if _, exists := meta["timestamp"]; !exists {
			meta["timestamp"] = ts
		}
		if _, exists := meta["sequence"]; !exists {
			meta["sequence"] = seq
		}
		stamped["_meta"] = meta
	}

	data, err := json.Marshal(stamped)
	if err != nil {
		m.mu.Unlock()
		m.logger.Error("publish marshal failed: run=%s event=%s err=%v", runID, name, err)
		return
	}

	frame := ports.StreamEvent{Name: name, Sequence: seq, Data: data}

	history := append(m.histories[runID], frame)
	evicted := 0
	if len(history) > m.maxHistory {
		evicted = len(history) - m.maxHistory
		history = history[evicted:]
	}
	m.histories[runID] = history

	// Queues are unbounded, so pushing under the lock cannot block and keeps
	// delivery order identical across subscribers.
	for q := range subs {
		q.Push(frame)
	}
	m.mu.Unlock()

	m.metrics.RecordEventPublished(context.Background(), name)
	m.metrics.RecordHistoryEviction(context.Background(), int64(evicted))
}

// Subscribe registers a queue for runID and atomically replays the buffered
// history into it, so late joiners observe the same prefix as live listeners.
func (m *LiveRunManager) Subscribe(runID string) (*EventQueue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs, ok := m.subscribers[runID]
	if !ok {
		return nil, NotFoundError("run " + runID)
	}

	q := NewEventQueue()
	for _, frame := range m.histories[runID] {
		q.Push(frame)
	}
	subs[q] = struct{}{}
	return q, nil
}

// Unsubscribe removes a queue and closes it. Removing a queue that is already
// gone, or from a run that no longer exists, is a no-op.
func (m *LiveRunManager) Unsubscribe(runID string, q *EventQueue) {
	if q == nil {
		return
	}
	m.mu.Lock()
	if subs, ok := m.subscribers[runID]; ok {
		delete(subs, q)
	}
	m.mu.Unlock()
	q.Close()
}

// SubscriberCount reports how many queues are attached to a run.
func (m *LiveRunManager) SubscriberCount(runID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscribers[runID])
}

// History returns a copy of the run's buffered frames.
func (m *LiveRunManager) History(runID string) []ports.StreamEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	history := m.histories[runID]
	if len(history) == 0 {
		return nil
	}
	out := make([]ports.StreamEvent, len(history))
	copy(out, history)
	return out
}

// teardownRun drops a run's history and closes all of its subscriber queues.
// Invoked by the run store when a record is evicted.
func (m *LiveRunManager) teardownRun(runID string) {
	m.mu.Lock()
	subs := m.subscribers[runID]
	delete(m.subscribers, runID)
	delete(m.histories, runID)
	m.mu.Unlock()

	for q := range subs {
		q.Close()
	}
	if len(subs) > 0 {
		m.logger.Info("run evicted with %d live subscribers: run=%s", len(subs), runID)
	}
}

// EnsureRunDone blocks until the run's executor has exited or ctx ends.
// Unknown runs (already finished or never started) return immediately.
func (m *LiveRunManager) EnsureRunDone(ctx context.Context, runID string) error {
	m.taskMu.Lock()
	done, ok := m.tasks[runID]
	m.taskMu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveRuns reports how many executor tasks are currently alive.
func (m *LiveRunManager) ActiveRuns() int {
	m.taskMu.Lock()
	defer m.taskMu.Unlock()
	return len(m.tasks)
}

// DrainActive waits for every in-flight executor to finish or ctx to end.
// Used during graceful shutdown.
func (m *LiveRunManager) DrainActive(ctx context.Context) error {
	m.taskMu.Lock()
	pending := make([]chan struct{}, 0, len(m.tasks))
	for _, done := range m.tasks {
		pending = append(pending, done)
	}
	m.taskMu.Unlock()

	for _, done := range pending {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// GetRun returns the registry record for a run.
func (m *LiveRunManager) GetRun(ctx context.Context, runID string) (ports.Run, error) {
	run, ok := m.store.Get(ctx, runID)
	if !ok {
		return ports.Run{}, NotFoundError("run " + runID)
	}
	return run, nil
}

// ListRuns returns all retained runs, newest first.
func (m *LiveRunManager) ListRuns(ctx context.Context) []ports.Run {
	return m.store.List(ctx)
}

// RunOnce executes a prompt synchronously and returns every serialized agent
// event. Lifecycle frames are not included; the caller gets the raw payloads.
func (m *LiveRunManager) RunOnce(ctx context.Context, userID, sessionID, prompt string) ([]json.RawMessage, agentports.Session, error) {
	if prompt == "" {
		return nil, agentports.Session{}, ValidationError("prompt must not be empty")
	}
	if m.runner == nil {
		return nil, agentports.Session{}, UnavailableError("agent runner not configured")
	}

	session, err := m.sessions.EnsureSession(ctx, userID, sessionID)
	if err != nil {
		return nil, agentports.Session{}, fmt.Errorf("resolve session: %w", err)
	}

	if m.tracer != nil {
		var span trace.Span
		ctx, span = m.tracer.StartSpan(ctx, observability.SpanRunOnce, observability.SessionAttrs(session.ID)...)
		defer span.End()
	}

	stream, err := m.runner.Run(ctx, session, prompt)
	if err != nil {
		return nil, session, fmt.Errorf("run agent: %w", err)
	}
	defer func() { _ = stream.Close() }()

	var events []json.RawMessage
	for {
		event, nextErr := stream.Next(ctx)
		if nextErr == io.EOF {
			return events, session, nil
		}
		if nextErr != nil {
			return events, session, fmt.Errorf("iterate agent events: %w", nextErr)
		}
		serialized, serErr := agentports.SerializeEvent(event)
		if serErr != nil {
			return events, session, fmt.Errorf("serialize agent event: %w", serErr)
		}
		events = append(events, serialized)
	}
}
