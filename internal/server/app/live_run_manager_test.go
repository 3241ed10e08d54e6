package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	agentports "counsel/internal/agent/ports"
	"counsel/internal/agent/scripted"
	"counsel/internal/agent/sessions"
	"counsel/internal/logging"
	"counsel/internal/server/ports"
)

func newTestManager(t *testing.T, runner agentports.Runner, opts ...ManagerOption) (*LiveRunManager, *LRURunStore) {
	t.Helper()
	store, err := NewRunStore(64)
	if err != nil {
		t.Fatalf("NewRunStore failed: %v", err)
	}
	resolver := sessions.NewInMemoryResolver("counsel", logging.Nop())
	opts = append([]ManagerOption{WithManagerLogger(logging.Nop())}, opts...)
	return NewLiveRunManager(runner, resolver, store, opts...), store
}

func drainFrames(t *testing.T, q *EventQueue, n int) []ports.StreamEvent {
	t.Helper()
	frames := make([]ports.StreamEvent, 0, n)
	for i := 0; i < n; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		frame, err := q.Next(ctx)
		cancel()
		if err != nil {
			t.Fatalf("Next failed after %d frames: %v", len(frames), err)
		}
		frames = append(frames, frame)
	}
	return frames
}

func decodeFrame(t *testing.T, frame ports.StreamEvent) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		t.Fatalf("frame data is not valid JSON: %v", err)
	}
	return payload
}

func frameText(t *testing.T, frame ports.StreamEvent) string {
	t.Helper()
	payload := decodeFrame(t, frame)
	content, _ := payload["content"].(map[string]any)
	parts, _ := content["parts"].([]any)
	if len(parts) == 0 {
		t.Fatalf("frame has no content parts: %s", frame.Data)
	}
	part, _ := parts[0].(map[string]any)
	text, _ := part["text"].(string)
	return text
}

func TestStartRunStreamsLifecycleAndEventsInOrder(t *testing.T) {
	runner := scripted.New([]agentports.Event{
		scripted.TextEvent("assistant", "hello"),
		scripted.TextEvent("assistant", "world"),
	})
	manager, _ := newTestManager(t, runner)

	run, err := manager.StartRun(context.Background(), "", "", "hello")
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if run.ID == "" || run.SessionID == "" {
		t.Fatalf("expected run and session ids, got %+v", run)
	}

	q, err := manager.Subscribe(run.ID)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer manager.Unsubscribe(run.ID, q)

	if err := manager.EnsureRunDone(context.Background(), run.ID); err != nil {
		t.Fatalf("EnsureRunDone failed: %v", err)
	}

	frames := drainFrames(t, q, 4)

	if frames[0].Name != EventRunStatus {
		t.Fatalf("expected first frame %s, got %s", EventRunStatus, frames[0].Name)
	}
	first := decodeFrame(t, frames[0])
	if first["status"] != StatusStarted {
		t.Fatalf("expected started status first, got %v", first["status"])
	}
	if first["runId"] != run.ID || first["sessionId"] != run.SessionID {
		t.Fatalf("started frame missing identifiers: %s", frames[0].Data)
	}
	if _, ok := first["timestamp"]; !ok {
		t.Fatalf("started frame missing timestamp: %s", frames[0].Data)
	}

	if frames[1].Name != EventAgent || frames[2].Name != EventAgent {
		t.Fatalf("expected agent event frames, got %s, %s", frames[1].Name, frames[2].Name)
	}
	if got := frameText(t, frames[1]); got != "hello" {
		t.Fatalf("expected first agent event 'hello', got %q", got)
	}
	if got := frameText(t, frames[2]); got != "world" {
		t.Fatalf("expected second agent event 'world', got %q", got)
	}

	last := decodeFrame(t, frames[3])
	if frames[3].Name != EventRunStatus || last["status"] != StatusCompleted {
		t.Fatalf("expected completed terminal frame, got %s %s", frames[3].Name, frames[3].Data)
	}

	// Sequence ids strictly increase and agent _meta matches the frame id.
	for i := 1; i < len(frames); i++ {
		if frames[i].Sequence <= frames[i-1].Sequence {
			t.Fatalf("sequence not strictly increasing: %d then %d", frames[i-1].Sequence, frames[i].Sequence)
		}
	}
	for _, frame := range frames[1:3] {
		payload := decodeFrame(t, frame)
		meta, _ := payload["_meta"].(map[string]any)
		if meta == nil {
			t.Fatalf("agent frame missing _meta: %s", frame.Data)
		}
		seq, _ := meta["sequence"].(float64)
		if uint64(seq) != frame.Sequence {
			t.Fatalf("_meta.sequence %v does not match frame id %d", meta["sequence"], frame.Sequence)
		}
		if _, ok := meta["timestamp"]; !ok {
			t.Fatalf("agent frame missing _meta.timestamp: %s", frame.Data)
		}
	}

	if manager.ActiveRuns() != 0 {
		t.Fatalf("expected no active runs after completion, got %d", manager.ActiveRuns())
	}
}

func TestStartRunRejectsEmptyPrompt(t *testing.T) {
	manager, store := newTestManager(t, scripted.NewEcho())

	_, err := manager.StartRun(context.Background(), "", "", "")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("expected no run allocated, store has %d", store.Len())
	}
}

func TestSubscribeUnknownRun(t *testing.T) {
	manager, _ := newTestManager(t, scripted.NewEcho())

	_, err := manager.Subscribe("run-does-not-exist")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestHistoryCapKeepsMostRecent(t *testing.T) {
	manager, _ := newTestManager(t, scripted.NewEcho(), WithMaxHistory(3))
	manager.registerRun("run-cap")

	for i := 1; i <= 5; i++ {
		manager.Publish("run-cap", EventAgent, map[string]any{"n": i})
	}

	q, err := manager.Subscribe("run-cap")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer manager.Unsubscribe("run-cap", q)

	if q.Len() != 3 {
		t.Fatalf("expected replay of 3 events, got %d", q.Len())
	}
	frames := drainFrames(t, q, 3)
	for i, want := range []float64{3, 4, 5} {
		payload := decodeFrame(t, frames[i])
		if payload["n"] != want {
			t.Fatalf("expected event n=%v at position %d, got %v", want, i, payload["n"])
		}
	}
}

func TestRunnerFailureProducesTerminalError(t *testing.T) {
	boom := errors.New("model exploded")
	runner := scripted.New(
		[]agentports.Event{scripted.TextEvent("assistant", "partial")},
		scripted.WithError(boom),
	)
	manager, store := newTestManager(t, runner)

	run, err := manager.StartRun(context.Background(), "", "", "prompt")
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	q, err := manager.Subscribe(run.ID)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer manager.Unsubscribe(run.ID, q)

	if err := manager.EnsureRunDone(context.Background(), run.ID); err != nil {
		t.Fatalf("EnsureRunDone failed: %v", err)
	}

	frames := drainFrames(t, q, 3)
	if frames[1].Name != EventAgent {
		t.Fatalf("expected the successful agent event before failure, got %s", frames[1].Name)
	}
	terminal := decodeFrame(t, frames[2])
	if terminal["status"] != StatusError {
		t.Fatalf("expected terminal error status, got %v", terminal["status"])
	}
	errMsg, _ := terminal["error"].(string)
	if errMsg == "" {
		t.Fatalf("expected non-empty error description, got %s", frames[2].Data)
	}

	if manager.ActiveRuns() != 0 {
		t.Fatalf("expected executor removed from active set, got %d", manager.ActiveRuns())
	}
	stored, ok := store.Get(context.Background(), run.ID)
	if !ok {
		t.Fatalf("run missing from store")
	}
	if stored.Status != ports.RunStatusFailed || stored.Error == "" {
		t.Fatalf("expected failed run record, got %+v", stored)
	}
}

func TestConcurrentSubscribersSeeIdenticalFrames(t *testing.T) {
	runner := scripted.New([]agentports.Event{
		scripted.TextEvent("assistant", "a"),
		scripted.TextEvent("assistant", "b"),
		scripted.TextEvent("assistant", "c"),
	})
	manager, _ := newTestManager(t, runner)

	run, err := manager.StartRun(context.Background(), "", "", "prompt")
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	q1, err := manager.Subscribe(run.ID)
	if err != nil {
		t.Fatalf("Subscribe 1 failed: %v", err)
	}
	defer manager.Unsubscribe(run.ID, q1)
	q2, err := manager.Subscribe(run.ID)
	if err != nil {
		t.Fatalf("Subscribe 2 failed: %v", err)
	}
	defer manager.Unsubscribe(run.ID, q2)

	if err := manager.EnsureRunDone(context.Background(), run.ID); err != nil {
		t.Fatalf("EnsureRunDone failed: %v", err)
	}

	frames1 := drainFrames(t, q1, 5)
	frames2 := drainFrames(t, q2, 5)
	for i := range frames1 {
		if frames1[i].Sequence != frames2[i].Sequence || frames1[i].Name != frames2[i].Name {
			t.Fatalf("subscribers diverged at frame %d: %+v vs %+v", i, frames1[i], frames2[i])
		}
		if string(frames1[i].Data) != string(frames2[i].Data) {
			t.Fatalf("subscribers saw different payloads at frame %d", i)
		}
	}
}

func TestPublishAndUnsubscribeUnknownRunAreNoops(t *testing.T) {
	manager, _ := newTestManager(t, scripted.NewEcho())

	// Neither may panic or error.
	manager.Publish("run-ghost", EventAgent, map[string]any{"x": 1})
	manager.Unsubscribe("run-ghost", NewEventQueue())
	manager.Unsubscribe("run-ghost", nil)
}

func TestSessionResolverFailureAbortsBeforeSpawn(t *testing.T) {
	store, err := NewRunStore(8)
	if err != nil {
		t.Fatalf("NewRunStore failed: %v", err)
	}
	resolver := &failingResolver{err: errors.New("backend down")}
	manager := NewLiveRunManager(scripted.NewEcho(), resolver, store, WithManagerLogger(logging.Nop()))

	_, err = manager.StartRun(context.Background(), "", "session-1", "prompt")
	if err == nil {
		t.Fatalf("expected error from failing resolver")
	}
	if store.Len() != 0 {
		t.Fatalf("expected no run allocated, store has %d", store.Len())
	}
	if manager.ActiveRuns() != 0 {
		t.Fatalf("expected no executor spawned, got %d", manager.ActiveRuns())
	}
}

func TestStartRunAttributesCallerUser(t *testing.T) {
	manager, _ := newTestManager(t, scripted.NewEcho())

	run, err := manager.StartRun(context.Background(), "alice", "", "hello")
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if run.UserID != "alice" {
		t.Fatalf("expected run attributed to alice, got %q", run.UserID)
	}
	if err := manager.EnsureRunDone(context.Background(), run.ID); err != nil {
		t.Fatalf("EnsureRunDone failed: %v", err)
	}

	stored, err := manager.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if stored.UserID != "alice" {
		t.Fatalf("expected stored run attributed to alice, got %q", stored.UserID)
	}

	// No user id falls back to the resolver's default.
	anon, err := manager.StartRun(context.Background(), "", "", "hello")
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if anon.UserID != sessions.DefaultUserID {
		t.Fatalf("expected default user %q, got %q", sessions.DefaultUserID, anon.UserID)
	}
	if err := manager.EnsureRunDone(context.Background(), anon.ID); err != nil {
		t.Fatalf("EnsureRunDone failed: %v", err)
	}
}

func TestRunOnceResolvesCallerUser(t *testing.T) {
	manager, _ := newTestManager(t, scripted.NewEcho())

	_, session, err := manager.RunOnce(context.Background(), "bob", "", "hello")
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if session.UserID != "bob" {
		t.Fatalf("expected session attributed to bob, got %q", session.UserID)
	}
}

func TestGlobalSequenceSpansRuns(t *testing.T) {
	manager, _ := newTestManager(t, scripted.NewEcho())
	manager.registerRun("run-a")
	manager.registerRun("run-b")

	manager.Publish("run-a", EventAgent, map[string]any{"n": 1})
	manager.Publish("run-b", EventAgent, map[string]any{"n": 2})
	manager.Publish("run-a", EventAgent, map[string]any{"n": 3})

	historyA := manager.History("run-a")
	historyB := manager.History("run-b")
	if len(historyA) != 2 || len(historyB) != 1 {
		t.Fatalf("unexpected history sizes: %d, %d", len(historyA), len(historyB))
	}
	if !(historyA[0].Sequence < historyB[0].Sequence && historyB[0].Sequence < historyA[1].Sequence) {
		t.Fatalf("global sequence not monotonic across runs: %d, %d, %d",
			historyA[0].Sequence, historyB[0].Sequence, historyA[1].Sequence)
	}
}

func TestLateSubscriberSeesFullPrefix(t *testing.T) {
	events := make(chan agentports.Event)
	release := make(chan struct{})
	runner := &gatedRunner{events: events, release: release}
	manager, _ := newTestManager(t, runner)

	run, err := manager.StartRun(context.Background(), "", "", "prompt")
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}

	events <- scripted.TextEvent("assistant", "early")

	// Wait for the early event to land in history before joining late.
	deadline := time.Now().Add(2 * time.Second)
	for len(manager.History(run.ID)) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("early event never published")
		}
		time.Sleep(time.Millisecond)
	}

	q, err := manager.Subscribe(run.ID)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer manager.Unsubscribe(run.ID, q)

	events <- scripted.TextEvent("assistant", "late")
	close(release)

	if err := manager.EnsureRunDone(context.Background(), run.ID); err != nil {
		t.Fatalf("EnsureRunDone failed: %v", err)
	}

	frames := drainFrames(t, q, 4)
	if got := frameText(t, frames[1]); got != "early" {
		t.Fatalf("late subscriber missed replayed event, got %q", got)
	}
	if got := frameText(t, frames[2]); got != "late" {
		t.Fatalf("late subscriber missed live event, got %q", got)
	}
	for i := 1; i < len(frames); i++ {
		if frames[i].Sequence <= frames[i-1].Sequence {
			t.Fatalf("gap or reorder at frame %d", i)
		}
	}
}

func TestEvictionTearsDownRunChannel(t *testing.T) {
	store, err := NewRunStore(1)
	if err != nil {
		t.Fatalf("NewRunStore failed: %v", err)
	}
	resolver := sessions.NewInMemoryResolver("counsel", logging.Nop())
	manager := NewLiveRunManager(scripted.NewEcho(), resolver, store, WithManagerLogger(logging.Nop()))

	first, err := manager.StartRun(context.Background(), "", "", "one")
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if err := manager.EnsureRunDone(context.Background(), first.ID); err != nil {
		t.Fatalf("EnsureRunDone failed: %v", err)
	}
	q, err := manager.Subscribe(first.ID)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// Capacity 1: starting a second run evicts the first.
	second, err := manager.StartRun(context.Background(), "", "", "two")
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if err := manager.EnsureRunDone(context.Background(), second.ID); err != nil {
		t.Fatalf("EnsureRunDone failed: %v", err)
	}

	if _, err := manager.Subscribe(first.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected evicted run to be unknown, got %v", err)
	}

	// Buffered frames remain readable, then the closed queue surfaces.
	drainFrames(t, q, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := q.Next(ctx); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected closed queue after eviction, got %v", err)
	}
}

func TestRunOnceCollectsSerializedEvents(t *testing.T) {
	runner := scripted.New([]agentports.Event{
		scripted.TextEvent("assistant", "only"),
	})
	manager, _ := newTestManager(t, runner)

	events, session, err := manager.RunOnce(context.Background(), "", "", "prompt")
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if session.ID == "" {
		t.Fatalf("expected a session to be resolved")
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	var payload map[string]any
	if err := json.Unmarshal(events[0], &payload); err != nil {
		t.Fatalf("event not valid JSON: %v", err)
	}
	if payload["author"] != "assistant" {
		t.Fatalf("unexpected event payload: %s", events[0])
	}
}

func TestRunOnceEmptyPrompt(t *testing.T) {
	manager, _ := newTestManager(t, scripted.NewEcho())
	if _, _, err := manager.RunOnce(context.Background(), "", "", ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestEnsureRunDoneUnknownRunReturnsImmediately(t *testing.T) {
	manager, _ := newTestManager(t, scripted.NewEcho())
	if err := manager.EnsureRunDone(context.Background(), "run-unknown"); err != nil {
		t.Fatalf("expected nil for unknown run, got %v", err)
	}
}

func TestDrainActiveWaitsForExecutors(t *testing.T) {
	runner := scripted.New(
		[]agentports.Event{scripted.TextEvent("assistant", "slow")},
		scripted.WithDelay(20*time.Millisecond),
	)
	manager, _ := newTestManager(t, runner)

	for i := 0; i < 3; i++ {
		if _, err := manager.StartRun(context.Background(), "", "", fmt.Sprintf("p%d", i)); err != nil {
			t.Fatalf("StartRun failed: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := manager.DrainActive(ctx); err != nil {
		t.Fatalf("DrainActive failed: %v", err)
	}
	if manager.ActiveRuns() != 0 {
		t.Fatalf("expected all executors finished, got %d", manager.ActiveRuns())
	}
}

// --- test doubles ---

type failingResolver struct {
	err error
}

func (r *failingResolver) EnsureSession(context.Context, string, string) (agentports.Session, error) {
	return agentports.Session{}, r.err
}

// gatedRunner feeds events from a channel so tests control publish timing.
type gatedRunner struct {
	events  chan agentports.Event
	release chan struct{}
}

func (r *gatedRunner) Run(context.Context, agentports.Session, string) (agentports.EventStream, error) {
	return &gatedStream{events: r.events, release: r.release}, nil
}

type gatedStream struct {
	events  chan agentports.Event
	release chan struct{}
}

func (s *gatedStream) Next(ctx context.Context) (agentports.Event, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case <-s.release:
		select {
		case ev := <-s.events:
			return ev, nil
		default:
			return agentports.Event{}, io.EOF
		}
	case <-ctx.Done():
		return agentports.Event{}, ctx.Err()
	}
}

func (s *gatedStream) Close() error { return nil }
