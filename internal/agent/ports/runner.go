package ports

import (
	"context"
	"encoding/json"
)

// Session identifies a conversation scope that runs execute against.
type Session struct {
	ID      string `json:"id"`
	UserID  string `json:"userId"`
	AppName string `json:"appName,omitempty"`
}

// SessionResolver looks up or creates the session a run should attach to.
type SessionResolver interface {
	// EnsureSession returns the session with the given id, creating it when it
	// does not exist yet. An empty sessionID asks the resolver to mint one; an
	// empty userID asks it to attribute the session to its default user.
	EnsureSession(ctx context.Context, userID, sessionID string) (Session, error)
}

// Event is a single unit of agent output. Type names the event on the wire
// and Payload carries the event body as loosely typed JSON.
type Event struct {
	Type    string
	Payload map[string]any
}

// SerializeEvent renders the event payload for clients. It never fails for
// nil payloads; those serialize as an empty object.
func SerializeEvent(ev Event) (json.RawMessage, error) {
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return json.Marshal(payload)
}

// EventStream yields agent events one at a time. Next returns io.EOF once the
// stream is exhausted; any other error is terminal.
type EventStream interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

// Runner executes a prompt against a session and streams the resulting events.
type Runner interface {
	Run(ctx context.Context, session Session, prompt string) (EventStream, error)
}
