package ports

import (
	"context"
	"encoding/json"
	"time"
)

// RunStatus captures the lifecycle stage of a live run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the status is a final one.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Run is the registry record for one background agent execution.
type Run struct {
	ID        string    `json:"runId"`
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	Prompt    string    `json:"-"`
	Status    RunStatus `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RunStore persists run records for status queries and listing.
type RunStore interface {
	Put(ctx context.Context, run Run) error
	Get(ctx context.Context, runID string) (Run, bool)
	List(ctx context.Context) []Run
	SetStatus(ctx context.Context, runID string, status RunStatus, runErr string) error
	Len() int
}

// StreamEvent is one fan-out frame: the SSE event name plus its JSON body and
// the global sequence number assigned at publish time.
type StreamEvent struct {
	Name     string
	Sequence uint64
	Data     json.RawMessage
}
