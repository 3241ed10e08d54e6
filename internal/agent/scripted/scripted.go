// Package scripted provides a deterministic Runner used for development and
// tests. It replays a fixed script of events instead of calling a model.
package scripted

import (
	"context"
	"io"
	"sync"
	"time"

	"counsel/internal/agent/ports"
)

// Runner replays a script of events for every prompt. A nil or empty script
// yields an empty stream; NewEcho builds the variant that answers each prompt
// with a single text event echoing it.
type Runner struct {
	script []ports.Event
	delay  time.Duration
	err    error
	echo   bool
}

// Option customizes scripted runner behavior.
type Option func(*Runner)

// WithDelay makes the stream pause between events, which approximates a model
// producing output incrementally.
func WithDelay(d time.Duration) Option {
	return func(r *Runner) { r.delay = d }
}

// WithError makes every stream fail with err after the script is exhausted.
func WithError(err error) Option {
	return func(r *Runner) { r.err = err }
}

// New returns a runner that replays script for every prompt.
func New(script []ports.Event, opts ...Option) *Runner {
	r := &Runner{script: script}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewEcho returns a runner that answers each prompt with one text event.
func NewEcho() *Runner {
	return &Runner{echo: true}
}

// TextEvent builds a model text event in the shape agent clients expect.
func TextEvent(author, text string) ports.Event {
	return ports.Event{
		Type: "adk.event",
		Payload: map[string]any{
			"author": author,
			"content": map[string]any{
				"parts": []any{map[string]any{"text": text}},
			},
		},
	}
}

// Run implements ports.Runner.
func (r *Runner) Run(_ context.Context, _ ports.Session, prompt string) (ports.EventStream, error) {
	script := r.script
	if r.echo && len(script) == 0 {
		script = []ports.Event{TextEvent("assistant", prompt)}
	}
	return &stream{script: script, delay: r.delay, err: r.err}, nil
}

type stream struct {
	mu     sync.Mutex
	script []ports.Event
	pos    int
	delay  time.Duration
	err    error
	closed bool
}

func (s *stream) Next(ctx context.Context) (ports.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ports.Event{}, io.EOF
	}
	if s.pos >= len(s.script) {
		if s.err != nil {
			return ports.Event{}, s.err
		}
		return ports.Event{}, io.EOF
	}
	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ports.Event{}, ctx.Err()
		case <-timer.C:
		}
	}
	ev := s.script[s.pos]
	s.pos++
	return ev, nil
}

func (s *stream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
