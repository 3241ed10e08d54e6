package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"counsel/internal/server/ports"
)

func TestEventQueuePushNext(t *testing.T) {
	q := NewEventQueue()

	for i := uint64(1); i <= 3; i++ {
		if !q.Push(ports.StreamEvent{Name: EventAgent, Sequence: i, Data: []byte("{}")}) {
			t.Fatalf("Push %d rejected", i)
		}
	}
	if q.Len() != 3 {
		t.Fatalf("expected 3 buffered events, got %d", q.Len())
	}

	for i := uint64(1); i <= 3; i++ {
		ev, err := q.Next(context.Background())
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if ev.Sequence != i {
			t.Fatalf("expected sequence %d, got %d", i, ev.Sequence)
		}
	}
}

func TestEventQueueNextBlocksUntilPush(t *testing.T) {
	q := NewEventQueue()

	var wg sync.WaitGroup
	wg.Add(1)
	var got ports.StreamEvent
	var gotErr error
	go func() {
		defer wg.Done()
		got, gotErr = q.Next(context.Background())
	}()

	time.Sleep(10 * time.Millisecond)
	q.Push(ports.StreamEvent{Sequence: 42, Data: []byte("{}")})
	wg.Wait()

	if gotErr != nil {
		t.Fatalf("Next failed: %v", gotErr)
	}
	if got.Sequence != 42 {
		t.Fatalf("expected sequence 42, got %d", got.Sequence)
	}
}

func TestEventQueueNextHonorsContext(t *testing.T) {
	q := NewEventQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Next(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestEventQueueCloseDrainsThenFails(t *testing.T) {
	q := NewEventQueue()
	q.Push(ports.StreamEvent{Sequence: 1, Data: []byte("{}")})
	q.Close()
	q.Close() // idempotent

	if q.Push(ports.StreamEvent{Sequence: 2, Data: []byte("{}")}) {
		t.Fatalf("Push after Close should be rejected")
	}

	ev, err := q.Next(context.Background())
	if err != nil {
		t.Fatalf("expected buffered event after Close, got %v", err)
	}
	if ev.Sequence != 1 {
		t.Fatalf("expected sequence 1, got %d", ev.Sequence)
	}

	if _, err := q.Next(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
}

func TestEventQueueCloseWakesBlockedReader(t *testing.T) {
	q := NewEventQueue()

	done := make(chan error, 1)
	go func() {
		_, err := q.Next(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrQueueClosed) {
			t.Fatalf("expected ErrQueueClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("blocked reader never woke up after Close")
	}
}
