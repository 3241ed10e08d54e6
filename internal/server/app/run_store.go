package app

import (
	"context"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"counsel/internal/server/ports"
)

// DefaultMaxRetainedRuns bounds how many run records the store keeps before
// the least recently touched ones are dropped.
const DefaultMaxRetainedRuns = 256

// LRURunStore implements ports.RunStore on top of a bounded LRU cache so the
// registry cannot grow without limit under sustained traffic.
type LRURunStore struct {
	mu      sync.Mutex
	cache   *lru.Cache[string, ports.Run]
	onEvict func(runID string)
}

// NewRunStore creates a store retaining at most capacity runs. A non-positive
// capacity falls back to DefaultMaxRetainedRuns.
func NewRunStore(capacity int) (*LRURunStore, error) {
	if capacity <= 0 {
		capacity = DefaultMaxRetainedRuns
	}
	store := &LRURunStore{}
	cache, err := lru.NewWithEvict(capacity, func(runID string, _ ports.Run) {
		if store.onEvict != nil {
			store.onEvict(runID)
		}
	})
	if err != nil {
		return nil, err
	}
	store.cache = cache
	return store, nil
}

// SetEvictionHook registers a callback invoked with the id of every evicted
// run. The hook runs synchronously inside Put; it must not call back into the
// store.
func (s *LRURunStore) SetEvictionHook(hook func(runID string)) {
	s.mu.Lock()
	s.onEvict = hook
	s.mu.Unlock()
}

// Put inserts or replaces a run record.
func (s *LRURunStore) Put(_ context.Context, run ports.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Add(run.ID, run)
	return nil
}

// Get retrieves a run by id.
func (s *LRURunStore) Get(_ context.Context, runID string) (ports.Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Get(runID)
}

// List returns all retained runs, newest first.
func (s *LRURunStore) List(_ context.Context) []ports.Run {
	s.mu.Lock()
	defer s.mu.Unlock()

	runs := make([]ports.Run, 0, s.cache.Len())
	for _, key := range s.cache.Keys() {
		if run, ok := s.cache.Peek(key); ok {
			runs = append(runs, run)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	return runs
}

// SetStatus transitions a run's status, recording the error message for
// terminal failures.
func (s *LRURunStore) SetStatus(_ context.Context, runID string, status ports.RunStatus, runErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.cache.Get(runID)
	if !ok {
		return NotFoundError("run " + runID)
	}
	run.Status = status
	run.Error = runErr
	run.UpdatedAt = time.Now()
	s.cache.Add(runID, run)
	return nil
}

// Len reports how many runs are retained.
func (s *LRURunStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}
