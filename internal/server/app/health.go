package app

import (
	"context"
	"sync"

	"counsel/internal/server/ports"
)

// HealthCheckerImpl aggregates health probes for all components
type HealthCheckerImpl struct {
	probes []ports.HealthProbe
	mu     sync.RWMutex
}

// NewHealthChecker creates a new health checker
func NewHealthChecker() *HealthCheckerImpl {
	return &HealthCheckerImpl{
		probes: make([]ports.HealthProbe, 0),
	}
}

// RegisterProbe adds a health probe
func (h *HealthCheckerImpl) RegisterProbe(probe ports.HealthProbe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes = append(h.probes, probe)
}

// CheckAll returns health status for all components
func (h *HealthCheckerImpl) CheckAll(ctx context.Context) []ports.ComponentHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	results := make([]ports.ComponentHealth, 0, len(h.probes))
	for _, probe := range h.probes {
		results = append(results, probe.Check(ctx))
	}
	return results
}

// RunManagerProbe reports live run manager health
type RunManagerProbe struct {
	manager *LiveRunManager
}

// NewRunManagerProbe creates a probe for the live run manager
func NewRunManagerProbe(manager *LiveRunManager) *RunManagerProbe {
	return &RunManagerProbe{manager: manager}
}

// Check returns the health status of the run manager
func (p *RunManagerProbe) Check(ctx context.Context) ports.ComponentHealth {
	if p.manager == nil {
		return ports.ComponentHealth{
			Name:    "run_manager",
			Status:  ports.HealthStatusNotReady,
			Message: "run manager not configured",
		}
	}
	return ports.ComponentHealth{
		Name:   "run_manager",
		Status: ports.HealthStatusReady,
		Details: map[string]interface{}{
			"active_runs": p.manager.ActiveRuns(),
		},
	}
}

// RunStoreProbe reports run registry capacity usage
type RunStoreProbe struct {
	store    *LRURunStore
	capacity int
}

// NewRunStoreProbe creates a probe for the run store
func NewRunStoreProbe(store *LRURunStore, capacity int) *RunStoreProbe {
	return &RunStoreProbe{store: store, capacity: capacity}
}

// Check returns the health status of the run store
func (p *RunStoreProbe) Check(ctx context.Context) ports.ComponentHealth {
	if p.store == nil {
		return ports.ComponentHealth{
			Name:    "run_store",
			Status:  ports.HealthStatusNotReady,
			Message: "run store not configured",
		}
	}
	return ports.ComponentHealth{
		Name:   "run_store",
		Status: ports.HealthStatusReady,
		Details: map[string]interface{}{
			"retained_runs": p.store.Len(),
			"capacity":      p.capacity,
		},
	}
}

// RunnerProbe reports whether an agent runner is wired in.
type RunnerProbe struct {
	configured bool
}

// NewRunnerProbe creates a probe for agent runner availability
func NewRunnerProbe(configured bool) *RunnerProbe {
	return &RunnerProbe{configured: configured}
}

// Check returns the agent runner availability status
func (p *RunnerProbe) Check(ctx context.Context) ports.ComponentHealth {
	if !p.configured {
		return ports.ComponentHealth{
			Name:    "agent_runner",
			Status:  ports.HealthStatusDisabled,
			Message: "no agent runner configured",
		}
	}
	return ports.ComponentHealth{
		Name:   "agent_runner",
		Status: ports.HealthStatusReady,
	}
}
