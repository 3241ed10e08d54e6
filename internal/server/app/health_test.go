package app

import (
	"context"
	"testing"

	"counsel/internal/agent/sessions"
	"counsel/internal/logging"
	"counsel/internal/server/ports"
)

func TestHealthChecker(t *testing.T) {
	t.Run("registers and checks probes", func(t *testing.T) {
		checker := NewHealthChecker()

		// Register a mock probe
		mockProbe := &mockHealthProbe{
			health: ports.ComponentHealth{
				Name:    "test_component",
				Status:  ports.HealthStatusReady,
				Message: "All good",
			},
		}
		checker.RegisterProbe(mockProbe)

		// Check all
		results := checker.CheckAll(context.Background())
		if len(results) != 1 {
			t.Errorf("Expected 1 result, got %d", len(results))
		}

		if results[0].Name != "test_component" {
			t.Errorf("Expected name 'test_component', got '%s'", results[0].Name)
		}

		if results[0].Status != ports.HealthStatusReady {
			t.Errorf("Expected status 'ready', got '%s'", results[0].Status)
		}
	})

	t.Run("handles multiple probes", func(t *testing.T) {
		checker := NewHealthChecker()

		probe1 := &mockHealthProbe{
			health: ports.ComponentHealth{Name: "component1", Status: ports.HealthStatusReady},
		}
		probe2 := &mockHealthProbe{
			health: ports.ComponentHealth{Name: "component2", Status: ports.HealthStatusDisabled},
		}

		checker.RegisterProbe(probe1)
		checker.RegisterProbe(probe2)

		results := checker.CheckAll(context.Background())
		if len(results) != 2 {
			t.Errorf("Expected 2 results, got %d", len(results))
		}
	})
}

func TestRunManagerProbe(t *testing.T) {
	t.Run("not ready without manager", func(t *testing.T) {
		probe := NewRunManagerProbe(nil)
		health := probe.Check(context.Background())

		if health.Name != "run_manager" {
			t.Errorf("Expected name 'run_manager', got '%s'", health.Name)
		}
		if health.Status != ports.HealthStatusNotReady {
			t.Errorf("Expected status 'not_ready', got '%s'", health.Status)
		}
	})

	t.Run("ready with manager", func(t *testing.T) {
		store, err := NewRunStore(8)
		if err != nil {
			t.Fatalf("NewRunStore failed: %v", err)
		}
		resolver := sessions.NewInMemoryResolver("counsel", logging.Nop())
		manager := NewLiveRunManager(nil, resolver, store, WithManagerLogger(logging.Nop()))

		probe := NewRunManagerProbe(manager)
		health := probe.Check(context.Background())

		if health.Status != ports.HealthStatusReady {
			t.Errorf("Expected status 'ready', got '%s'", health.Status)
		}
		if health.Details["active_runs"] != 0 {
			t.Errorf("Expected 0 active runs, got %v", health.Details["active_runs"])
		}
	})
}

func TestRunStoreProbe(t *testing.T) {
	t.Run("not ready without store", func(t *testing.T) {
		probe := NewRunStoreProbe(nil, 0)
		health := probe.Check(context.Background())

		if health.Status != ports.HealthStatusNotReady {
			t.Errorf("Expected status 'not_ready', got '%s'", health.Status)
		}
	})

	t.Run("reports retained runs", func(t *testing.T) {
		store, err := NewRunStore(16)
		if err != nil {
			t.Fatalf("NewRunStore failed: %v", err)
		}
		probe := NewRunStoreProbe(store, 16)
		health := probe.Check(context.Background())

		if health.Name != "run_store" {
			t.Errorf("Expected name 'run_store', got '%s'", health.Name)
		}
		if health.Status != ports.HealthStatusReady {
			t.Errorf("Expected status 'ready', got '%s'", health.Status)
		}
		if health.Details["capacity"] != 16 {
			t.Errorf("Expected capacity 16, got %v", health.Details["capacity"])
		}
	})
}

func TestRunnerProbe(t *testing.T) {
	t.Run("disabled without runner", func(t *testing.T) {
		probe := NewRunnerProbe(false)
		health := probe.Check(context.Background())
		if health.Status != ports.HealthStatusDisabled {
			t.Errorf("Expected status 'disabled', got '%s'", health.Status)
		}
	})

	t.Run("ready with runner", func(t *testing.T) {
		probe := NewRunnerProbe(true)
		health := probe.Check(context.Background())
		if health.Status != ports.HealthStatusReady {
			t.Errorf("Expected status 'ready', got '%s'", health.Status)
		}
	})
}

// Mock probe for testing
type mockHealthProbe struct {
	health ports.ComponentHealth
}

func (m *mockHealthProbe) Check(ctx context.Context) ports.ComponentHealth {
	return m.health
}
