package health

import (
	"context"
	"testing"
)

func TestOverallStateIsWorstCheck(t *testing.T) {
	r := NewRegistry()
	r.Register("a", func(context.Context) (State, string) { return StateHealthy, "" })
	r.Register("b", func(context.Context) (State, string) { return StateDegraded, "under pressure" })
	r.Register("c", func(context.Context) (State, string) { return StateHealthy, "" })

	status := r.Run(context.Background())
	if status.State != StateDegraded {
		t.Errorf("Expected degraded overall, got %v", status.State)
	}
	if len(status.Checks) != 3 {
		t.Fatalf("Expected 3 checks, got %d", len(status.Checks))
	}
	if status.Checks[1].Message != "under pressure" {
		t.Errorf("Unexpected message %q", status.Checks[1].Message)
	}
}

func TestEmptyRegistryIsHealthy(t *testing.T) {
	status := NewRegistry().Run(context.Background())
	if status.State != StateHealthy {
		t.Errorf("Expected healthy with no checks, got %v", status.State)
	}
}

func TestReregisterReplacesCheck(t *testing.T) {
	r := NewRegistry()
	r.Register("a", func(context.Context) (State, string) { return StateUnhealthy, "" })
	r.Register("a", func(context.Context) (State, string) { return StateHealthy, "" })

	status := r.Run(context.Background())
	if len(status.Checks) != 1 {
		t.Fatalf("Expected 1 check, got %d", len(status.Checks))
	}
	if status.State != StateHealthy {
		t.Errorf("Expected replacement check to win, got %v", status.State)
	}
}
