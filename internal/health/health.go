package health

import (
	"context"
	"sync"
	"time"
)

// State represents the health state of a component
type State string

const (
	StateHealthy   State = "healthy"
	StateDegraded  State = "degraded"
	StateUnhealthy State = "unhealthy"
)

// rank orders states from best to worst
func (s State) rank() int {
	switch s {
	case StateHealthy:
		return 0
	case StateDegraded:
		return 1
	default:
		return 2
	}
}

// Check represents a single component check result
type Check struct {
	Name      string        `json:"name"`
	State     State         `json:"state"`
	Message   string        `json:"message,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// Status aggregates all component checks. The overall state is the worst
// individual state.
type Status struct {
	State     State         `json:"state"`
	Uptime    time.Duration `json:"uptime"`
	Timestamp time.Time     `json:"timestamp"`
	Checks    []Check       `json:"checks"`
}

// CheckFunc evaluates one component's health
type CheckFunc func(ctx context.Context) (State, string)

// Registry holds named component checks
type Registry struct {
	started time.Time

	mu     sync.RWMutex
	names  []string
	checks map[string]CheckFunc
}

// NewRegistry creates an empty check registry
func NewRegistry() *Registry {
	return &Registry{
		started: time.Now(),
		checks:  make(map[string]CheckFunc),
	}
}

// Register adds a named check. Re-registering a name replaces the check.
func (r *Registry) Register(name string, fn CheckFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.checks[name]; !exists {
		r.names = append(r.names, name)
	}
	r.checks[name] = fn
}

// Run evaluates every registered check in registration order
func (r *Registry) Run(ctx context.Context) Status {
	r.mu.RLock()
	names := make([]string, len(r.names))
	copy(names, r.names)
	checks := make(map[string]CheckFunc, len(r.checks))
	for name, fn := range r.checks {
		checks[name] = fn
	}
	r.mu.RUnlock()

	status := Status{
		State:     StateHealthy,
		Uptime:    time.Since(r.started),
		Timestamp: time.Now(),
	}
	for _, name := range names {
		start := time.Now()
		state, message := checks[name](ctx)
		check := Check{
			Name:      name,
			State:     state,
			Message:   message,
			Duration:  time.Since(start),
			Timestamp: time.Now(),
		}
		status.Checks = append(status.Checks, check)
		if state.rank() > status.State.rank() {
			status.State = state
		}
	}
	return status
}
