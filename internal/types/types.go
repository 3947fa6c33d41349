package types

import (
	"fmt"
	"time"
)

// PressureLevel represents the ordinal classification of current resource usage
type PressureLevel int

const (
	PressureNormal PressureLevel = iota
	PressureModerate
	PressureHigh
	PressureCritical
)

// String returns the string representation of the pressure level
func (p PressureLevel) String() string {
	switch p {
	case PressureNormal:
		return "normal"
	case PressureModerate:
		return "moderate"
	case PressureHigh:
		return "high"
	case PressureCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// DegradationLevel represents the ordinal operating mode derived from pressure
type DegradationLevel int

const (
	DegradationNormal DegradationLevel = iota
	DegradationReduced
	DegradationMinimal
	DegradationEmergency
)

// String returns the string representation of the degradation level
func (d DegradationLevel) String() string {
	switch d {
	case DegradationNormal:
		return "normal"
	case DegradationReduced:
		return "reduced"
	case DegradationMinimal:
		return "minimal"
	case DegradationEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// ParseDegradationLevel parses a degradation level name
func ParseDegradationLevel(s string) (DegradationLevel, error) {
	switch s {
	case "normal":
		return DegradationNormal, nil
	case "reduced":
		return DegradationReduced, nil
	case "minimal":
		return DegradationMinimal, nil
	case "emergency":
		return DegradationEmergency, nil
	default:
		return DegradationNormal, fmt.Errorf("unknown degradation level %q", s)
	}
}

// DegradationFor maps a pressure level to its corresponding degradation level
func DegradationFor(p PressureLevel) DegradationLevel {
	switch p {
	case PressureModerate:
		return DegradationReduced
	case PressureHigh:
		return DegradationMinimal
	case PressureCritical:
		return DegradationEmergency
	default:
		return DegradationNormal
	}
}

// MemorySample represents a point-in-time reading of resource usage
type MemorySample struct {
	Timestamp      time.Time `json:"timestamp"`
	HeapFraction   float64   `json:"heap_fraction"`
	SystemFraction float64   `json:"system_fraction"`
	AuxResources   int       `json:"aux_resources"`
}

// Usage returns the effective usage fraction of the sample
func (s MemorySample) Usage() float64 {
	if s.HeapFraction > s.SystemFraction {
		return s.HeapFraction
	}
	return s.SystemFraction
}

// PressureThresholds holds the monotonic usage thresholds for classification
type PressureThresholds struct {
	Moderate float64 `yaml:"moderate" json:"moderate"`
	High     float64 `yaml:"high" json:"high"`
	Critical float64 `yaml:"critical" json:"critical"`
}

// DefaultPressureThresholds returns the default classification thresholds
func DefaultPressureThresholds() PressureThresholds {
	return PressureThresholds{
		Moderate: 0.70,
		High:     0.80,
		Critical: 0.90,
	}
}

// Validate validates the thresholds
func (t PressureThresholds) Validate() error {
	if t.Moderate <= 0 || t.Moderate >= 1 {
		return fmt.Errorf("moderate threshold must be in (0, 1), got %v", t.Moderate)
	}
	if t.High <= t.Moderate {
		return fmt.Errorf("high threshold %v must exceed moderate threshold %v", t.High, t.Moderate)
	}
	if t.Critical <= t.High {
		return fmt.Errorf("critical threshold %v must exceed high threshold %v", t.Critical, t.High)
	}
	return nil
}

// ClassifyPressure classifies a sample into a pressure level
func ClassifyPressure(s MemorySample, t PressureThresholds) PressureLevel {
	usage := s.Usage()
	switch {
	case usage >= t.Critical:
		return PressureCritical
	case usage >= t.High:
		return PressureHigh
	case usage >= t.Moderate:
		return PressureModerate
	default:
		return PressureNormal
	}
}

// TaskPriority represents the scheduling priority of a background task.
// Lower values are scheduled first.
type TaskPriority int

const (
	PriorityCritical TaskPriority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
)

// String returns the string representation of the task priority
func (p TaskPriority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// TaskStatus represents the lifecycle state of a background task
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskDeferred  TaskStatus = "deferred"
	TaskCancelled TaskStatus = "cancelled"
)

// TaskFunc is the opaque unit of work a task wraps. The governor never
// interprets what it computes.
type TaskFunc func() error

// TaskHook is invoked on task lifecycle transitions
type TaskHook func(*Task)

// Task represents a deferrable background job owned by the scheduler
type Task struct {
	ID          string       `json:"id"`
	Type        string       `json:"type"`
	Priority    TaskPriority `json:"priority"`
	Status      TaskStatus   `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	StartedAt   time.Time    `json:"started_at,omitempty"`
	CompletedAt time.Time    `json:"completed_at,omitempty"`
	DeferCount  int          `json:"defer_count"`
	MaxDefers   int          `json:"max_defers"`

	Execute  TaskFunc `json:"-"`
	OnDefer  TaskHook `json:"-"`
	OnCancel TaskHook `json:"-"`
}

// Record represents a replay/history entry in the bounded record buffer
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	Payload   []byte    `json:"payload"`
}

// SlotStats represents cumulative statistics for one worker slot
type SlotStats struct {
	ID          int           `json:"id"`
	Busy        bool          `json:"busy"`
	TaskCount   int64         `json:"task_count"`
	ComputeTime time.Duration `json:"compute_time"`
	Restarts    int64         `json:"restarts"`
}
