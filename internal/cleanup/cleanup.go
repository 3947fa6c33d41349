package cleanup

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"resgov/internal/metrics"
	"resgov/internal/signal"
	"resgov/internal/tracing"
	"resgov/internal/types"
)

// ErrThrottled is returned when a cleanup is requested too soon after the
// previous run.
var ErrThrottled = errors.New("cleanup ran recently, request throttled")

// ErrInProgress is returned when a cleanup is already running
var ErrInProgress = errors.New("cleanup already in progress")

// Config represents the emergency cleanup configuration
type Config struct {
	// Minimum spacing between runs
	MinInterval time.Duration `yaml:"min_interval" json:"min_interval"`
	GCPasses    int           `yaml:"gc_passes" json:"gc_passes"`
	GCPause     time.Duration `yaml:"gc_pause" json:"gc_pause"`
	// Buffer capacity factor applied during cleanup
	ShrinkFactor float64 `yaml:"shrink_factor" json:"shrink_factor"`
}

// DefaultConfig returns the default cleanup configuration
func DefaultConfig() Config {
	return Config{
		MinInterval:  5 * time.Second,
		GCPasses:     3,
		GCPause:      100 * time.Millisecond,
		ShrinkFactor: 0.25,
	}
}

// Validate validates the cleanup configuration
func (c Config) Validate() error {
	if c.MinInterval <= 0 {
		return errors.New("min_interval must be positive")
	}
	if c.GCPasses <= 0 {
		return errors.New("gc_passes must be positive")
	}
	if c.ShrinkFactor <= 0 || c.ShrinkFactor > 1 {
		return errors.New("shrink_factor must be in (0, 1]")
	}
	return nil
}

// Result summarizes one cleanup run. StepErrors holds per-step failures;
// a step failure never aborts the remaining steps.
type Result struct {
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Actions    []string      `json:"actions"`
	StepErrors []string      `json:"step_errors,omitempty"`
	HeapBefore uint64        `json:"heap_before"`
	HeapAfter  uint64        `json:"heap_after"`
	FreedBytes int64         `json:"freed_bytes"`
}

// Hooks are the optional integration points a cleanup run drives. Nil
// hooks are skipped.
type Hooks struct {
	// ClearCaches clears the governed caches and returns how many entries
	// were dropped.
	ClearCaches func() int
	// ReleaseNative releases memory held outside the Go heap
	ReleaseNative func() error
	// ClearAuxiliary clears secondary lookup structures
	ClearAuxiliary func() int
}

// Cleaner coordinates emergency memory cleanup. Runs are single-flight
// and throttled; concurrent or too-frequent requests are rejected
// without blocking.
type Cleaner struct {
	config Config
	logger *zap.Logger
	gm     *metrics.GovernorMetrics
	bus    *signal.Bus
	hooks  Hooks
	tracer *tracing.Tracer

	running atomic.Bool

	mu      sync.Mutex
	lastRun time.Time
	last    *Result
}

// New creates a new cleaner
func New(config Config, bus *signal.Bus, hooks Hooks, logger *zap.Logger, gm *metrics.GovernorMetrics) (*Cleaner, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cleaner{
		config: config,
		logger: logger,
		gm:     gm,
		bus:    bus,
		hooks:  hooks,
	}, nil
}

// SetTracer attaches a tracer; each cleanup step then runs under its own
// span.
func (c *Cleaner) SetTracer(tracer *tracing.Tracer) {
	c.tracer = tracer
}

// Run executes one cleanup pass. At most one pass runs at a time, and
// passes closer together than MinInterval are throttled.
func (c *Cleaner) Run(reason string) (*Result, error) {
	if !c.running.CompareAndSwap(false, true) {
		if c.gm != nil {
			c.gm.CleanupRuns.Inc("rejected")
		}
		return nil, ErrInProgress
	}
	defer c.running.Store(false)

	c.mu.Lock()
	if !c.lastRun.IsZero() && time.Since(c.lastRun) < c.config.MinInterval {
		c.mu.Unlock()
		if c.gm != nil {
			c.gm.CleanupRuns.Inc("throttled")
		}
		return nil, ErrThrottled
	}
	c.lastRun = time.Now()
	c.mu.Unlock()

	result := c.run(reason)

	c.mu.Lock()
	c.last = result
	c.mu.Unlock()

	if c.gm != nil {
		c.gm.CleanupRuns.Inc("completed")
		c.gm.CleanupFreedBytes.Set(float64(result.FreedBytes))
	}
	return result, nil
}

// LastResult returns the most recent cleanup result, or nil
func (c *Cleaner) LastResult() *Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *Cleaner) run(reason string) *Result {
	result := &Result{StartedAt: time.Now()}

	ctx := context.Background()
	if c.tracer != nil {
		spanCtx, span := c.tracer.StartSpan(ctx, "cleanup.run")
		ctx = spanCtx
		defer span.End()
	}

	var before runtime.MemStats
	runtime.ReadMemStats(&before)
	result.HeapBefore = before.HeapAlloc

	c.logger.Warn("emergency cleanup starting",
		zap.String("reason", reason),
		zap.Uint64("heap_bytes", before.HeapAlloc))

	c.step(ctx, result, "suspend background tasks", func() error {
		c.publish(signal.Event{Topic: signal.TopicPause, Reason: "emergency cleanup"})
		return nil
	})
	c.step(ctx, result, "clear caches", func() error {
		if c.hooks.ClearCaches == nil {
			return nil
		}
		dropped := c.hooks.ClearCaches()
		c.logger.Info("cleared caches", zap.Int("entries", dropped))
		return nil
	})
	c.step(ctx, result, "release native memory", func() error {
		if c.hooks.ReleaseNative == nil {
			return nil
		}
		return c.hooks.ReleaseNative()
	})
	c.step(ctx, result, "run gc passes", func() error {
		for i := 0; i < c.config.GCPasses; i++ {
			runtime.GC()
			if i < c.config.GCPasses-1 {
				time.Sleep(c.config.GCPause)
			}
		}
		return nil
	})
	c.step(ctx, result, "enable lightweight mode", func() error {
		c.publish(signal.Event{Topic: signal.TopicLightweight, Enabled: true})
		return nil
	})
	c.step(ctx, result, "shrink record buffers", func() error {
		c.publish(signal.Event{Topic: signal.TopicResize, Factor: c.config.ShrinkFactor})
		return nil
	})
	c.step(ctx, result, "clear auxiliary structures", func() error {
		if c.hooks.ClearAuxiliary == nil {
			return nil
		}
		dropped := c.hooks.ClearAuxiliary()
		c.logger.Info("cleared auxiliary structures", zap.Int("entries", dropped))
		return nil
	})

	var after runtime.MemStats
	runtime.ReadMemStats(&after)
	result.HeapAfter = after.HeapAlloc
	result.FreedBytes = int64(result.HeapBefore) - int64(result.HeapAfter)
	result.Duration = time.Since(result.StartedAt)

	c.publish(signal.Event{Topic: signal.TopicCleanup, Reason: reason})
	c.logger.Warn("emergency cleanup finished",
		zap.Duration("duration", result.Duration),
		zap.Int64("freed_bytes", result.FreedBytes),
		zap.Int("steps_failed", len(result.StepErrors)))
	return result
}

// step runs one cleanup action, recovering panics so later steps still
// run.
func (c *Cleaner) step(ctx context.Context, result *Result, name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("%s: panic: %v", name, r)
			result.StepErrors = append(result.StepErrors, msg)
			c.logger.Error("cleanup step panicked",
				zap.String("step", name), zap.Any("panic", r))
		}
	}()

	call := fn
	if c.tracer != nil {
		call = func() error {
			return c.tracer.WithSpan(ctx, "cleanup."+name, func(context.Context) error {
				return fn()
			})
		}
	}
	if err := call(); err != nil {
		result.StepErrors = append(result.StepErrors, fmt.Sprintf("%s: %v", name, err))
		c.logger.Error("cleanup step failed", zap.String("step", name), zap.Error(err))
		return
	}
	result.Actions = append(result.Actions, name)
}

func (c *Cleaner) publish(ev signal.Event) {
	if c.bus == nil {
		return
	}
	ev.Degradation = types.DegradationEmergency
	c.bus.Publish(ev)
}
