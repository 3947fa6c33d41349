package degrade

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"resgov/internal/metrics"
	"resgov/internal/signal"
	"resgov/internal/types"
)

// Config represents the degradation controller configuration
type Config struct {
	// Escalation resize factors, absolute fractions of configured capacity
	ModerateFactor float64 `yaml:"moderate_factor" json:"moderate_factor"`
	HighFactor     float64 `yaml:"high_factor" json:"high_factor"`
	// Partial restore factor applied when recovering HIGH -> MODERATE
	RecoverFactor float64 `yaml:"recover_factor" json:"recover_factor"`

	GCPasses    int           `yaml:"gc_passes" json:"gc_passes"`
	GCPause     time.Duration `yaml:"gc_pause" json:"gc_pause"`
	HistorySize int           `yaml:"history_size" json:"history_size"`

	RateLimits RateLimitConfig `yaml:"rate_limits" json:"rate_limits"`
}

// DefaultConfig returns the default controller configuration
func DefaultConfig() Config {
	return Config{
		ModerateFactor: 0.8,
		HighFactor:     0.5,
		RecoverFactor:  0.7,
		GCPasses:       3,
		GCPause:        100 * time.Millisecond,
		HistorySize:    50,
		RateLimits:     DefaultRateLimitConfig(),
	}
}

// Validate validates the controller configuration
func (c Config) Validate() error {
	for _, f := range []float64{c.ModerateFactor, c.HighFactor, c.RecoverFactor} {
		if f <= 0 || f > 1 {
			return errors.New("resize factors must be in (0, 1]")
		}
	}
	if c.GCPasses <= 0 {
		return errors.New("gc_passes must be positive")
	}
	if c.HistorySize <= 0 {
		return errors.New("history_size must be positive")
	}
	return c.RateLimits.Validate()
}

// Transition records one degradation level change
type Transition struct {
	Timestamp time.Time              `json:"timestamp"`
	From      types.DegradationLevel `json:"from"`
	To        types.DegradationLevel `json:"to"`
	Trigger   string                 `json:"trigger"`
}

// Statistics is a snapshot of the controller's state
type Statistics struct {
	Pressure       types.PressureLevel    `json:"pressure"`
	Degradation    types.DegradationLevel `json:"degradation"`
	Lightweight    bool                   `json:"lightweight"`
	Overridden     bool                   `json:"overridden"`
	Escalations    int64                  `json:"escalations"`
	Recoveries     int64                  `json:"recoveries"`
	History        []Transition           `json:"history"`
	RateLimit      RateLimitStats         `json:"rate_limit"`
	LastTransition time.Time              `json:"last_transition"`
}

// Controller is the state machine mapping pressure level to degradation
// level. Escalation is fast and recovery gradual: the restore handlers
// are deliberately not inverses of the escalate handlers, to avoid
// oscillation.
type Controller struct {
	config  Config
	logger  *zap.Logger
	gm      *metrics.GovernorMetrics
	bus     *signal.Bus
	limiter *RateLimiter

	gcFunc func() // injected for tests

	mu          sync.Mutex
	pressure    types.PressureLevel
	degradation types.DegradationLevel
	lightweight bool
	overridden  bool
	escalations int64
	recoveries  int64
	history     []Transition
	lastChange  time.Time

	unsubscribes []func()
}

// New creates a new degradation controller subscribed to level-change
// events on the bus.
func New(config Config, bus *signal.Bus, logger *zap.Logger, gm *metrics.GovernorMetrics) (*Controller, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Controller{
		config:  config,
		logger:  logger,
		gm:      gm,
		bus:     bus,
		limiter: NewRateLimiter(config.RateLimits, logger, gm),
		gcFunc:  runtime.GC,
	}
	if bus != nil {
		c.unsubscribes = append(c.unsubscribes,
			bus.Subscribe(signal.TopicLevelChange, func(ev signal.Event) {
				c.HandlePressureChange(ev.Pressure)
			}),
			// Lightweight toggles may also be published by emergency
			// cleanup; track them so the flag stays authoritative.
			bus.Subscribe(signal.TopicLightweight, func(ev signal.Event) {
				c.mu.Lock()
				c.lightweight = ev.Enabled
				c.mu.Unlock()
			}),
		)
	}
	return c, nil
}

// SetGCFunc replaces the garbage collection hook invoked during
// escalation. Intended for tests and embedders that batch GC themselves.
func (c *Controller) SetGCFunc(fn func()) {
	if fn != nil {
		c.gcFunc = fn
	}
}

// Start begins the rate-state garbage collection loop
func (c *Controller) Start(ctx context.Context) {
	c.limiter.Start(ctx)
}

// Stop detaches the controller from the bus
func (c *Controller) Stop() {
	for _, unsub := range c.unsubscribes {
		unsub()
	}
	c.limiter.Stop()
}

// HandlePressureChange applies one observed pressure transition. While a
// manual override is active, sampled pressure is recorded but not acted
// on.
func (c *Controller) HandlePressureChange(newPressure types.PressureLevel) {
	c.mu.Lock()
	c.pressure = newPressure
	if c.overridden {
		c.mu.Unlock()
		return
	}
	target := types.DegradationFor(newPressure)
	c.mu.Unlock()

	c.transitionTo(target, "pressure:"+newPressure.String())
}

// SetLevel manually sets the degradation level
func (c *Controller) SetLevel(level types.DegradationLevel) {
	c.transitionTo(level, "manual")
}

// EmergencyStop forces EMERGENCY regardless of sampled pressure and holds
// it until Resume.
func (c *Controller) EmergencyStop() {
	c.mu.Lock()
	c.overridden = true
	c.mu.Unlock()
	c.transitionTo(types.DegradationEmergency, "emergency_stop")
}

// Resume clears the override and forces NORMAL
func (c *Controller) Resume() {
	c.mu.Lock()
	c.overridden = false
	c.mu.Unlock()
	c.transitionTo(types.DegradationNormal, "resume")
}

// CurrentLevel returns the current degradation level
func (c *Controller) CurrentLevel() types.DegradationLevel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degradation
}

// Lightweight reports whether minimal execution mode is enabled
func (c *Controller) Lightweight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lightweight
}

// CheckRateLimit checks one inbound unit of work against the sliding
// window profile of the current degradation level.
func (c *Controller) CheckRateLimit(callerID, kind string) Decision {
	return c.limiter.Check(callerID, kind, c.CurrentLevel())
}

// Statistics returns a snapshot of controller statistics
func (c *Controller) Statistics() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()

	history := make([]Transition, len(c.history))
	copy(history, c.history)
	return Statistics{
		Pressure:       c.pressure,
		Degradation:    c.degradation,
		Lightweight:    c.lightweight,
		Overridden:     c.overridden,
		Escalations:    c.escalations,
		Recoveries:     c.recoveries,
		History:        history,
		RateLimit:      c.limiter.Stats(),
		LastTransition: c.lastChange,
	}
}

// transitionTo moves the state machine to the target level, invoking the
// direction-specific handler for the level being entered. Identical
// levels are ignored, so each observed transition broadcasts at most
// once.
func (c *Controller) transitionTo(target types.DegradationLevel, trigger string) {
	c.mu.Lock()
	from := c.degradation
	if target == from {
		c.mu.Unlock()
		return
	}
	escalating := target > from
	c.degradation = target
	if escalating {
		c.escalations++
	} else {
		c.recoveries++
	}
	c.lastChange = time.Now()
	c.history = append(c.history, Transition{
		Timestamp: c.lastChange,
		From:      from,
		To:        target,
		Trigger:   trigger,
	})
	if len(c.history) > c.config.HistorySize {
		c.history = c.history[1:]
	}
	pressure := c.pressure
	c.mu.Unlock()

	c.logger.Info("degradation transition",
		zap.String("from", from.String()),
		zap.String("to", target.String()),
		zap.Bool("escalating", escalating),
		zap.String("trigger", trigger))
	if c.gm != nil {
		c.gm.DegradationLevel.Set(float64(target))
		if escalating {
			c.gm.LevelTransitions.Inc("escalate")
		} else {
			c.gm.LevelTransitions.Inc("recover")
		}
	}

	if escalating {
		switch target {
		case types.DegradationReduced:
			c.escalateToReduced(pressure)
		case types.DegradationMinimal:
			c.escalateToMinimal(pressure)
		case types.DegradationEmergency:
			c.escalateToEmergency(pressure)
		}
	} else {
		switch target {
		case types.DegradationMinimal:
			c.restoreToMinimal(pressure)
		case types.DegradationReduced:
			c.restoreToReduced(pressure)
		case types.DegradationNormal:
			c.restoreToNormal(pressure)
		}
	}
}

// escalateToReduced shrinks caches and signals reduced activity
func (c *Controller) escalateToReduced(p types.PressureLevel) {
	c.publish(signal.Event{
		Topic:  signal.TopicResize,
		Factor: c.config.ModerateFactor,
		Reason: "reduce activity",
	}, p, types.DegradationReduced)
}

// escalateToMinimal pauses background tasks, halves caches and buffers,
// and requests a garbage collection pass.
func (c *Controller) escalateToMinimal(p types.PressureLevel) {
	c.publish(signal.Event{Topic: signal.TopicPause, Reason: "high pressure"}, p, types.DegradationMinimal)
	c.publish(signal.Event{
		Topic:  signal.TopicResize,
		Factor: c.config.HighFactor,
	}, p, types.DegradationMinimal)
	c.gcFunc()
}

// escalateToEmergency enables lightweight mode, suspends background
// tasks, clears all caches, and runs several GC passes with short pauses
// between.
func (c *Controller) escalateToEmergency(p types.PressureLevel) {
	c.mu.Lock()
	c.lightweight = true
	c.mu.Unlock()

	c.publish(signal.Event{Topic: signal.TopicLightweight, Enabled: true}, p, types.DegradationEmergency)
	c.publish(signal.Event{Topic: signal.TopicPause, Reason: "critical pressure"}, p, types.DegradationEmergency)
	c.publish(signal.Event{Topic: signal.TopicCacheClear}, p, types.DegradationEmergency)
	for i := 0; i < c.config.GCPasses; i++ {
		c.gcFunc()
		if i < c.config.GCPasses-1 {
			time.Sleep(c.config.GCPause)
		}
	}
}

// restoreToMinimal only disables lightweight mode; caches and tasks stay
// reduced.
func (c *Controller) restoreToMinimal(p types.PressureLevel) {
	c.mu.Lock()
	c.lightweight = false
	c.mu.Unlock()
	c.publish(signal.Event{Topic: signal.TopicLightweight, Enabled: false}, p, types.DegradationMinimal)
}

// restoreToReduced partially restores cache capacity; tasks remain
// paused.
func (c *Controller) restoreToReduced(p types.PressureLevel) {
	c.mu.Lock()
	if c.lightweight {
		c.lightweight = false
		c.mu.Unlock()
		c.publish(signal.Event{Topic: signal.TopicLightweight, Enabled: false}, p, types.DegradationReduced)
	} else {
		c.mu.Unlock()
	}
	c.publish(signal.Event{
		Topic:  signal.TopicResize,
		Factor: c.config.RecoverFactor,
	}, p, types.DegradationReduced)
}

// restoreToNormal fully restores task execution and capacity
func (c *Controller) restoreToNormal(p types.PressureLevel) {
	c.mu.Lock()
	if c.lightweight {
		c.lightweight = false
		c.mu.Unlock()
		c.publish(signal.Event{Topic: signal.TopicLightweight, Enabled: false}, p, types.DegradationNormal)
	} else {
		c.mu.Unlock()
	}
	c.publish(signal.Event{Topic: signal.TopicResume}, p, types.DegradationNormal)
	c.publish(signal.Event{Topic: signal.TopicResize, Factor: 1.0}, p, types.DegradationNormal)
}

func (c *Controller) publish(ev signal.Event, p types.PressureLevel, d types.DegradationLevel) {
	if c.bus == nil {
		return
	}
	ev.Pressure = p
	ev.Degradation = d
	c.bus.Publish(ev)
}
