package degrade

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	goverrors "resgov/internal/errors"
	"resgov/internal/metrics"
	"resgov/internal/types"
)

// RateProfile represents one sliding-window rate limit tier
type RateProfile struct {
	Window      time.Duration `yaml:"window" json:"window"`
	MaxRequests int           `yaml:"max_requests" json:"max_requests"`
	Delay       time.Duration `yaml:"delay" json:"delay"`
}

// RateLimitConfig maps each degradation level to a rate profile
type RateLimitConfig struct {
	Normal    RateProfile `yaml:"normal" json:"normal"`
	Reduced   RateProfile `yaml:"reduced" json:"reduced"`
	Minimal   RateProfile `yaml:"minimal" json:"minimal"`
	Emergency RateProfile `yaml:"emergency" json:"emergency"`

	// Callers idle longer than this are forgotten
	InactivityWindow time.Duration `yaml:"inactivity_window" json:"inactivity_window"`
	PruneInterval    time.Duration `yaml:"prune_interval" json:"prune_interval"`
}

// DefaultRateLimitConfig returns the default rate limit tiers
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Normal:           RateProfile{Window: time.Second, MaxRequests: 100, Delay: 0},
		Reduced:          RateProfile{Window: time.Second, MaxRequests: 50, Delay: 50 * time.Millisecond},
		Minimal:          RateProfile{Window: 2 * time.Second, MaxRequests: 20, Delay: 200 * time.Millisecond},
		Emergency:        RateProfile{Window: 5 * time.Second, MaxRequests: 5, Delay: time.Second},
		InactivityWindow: 5 * time.Minute,
		PruneInterval:    time.Minute,
	}
}

// Validate validates the rate limit configuration
func (c RateLimitConfig) Validate() error {
	for _, p := range []RateProfile{c.Normal, c.Reduced, c.Minimal, c.Emergency} {
		if p.Window <= 0 {
			return errors.New("rate limit window must be positive")
		}
		if p.MaxRequests <= 0 {
			return errors.New("rate limit max_requests must be positive")
		}
		if p.Delay < 0 {
			return errors.New("rate limit delay must be non-negative")
		}
	}
	if c.InactivityWindow <= 0 {
		return errors.New("inactivity_window must be positive")
	}
	if c.PruneInterval <= 0 {
		return errors.New("prune_interval must be positive")
	}
	return nil
}

// profileFor returns the profile for a degradation level
func (c RateLimitConfig) profileFor(level types.DegradationLevel) RateProfile {
	switch level {
	case types.DegradationReduced:
		return c.Reduced
	case types.DegradationMinimal:
		return c.Minimal
	case types.DegradationEmergency:
		return c.Emergency
	default:
		return c.Normal
	}
}

// Decision is the outcome of a rate limit check. A non-zero Delay on an
// allowed decision is the throttle the admission path applies before
// letting the request proceed.
type Decision struct {
	Allowed bool          `json:"allowed"`
	Delay   time.Duration `json:"delay"`
	Reason  string        `json:"reason,omitempty"`
	Err     error         `json:"-"`
}

// callerState tracks one caller's recent request timestamps
type callerState struct {
	requests []time.Time
	lastSeen time.Time
	warned   bool
	blocked  bool
}

// RateLimitStats is a snapshot of limiter counters
type RateLimitStats struct {
	ActiveCallers int   `json:"active_callers"`
	Allowed       int64 `json:"allowed"`
	Delayed       int64 `json:"delayed"`
	Rejected      int64 `json:"rejected"`
}

// RateLimiter applies per-caller sliding-window limits whose profile
// tightens as the degradation level rises.
type RateLimiter struct {
	config RateLimitConfig
	logger *zap.Logger
	gm     *metrics.GovernorMetrics

	now func() time.Time

	mu       sync.Mutex
	callers  map[string]*callerState
	allowed  int64
	delayed  int64
	rejected int64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config RateLimitConfig, logger *zap.Logger, gm *metrics.GovernorMetrics) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		config:  config,
		logger:  logger,
		gm:      gm,
		now:     time.Now,
		callers: make(map[string]*callerState),
	}
}

// Start launches the periodic prune loop
func (r *RateLimiter) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.pruneLoop(ctx, r.done)
}

// Stop halts the prune loop
func (r *RateLimiter) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Check evaluates one request from callerID against the profile for the
// given degradation level. The window slides per caller; requests past
// the limit are rejected until enough old entries age out.
func (r *RateLimiter) Check(callerID, kind string, level types.DegradationLevel) Decision {
	profile := r.config.profileFor(level)
	now := r.now()
	cutoff := now.Add(-profile.Window)

	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.callers[callerID]
	if state == nil {
		state = &callerState{}
		r.callers[callerID] = state
	}
	state.lastSeen = now

	// Drop entries outside the window
	kept := state.requests[:0]
	for _, t := range state.requests {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	state.requests = kept

	if len(state.requests) >= profile.MaxRequests {
		state.blocked = true
		r.rejected++
		if r.gm != nil {
			r.gm.RateLimitRejects.Inc(kind)
		}
		retry := state.requests[0].Add(profile.Window).Sub(now)
		if retry < 0 {
			retry = 0
		}
		reason := level.String() + " rate limit exceeded"
		return Decision{
			Allowed: false,
			Delay:   retry,
			Reason:  reason,
			Err:     goverrors.NewRateLimitedError(callerID, reason).WithDetail("kind", kind),
		}
	}

	state.blocked = false
	state.requests = append(state.requests, now)

	// Warn once per window when within 80% of the limit
	decision := Decision{Allowed: true, Delay: profile.Delay}
	if profile.Delay > 0 {
		r.delayed++
	}
	if len(state.requests)*5 >= profile.MaxRequests*4 {
		if !state.warned {
			state.warned = true
			r.logger.Warn("caller approaching rate limit",
				zap.String("caller", callerID),
				zap.String("kind", kind),
				zap.String("level", level.String()),
				zap.Int("requests", len(state.requests)),
				zap.Int("limit", profile.MaxRequests))
		}
		decision.Reason = "approaching limit"
	} else {
		state.warned = false
	}
	r.allowed++
	return decision
}

// Stats returns a snapshot of limiter counters
func (r *RateLimiter) Stats() RateLimitStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RateLimitStats{
		ActiveCallers: len(r.callers),
		Allowed:       r.allowed,
		Delayed:       r.delayed,
		Rejected:      r.rejected,
	}
}

// Prune forgets callers idle for longer than the inactivity window
func (r *RateLimiter) Prune() int {
	cutoff := r.now().Add(-r.config.InactivityWindow)

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, state := range r.callers {
		if state.lastSeen.Before(cutoff) {
			delete(r.callers, id)
			removed++
		}
	}
	return removed
}

func (r *RateLimiter) pruneLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.config.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Prune(); n > 0 {
				r.logger.Debug("pruned idle rate limit callers", zap.Int("removed", n))
			}
		}
	}
}
