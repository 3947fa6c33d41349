package sampler

import (
	"context"
	"errors"
	"math"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"resgov/internal/metrics"
	"resgov/internal/signal"
	"resgov/internal/types"
)

var ErrNoSamples = errors.New("no samples collected yet")

// Reader reads raw resource indicators. Implementations must be cheap;
// the sampler calls them on every tick.
type Reader interface {
	Read() (heapFraction, systemFraction float64, auxResources int, err error)
}

// Config represents the sampler configuration
type Config struct {
	Interval    time.Duration            `yaml:"interval" json:"interval"`
	WindowSize  int                      `yaml:"window_size" json:"window_size"`
	Thresholds  types.PressureThresholds `yaml:"thresholds" json:"thresholds"`
	HeapLimit   uint64                   `yaml:"heap_limit_bytes" json:"heap_limit_bytes"`
	SystemLimit uint64                   `yaml:"system_limit_bytes" json:"system_limit_bytes"`
}

// DefaultConfig returns the default sampler configuration
func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Second,
		WindowSize:  10,
		Thresholds:  types.DefaultPressureThresholds(),
		HeapLimit:   4 << 30, // 4 GiB
		SystemLimit: 8 << 30, // 8 GiB
	}
}

// Validate validates the sampler configuration
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	if c.WindowSize <= 0 {
		return errors.New("window_size must be positive")
	}
	if c.HeapLimit == 0 || c.SystemLimit == 0 {
		return errors.New("heap and system limits must be positive")
	}
	return c.Thresholds.Validate()
}

// RuntimeReader reads indicators from the Go runtime
type RuntimeReader struct {
	heapLimit    uint64
	systemLimit  uint64
	auxResources func() int
}

// NewRuntimeReader creates a reader backed by runtime.ReadMemStats.
// auxResources optionally reports a live auxiliary resource count
// (e.g. native numeric buffers); it may be nil.
func NewRuntimeReader(heapLimit, systemLimit uint64, auxResources func() int) *RuntimeReader {
	return &RuntimeReader{
		heapLimit:    heapLimit,
		systemLimit:  systemLimit,
		auxResources: auxResources,
	}
}

// Read reads the current memory indicators
func (r *RuntimeReader) Read() (float64, float64, int, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	heapFraction := float64(ms.HeapAlloc) / float64(r.heapLimit)
	systemFraction := float64(ms.Sys) / float64(r.systemLimit)

	aux := 0
	if r.auxResources != nil {
		aux = r.auxResources()
	}
	return heapFraction, systemFraction, aux, nil
}

// Sampler periodically reads resource indicators, classifies them into a
// pressure level, and publishes a level-change event when the classification
// moves.
type Sampler struct {
	config Config
	reader Reader
	bus    *signal.Bus
	logger *zap.Logger
	gm     *metrics.GovernorMetrics

	mu     sync.RWMutex
	window []types.MemorySample
	level  types.PressureLevel

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a new sampler
func New(config Config, reader Reader, bus *signal.Bus, logger *zap.Logger, gm *metrics.GovernorMetrics) *Sampler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reader == nil {
		reader = NewRuntimeReader(config.HeapLimit, config.SystemLimit, nil)
	}
	return &Sampler{
		config: config,
		reader: reader,
		bus:    bus,
		logger: logger,
		gm:     gm,
		window: make([]types.MemorySample, 0, config.WindowSize),
		level:  types.PressureNormal,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the sampling loop
func (s *Sampler) Start(ctx context.Context) {
	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(s.config.Interval)
		defer ticker.Stop()

		s.SampleOnce()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.SampleOnce()
			}
		}
	}()
}

// Stop stops the sampling loop
func (s *Sampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

// SampleOnce reads one sample and processes it. Exposed for deterministic
// control in the host and in tests.
func (s *Sampler) SampleOnce() {
	heap, system, aux, err := s.reader.Read()
	if err != nil {
		// Transient read failure: reuse the previous sample and keep going.
		s.logger.Warn("resource metric read failed, reusing previous sample", zap.Error(err))
		if s.gm != nil {
			s.gm.SampleErrors.Inc()
		}
		s.mu.Lock()
		if len(s.window) > 0 {
			prev := s.window[len(s.window)-1]
			prev.Timestamp = time.Now()
			s.appendLocked(prev)
		}
		s.mu.Unlock()
		return
	}

	sample := types.MemorySample{
		Timestamp:      time.Now(),
		HeapFraction:   heap,
		SystemFraction: system,
		AuxResources:   aux,
	}
	s.Observe(sample)
}

// Observe processes one sample: records it in the window, classifies it,
// and publishes a level-change event if the level differs from the previous
// classification.
func (s *Sampler) Observe(sample types.MemorySample) {
	newLevel := types.ClassifyPressure(sample, s.config.Thresholds)

	s.mu.Lock()
	s.appendLocked(sample)
	prevLevel := s.level
	changed := newLevel != prevLevel
	s.level = newLevel
	s.mu.Unlock()

	if s.gm != nil {
		s.gm.SampleUsage.Set(sample.HeapFraction, "heap")
		s.gm.SampleUsage.Set(sample.SystemFraction, "system")
		s.gm.PressureLevel.Set(float64(newLevel))
	}

	if changed && s.bus != nil {
		s.logger.Info("pressure level changed",
			zap.String("from", prevLevel.String()),
			zap.String("to", newLevel.String()),
			zap.Float64("usage", sample.Usage()))
		s.bus.Publish(signal.Event{
			Topic:       signal.TopicLevelChange,
			Pressure:    newLevel,
			Degradation: types.DegradationFor(newLevel),
		})
	}
}

func (s *Sampler) appendLocked(sample types.MemorySample) {
	s.window = append(s.window, sample)
	if len(s.window) > s.config.WindowSize {
		s.window = s.window[1:]
	}
}

// CurrentState returns the latest sample and its pressure level
func (s *Sampler) CurrentState() (types.MemorySample, types.PressureLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.window) == 0 {
		return types.MemorySample{}, types.PressureNormal, ErrNoSamples
	}
	return s.window[len(s.window)-1], s.level, nil
}

// CurrentLevel returns the latest classified pressure level
func (s *Sampler) CurrentLevel() types.PressureLevel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.level
}

// MovingAverage returns the mean usage fraction over the sample window
func (s *Sampler) MovingAverage() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.window) == 0 {
		return 0
	}
	sum := 0.0
	for _, sample := range s.window {
		sum += sample.Usage()
	}
	return sum / float64(len(s.window))
}

// Trend returns the usage trend over the window as a direction string
// ("increasing", "decreasing", "stable") and the regression slope.
func (s *Sampler) Trend() (string, float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.window) < 2 {
		return "stable", 0
	}

	// Simple linear regression over window positions.
	n := float64(len(s.window))
	sumX, sumY, sumXY, sumX2 := 0.0, 0.0, 0.0, 0.0
	for i, sample := range s.window {
		x := float64(i)
		y := sample.Usage()
		sumX += x
		sumY += y
		sumXY += x * y
		sumX2 += x * x
	}
	slope := (n*sumXY - sumX*sumY) / (n*sumX2 - sumX*sumX)

	switch {
	case math.Abs(slope) < 0.001:
		return "stable", slope
	case slope > 0:
		return "increasing", slope
	default:
		return "decreasing", slope
	}
}

// Window returns a copy of the current sample window
func (s *Sampler) Window() []types.MemorySample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.MemorySample, len(s.window))
	copy(out, s.window)
	return out
}
