package governor

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"resgov/internal/cache"
	"resgov/internal/cleanup"
	"resgov/internal/config"
	"resgov/internal/degrade"
	"resgov/internal/errors"
	"resgov/internal/health"
	"resgov/internal/metrics"
	"resgov/internal/replay"
	"resgov/internal/sampler"
	"resgov/internal/scheduler"
	"resgov/internal/signal"
	"resgov/internal/tracing"
	"resgov/internal/types"
	"resgov/internal/worker"
)

// Named caches managed by the governor
const (
	CachePredictions = "predictions"
	CacheSearchTable = "search_table"
	CacheEvaluations = "evaluations"
)

// Statistics aggregates the state of every governed component
type Statistics struct {
	Pressure    types.PressureLevel    `json:"pressure"`
	Degradation types.DegradationLevel `json:"degradation"`
	Lightweight bool                   `json:"lightweight"`
	LoadAverage float64                `json:"load_average"`
	Trend       string                 `json:"trend"`
	Scheduler   scheduler.Stats        `json:"scheduler"`
	Caches      map[string]cache.Stats `json:"caches"`
	Buffer      replay.Stats           `json:"buffer"`
	Slots       []types.SlotStats      `json:"slots"`
	Degrade     degrade.Statistics     `json:"degrade"`
}

// Governor wires the sampler, degradation controller, scheduler, caches,
// record buffer, worker pool and emergency cleanup together over the
// signal bus and fronts them with one API.
type Governor struct {
	config *config.Config
	logger *zap.Logger

	metrics *metrics.Metrics
	gm      *metrics.GovernorMetrics
	bus     *signal.Bus

	sampler    *sampler.Sampler
	controller *degrade.Controller
	sched      *scheduler.Scheduler
	caches     map[string]*cache.Cache[string, []byte]
	buffer     *replay.Buffer
	pool       *worker.Pool
	cleaner    *cleanup.Cleaner
	checks     *health.Registry

	unsubscribes []func()

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

// New creates a governor from configuration. The reader may be nil, in
// which case runtime memory statistics are used.
func New(cfg *config.Config, reader sampler.Reader, logger *zap.Logger) (*Governor, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m, err := metrics.NewMetrics(cfg.Metrics.Namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	gm := metrics.NewGovernorMetrics(m)
	bus := signal.NewBus(logger.Named("signal"))

	g := &Governor{
		config:  cfg,
		logger:  logger,
		metrics: m,
		gm:      gm,
		bus:     bus,
		caches:  make(map[string]*cache.Cache[string, []byte]),
	}

	if reader == nil {
		reader = sampler.NewRuntimeReader(cfg.Sampler.HeapLimit, cfg.Sampler.SystemLimit, nil)
	}
	g.sampler = sampler.New(cfg.Sampler, reader, bus, logger.Named("sampler"), gm)

	g.controller, err = degrade.New(cfg.Degrade, bus, logger.Named("degrade"), gm)
	if err != nil {
		return nil, err
	}

	g.sched, err = scheduler.New(cfg.Scheduler, g.sampler.MovingAverage, g.sampler.CurrentLevel,
		logger.Named("scheduler"), gm)
	if err != nil {
		return nil, err
	}

	for name, cc := range map[string]cache.Config{
		CachePredictions: cfg.Caches.Predictions,
		CacheSearchTable: cfg.Caches.SearchTable,
		CacheEvaluations: cfg.Caches.Evaluations,
	} {
		c, err := cache.New[string, []byte](name, cc, logger.Named("cache"), gm)
		if err != nil {
			return nil, err
		}
		g.caches[name] = c
	}

	g.buffer, err = replay.New(cfg.Replay, g.sampler.MovingAverage, logger.Named("replay"), gm)
	if err != nil {
		return nil, err
	}

	g.pool, err = worker.NewPool(cfg.Worker, logger.Named("worker"), gm)
	if err != nil {
		return nil, err
	}

	g.cleaner, err = cleanup.New(cfg.Cleanup, bus, cleanup.Hooks{
		ClearCaches: g.clearCaches,
	}, logger.Named("cleanup"), gm)
	if err != nil {
		return nil, err
	}

	g.checks = health.NewRegistry()
	g.registerChecks()
	g.wire()
	return g, nil
}

// SetTracer attaches a tracer to the traced components: worker compute
// rounds and cleanup steps.
func (g *Governor) SetTracer(tracer *tracing.Tracer) {
	g.pool.SetTracer(tracer)
	g.cleaner.SetTracer(tracer)
}

// registerChecks installs the standard component health checks
func (g *Governor) registerChecks() {
	g.checks.Register("pressure", func(context.Context) (health.State, string) {
		switch g.sampler.CurrentLevel() {
		case types.PressureCritical:
			return health.StateUnhealthy, "critical resource pressure"
		case types.PressureHigh:
			return health.StateDegraded, "high resource pressure"
		default:
			return health.StateHealthy, ""
		}
	})
	g.checks.Register("degradation", func(context.Context) (health.State, string) {
		switch level := g.controller.CurrentLevel(); {
		case level == types.DegradationEmergency:
			return health.StateUnhealthy, "emergency mode active"
		case level >= types.DegradationReduced:
			return health.StateDegraded, level.String() + " mode active"
		default:
			return health.StateHealthy, ""
		}
	})
	g.checks.Register("scheduler", func(context.Context) (health.State, string) {
		if g.sched.Paused() {
			return health.StateDegraded, "background tasks paused"
		}
		return health.StateHealthy, ""
	})
	g.checks.Register("workers", func(context.Context) (health.State, string) {
		for _, s := range g.pool.SlotStats() {
			if s.Restarts > 0 {
				return health.StateDegraded, "slot restarts recorded"
			}
		}
		return health.StateHealthy, ""
	})
}

// Health evaluates all component health checks
func (g *Governor) Health(ctx context.Context) health.Status {
	return g.checks.Run(ctx)
}

// wire subscribes the governed components to controller commands
func (g *Governor) wire() {
	g.unsubscribes = append(g.unsubscribes,
		g.bus.Subscribe(signal.TopicResize, func(ev signal.Event) {
			for _, c := range g.caches {
				c.SetCapacityFactor(ev.Factor)
			}
			g.buffer.SetCapacityFactor(ev.Factor)
		}),
		g.bus.Subscribe(signal.TopicPause, func(signal.Event) {
			g.sched.Pause()
		}),
		g.bus.Subscribe(signal.TopicResume, func(signal.Event) {
			g.sched.Resume()
		}),
		g.bus.Subscribe(signal.TopicCacheClear, func(signal.Event) {
			g.clearCaches()
		}),
	)
}

// Start launches all background loops
func (g *Governor) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return errors.New(errors.ErrorCodeFailedPrecondition, "governor already started")
	}
	g.started = true

	ctx, g.cancel = context.WithCancel(ctx)
	g.sampler.Start(ctx)
	g.controller.Start(ctx)
	g.sched.Start(ctx)
	for _, c := range g.caches {
		c.StartSweeper(ctx)
	}
	g.buffer.StartResizer(ctx)

	g.logger.Info("governor started",
		zap.Int("worker_slots", g.pool.Size()),
		zap.Int("caches", len(g.caches)))
	return nil
}

// Stop halts all components
func (g *Governor) Stop() {
	g.mu.Lock()
	if !g.started {
		g.mu.Unlock()
		return
	}
	g.started = false
	cancel := g.cancel
	g.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, unsub := range g.unsubscribes {
		unsub()
	}
	g.sampler.Stop()
	g.controller.Stop()
	g.sched.Stop()
	for _, c := range g.caches {
		c.Stop()
	}
	g.buffer.Stop()
	g.pool.Stop()
	g.logger.Info("governor stopped")
}

// Bus returns the signal bus for event observers
func (g *Governor) Bus() *signal.Bus {
	return g.bus
}

// Registry returns the prometheus registry backing governor metrics
func (g *Governor) Registry() *prometheus.Registry {
	return g.metrics.GetRegistry()
}

// PressureLevel returns the current sampled pressure level
func (g *Governor) PressureLevel() types.PressureLevel {
	return g.sampler.CurrentLevel()
}

// DegradationLevel returns the current degradation level
func (g *Governor) DegradationLevel() types.DegradationLevel {
	return g.controller.CurrentLevel()
}

// Lightweight reports whether minimal execution mode is active
func (g *Governor) Lightweight() bool {
	return g.controller.Lightweight()
}

// MemoryState returns the most recent sample and its pressure level
func (g *Governor) MemoryState() (types.MemorySample, types.PressureLevel, error) {
	return g.sampler.CurrentState()
}

// SetDegradationLevel manually overrides the degradation level
func (g *Governor) SetDegradationLevel(level types.DegradationLevel) {
	g.controller.SetLevel(level)
}

// EmergencyStop forces EMERGENCY degradation and holds it
func (g *Governor) EmergencyStop() {
	g.controller.EmergencyStop()
}

// Resume releases an emergency override
func (g *Governor) Resume() {
	g.controller.Resume()
}

// CheckRateLimit checks one request against the current admission tier
func (g *Governor) CheckRateLimit(callerID, kind string) degrade.Decision {
	return g.controller.CheckRateLimit(callerID, kind)
}

// QueueTask queues a background task
func (g *Governor) QueueTask(spec scheduler.TaskSpec) (string, error) {
	return g.sched.QueueTask(spec)
}

// CancelTask cancels a pending or deferred task
func (g *Governor) CancelTask(taskID string) bool {
	return g.sched.CancelTask(taskID)
}

// TaskStatus reports the status of a queued task
func (g *Governor) TaskStatus(taskID string) (types.TaskStatus, bool) {
	return g.sched.TaskStatus(taskID)
}

// CacheGet reads a key from a named cache
func (g *Governor) CacheGet(name, key string) ([]byte, bool, error) {
	c, err := g.cacheByName(name)
	if err != nil {
		return nil, false, err
	}
	v, ok := c.Get(key)
	return v, ok, nil
}

// CacheSet stores a key in a named cache
func (g *Governor) CacheSet(name, key string, value []byte) error {
	c, err := g.cacheByName(name)
	if err != nil {
		return err
	}
	return c.SetSized(key, value, int64(len(value)))
}

// CacheDelete removes a key from a named cache
func (g *Governor) CacheDelete(name, key string) (bool, error) {
	c, err := g.cacheByName(name)
	if err != nil {
		return false, err
	}
	return c.Delete(key), nil
}

// ClearCaches empties every governed cache and returns the number of
// entries dropped.
func (g *Governor) ClearCaches() int {
	return g.clearCaches()
}

// AddRecord appends a record to the replay buffer
func (g *Governor) AddRecord(rec types.Record) error {
	return g.buffer.Add(rec)
}

// MarkPriority marks the most recent record as a priority sample
func (g *Governor) MarkPriority() {
	g.buffer.MarkPriority()
}

// SampleRecords draws n records, priority-weighted
func (g *Governor) SampleRecords(n int) []types.Record {
	return g.buffer.Sample(n)
}

// ComputeParallel fans a compute round out across the worker pool
func (g *Governor) ComputeParallel(ctx context.Context, spec worker.ComputeSpec) ([]worker.Result, error) {
	return g.pool.ComputeParallel(ctx, spec)
}

// Vote reduces round results to a majority consensus
func (g *Governor) Vote(results []worker.Result) (worker.Consensus, error) {
	return worker.Vote(results)
}

// ForceCleanup triggers an emergency cleanup pass
func (g *Governor) ForceCleanup(reason string) (*cleanup.Result, error) {
	return g.cleaner.Run(reason)
}

// Statistics returns an aggregate snapshot of all components
func (g *Governor) Statistics() Statistics {
	trend, _ := g.sampler.Trend()
	cacheStats := make(map[string]cache.Stats, len(g.caches))
	for name, c := range g.caches {
		cacheStats[name] = c.Stats()
	}
	return Statistics{
		Pressure:    g.sampler.CurrentLevel(),
		Degradation: g.controller.CurrentLevel(),
		Lightweight: g.controller.Lightweight(),
		LoadAverage: g.sampler.MovingAverage(),
		Trend:       trend,
		Scheduler:   g.sched.Stats(),
		Caches:      cacheStats,
		Buffer:      g.buffer.Stats(),
		Slots:       g.pool.SlotStats(),
		Degrade:     g.controller.Statistics(),
	}
}

func (g *Governor) cacheByName(name string) (*cache.Cache[string, []byte], error) {
	c, ok := g.caches[name]
	if !ok {
		return nil, errors.Newf(errors.ErrorCodeNotFound, "unknown cache %q", name)
	}
	return c, nil
}

func (g *Governor) clearCaches() int {
	dropped := 0
	for _, c := range g.caches {
		dropped += c.Len()
		c.Clear()
	}
	return dropped
}
