package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"resgov/internal/metrics"
	"resgov/internal/tracing"
	"resgov/internal/types"
)

var (
	ErrPoolStopped     = errors.New("worker pool is stopped")
	ErrNoStrategies    = errors.New("no strategies requested")
	ErrDispatchTimeout = errors.New("dispatch timed out")
	ErrWorkerCrashed   = errors.New("worker slot crashed")
)

// MaxSlots is the hard cap on parallel execution slots
const MaxSlots = 8

// SizeFor returns the pressure-scaled worker pool size from a fixed
// lookup table. normal is the fully-scaled size used at NORMAL pressure.
func SizeFor(level types.PressureLevel, normal int) int {
	switch level {
	case types.PressureCritical:
		return 1
	case types.PressureHigh:
		return 2
	case types.PressureModerate:
		return 4
	default:
		if normal < 1 {
			return 1
		}
		return normal
	}
}

// DefaultSize returns min(available cores, MaxSlots)
func DefaultSize() int {
	n := runtime.NumCPU()
	if n > MaxSlots {
		n = MaxSlots
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Config represents the worker pool configuration
type Config struct {
	Size            int           `yaml:"size" json:"size"` // 0 uses DefaultSize
	QueueDepth      int           `yaml:"queue_depth" json:"queue_depth"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout" json:"dispatch_timeout"`
	BoardWidth      int           `yaml:"board_width" json:"board_width"`
	BoardHeight     int           `yaml:"board_height" json:"board_height"`
}

// DefaultConfig returns the default worker pool configuration
func DefaultConfig() Config {
	return Config{
		Size:            0,
		QueueDepth:      4,
		DispatchTimeout: 10 * time.Second,
		BoardWidth:      19,
		BoardHeight:     19,
	}
}

// Validate validates the worker pool configuration
func (c Config) Validate() error {
	if c.Size < 0 || c.Size > MaxSlots {
		return fmt.Errorf("size must be in [0, %d]", MaxSlots)
	}
	if c.QueueDepth <= 0 {
		return errors.New("queue_depth must be positive")
	}
	if c.DispatchTimeout <= 0 {
		return errors.New("dispatch_timeout must be positive")
	}
	if c.BoardWidth <= 0 || c.BoardHeight <= 0 {
		return errors.New("board dimensions must be positive")
	}
	return nil
}

// StrategyFunc computes one strategy's proposed move against the shared
// state block. The pool never interprets the result beyond consensus
// voting.
type StrategyFunc func(ctx context.Context, state *StateBlock) (move int, confidence float64, err error)

// StrategySpec names one strategy in a parallel compute round
type StrategySpec struct {
	Name    string
	Fn      StrategyFunc
	Timeout time.Duration // 0 uses the configured dispatch timeout
}

// ComputeSpec describes one multi-strategy compute round
type ComputeSpec struct {
	Board      Board
	Meta       Meta
	Strategies []StrategySpec
}

// Result is one sub-task's outcome
type Result struct {
	TaskID     string        `json:"task_id"`
	Strategy   string        `json:"strategy"`
	Move       int           `json:"move"`
	Confidence float64       `json:"confidence"`
	Elapsed    time.Duration `json:"elapsed"`
	Err        error         `json:"-"`
}

// Consensus is the majority decision over a round's results
type Consensus struct {
	Move       int         `json:"move"`
	Confidence float64     `json:"confidence"`
	Votes      map[int]int `json:"votes"`
	Voters     int         `json:"voters"`
}

type request struct {
	ctx      context.Context
	taskID   string
	strategy StrategySpec
}

// slot is one parallel execution slot
type slot struct {
	id        int
	tasks     chan request
	busy      atomic.Bool
	taskCount atomic.Int64
	computeNS atomic.Int64
	restarts  atomic.Int64
}

// Pool maintains a fixed set of parallel execution slots fed through
// message passing and a shared zero-copy state block. Each slot is
// independently replaced on crash; the replacement keeps the same index
// and shared-state view.
type Pool struct {
	config Config
	logger *zap.Logger
	gm     *metrics.GovernorMetrics
	tracer *tracing.Tracer

	state *StateBlock
	slots []*slot

	mu      sync.Mutex
	pending map[string]chan Result
	stopped bool

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewPool creates and starts a worker pool
func NewPool(config Config, logger *zap.Logger, gm *metrics.GovernorMetrics) (*Pool, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	size := config.Size
	if size == 0 {
		size = DefaultSize()
	}

	state, err := NewStateBlock(config.BoardWidth, config.BoardHeight)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		config:  config,
		logger:  logger,
		gm:      gm,
		state:   state,
		slots:   make([]*slot, size),
		pending: make(map[string]chan Result),
		stopCh:  make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		s := &slot{id: i, tasks: make(chan request, config.QueueDepth)}
		p.slots[i] = s
		go p.runSlot(s)
	}

	logger.Info("worker pool started", zap.Int("slots", size))
	return p, nil
}

// Stop stops the pool. In-flight computations finish on their own.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
}

// SetTracer attaches a tracer; each compute round then runs under a
// "worker.compute" span.
func (p *Pool) SetTracer(tracer *tracing.Tracer) {
	p.tracer = tracer
}

// Size returns the number of execution slots
func (p *Pool) Size() int {
	return len(p.slots)
}

// State returns the shared state block
func (p *Pool) State() *StateBlock {
	return p.state
}

// ComputeParallel overwrites the shared state block with the round's
// problem state, dispatches one sub-task per requested strategy, and
// collects results. A sub-task that exceeds its timeout resolves to a
// timeout error without stopping the slot.
func (p *Pool) ComputeParallel(ctx context.Context, spec ComputeSpec) ([]Result, error) {
	if p.tracer == nil {
		return p.computeRound(ctx, spec)
	}
	var results []Result
	err := p.tracer.WithSpan(ctx, "worker.compute", func(ctx context.Context) error {
		p.tracer.SetAttributes(ctx, attribute.Int("strategies", len(spec.Strategies)))
		var err error
		results, err = p.computeRound(ctx, spec)
		return err
	})
	return results, err
}

func (p *Pool) computeRound(ctx context.Context, spec ComputeSpec) ([]Result, error) {
	if len(spec.Strategies) == 0 {
		return nil, ErrNoStrategies
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil, ErrPoolStopped
	}
	p.mu.Unlock()

	if err := p.state.WriteRound(spec.Board, spec.Meta); err != nil {
		return nil, err
	}

	results := make([]Result, len(spec.Strategies))
	var wg sync.WaitGroup
	for i, strat := range spec.Strategies {
		taskID := uuid.New().String()
		ch := p.register(taskID)
		p.pickSlot().tasks <- request{ctx: ctx, taskID: taskID, strategy: strat}

		timeout := strat.Timeout
		if timeout <= 0 {
			timeout = p.config.DispatchTimeout
		}

		wg.Add(1)
		go func(i int, taskID, name string, timeout time.Duration) {
			defer wg.Done()
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			select {
			case res := <-ch:
				results[i] = res
			case <-timer.C:
				// The slot is not forcibly killed; only the caller is
				// unblocked.
				p.unregister(taskID)
				results[i] = Result{TaskID: taskID, Strategy: name, Err: ErrDispatchTimeout}
			case <-ctx.Done():
				p.unregister(taskID)
				results[i] = Result{TaskID: taskID, Strategy: name, Err: ctx.Err()}
			}
		}(i, taskID, strat.Name, timeout)
	}
	wg.Wait()

	if p.gm != nil {
		for _, res := range results {
			if res.Err == nil {
				p.gm.DispatchDuration.Observe(res.Elapsed.Seconds(), res.Strategy)
			}
		}
	}
	return results, nil
}

// Vote tallies each sub-task's proposed move and picks the one with the
// most votes; ties break by first-seen order. Confidence is
// votes-for-winner / total-voters.
func Vote(results []Result) (Consensus, error) {
	votes := make(map[int]int)
	order := make([]int, 0, len(results))
	voters := 0
	for _, res := range results {
		if res.Err != nil {
			continue
		}
		voters++
		if _, seen := votes[res.Move]; !seen {
			order = append(order, res.Move)
		}
		votes[res.Move]++
	}
	if voters == 0 {
		return Consensus{}, errors.New("no successful strategies to vote")
	}

	winner := order[0]
	for _, move := range order {
		if votes[move] > votes[winner] {
			winner = move
		}
	}
	return Consensus{
		Move:       winner,
		Confidence: float64(votes[winner]) / float64(voters),
		Votes:      votes,
		Voters:     voters,
	}, nil
}

// SlotStats returns per-slot statistics
func (p *Pool) SlotStats() []types.SlotStats {
	stats := make([]types.SlotStats, len(p.slots))
	for i, s := range p.slots {
		stats[i] = types.SlotStats{
			ID:          s.id,
			Busy:        s.busy.Load(),
			TaskCount:   s.taskCount.Load(),
			ComputeTime: time.Duration(s.computeNS.Load()),
			Restarts:    s.restarts.Load(),
		}
	}
	return stats
}

// runSlot is one slot's execution loop. A panic in a strategy rejects the
// in-flight task's promise and replaces the slot: the replacement keeps
// the same index, task channel, and shared-state view, so other slots'
// in-flight work is unaffected.
func (p *Pool) runSlot(s *slot) {
	var current *request
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker slot crashed, replacing",
				zap.Int("slot", s.id),
				zap.Any("panic", r))
			if current != nil {
				p.deliver(current.taskID, Result{
					TaskID:   current.taskID,
					Strategy: current.strategy.Name,
					Err:      ErrWorkerCrashed,
				})
			}
			if s.busy.Load() {
				s.busy.Store(false)
				if p.gm != nil {
					p.gm.WorkerBusy.Dec()
				}
			}
			s.restarts.Add(1)
			if p.gm != nil {
				p.gm.WorkerRestarts.Inc()
			}
			go p.runSlot(s)
		}
	}()

	for {
		select {
		case <-p.stopCh:
			return
		case req := <-s.tasks:
			current = &req
			s.busy.Store(true)
			if p.gm != nil {
				p.gm.WorkerBusy.Inc()
			}

			start := time.Now()
			move, confidence, err := req.strategy.Fn(req.ctx, p.state)
			elapsed := time.Since(start)

			s.busy.Store(false)
			s.taskCount.Add(1)
			s.computeNS.Add(int64(elapsed))
			if p.gm != nil {
				p.gm.WorkerBusy.Dec()
			}

			p.deliver(req.taskID, Result{
				TaskID:     req.taskID,
				Strategy:   req.strategy.Name,
				Move:       move,
				Confidence: confidence,
				Elapsed:    elapsed,
				Err:        err,
			})
			current = nil
		}
	}
}

// pickSlot returns an idle slot, or the least cumulatively loaded one if
// none are idle.
func (p *Pool) pickSlot() *slot {
	var best *slot
	for _, s := range p.slots {
		if !s.busy.Load() && len(s.tasks) == 0 {
			return s
		}
		if best == nil || s.computeNS.Load() < best.computeNS.Load() {
			best = s
		}
	}
	return best
}

func (p *Pool) register(taskID string) chan Result {
	ch := make(chan Result, 1)
	p.mu.Lock()
	p.pending[taskID] = ch
	p.mu.Unlock()
	return ch
}

func (p *Pool) unregister(taskID string) {
	p.mu.Lock()
	delete(p.pending, taskID)
	p.mu.Unlock()
}

// deliver resolves a pending response. Results for abandoned (timed out)
// tasks are dropped.
func (p *Pool) deliver(taskID string, res Result) {
	p.mu.Lock()
	ch, ok := p.pending[taskID]
	if ok {
		delete(p.pending, taskID)
	}
	p.mu.Unlock()
	if ok {
		ch <- res
	}
}
