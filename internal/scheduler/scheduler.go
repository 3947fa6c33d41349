package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"resgov/internal/metrics"
	"resgov/internal/types"
	"resgov/internal/worker"
)

var (
	ErrSchedulerStopped = errors.New("scheduler is stopped")
	ErrNilExecute       = errors.New("task execute callback is nil")
)

// Config represents the scheduler configuration
type Config struct {
	TickInterval       time.Duration `yaml:"tick_interval" json:"tick_interval"`
	LoadCheckInterval  time.Duration `yaml:"load_check_interval" json:"load_check_interval"`
	MaxConcurrentTasks int           `yaml:"max_concurrent_tasks" json:"max_concurrent_tasks"`
	DeferThreshold     float64       `yaml:"defer_threshold" json:"defer_threshold"`
	PauseThreshold     float64       `yaml:"pause_threshold" json:"pause_threshold"`
	ResumeThreshold    float64       `yaml:"resume_threshold" json:"resume_threshold"`
	DefaultMaxDefers   int           `yaml:"default_max_defers" json:"default_max_defers"`
}

// DefaultConfig returns the default scheduler configuration
func DefaultConfig() Config {
	return Config{
		TickInterval:       2 * time.Second,
		LoadCheckInterval:  5 * time.Second,
		MaxConcurrentTasks: 4,
		DeferThreshold:     0.80,
		PauseThreshold:     0.90,
		ResumeThreshold:    0.70,
		DefaultMaxDefers:   3,
	}
}

// Validate validates the scheduler configuration
func (c Config) Validate() error {
	if c.TickInterval <= 0 || c.LoadCheckInterval <= 0 {
		return errors.New("tick intervals must be positive")
	}
	if c.MaxConcurrentTasks <= 0 {
		return errors.New("max_concurrent_tasks must be positive")
	}
	if c.PauseThreshold <= c.ResumeThreshold {
		return errors.New("pause_threshold must exceed resume_threshold")
	}
	if c.DefaultMaxDefers < 0 {
		return errors.New("default_max_defers must not be negative")
	}
	return nil
}

// TaskSpec describes a background task to queue
type TaskSpec struct {
	Type      string
	Priority  types.TaskPriority
	MaxDefers int // 0 uses the configured default
	Execute   types.TaskFunc
	OnDefer   types.TaskHook
	OnCancel  types.TaskHook
}

// Stats represents scheduler statistics
type Stats struct {
	Pending   int   `json:"pending"`
	Running   int   `json:"running"`
	Deferred  int   `json:"deferred"`
	Completed int64 `json:"completed"`
	Cancelled int64 `json:"cancelled"`
	Defers    int64 `json:"defers"`
	Paused    bool  `json:"paused"`
}

// Scheduler is a load-admission-controlled priority queue of deferrable
// background jobs. Promotion and demotion within one tick are atomic
// relative to that tick.
type Scheduler struct {
	config Config
	logger *zap.Logger
	gm     *metrics.GovernorMetrics

	// loadFn supplies the moving-average system load; levelFn the current
	// pressure level used to rescale the concurrency bound.
	loadFn  func() float64
	levelFn func() types.PressureLevel

	mu        sync.Mutex
	pending   []*types.Task
	running   map[string]*types.Task
	deferred  map[string]*types.Task
	paused    bool
	stopped   bool
	completed int64
	cancelled int64
	defers    int64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a new scheduler. loadFn and levelFn may be nil, in which
// case load is treated as zero and pressure as normal.
func New(config Config, loadFn func() float64, levelFn func() types.PressureLevel, logger *zap.Logger, gm *metrics.GovernorMetrics) (*Scheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if loadFn == nil {
		loadFn = func() float64 { return 0 }
	}
	if levelFn == nil {
		levelFn = func() types.PressureLevel { return types.PressureNormal }
	}
	return &Scheduler{
		config:   config,
		logger:   logger,
		gm:       gm,
		loadFn:   loadFn,
		levelFn:  levelFn,
		running:  make(map[string]*types.Task),
		deferred: make(map[string]*types.Task),
		stopCh:   make(chan struct{}),
	}, nil
}

// Start begins the scheduling and load-check loops
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx, s.config.TickInterval, s.Tick)
	go s.loop(ctx, s.config.LoadCheckInterval, s.CheckLoad)
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Stop stops the control loops and waits for in-flight executions
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.wg.Wait()
}

// QueueTask queues a background task. If the current load already exceeds
// the defer threshold and the priority is below HIGH, the task is admitted
// directly into DEFERRED.
func (s *Scheduler) QueueTask(spec TaskSpec) (string, error) {
	if spec.Execute == nil {
		return "", ErrNilExecute
	}

	maxDefers := spec.MaxDefers
	if maxDefers <= 0 {
		maxDefers = s.config.DefaultMaxDefers
	}
	task := &types.Task{
		ID:        uuid.New().String(),
		Type:      spec.Type,
		Priority:  spec.Priority,
		Status:    types.TaskPending,
		CreatedAt: time.Now(),
		MaxDefers: maxDefers,
		Execute:   spec.Execute,
		OnDefer:   spec.OnDefer,
		OnCancel:  spec.OnCancel,
	}

	load := s.loadFn()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return "", ErrSchedulerStopped
	}

	// Admission-time backpressure: non-urgent work queued under pressure
	// goes straight to the deferred set.
	if load > s.config.DeferThreshold && task.Priority > types.PriorityHigh {
		task.Status = types.TaskDeferred
		s.deferred[task.ID] = task
		s.logger.Debug("task admitted as deferred",
			zap.String("task_id", task.ID),
			zap.Float64("load", load))
	} else {
		s.pending = append(s.pending, task)
	}

	if s.gm != nil {
		s.gm.TasksQueued.Inc(task.Priority.String())
	}
	s.updateGaugesLocked()
	return task.ID, nil
}

// CancelTask cancels a pending or deferred task. Running tasks cannot be
// cancelled.
func (s *Scheduler) CancelTask(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, task := range s.pending {
		if task.ID == taskID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			s.cancelLocked(task)
			return true
		}
	}
	if task, ok := s.deferred[taskID]; ok {
		delete(s.deferred, taskID)
		s.cancelLocked(task)
		return true
	}
	return false
}

// Pause moves all pending tasks to deferred and halts promotion
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pauseLocked()
}

func (s *Scheduler) pauseLocked() {
	if s.paused {
		return
	}
	s.paused = true
	for _, task := range s.pending {
		task.Status = types.TaskDeferred
		s.deferred[task.ID] = task
	}
	s.pending = s.pending[:0]
	s.updateGaugesLocked()
	s.logger.Info("scheduler paused", zap.Int("deferred", len(s.deferred)))
}

// Resume re-enables promotion and promotes a batch of deferred tasks
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		return
	}
	s.paused = false
	promoted := s.promoteDeferredLocked()
	s.logger.Info("scheduler resumed", zap.Int("promoted", promoted))
}

// Paused reports whether the scheduler is globally paused
func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Tick promotes up to the available number of pending tasks into running,
// ordered by priority. The tick is skipped entirely while paused or while
// load exceeds the defer threshold.
func (s *Scheduler) Tick() {
	load := s.loadFn()
	maxConcurrent := s.effectiveMaxConcurrent()

	s.mu.Lock()
	if s.paused || s.stopped || load > s.config.DeferThreshold {
		s.mu.Unlock()
		return
	}

	available := maxConcurrent - len(s.running)
	if available <= 0 || len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}

	sort.SliceStable(s.pending, func(i, j int) bool {
		return s.pending[i].Priority < s.pending[j].Priority
	})

	n := available
	if n > len(s.pending) {
		n = len(s.pending)
	}
	batch := s.pending[:n]
	s.pending = s.pending[n:]

	now := time.Now()
	for _, task := range batch {
		task.Status = types.TaskRunning
		task.StartedAt = now
		s.running[task.ID] = task
	}
	s.updateGaugesLocked()
	s.mu.Unlock()

	for _, task := range batch {
		s.wg.Add(1)
		go s.execute(task)
	}
}

// execute runs one task and resolves its outcome via the defer-then-cancel
// policy. Execution errors never propagate to the control loop.
func (s *Scheduler) execute(task *types.Task) {
	defer s.wg.Done()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.New("task panicked")
			}
		}()
		return task.Execute()
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, task.ID)

	switch {
	case err == nil:
		task.Status = types.TaskCompleted
		task.CompletedAt = time.Now()
		s.completed++
		if s.gm != nil {
			s.gm.TasksCompleted.Inc()
		}
	case task.DeferCount < task.MaxDefers:
		task.DeferCount++
		task.Status = types.TaskDeferred
		s.deferred[task.ID] = task
		s.defers++
		if s.gm != nil {
			s.gm.TasksDeferred.Inc()
		}
		s.logger.Warn("task failed, deferred",
			zap.String("task_id", task.ID),
			zap.Int("defer_count", task.DeferCount),
			zap.Error(err))
		if task.OnDefer != nil {
			go task.OnDefer(task)
		}
	default:
		s.cancelLocked(task)
		s.logger.Warn("task failed past defer limit, cancelled",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
	s.updateGaugesLocked()
}

// CheckLoad recomputes the moving-average load and applies the
// pause/resume hysteresis.
func (s *Scheduler) CheckLoad() {
	load := s.loadFn()

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case load > s.config.PauseThreshold && !s.paused:
		s.logger.Warn("load over pause threshold, pausing background tasks",
			zap.Float64("load", load))
		s.pauseLocked()
	case load < s.config.ResumeThreshold && s.paused:
		s.paused = false
		promoted := s.promoteDeferredLocked()
		s.logger.Info("load under resume threshold, resuming background tasks",
			zap.Float64("load", load),
			zap.Int("promoted", promoted))
	}
}

// PromoteDeferred promotes at most ceil(|deferred|/2) deferred tasks back
// to pending, chosen by ascending (priority, defer count).
func (s *Scheduler) PromoteDeferred() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.promoteDeferredLocked()
}

func (s *Scheduler) promoteDeferredLocked() int {
	if len(s.deferred) == 0 {
		return 0
	}
	n := (len(s.deferred) + 1) / 2

	candidates := make([]*types.Task, 0, len(s.deferred))
	for _, task := range s.deferred {
		candidates = append(candidates, task)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].DeferCount < candidates[j].DeferCount
	})

	for _, task := range candidates[:n] {
		delete(s.deferred, task.ID)
		task.Status = types.TaskPending
		s.pending = append(s.pending, task)
	}
	s.updateGaugesLocked()
	return n
}

// effectiveMaxConcurrent bounds the configured concurrency by the
// pressure-scaled worker pool size.
func (s *Scheduler) effectiveMaxConcurrent() int {
	limit := worker.SizeFor(s.levelFn(), s.config.MaxConcurrentTasks)
	if limit < s.config.MaxConcurrentTasks {
		return limit
	}
	return s.config.MaxConcurrentTasks
}

// Stats returns a snapshot of scheduler statistics
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Pending:   len(s.pending),
		Running:   len(s.running),
		Deferred:  len(s.deferred),
		Completed: s.completed,
		Cancelled: s.cancelled,
		Defers:    s.defers,
		Paused:    s.paused,
	}
}

// TaskStatus returns the status of a known task
func (s *Scheduler) TaskStatus(taskID string) (types.TaskStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, task := range s.pending {
		if task.ID == taskID {
			return task.Status, true
		}
	}
	if task, ok := s.running[taskID]; ok {
		return task.Status, true
	}
	if task, ok := s.deferred[taskID]; ok {
		return task.Status, true
	}
	return "", false
}

func (s *Scheduler) cancelLocked(task *types.Task) {
	task.Status = types.TaskCancelled
	task.CompletedAt = time.Now()
	s.cancelled++
	if s.gm != nil {
		s.gm.TasksCancelled.Inc()
	}
	if task.OnCancel != nil {
		go task.OnCancel(task)
	}
}

func (s *Scheduler) updateGaugesLocked() {
	if s.gm == nil {
		return
	}
	s.gm.SchedulerPending.Set(float64(len(s.pending)))
	s.gm.SchedulerRunning.Set(float64(len(s.running)))
	s.gm.SchedulerDeferred.Set(float64(len(s.deferred)))
}
