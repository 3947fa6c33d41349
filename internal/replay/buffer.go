package replay

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"resgov/internal/metrics"
	"resgov/internal/types"
)

var (
	ErrBufferClosed  = errors.New("record buffer is closed")
	ErrConfigInvalid = errors.New("invalid record buffer configuration")
)

// Config represents the configuration for the bounded record buffer
type Config struct {
	Capacity            int           `yaml:"capacity" json:"capacity"`                         // Hard ceiling, fixed at construction
	MinCapacity         int           `yaml:"min_capacity" json:"min_capacity"`                 // Floor for adaptive shrinking
	RecommendedCapacity int           `yaml:"recommended_capacity" json:"recommended_capacity"` // Target for adaptive growth
	ResizeInterval      time.Duration `yaml:"resize_interval" json:"resize_interval"`
	ShrinkThreshold     float64       `yaml:"shrink_threshold" json:"shrink_threshold"` // Usage above this shrinks by 25%
	GrowThreshold       float64       `yaml:"grow_threshold" json:"grow_threshold"`     // Usage below this grows by 50%
}

// DefaultConfig returns the default record buffer configuration
func DefaultConfig() Config {
	return Config{
		Capacity:            20000,
		MinCapacity:         1000,
		RecommendedCapacity: 10000,
		ResizeInterval:      60 * time.Second,
		ShrinkThreshold:     0.85,
		GrowThreshold:       0.50,
	}
}

// Validate validates the record buffer configuration
func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return errors.New("capacity must be positive")
	}
	if c.MinCapacity <= 0 || c.MinCapacity > c.Capacity {
		return errors.New("min_capacity must be in [1, capacity]")
	}
	if c.RecommendedCapacity < c.MinCapacity || c.RecommendedCapacity > c.Capacity {
		return errors.New("recommended_capacity must be in [min_capacity, capacity]")
	}
	if c.ResizeInterval <= 0 {
		return errors.New("resize_interval must be positive")
	}
	if c.ShrinkThreshold <= c.GrowThreshold {
		return errors.New("shrink_threshold must exceed grow_threshold")
	}
	return nil
}

// Stats represents record buffer statistics
type Stats struct {
	Size          int   `json:"size"`
	Capacity      int   `json:"capacity"`
	HardCapacity  int   `json:"hard_capacity"`
	TotalAdds     int64 `json:"total_adds"`
	PriorityCount int   `json:"priority_count"`
	Resizes       int64 `json:"resizes"`
}

// Buffer is a fixed-capacity circular store of records with a bounded
// priority index set for weighted resampling. Once the buffer has wrapped,
// each add overwrites the oldest slot.
type Buffer struct {
	config Config
	logger *zap.Logger
	gm     *metrics.GovernorMetrics
	loadFn func() float64

	mu       sync.Mutex
	records  []types.Record
	capacity int
	index    int64 // total adds; next write position is index % capacity
	size     int
	priority []int // slot indices, oldest marker first
	resizes  int64
	closed   bool
	rng      *rand.Rand

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a new record buffer. loadFn supplies the current usage
// fraction for adaptive resizing; it may be nil.
func New(config Config, loadFn func() float64, logger *zap.Logger, gm *metrics.GovernorMetrics) (*Buffer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Buffer{
		config:   config,
		logger:   logger,
		gm:       gm,
		loadFn:   loadFn,
		records:  make([]types.Record, config.RecommendedCapacity),
		capacity: config.RecommendedCapacity,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		stopCh:   make(chan struct{}),
	}, nil
}

// StartResizer starts the slow adaptive-resize loop
func (b *Buffer) StartResizer(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(b.config.ResizeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stopCh:
				return
			case <-ticker.C:
				b.AdaptCapacity()
			}
		}
	}()
}

// Stop stops the resize loop
func (b *Buffer) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Add appends a record, overwriting the oldest slot once the buffer has
// wrapped.
func (b *Buffer) Add(rec types.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBufferClosed
	}

	slot := int(b.index % int64(b.capacity))
	b.records[slot] = rec
	b.index++
	if b.size < b.capacity {
		b.size++
	} else {
		// The slot was overwritten; any priority marker on it is stale.
		b.dropMarkerLocked(slot)
	}

	if b.gm != nil {
		b.gm.BufferSize.Set(float64(b.size))
	}
	return nil
}

// MarkPriority marks the most recently added record as eligible for
// weighted resampling. The marker set is capped at a quarter of the
// current capacity; the oldest marker is evicted first.
func (b *Buffer) MarkPriority() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 {
		return
	}
	slot := int((b.index - 1) % int64(b.capacity))
	b.dropMarkerLocked(slot)
	b.priority = append(b.priority, slot)

	maxMarkers := b.capacity / 4
	if maxMarkers < 1 {
		maxMarkers = 1
	}
	for len(b.priority) > maxMarkers {
		b.priority = b.priority[1:]
	}
}

// Sample draws n records: up to ceil(n/2) from the priority set, the
// remainder uniformly at random without replacement. Returns nil when
// fewer than n records are available.
func (b *Buffer) Sample(n int) []types.Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || b.size < n {
		return nil
	}

	chosen := make(map[int]bool, n)
	out := make([]types.Record, 0, n)

	// Priority draws first.
	wantPriority := (n + 1) / 2
	if wantPriority > len(b.priority) {
		wantPriority = len(b.priority)
	}
	perm := b.rng.Perm(len(b.priority))
	for _, pi := range perm {
		if len(out) >= wantPriority {
			break
		}
		slot := b.priority[pi]
		if slot >= b.size || chosen[slot] {
			continue
		}
		chosen[slot] = true
		out = append(out, b.records[slot])
	}

	// Fill the remainder with uniform draws; scarce priority markers are
	// padded with extra uniform draws so the caller still receives n.
	for _, slot := range b.rng.Perm(b.size) {
		if len(out) >= n {
			break
		}
		if chosen[slot] {
			continue
		}
		chosen[slot] = true
		out = append(out, b.records[slot])
	}
	return out
}

// AdaptCapacity applies one adaptive-resize decision based on the current
// load: shrink by 25% above the shrink threshold, grow by 50% toward the
// recommended capacity below the grow threshold. The hard ceiling is never
// exceeded.
func (b *Buffer) AdaptCapacity() {
	if b.loadFn == nil {
		return
	}
	usage := b.loadFn()

	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case usage > b.config.ShrinkThreshold:
		newCap := b.capacity * 3 / 4
		if newCap < b.config.MinCapacity {
			newCap = b.config.MinCapacity
		}
		b.resizeLocked(newCap)
	case usage < b.config.GrowThreshold:
		newCap := b.capacity * 3 / 2
		if newCap > b.config.RecommendedCapacity {
			newCap = b.config.RecommendedCapacity
		}
		b.resizeLocked(newCap)
	}
}

// Resize sets the current capacity directly, clamped to
// [min_capacity, capacity].
func (b *Buffer) Resize(newCap int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if newCap < b.config.MinCapacity {
		newCap = b.config.MinCapacity
	}
	if newCap > b.config.Capacity {
		newCap = b.config.Capacity
	}
	b.resizeLocked(newCap)
}

// SetCapacityFactor sets capacity to a fraction of the hard ceiling,
// clamped to the configured minimum. Idempotent.
func (b *Buffer) SetCapacityFactor(factor float64) {
	b.Resize(int(float64(b.config.Capacity) * factor))
}

// resizeLocked rebuilds the circular store at the new capacity, keeping
// the most recent records in order.
func (b *Buffer) resizeLocked(newCap int) {
	if newCap == b.capacity || newCap <= 0 {
		return
	}
	if newCap > b.config.Capacity {
		newCap = b.config.Capacity
	}

	keep := b.size
	if keep > newCap {
		keep = newCap
	}

	fresh := make([]types.Record, newCap)
	for i := 0; i < keep; i++ {
		// Oldest retained record first.
		src := (b.index - int64(keep) + int64(i)) % int64(b.capacity)
		fresh[i] = b.records[src]
	}

	oldCap := b.capacity
	b.records = fresh
	b.capacity = newCap
	b.size = keep
	b.index = int64(keep)
	b.priority = nil // markers refer to old slots

	b.resizes++
	b.logger.Debug("record buffer resized",
		zap.Int("from", oldCap),
		zap.Int("to", newCap),
		zap.Int("retained", keep))
	if b.gm != nil {
		b.gm.BufferSize.Set(float64(b.size))
	}
}

// Len returns the number of stored records
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Capacity returns the current adaptive capacity
func (b *Buffer) Capacity() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}

// Stats returns a snapshot of buffer statistics
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Size:          b.size,
		Capacity:      b.capacity,
		HardCapacity:  b.config.Capacity,
		TotalAdds:     b.index,
		PriorityCount: len(b.priority),
		Resizes:       b.resizes,
	}
}

// Close marks the buffer closed and stops the resizer
func (b *Buffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.Stop()
}

func (b *Buffer) dropMarkerLocked(slot int) {
	for i, s := range b.priority {
		if s == slot {
			b.priority = append(b.priority[:i], b.priority[i+1:]...)
			return
		}
	}
}
