package cache

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"resgov/internal/metrics"
)

var (
	ErrCacheClosed   = errors.New("cache is closed")
	ErrConfigInvalid = errors.New("invalid cache configuration")
)

// Config represents the configuration for a bounded cache
type Config struct {
	MaxSize  int           `yaml:"max_size" json:"max_size"`   // Maximum number of entries
	MinSize  int           `yaml:"min_size" json:"min_size"`   // Floor for shrink operations
	TTL      time.Duration `yaml:"ttl" json:"ttl"`             // Per-entry expiry
	MaxBytes int64         `yaml:"max_bytes" json:"max_bytes"` // Optional byte budget, 0 disables
}

// DefaultConfig returns the default cache configuration
func DefaultConfig() Config {
	return Config{
		MaxSize:  10000,
		MinSize:  100,
		TTL:      5 * time.Minute,
		MaxBytes: 0,
	}
}

// Validate validates the cache configuration
func (c Config) Validate() error {
	if c.MaxSize <= 0 {
		return errors.New("max_size must be positive")
	}
	if c.MinSize <= 0 || c.MinSize > c.MaxSize {
		return errors.New("min_size must be in [1, max_size]")
	}
	if c.TTL <= 0 {
		return errors.New("ttl must be positive")
	}
	if c.MaxBytes < 0 {
		return errors.New("max_bytes must not be negative")
	}
	return nil
}

// Stats represents cache statistics
type Stats struct {
	Size         int     `json:"size"`
	Capacity     int     `json:"capacity"`
	MaxSize      int     `json:"max_size"`
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	Evictions    int64   `json:"evictions"`
	Expirations  int64   `json:"expirations"`
	HitRate      float64 `json:"hit_rate"`
	MemoryBytes  int64   `json:"memory_bytes"`
}

type entry[K comparable, V any] struct {
	key         K
	value       V
	insertedAt  time.Time
	lastAccess  time.Time
	accessSeq   uint64
	accessCount int64
	size        int64
	index       int // heap position
}

// accessHeap is a min-heap ordered by access recency, oldest first
type accessHeap[K comparable, V any] []*entry[K, V]

func (h accessHeap[K, V]) Len() int { return len(h) }

func (h accessHeap[K, V]) Less(i, j int) bool {
	return h[i].accessSeq < h[j].accessSeq
}

func (h accessHeap[K, V]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *accessHeap[K, V]) Push(x any) {
	e := x.(*entry[K, V])
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *accessHeap[K, V]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Cache is a bounded key/value store with strict LRU eviction and TTL
// expiry. Expiry is checked lazily on read and swept periodically.
type Cache[K comparable, V any] struct {
	name   string
	config Config
	logger *zap.Logger
	gm     *metrics.GovernorMetrics

	mu        sync.Mutex
	entries   map[K]*entry[K, V]
	order     accessHeap[K, V]
	capacity  int
	bytesUsed int64
	seq       uint64
	closed    bool

	hits        int64
	misses      int64
	evictions   int64
	expirations int64

	now func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a new bounded cache
func New[K comparable, V any](name string, config Config, logger *zap.Logger, gm *metrics.GovernorMetrics) (*Cache[K, V], error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache[K, V]{
		name:     name,
		config:   config,
		logger:   logger,
		gm:       gm,
		entries:  make(map[K]*entry[K, V]),
		order:    make(accessHeap[K, V], 0),
		capacity: config.MaxSize,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}, nil
}

// StartSweeper starts the periodic expiry sweep. The sweep interval is
// derived from the TTL, with a one second floor.
func (c *Cache[K, V]) StartSweeper(ctx context.Context) {
	interval := c.config.TTL / 10
	if interval < time.Second {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}

// Stop stops the sweep loop
func (c *Cache[K, V]) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Get retrieves a value. An entry older than the TTL counts as a miss and
// is removed.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	var zero V

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return zero, false
	}

	e, exists := c.entries[key]
	if !exists {
		c.misses++
		c.countMiss()
		return zero, false
	}

	if c.now().Sub(e.insertedAt) > c.config.TTL {
		c.removeLocked(e)
		c.expirations++
		c.misses++
		c.countMiss()
		if c.gm != nil {
			c.gm.CacheExpirations.Inc(c.name)
		}
		return zero, false
	}

	c.seq++
	e.lastAccess = c.now()
	e.accessSeq = c.seq
	e.accessCount++
	heap.Fix(&c.order, e.index)

	c.hits++
	if c.gm != nil {
		c.gm.CacheHits.Inc(c.name)
	}
	return e.value, true
}

func (c *Cache[K, V]) countMiss() {
	if c.gm != nil {
		c.gm.CacheMisses.Inc(c.name)
	}
}

// Set stores a value with no size estimate
func (c *Cache[K, V]) Set(key K, value V) error {
	return c.SetSized(key, value, 0)
}

// SetSized stores a value with an estimated size in bytes. If the cache is
// at capacity and the key is new, the least-recently-accessed entry is
// evicted first; if a byte budget is configured, further LRU entries are
// evicted until the new entry fits.
func (c *Cache[K, V]) SetSized(key K, value V, size int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrCacheClosed
	}

	now := c.now()
	c.seq++

	if e, exists := c.entries[key]; exists {
		c.bytesUsed += size - e.size
		e.value = value
		e.size = size
		e.insertedAt = now
		e.lastAccess = now
		e.accessSeq = c.seq
		e.accessCount++
		heap.Fix(&c.order, e.index)
		c.evictOverBudgetLocked()
		return nil
	}

	if len(c.entries) >= c.capacity {
		c.evictOneLocked()
	}

	e := &entry[K, V]{
		key:         key,
		value:       value,
		insertedAt:  now,
		lastAccess:  now,
		accessSeq:   c.seq,
		accessCount: 1,
		size:        size,
	}
	c.entries[key] = e
	heap.Push(&c.order, e)
	c.bytesUsed += size
	c.evictOverBudgetLocked()

	if c.gm != nil {
		c.gm.CacheSize.Set(float64(len(c.entries)), c.name)
	}
	return nil
}

// Delete removes an entry
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, exists := c.entries[key]
	if !exists {
		return false
	}
	c.removeLocked(e)
	return true
}

// Clear removes all entries
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[K]*entry[K, V])
	c.order = c.order[:0]
	c.bytesUsed = 0
	if c.gm != nil {
		c.gm.CacheSize.Set(0, c.name)
	}
}

// Len returns the current entry count
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Capacity returns the current (possibly shrunk) capacity
func (c *Cache[K, V]) Capacity() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity
}

// Shrink lowers the capacity to max(floor(capacity*factor), min_size) and
// evicts LRU entries down to the new capacity.
func (c *Cache[K, V]) Shrink(factor float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	newCap := int(float64(c.capacity) * factor)
	c.setCapacityLocked(newCap)
}

// SetCapacityFactor sets the capacity to a fraction of the configured
// maximum. It is idempotent: applying the same factor twice is a no-op.
func (c *Cache[K, V]) SetCapacityFactor(factor float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	newCap := int(float64(c.config.MaxSize) * factor)
	c.setCapacityLocked(newCap)
}

// Restore raises the capacity back to the configured maximum
func (c *Cache[K, V]) Restore() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capacity = c.config.MaxSize
}

func (c *Cache[K, V]) setCapacityLocked(newCap int) {
	if newCap < c.config.MinSize {
		newCap = c.config.MinSize
	}
	if newCap > c.config.MaxSize {
		newCap = c.config.MaxSize
	}
	c.capacity = newCap
	for len(c.entries) > c.capacity {
		c.evictOneLocked()
	}
	if c.gm != nil {
		c.gm.CacheSize.Set(float64(len(c.entries)), c.name)
	}
}

// Sweep proactively removes all expired entries
func (c *Cache[K, V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	expired := make([]*entry[K, V], 0)
	for _, e := range c.entries {
		if now.Sub(e.insertedAt) > c.config.TTL {
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		c.removeLocked(e)
		c.expirations++
		if c.gm != nil {
			c.gm.CacheExpirations.Inc(c.name)
		}
	}
	if len(expired) > 0 {
		c.logger.Debug("swept expired cache entries",
			zap.String("cache", c.name),
			zap.Int("expired", len(expired)))
	}
	return len(expired)
}

// Stats returns a snapshot of cache statistics
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}
	return Stats{
		Size:        len(c.entries),
		Capacity:    c.capacity,
		MaxSize:     c.config.MaxSize,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
		HitRate:     hitRate,
		MemoryBytes: c.bytesUsed,
	}
}

// Close marks the cache closed and stops the sweeper
func (c *Cache[K, V]) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Stop()
}

// evictOneLocked evicts the strictly least-recently-accessed entry
func (c *Cache[K, V]) evictOneLocked() {
	if c.order.Len() == 0 {
		return
	}
	e := heap.Pop(&c.order).(*entry[K, V])
	delete(c.entries, e.key)
	c.bytesUsed -= e.size
	c.evictions++
	if c.gm != nil {
		c.gm.CacheEvictions.Inc(c.name)
		c.gm.CacheSize.Set(float64(len(c.entries)), c.name)
	}
}

// evictOverBudgetLocked evicts LRU entries until the byte budget is met
func (c *Cache[K, V]) evictOverBudgetLocked() {
	if c.config.MaxBytes <= 0 {
		return
	}
	for c.bytesUsed > c.config.MaxBytes && c.order.Len() > 1 {
		c.evictOneLocked()
	}
}

func (c *Cache[K, V]) removeLocked(e *entry[K, V]) {
	heap.Remove(&c.order, e.index)
	delete(c.entries, e.key)
	c.bytesUsed -= e.size
	if c.gm != nil {
		c.gm.CacheSize.Set(float64(len(c.entries)), c.name)
	}
}
