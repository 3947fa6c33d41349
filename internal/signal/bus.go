package signal

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"resgov/internal/types"
)

// Topic identifies a class of governor events
type Topic string

const (
	// TopicLevelChange carries pressure/degradation level transitions
	TopicLevelChange Topic = "level_change"
	// TopicResize carries absolute capacity factors for caches and buffers
	TopicResize Topic = "resize"
	// TopicPause suspends background task execution
	TopicPause Topic = "pause"
	// TopicResume resumes background task execution
	TopicResume Topic = "resume"
	// TopicLightweight toggles minimal execution mode
	TopicLightweight Topic = "lightweight"
	// TopicCacheClear clears all bounded caches
	TopicCacheClear Topic = "cache_clear"
	// TopicCleanup announces emergency cleanup runs
	TopicCleanup Topic = "cleanup"
)

// Event is the payload delivered to subscribers. Payloads are absolute
// "set to X" commands; handlers must be idempotent because delivery is
// at-least-once across reconnects and replays.
type Event struct {
	Topic       Topic                  `json:"topic"`
	Timestamp   time.Time              `json:"timestamp"`
	Pressure    types.PressureLevel    `json:"pressure"`
	Degradation types.DegradationLevel `json:"degradation"`
	Factor      float64                `json:"factor,omitempty"`
	Enabled     bool                   `json:"enabled,omitempty"`
	Reason      string                 `json:"reason,omitempty"`
}

// Handler consumes bus events. Handlers run synchronously on the
// publisher's goroutine; they must not block.
type Handler func(Event)

// Bus is a topic-based publish/subscribe channel connecting the sampler,
// the degradation controller, and their dependents.
type Bus struct {
	logger *zap.Logger

	mu     sync.RWMutex
	nextID int
	subs   map[Topic]map[int]Handler
	anySub map[int]Handler
}

// NewBus creates a new signal bus
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		logger: logger,
		subs:   make(map[Topic]map[int]Handler),
		anySub: make(map[int]Handler),
	}
}

// Subscribe registers a handler for one topic and returns an unsubscribe function
func (b *Bus) Subscribe(topic Topic, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]Handler)
	}
	b.subs[topic][id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[topic], id)
	}
}

// SubscribeAll registers a handler for every topic and returns an unsubscribe function
func (b *Bus) SubscribeAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.anySub[id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.anySub, id)
	}
}

// Publish delivers an event to all subscribers of its topic
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[ev.Topic])+len(b.anySub))
	for _, h := range b.subs[ev.Topic] {
		handlers = append(handlers, h)
	}
	for _, h := range b.anySub {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	b.logger.Debug("publish event",
		zap.String("topic", string(ev.Topic)),
		zap.String("pressure", ev.Pressure.String()),
		zap.String("degradation", ev.Degradation.String()),
		zap.Int("subscribers", len(handlers)))

	for _, h := range handlers {
		h(ev)
	}
}

// SubscriberCount returns the number of handlers registered for a topic
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic]) + len(b.anySub)
}
