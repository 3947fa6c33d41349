package signal

import (
	"sync"
	"testing"

	"resgov/internal/types"
)

func TestBus_PublishReachesTopicSubscribers(t *testing.T) {
	bus := NewBus(nil)
	var got []Event
	bus.Subscribe(TopicResize, func(ev Event) { got = append(got, ev) })
	bus.Subscribe(TopicPause, func(ev Event) { t.Fatal("pause handler should not fire") })

	bus.Publish(Event{Topic: TopicResize, Factor: 0.8})

	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].Factor != 0.8 {
		t.Fatalf("expected factor 0.8, got %v", got[0].Factor)
	}
	if got[0].Timestamp.IsZero() {
		t.Fatal("publish should stamp events")
	}
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := NewBus(nil)
	var topics []Topic
	bus.SubscribeAll(func(ev Event) { topics = append(topics, ev.Topic) })

	bus.Publish(Event{Topic: TopicPause})
	bus.Publish(Event{Topic: TopicLevelChange, Pressure: types.PressureHigh})

	if len(topics) != 2 || topics[0] != TopicPause || topics[1] != TopicLevelChange {
		t.Fatalf("unexpected topics: %v", topics)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)
	calls := 0
	cancel := bus.Subscribe(TopicCleanup, func(Event) { calls++ })

	bus.Publish(Event{Topic: TopicCleanup})
	cancel()
	bus.Publish(Event{Topic: TopicCleanup})

	if calls != 1 {
		t.Fatalf("expected 1 call after unsubscribe, got %d", calls)
	}
	if bus.SubscriberCount(TopicCleanup) != 0 {
		t.Fatal("subscriber count should be zero after unsubscribe")
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus(nil)
	var mu sync.Mutex
	count := 0
	bus.Subscribe(TopicResize, func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(Event{Topic: TopicResize, Factor: 1.0})
		}()
	}
	wg.Wait()

	if count != 50 {
		t.Fatalf("expected 50 deliveries, got %d", count)
	}
}
