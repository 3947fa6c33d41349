package cleanup

import (
	"errors"
	"strings"
	"testing"
	"time"

	"resgov/internal/signal"
)

func newTestCleaner(t *testing.T, hooks Hooks) (*Cleaner, *signal.Bus) {
	t.Helper()

	config := DefaultConfig()
	config.GCPasses = 1
	config.GCPause = time.Millisecond

	bus := signal.NewBus(nil)
	cleaner, err := New(config, bus, hooks, nil, nil)
	if err != nil {
		t.Fatalf("Failed to create cleaner: %v", err)
	}
	return cleaner, bus
}

func TestCleanupRunsAllSteps(t *testing.T) {
	cachesCleared := false
	auxCleared := false
	nativeReleased := false
	cleaner, bus := newTestCleaner(t, Hooks{
		ClearCaches:    func() int { cachesCleared = true; return 42 },
		ReleaseNative:  func() error { nativeReleased = true; return nil },
		ClearAuxiliary: func() int { auxCleared = true; return 7 },
	})

	var topics []signal.Topic
	bus.SubscribeAll(func(ev signal.Event) {
		topics = append(topics, ev.Topic)
	})

	result, err := cleaner.Run("test")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !cachesCleared || !nativeReleased || !auxCleared {
		t.Errorf("Expected all hooks invoked: caches=%v native=%v aux=%v",
			cachesCleared, nativeReleased, auxCleared)
	}
	if len(result.Actions) != 7 {
		t.Errorf("Expected 7 completed actions, got %d: %v", len(result.Actions), result.Actions)
	}
	if len(result.StepErrors) != 0 {
		t.Errorf("Expected no step errors, got %v", result.StepErrors)
	}

	want := []signal.Topic{
		signal.TopicPause,
		signal.TopicLightweight,
		signal.TopicResize,
		signal.TopicCleanup,
	}
	if len(topics) != len(want) {
		t.Fatalf("Expected events %v, got %v", want, topics)
	}
	for i := range want {
		if topics[i] != want[i] {
			t.Errorf("Event %d: expected %v, got %v", i, want[i], topics[i])
		}
	}
}

func TestCleanupThrottlesRepeatRuns(t *testing.T) {
	cleaner, _ := newTestCleaner(t, Hooks{})

	if _, err := cleaner.Run("first"); err != nil {
		t.Fatalf("First run failed: %v", err)
	}
	if _, err := cleaner.Run("second"); !errors.Is(err, ErrThrottled) {
		t.Errorf("Expected ErrThrottled, got %v", err)
	}
}

func TestCleanupFailedStepDoesNotAbort(t *testing.T) {
	cleaner, _ := newTestCleaner(t, Hooks{
		ReleaseNative: func() error { return errors.New("dealloc failed") },
	})

	result, err := cleaner.Run("test")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(result.StepErrors) != 1 {
		t.Fatalf("Expected 1 step error, got %v", result.StepErrors)
	}
	if !strings.Contains(result.StepErrors[0], "dealloc failed") {
		t.Errorf("Unexpected step error: %s", result.StepErrors[0])
	}
	// Later steps still ran
	if len(result.Actions) != 6 {
		t.Errorf("Expected 6 completed actions, got %d: %v", len(result.Actions), result.Actions)
	}
}

func TestCleanupRecoversPanickingStep(t *testing.T) {
	cleaner, _ := newTestCleaner(t, Hooks{
		ClearCaches: func() int { panic("cache backend gone") },
	})

	result, err := cleaner.Run("test")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(result.StepErrors) != 1 || !strings.Contains(result.StepErrors[0], "panic") {
		t.Errorf("Expected recorded panic, got %v", result.StepErrors)
	}
	if len(result.Actions) != 6 {
		t.Errorf("Expected remaining steps to run, got %d actions", len(result.Actions))
	}

	// Cleaner is reusable after a panicking step
	if cleaner.running.Load() {
		t.Error("Expected running flag released")
	}
}

func TestCleanupRecordsMemoryDelta(t *testing.T) {
	cleaner, _ := newTestCleaner(t, Hooks{})

	result, err := cleaner.Run("test")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.HeapBefore == 0 || result.HeapAfter == 0 {
		t.Errorf("Expected heap snapshots, got before=%d after=%d",
			result.HeapBefore, result.HeapAfter)
	}
	if cleaner.LastResult() != result {
		t.Error("Expected LastResult to return the latest run")
	}
}
