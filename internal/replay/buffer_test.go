package replay

import (
	"fmt"
	"testing"
	"time"

	"resgov/internal/types"
)

func newTestBuffer(t *testing.T, capacity, minCap, recommended int) *Buffer {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Capacity = capacity
	cfg.MinCapacity = minCap
	cfg.RecommendedCapacity = recommended
	b, err := New(cfg, nil, nil, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return b
}

func rec(i int) types.Record {
	return types.Record{Timestamp: time.Now(), Payload: []byte(fmt.Sprintf("r%d", i))}
}

func TestBuffer_CircularOverwrite(t *testing.T) {
	b := newTestBuffer(t, 4, 2, 4)
	for i := 0; i < 4; i++ {
		if err := b.Add(rec(i)); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if b.Len() != 4 {
		t.Fatalf("len = %d, want 4", b.Len())
	}

	// The buffer has wrapped: the fifth add overwrites slot 4 % 4 = 0.
	b.Add(rec(4))
	if b.Len() != 4 {
		t.Fatalf("len after wrap = %d, want 4", b.Len())
	}
	if got := string(b.records[0].Payload); got != "r4" {
		t.Fatalf("slot 0 = %q, want r4", got)
	}
	if got := string(b.records[1].Payload); got != "r1" {
		t.Fatalf("slot 1 = %q, want r1 untouched", got)
	}
}

func TestBuffer_LengthNeverExceedsHardCapacity(t *testing.T) {
	b := newTestBuffer(t, 8, 2, 8)
	for i := 0; i < 100; i++ {
		b.Add(rec(i))
		if b.Len() > 8 {
			t.Fatalf("len %d exceeds hard capacity", b.Len())
		}
	}
}

func TestBuffer_SampleReturnsNilWhenShort(t *testing.T) {
	b := newTestBuffer(t, 10, 2, 10)
	b.Add(rec(0))
	b.Add(rec(1))
	if got := b.Sample(3); got != nil {
		t.Fatalf("expected nil sample for short buffer, got %d records", len(got))
	}
}

func TestBuffer_SampleWithoutReplacement(t *testing.T) {
	b := newTestBuffer(t, 16, 2, 16)
	for i := 0; i < 16; i++ {
		b.Add(rec(i))
	}
	out := b.Sample(10)
	if len(out) != 10 {
		t.Fatalf("sample size = %d, want 10", len(out))
	}
	seen := make(map[string]bool)
	for _, r := range out {
		key := string(r.Payload)
		if seen[key] {
			t.Fatalf("record %s sampled twice", key)
		}
		seen[key] = true
	}
}

func TestBuffer_PrioritySetBounded(t *testing.T) {
	b := newTestBuffer(t, 16, 2, 16)
	for i := 0; i < 16; i++ {
		b.Add(rec(i))
		b.MarkPriority()
	}
	// Cap is capacity/4 = 4; oldest markers are evicted first.
	if got := b.Stats().PriorityCount; got != 4 {
		t.Fatalf("priority count = %d, want 4", got)
	}
}

func TestBuffer_PriorityPaddedWithUniformDraws(t *testing.T) {
	b := newTestBuffer(t, 16, 2, 16)
	for i := 0; i < 16; i++ {
		b.Add(rec(i))
	}
	// Single priority marker, request 8: the short priority draw is padded
	// with uniform draws so the caller still receives 8.
	b.MarkPriority()
	out := b.Sample(8)
	if len(out) != 8 {
		t.Fatalf("sample size = %d, want 8", len(out))
	}
}

func TestBuffer_OverwriteDropsStaleMarker(t *testing.T) {
	b := newTestBuffer(t, 4, 2, 4)
	for i := 0; i < 4; i++ {
		b.Add(rec(i))
	}
	b.MarkPriority() // marks slot 3
	b.Add(rec(4))    // overwrites slot 0, marker intact
	if got := b.Stats().PriorityCount; got != 1 {
		t.Fatalf("priority count = %d, want 1", got)
	}
	for i := 5; i < 8; i++ {
		b.Add(rec(i)) // eventually overwrites slot 3
	}
	if got := b.Stats().PriorityCount; got != 0 {
		t.Fatalf("stale marker should be dropped, count = %d", got)
	}
}

func TestBuffer_AdaptCapacityShrinkAndGrow(t *testing.T) {
	usage := 0.9
	cfg := DefaultConfig()
	cfg.Capacity = 1000
	cfg.MinCapacity = 100
	cfg.RecommendedCapacity = 800
	b, err := New(cfg, func() float64 { return usage }, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if b.Capacity() != 800 {
		t.Fatalf("initial capacity = %d, want recommended 800", b.Capacity())
	}

	b.AdaptCapacity()
	if got := b.Capacity(); got != 600 {
		t.Fatalf("capacity after shrink = %d, want 600", got)
	}

	usage = 0.2
	b.AdaptCapacity()
	if got := b.Capacity(); got != 800 {
		t.Fatalf("capacity after grow = %d, want recommended ceiling 800", got)
	}

	// Growth never exceeds the recommended ceiling, shrink floors at min.
	usage = 0.95
	for i := 0; i < 20; i++ {
		b.AdaptCapacity()
	}
	if got := b.Capacity(); got != 100 {
		t.Fatalf("capacity floor = %d, want 100", got)
	}
}

func TestBuffer_ResizeKeepsMostRecent(t *testing.T) {
	b := newTestBuffer(t, 8, 2, 8)
	for i := 0; i < 8; i++ {
		b.Add(rec(i))
	}
	b.Resize(4)
	if b.Len() != 4 {
		t.Fatalf("len after resize = %d, want 4", b.Len())
	}
	// Most recent four records r4..r7 survive in order.
	for i := 0; i < 4; i++ {
		want := fmt.Sprintf("r%d", i+4)
		if got := string(b.records[i].Payload); got != want {
			t.Fatalf("slot %d = %q, want %q", i, got, want)
		}
	}
	// The next add overwrites the oldest retained record.
	b.Add(rec(8))
	if got := string(b.records[0].Payload); got != "r8" {
		t.Fatalf("slot 0 after post-resize add = %q, want r8", got)
	}
}

func TestBuffer_SetCapacityFactor(t *testing.T) {
	b := newTestBuffer(t, 1000, 100, 1000)
	b.SetCapacityFactor(0.25)
	if got := b.Capacity(); got != 250 {
		t.Fatalf("capacity = %d, want 250", got)
	}
	b.SetCapacityFactor(0.25)
	if got := b.Capacity(); got != 250 {
		t.Fatalf("idempotent re-apply changed capacity to %d", got)
	}
	b.SetCapacityFactor(2.0)
	if got := b.Capacity(); got != 1000 {
		t.Fatalf("capacity never exceeds hard ceiling, got %d", got)
	}
}

func TestBuffer_ClosedAddFails(t *testing.T) {
	b := newTestBuffer(t, 8, 2, 8)
	b.Close()
	if err := b.Add(rec(0)); err != ErrBufferClosed {
		t.Fatalf("expected ErrBufferClosed, got %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	bad := DefaultConfig()
	bad.MinCapacity = bad.Capacity + 1
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for min over capacity")
	}
	bad = DefaultConfig()
	bad.ShrinkThreshold = 0.3
	bad.GrowThreshold = 0.5
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for inverted thresholds")
	}
}
