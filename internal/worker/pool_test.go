package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"resgov/internal/types"
)

func newTestPool(t *testing.T, size int) *Pool {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Size = size
	cfg.BoardWidth = 3
	cfg.BoardHeight = 3
	p, err := NewPool(cfg, nil, nil)
	if err != nil {
		t.Fatalf("NewPool returned error: %v", err)
	}
	t.Cleanup(p.Stop)
	return p
}

func testBoard() Board {
	return Board{Width: 3, Height: 3, Cells: []uint8{0, 1, 2, 0, 1, 0, 0, 0, 0}}
}

func fixedMove(move int, confidence float64) StrategyFunc {
	return func(context.Context, *StateBlock) (int, float64, error) {
		return move, confidence, nil
	}
}

func TestComputeParallel_CollectsAllStrategies(t *testing.T) {
	p := newTestPool(t, 2)
	spec := ComputeSpec{
		Board: testBoard(),
		Meta:  Meta{CurrentPlayer: 1, MoveCount: 3},
		Strategies: []StrategySpec{
			{Name: "minimax", Fn: fixedMove(4, 0.9)},
			{Name: "mcts", Fn: fixedMove(4, 0.7)},
			{Name: "neural", Fn: fixedMove(8, 0.6)},
		},
	}
	results, err := p.ComputeParallel(context.Background(), spec)
	if err != nil {
		t.Fatalf("ComputeParallel: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	byName := make(map[string]Result)
	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("strategy %s errored: %v", r.Strategy, r.Err)
		}
		byName[r.Strategy] = r
	}
	if byName["minimax"].Move != 4 || byName["neural"].Move != 8 {
		t.Fatalf("unexpected moves: %+v", byName)
	}
}

func TestComputeParallel_EmptyStrategies(t *testing.T) {
	p := newTestPool(t, 1)
	if _, err := p.ComputeParallel(context.Background(), ComputeSpec{Board: testBoard()}); !errors.Is(err, ErrNoStrategies) {
		t.Fatalf("expected ErrNoStrategies, got %v", err)
	}
}

func TestComputeParallel_TimeoutUnblocksCaller(t *testing.T) {
	p := newTestPool(t, 1)
	block := make(chan struct{})
	defer close(block)

	spec := ComputeSpec{
		Board: testBoard(),
		Strategies: []StrategySpec{{
			Name:    "slow",
			Timeout: 30 * time.Millisecond,
			Fn: func(context.Context, *StateBlock) (int, float64, error) {
				<-block
				return 0, 0, nil
			},
		}},
	}
	start := time.Now()
	results, err := p.ComputeParallel(context.Background(), spec)
	if err != nil {
		t.Fatalf("ComputeParallel: %v", err)
	}
	if !errors.Is(results[0].Err, ErrDispatchTimeout) {
		t.Fatalf("expected ErrDispatchTimeout, got %v", results[0].Err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("caller was not unblocked promptly")
	}
}

func TestWorkerCrash_ReplacesSlotAndRejectsPromise(t *testing.T) {
	p := newTestPool(t, 1)
	spec := ComputeSpec{
		Board: testBoard(),
		Strategies: []StrategySpec{{
			Name: "crasher",
			Fn: func(context.Context, *StateBlock) (int, float64, error) {
				panic("strategy bug")
			},
		}},
	}
	results, err := p.ComputeParallel(context.Background(), spec)
	if err != nil {
		t.Fatalf("ComputeParallel: %v", err)
	}
	if !errors.Is(results[0].Err, ErrWorkerCrashed) {
		t.Fatalf("expected ErrWorkerCrashed, got %v", results[0].Err)
	}

	// The replacement slot keeps the same index and still serves work.
	spec.Strategies = []StrategySpec{{Name: "ok", Fn: fixedMove(2, 1)}}
	deadline := time.Now().Add(2 * time.Second)
	for {
		results, err = p.ComputeParallel(context.Background(), spec)
		if err != nil {
			t.Fatalf("ComputeParallel after crash: %v", err)
		}
		if results[0].Err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("replacement slot never served work: %v", results[0].Err)
		}
	}
	if results[0].Move != 2 {
		t.Fatalf("move = %d, want 2", results[0].Move)
	}
	if got := p.SlotStats()[0].Restarts; got != 1 {
		t.Fatalf("restarts = %d, want 1", got)
	}
}

func TestVote_MajorityWithConfidence(t *testing.T) {
	results := []Result{
		{Strategy: "s1", Move: 10}, {Strategy: "s2", Move: 10}, {Strategy: "s3", Move: 10},
		{Strategy: "s4", Move: 20}, {Strategy: "s5", Move: 20},
		{Strategy: "s6", Move: 30},
	}
	c, err := Vote(results)
	if err != nil {
		t.Fatalf("Vote: %v", err)
	}
	if c.Move != 10 {
		t.Fatalf("winner = %d, want 10", c.Move)
	}
	if c.Confidence != 0.5 {
		t.Fatalf("confidence = %v, want 3/6 = 0.5", c.Confidence)
	}
	if c.Voters != 6 {
		t.Fatalf("voters = %d, want 6", c.Voters)
	}
}

func TestVote_TieBreaksByFirstSeen(t *testing.T) {
	results := []Result{
		{Move: 7}, {Move: 3}, {Move: 3}, {Move: 7},
	}
	c, err := Vote(results)
	if err != nil {
		t.Fatalf("Vote: %v", err)
	}
	if c.Move != 7 {
		t.Fatalf("tie should break to first-seen move 7, got %d", c.Move)
	}
}

func TestVote_IgnoresFailedStrategies(t *testing.T) {
	results := []Result{
		{Move: 1, Err: errors.New("failed")},
		{Move: 2},
	}
	c, err := Vote(results)
	if err != nil {
		t.Fatalf("Vote: %v", err)
	}
	if c.Move != 2 || c.Voters != 1 {
		t.Fatalf("consensus = %+v, want move 2 from 1 voter", c)
	}

	if _, err := Vote([]Result{{Err: errors.New("failed")}}); err == nil {
		t.Fatal("expected error when no strategy succeeded")
	}
}

func TestSlotStats_TracksLoad(t *testing.T) {
	p := newTestPool(t, 2)
	spec := ComputeSpec{
		Board: testBoard(),
		Strategies: []StrategySpec{
			{Name: "a", Fn: fixedMove(0, 1)},
			{Name: "b", Fn: fixedMove(1, 1)},
			{Name: "c", Fn: fixedMove(2, 1)},
			{Name: "d", Fn: fixedMove(3, 1)},
		},
	}
	if _, err := p.ComputeParallel(context.Background(), spec); err != nil {
		t.Fatalf("ComputeParallel: %v", err)
	}
	total := int64(0)
	for _, s := range p.SlotStats() {
		total += s.TaskCount
	}
	if total != 4 {
		t.Fatalf("total task count = %d, want 4", total)
	}
}

func TestSizeFor_FixedTable(t *testing.T) {
	cases := map[types.PressureLevel]int{
		types.PressureCritical: 1,
		types.PressureHigh:     2,
		types.PressureModerate: 4,
		types.PressureNormal:   6,
	}
	for level, want := range cases {
		if got := SizeFor(level, 6); got != want {
			t.Fatalf("SizeFor(%v, 6) = %d, want %d", level, got, want)
		}
	}
	if got := SizeFor(types.PressureNormal, 0); got != 1 {
		t.Fatalf("SizeFor floor = %d, want 1", got)
	}
}

func TestDefaultSize_WithinBounds(t *testing.T) {
	n := DefaultSize()
	if n < 1 || n > MaxSlots {
		t.Fatalf("DefaultSize = %d, want within [1, %d]", n, MaxSlots)
	}
}

func TestPool_StoppedRejectsWork(t *testing.T) {
	p := newTestPool(t, 1)
	p.Stop()
	spec := ComputeSpec{Board: testBoard(), Strategies: []StrategySpec{{Name: "a", Fn: fixedMove(0, 1)}}}
	if _, err := p.ComputeParallel(context.Background(), spec); !errors.Is(err, ErrPoolStopped) {
		t.Fatalf("expected ErrPoolStopped, got %v", err)
	}
}
