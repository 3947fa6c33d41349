package degrade

import (
	"testing"
	"time"

	goverrors "resgov/internal/errors"
	"resgov/internal/types"
)

func newTestLimiter(t *testing.T) (*RateLimiter, *time.Time) {
	t.Helper()

	limiter := NewRateLimiter(DefaultRateLimitConfig(), nil, nil)
	now := time.Now()
	limiter.now = func() time.Time { return now }
	return limiter, &now
}

func TestRateLimiterAllowsUnderLimit(t *testing.T) {
	limiter, _ := newTestLimiter(t)

	for i := 0; i < 100; i++ {
		d := limiter.Check("client-1", "query", types.DegradationNormal)
		if !d.Allowed {
			t.Fatalf("Request %d unexpectedly rejected: %s", i, d.Reason)
		}
		if d.Delay != 0 {
			t.Fatalf("Expected no delay at NORMAL, got %v", d.Delay)
		}
	}
}

func TestRateLimiterRejectsOverLimit(t *testing.T) {
	limiter, _ := newTestLimiter(t)

	for i := 0; i < 5; i++ {
		if d := limiter.Check("client-1", "query", types.DegradationEmergency); !d.Allowed {
			t.Fatalf("Request %d unexpectedly rejected", i)
		}
	}

	d := limiter.Check("client-1", "query", types.DegradationEmergency)
	if d.Allowed {
		t.Fatal("Expected rejection past the EMERGENCY limit")
	}
	if d.Delay <= 0 {
		t.Errorf("Expected positive retry delay, got %v", d.Delay)
	}
	if !goverrors.IsErrorCode(d.Err, goverrors.ErrorCodeRateLimited) {
		t.Errorf("Expected rate limited error code, got %v", d.Err)
	}

	stats := limiter.Stats()
	if stats.Rejected != 1 {
		t.Errorf("Expected 1 rejection, got %d", stats.Rejected)
	}
}

func TestRateLimiterWindowSlides(t *testing.T) {
	limiter, now := newTestLimiter(t)

	for i := 0; i < 5; i++ {
		limiter.Check("client-1", "query", types.DegradationEmergency)
	}
	if d := limiter.Check("client-1", "query", types.DegradationEmergency); d.Allowed {
		t.Fatal("Expected rejection at the limit")
	}

	// Advance past the 5s EMERGENCY window; old entries age out
	*now = now.Add(6 * time.Second)
	if d := limiter.Check("client-1", "query", types.DegradationEmergency); !d.Allowed {
		t.Errorf("Expected request allowed after window slid: %s", d.Reason)
	}
}

func TestRateLimiterTightensWithDegradation(t *testing.T) {
	limiter, _ := newTestLimiter(t)

	d := limiter.Check("client-1", "query", types.DegradationReduced)
	if !d.Allowed {
		t.Fatal("Expected first request allowed")
	}
	if d.Delay != 50*time.Millisecond {
		t.Errorf("Expected 50ms delay at REDUCED, got %v", d.Delay)
	}

	d = limiter.Check("client-2", "query", types.DegradationMinimal)
	if d.Delay != 200*time.Millisecond {
		t.Errorf("Expected 200ms delay at MINIMAL, got %v", d.Delay)
	}
}

func TestRateLimiterIsolatesCallers(t *testing.T) {
	limiter, _ := newTestLimiter(t)

	for i := 0; i < 5; i++ {
		limiter.Check("noisy", "query", types.DegradationEmergency)
	}
	if d := limiter.Check("noisy", "query", types.DegradationEmergency); d.Allowed {
		t.Fatal("Expected noisy caller rejected")
	}
	if d := limiter.Check("quiet", "query", types.DegradationEmergency); !d.Allowed {
		t.Error("Expected quiet caller unaffected by noisy caller's limit")
	}
}

func TestRateLimiterPrunesIdleCallers(t *testing.T) {
	limiter, now := newTestLimiter(t)

	limiter.Check("idle", "query", types.DegradationNormal)
	limiter.Check("active", "query", types.DegradationNormal)

	*now = now.Add(6 * time.Minute)
	limiter.Check("active", "query", types.DegradationNormal)

	if removed := limiter.Prune(); removed != 1 {
		t.Errorf("Expected 1 caller pruned, got %d", removed)
	}
	if stats := limiter.Stats(); stats.ActiveCallers != 1 {
		t.Errorf("Expected 1 active caller, got %d", stats.ActiveCallers)
	}
}
