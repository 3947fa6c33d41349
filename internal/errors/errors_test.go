package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestGovError_Error(t *testing.T) {
	err := New(ErrorCodeRateLimited, "too many requests")
	want := "RATE_LIMITED: too many requests"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}

	wrapped := Wrap(fmt.Errorf("boom"), ErrorCodeTaskExecutionFailed, "task failed")
	if got := wrapped.Error(); got != "TASK_EXECUTION_FAILED: task failed (caused by: boom)" {
		t.Fatalf("unexpected wrapped message: %q", got)
	}
}

func TestGovError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("underlying")
	err := Wrap(cause, ErrorCodeInternal, "wrapped")
	if !stderrors.Is(err, cause) {
		t.Fatal("errors.Is should find the cause through Unwrap")
	}
}

func TestGovError_IsMatchesCode(t *testing.T) {
	a := New(ErrorCodeRateLimited, "first")
	b := New(ErrorCodeRateLimited, "second")
	c := New(ErrorCodeCapacityExceeded, "other")
	if !stderrors.Is(a, b) {
		t.Fatal("errors with the same code should match")
	}
	if stderrors.Is(a, c) {
		t.Fatal("errors with different codes should not match")
	}
}

func TestIsErrorCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(ErrorCodeDispatchTimeout, "timed out"))
	if !IsErrorCode(err, ErrorCodeDispatchTimeout) {
		t.Fatal("IsErrorCode should see through wrapping")
	}
	if IsErrorCode(err, ErrorCodeRateLimited) {
		t.Fatal("IsErrorCode matched the wrong code")
	}
	if IsErrorCode(fmt.Errorf("plain"), ErrorCodeRateLimited) {
		t.Fatal("plain errors carry no code")
	}
}

func TestGetErrorCode(t *testing.T) {
	if got := GetErrorCode(New(ErrorCodeCleanupThrottled, "wait")); got != ErrorCodeCleanupThrottled {
		t.Fatalf("GetErrorCode = %v, want %v", got, ErrorCodeCleanupThrottled)
	}
	if got := GetErrorCode(fmt.Errorf("plain")); got != ErrorCodeUnknown {
		t.Fatalf("GetErrorCode for plain error = %v, want UNKNOWN", got)
	}
}

func TestWithDetail(t *testing.T) {
	err := NewRateLimitedError("client-1", "rate limit exceeded: 10 requests in 1s")
	if err.Details["caller_id"] != "client-1" {
		t.Fatalf("expected caller_id detail, got %#v", err.Details)
	}
	err = NewCapacityExceededError("scheduler", 100)
	if err.Details["limit"] != 100 {
		t.Fatalf("expected limit detail, got %#v", err.Details)
	}
}
