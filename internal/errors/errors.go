package errors

import (
	"errors"
	"fmt"
	"time"
)

// GovError represents a custom error type for the resource governor
type GovError struct {
	Code      ErrorCode
	Message   string
	Details   map[string]interface{}
	Timestamp time.Time
	Cause     error
}

// ErrorCode represents the type of error
type ErrorCode int

const (
	// General errors
	ErrorCodeUnknown ErrorCode = iota
	ErrorCodeInvalidArgument
	ErrorCodeNotFound
	ErrorCodeAlreadyExists
	ErrorCodeResourceExhausted
	ErrorCodeFailedPrecondition
	ErrorCodeUnavailable
	ErrorCodeDeadlineExceeded
	ErrorCodeInternal

	// Sampling errors
	ErrorCodeSampleReadFailed

	// Admission errors
	ErrorCodeRateLimited
	ErrorCodeCallerBlocked
	ErrorCodeCapacityExceeded
	ErrorCodeAdmissionRejected

	// Task errors
	ErrorCodeTaskNotFound
	ErrorCodeTaskExecutionFailed
	ErrorCodeTaskCancelled
	ErrorCodeTaskDeferLimitReached
	ErrorCodeSchedulerStopped

	// Cache and buffer errors
	ErrorCodeCacheClosed
	ErrorCodeBufferClosed
	ErrorCodeEncodingFailed
	ErrorCodeDecodingFailed

	// Worker errors
	ErrorCodeWorkerCrashed
	ErrorCodeDispatchTimeout
	ErrorCodePoolStopped
	ErrorCodeNoStrategies

	// Cleanup errors
	ErrorCodeCleanupInProgress
	ErrorCodeCleanupThrottled
	ErrorCodeCleanupStepFailed

	// Configuration errors
	ErrorCodeConfigInvalid
	ErrorCodeConfigNotFound
	ErrorCodeConfigParseFailed
)

// Error returns the error message
func (e *GovError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code.String(), e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code.String(), e.Message)
}

// Unwrap returns the underlying error
func (e *GovError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error
func (e *GovError) Is(target error) bool {
	var other *GovError
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// String returns the string representation of the error code
func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeUnknown:
		return "UNKNOWN"
	case ErrorCodeInvalidArgument:
		return "INVALID_ARGUMENT"
	case ErrorCodeNotFound:
		return "NOT_FOUND"
	case ErrorCodeAlreadyExists:
		return "ALREADY_EXISTS"
	case ErrorCodeResourceExhausted:
		return "RESOURCE_EXHAUSTED"
	case ErrorCodeFailedPrecondition:
		return "FAILED_PRECONDITION"
	case ErrorCodeUnavailable:
		return "UNAVAILABLE"
	case ErrorCodeDeadlineExceeded:
		return "DEADLINE_EXCEEDED"
	case ErrorCodeInternal:
		return "INTERNAL"
	case ErrorCodeSampleReadFailed:
		return "SAMPLE_READ_FAILED"
	case ErrorCodeRateLimited:
		return "RATE_LIMITED"
	case ErrorCodeCallerBlocked:
		return "CALLER_BLOCKED"
	case ErrorCodeCapacityExceeded:
		return "CAPACITY_EXCEEDED"
	case ErrorCodeAdmissionRejected:
		return "ADMISSION_REJECTED"
	case ErrorCodeTaskNotFound:
		return "TASK_NOT_FOUND"
	case ErrorCodeTaskExecutionFailed:
		return "TASK_EXECUTION_FAILED"
	case ErrorCodeTaskCancelled:
		return "TASK_CANCELLED"
	case ErrorCodeTaskDeferLimitReached:
		return "TASK_DEFER_LIMIT_REACHED"
	case ErrorCodeSchedulerStopped:
		return "SCHEDULER_STOPPED"
	case ErrorCodeCacheClosed:
		return "CACHE_CLOSED"
	case ErrorCodeBufferClosed:
		return "BUFFER_CLOSED"
	case ErrorCodeEncodingFailed:
		return "ENCODING_FAILED"
	case ErrorCodeDecodingFailed:
		return "DECODING_FAILED"
	case ErrorCodeWorkerCrashed:
		return "WORKER_CRASHED"
	case ErrorCodeDispatchTimeout:
		return "DISPATCH_TIMEOUT"
	case ErrorCodePoolStopped:
		return "POOL_STOPPED"
	case ErrorCodeNoStrategies:
		return "NO_STRATEGIES"
	case ErrorCodeCleanupInProgress:
		return "CLEANUP_IN_PROGRESS"
	case ErrorCodeCleanupThrottled:
		return "CLEANUP_THROTTLED"
	case ErrorCodeCleanupStepFailed:
		return "CLEANUP_STEP_FAILED"
	case ErrorCodeConfigInvalid:
		return "CONFIG_INVALID"
	case ErrorCodeConfigNotFound:
		return "CONFIG_NOT_FOUND"
	case ErrorCodeConfigParseFailed:
		return "CONFIG_PARSE_FAILED"
	default:
		return "UNKNOWN"
	}
}

// New creates a new GovError
func New(code ErrorCode, message string) *GovError {
	return &GovError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Newf creates a new GovError with a formatted message
func Newf(code ErrorCode, format string, args ...interface{}) *GovError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with a GovError
func Wrap(err error, code ErrorCode, message string) *GovError {
	return &GovError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     err,
	}
}

// WithDetails attaches details to the error
func (e *GovError) WithDetails(details map[string]interface{}) *GovError {
	e.Details = details
	return e
}

// WithDetail attaches a single detail to the error
func (e *GovError) WithDetail(key string, value interface{}) *GovError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsErrorCode checks whether err carries the given code
func IsErrorCode(err error, code ErrorCode) bool {
	var govErr *GovError
	if errors.As(err, &govErr) {
		return govErr.Code == code
	}
	return false
}

// GetErrorCode extracts the error code from an error, or ErrorCodeUnknown
func GetErrorCode(err error) ErrorCode {
	var govErr *GovError
	if errors.As(err, &govErr) {
		return govErr.Code
	}
	return ErrorCodeUnknown
}

// NewRateLimitedError creates an admission rejection for a rate-limited caller
func NewRateLimitedError(callerID string, reason string) *GovError {
	return New(ErrorCodeRateLimited, reason).WithDetail("caller_id", callerID)
}

// NewCapacityExceededError creates an admission rejection for exhausted capacity
func NewCapacityExceededError(component string, limit int) *GovError {
	return Newf(ErrorCodeCapacityExceeded, "%s capacity of %d exceeded", component, limit).
		WithDetail("component", component).
		WithDetail("limit", limit)
}

// NewTaskNotFoundError creates an error for an unknown task id
func NewTaskNotFoundError(taskID string) *GovError {
	return Newf(ErrorCodeTaskNotFound, "task %s not found", taskID).
		WithDetail("task_id", taskID)
}

// NewDispatchTimeoutError creates an error for a timed-out worker dispatch
func NewDispatchTimeoutError(taskID string, timeout time.Duration) *GovError {
	return Newf(ErrorCodeDispatchTimeout, "dispatch %s timed out after %v", taskID, timeout).
		WithDetail("task_id", taskID).
		WithDetail("timeout", timeout.String())
}

// NewConfigInvalidError creates a configuration validation error
func NewConfigInvalidError(message string) *GovError {
	return New(ErrorCodeConfigInvalid, message)
}
