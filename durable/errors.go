package durable

import (
	stderrors "errors"
	"fmt"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeInstanceNotFound    = "INSTANCE_NOT_FOUND"
	ErrCodeInstanceExists      = "INSTANCE_ALREADY_RUNNING"
	ErrCodeInstanceNotRunning  = "INSTANCE_NOT_RUNNING"
	ErrCodeVersionConflict     = "INSTANCE_VERSION_CONFLICT"
	ErrCodeUnknownOrchestrator = "UNKNOWN_ORCHESTRATOR"
	ErrCodeUnknownActivity     = "UNKNOWN_ACTIVITY"
	ErrCodeNonDeterminism      = "NON_DETERMINISTIC_REPLAY"
	ErrCodeActivityFailed      = "ACTIVITY_FAILED"
	ErrCodeSubOrchestration    = "SUB_ORCHESTRATION_FAILED"
	ErrCodeRuntimeClosed       = "RUNTIME_CLOSED"
	ErrCodeInvalidInstance     = "INVALID_INSTANCE"
	ErrCodeAlreadyRegistered   = "ALREADY_REGISTERED"
)

var (
	ErrInstanceNotFound = apperrors.New("instance not found", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeInstanceNotFound)
	ErrInstanceExists = apperrors.New("instance already running", apperrors.CategoryConflict).
				WithTextCode(ErrCodeInstanceExists)
	ErrInstanceNotRunning = apperrors.New("instance is not running", apperrors.CategoryConflict).
				WithTextCode(ErrCodeInstanceNotRunning)
	ErrVersionConflict = apperrors.New("instance version conflict", apperrors.CategoryConflict).
				WithTextCode(ErrCodeVersionConflict)
	ErrUnknownOrchestrator = apperrors.New("orchestrator not registered", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeUnknownOrchestrator)
	ErrUnknownActivity = apperrors.New("activity not registered", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeUnknownActivity)
	ErrNonDeterminism = apperrors.New("replayed history does not match orchestration code", apperrors.CategoryHandler).
				WithTextCode(ErrCodeNonDeterminism)
	ErrRuntimeClosed = apperrors.New("runtime is shut down", apperrors.CategoryExternal).
				WithTextCode(ErrCodeRuntimeClosed)
	ErrInvalidInstance = apperrors.New("invalid instance", apperrors.CategoryValidation).
				WithTextCode(ErrCodeInvalidInstance)
	ErrAlreadyRegistered = apperrors.New("name already registered", apperrors.CategoryConflict).
				WithTextCode(ErrCodeAlreadyRegistered)
)

// NonRetryableError marks failures the activity retry policy must not repeat.
type NonRetryableError struct {
	Message string
	Cause   error
}

func (e *NonRetryableError) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.Cause.Error()
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *NonRetryableError) Unwrap() error { return e.Cause }

// NonRetryable wraps err so the runtime fails the activity on the first attempt.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Cause: err}
}

// IsNonRetryable reports whether err carries a NonRetryableError.
func IsNonRetryable(err error) bool {
	var target *NonRetryableError
	return stderrors.As(err, &target)
}

// ActivityError is returned to orchestrations when an activity failed, both
// live and when the failure is replayed from history.
type ActivityError struct {
	Activity     string
	Message      string
	Code         string
	NonRetryable bool
	Cause        error
}

func (e *ActivityError) Error() string {
	return fmt.Sprintf("activity %s failed: %s", e.Activity, e.Message)
}

func (e *ActivityError) Unwrap() error { return e.Cause }

// ErrorCode returns the go-errors text code carried by err, if any.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var ae *ActivityError
	if stderrors.As(err, &ae) && ae.Code != "" {
		return ae.Code
	}
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// HasCode reports whether err carries the given text code.
func HasCode(err error, code string) bool {
	return code != "" && ErrorCode(err) == code
}

func cloneError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}
