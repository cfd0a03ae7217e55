package watchdog

import (
	"strings"

	apperrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-watchdog/cancellation"
	"github.com/goliatone/go-watchdog/durable"
)

const (
	ErrCodeInvalidArgument = "INVALID_ARGUMENT"
	ErrCodeInvalidTask     = "INVALID_TASK"
	ErrCodeUnknownPool     = cancellation.ErrCodeUnknownPool
	ErrCodeAlreadyRunning  = "ALREADY_RUNNING"
	ErrCodeAlreadyStopped  = "ALREADY_STOPPED"
	ErrCodeStopInProgress  = "STOP_IN_PROGRESS"
	ErrCodeServiceFailure  = "SERVICE_FAILURE"
	ErrCodeNotFound        = "WATCHDOG_NOT_FOUND"
)

var (
	ErrInvalidArgument = apperrors.New("invalid argument", apperrors.CategoryValidation).
				WithTextCode(ErrCodeInvalidArgument)
	ErrInvalidTask = apperrors.New("task service returned an invalid task", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeInvalidTask)
	ErrAlreadyRunning = apperrors.New("watchdog already running", apperrors.CategoryConflict).
				WithTextCode(ErrCodeAlreadyRunning)
	ErrAlreadyStopped = apperrors.New("watchdog already stopped", apperrors.CategoryConflict).
				WithTextCode(ErrCodeAlreadyStopped)
	ErrStopInProgress = apperrors.New("watchdog stop still in progress", apperrors.CategoryConflict).
				WithTextCode(ErrCodeStopInProgress)
	ErrServiceFailure = apperrors.New("task service call failed", apperrors.CategoryExternal).
				WithTextCode(ErrCodeServiceFailure)
	ErrNotFound = apperrors.New("no watchdog found for pool", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeNotFound)
)

// HasCode reports whether err carries the given text code, including failures
// replayed from orchestration history.
func HasCode(err error, code string) bool {
	return durable.HasCode(err, code)
}

func invalidArgument(message string, metadata map[string]any) error {
	return cloneError(ErrInvalidArgument, message, nil, metadata)
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
