package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// FetchErrorKind classifies source retrieval failures.
type FetchErrorKind string

// Fetch failure kinds.
const (
	FetchNetwork        FetchErrorKind = "network_error"
	FetchNotFound       FetchErrorKind = "not_found"
	FetchTimeout        FetchErrorKind = "timeout"
	FetchInvalidArchive FetchErrorKind = "invalid_archive"
)

// ErrBodyTooLarge marks a response cut off at the configured body size limit.
var ErrBodyTooLarge = errors.New("response body exceeds size limit")

// FetchError reports a failure to retrieve or decode remote content.
type FetchError struct {
	Kind       FetchErrorKind
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could succeed.
func (e *FetchError) Retryable() bool {
	if errors.Is(e.Err, ErrBodyTooLarge) {
		return false
	}
	return e.Kind == FetchNetwork || e.Kind == FetchTimeout
}

// EmptyContentError means no usable documents survived normalization.
type EmptyContentError struct {
	Entries int
}

func (e *EmptyContentError) Error() string {
	return fmt.Sprintf("no usable documents after normalization (%d raw entries)", e.Entries)
}

// InsufficientDataError means the feature matrix cannot train a binary model.
type InsufficientDataError struct {
	Rows    int
	Classes int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient training data: %d rows, %d distinct labels (need >= 2 of each)", e.Rows, e.Classes)
}

// DuplicateNameError is returned when creating a project that already exists.
type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("project %q already exists", e.Name)
}

// NotFoundError is returned when a project does not exist.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("project %q not found", e.Name)
}

// ModelNotFoundError is returned when a model identifier resolves to nothing.
type ModelNotFoundError struct {
	Identifier string
}

func (e *ModelNotFoundError) Error() string {
	return fmt.Sprintf("model %q not found", e.Identifier)
}

// NoDefaultError is returned when no default project is configured.
type NoDefaultError struct{}

func (e *NoDefaultError) Error() string { return "no default project configured" }

// NoActiveModelError is returned when predicting before any model is loaded.
type NoActiveModelError struct{}

func (e *NoActiveModelError) Error() string { return "no model is loaded" }

// ValidationError reports an invalid parameter value.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// ErrJobNotFound is returned by job stores for unknown job IDs.
var ErrJobNotFound = errors.New("job not found")

// ErrQueueClosed is returned by queues that no longer accept or hold work.
var ErrQueueClosed = errors.New("queue closed")

// ErrQueueFull is returned when a training job cannot be queued in time.
var ErrQueueFull = errors.New("training queue is full")

// Classify maps an error to a stable kind string for API responses and job
// records. Unrecognized errors are "internal".
func Classify(err error) string {
	var (
		fetchErr     *FetchError
		emptyErr     *EmptyContentError
		insuffErr    *InsufficientDataError
		dupErr       *DuplicateNameError
		notFoundErr  *NotFoundError
		modelErr     *ModelNotFoundError
		noDefaultErr *NoDefaultError
		noActiveErr  *NoActiveModelError
		validErr     *ValidationError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validErr):
		return "validation"
	case errors.As(err, &fetchErr):
		return string(fetchErr.Kind)
	case errors.As(err, &emptyErr):
		return "empty_content"
	case errors.As(err, &insuffErr):
		return "insufficient_data"
	case errors.As(err, &dupErr):
		return "duplicate_name"
	case errors.As(err, &notFoundErr):
		return "project_not_found"
	case errors.As(err, &modelErr):
		return "model_not_found"
	case errors.As(err, &noDefaultErr):
		return "no_default"
	case errors.As(err, &noActiveErr):
		return "no_active_model"
	case errors.Is(err, ErrJobNotFound):
		return "job_not_found"
	case errors.Is(err, ErrQueueFull):
		return "queue_full"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal"
	}
}
