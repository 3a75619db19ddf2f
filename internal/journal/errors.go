package journal

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Error kinds. Match with errors.Is.
var (
	ErrTransientProvider = errors.New("transient provider error")
	ErrRateLimited       = errors.New("provider rate limited")
	ErrMalformedResponse = errors.New("malformed provider response")
	ErrInvalidInput      = errors.New("invalid provider input")
	ErrUnauthorized      = errors.New("provider unauthorized")
	ErrValidation        = errors.New("validation failed")
	ErrStorage           = errors.New("storage error")
	ErrCancelled         = errors.New("cancelled")
	ErrUnknownTool       = errors.New("unknown tool")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
)

// ProviderError is returned by embedding and text-extraction providers.
type ProviderError struct {
	Kind       error // one of the provider Err* kinds
	Provider   string
	StatusCode int
	RetryAfter time.Duration
	Msg        string
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %v (HTTP %d): %s", e.Provider, e.Kind, e.StatusCode, e.Msg)
	}
	return fmt.Sprintf("%s: %v: %s", e.Provider, e.Kind, e.Msg)
}

func (e *ProviderError) Is(target error) bool {
	if target == e.Kind {
		return true
	}
	// rate limiting is a transient condition
	return e.Kind == ErrRateLimited && target == ErrTransientProvider
}

// ValidationError reports a provider value that could not be accepted.
type ValidationError struct {
	Field string
	Value float64
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s=%v: %s", e.Field, e.Value, e.Msg)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ToolError is a dispatch-time failure.
type ToolError struct {
	Kind error // ErrUnknownTool or ErrInvalidArgument
	Tool string
	Msg  string
}

func (e *ToolError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%v: %s", e.Kind, e.Tool)
	}
	return fmt.Sprintf("%v: %s: %s", e.Kind, e.Tool, e.Msg)
}

func (e *ToolError) Is(target error) bool { return target == e.Kind }

// IsRetryable reports whether err is worth retrying after a backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientProvider)
}

// RetryAfter extracts a provider-requested delay, if any.
func RetryAfter(err error) time.Duration {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// StorageErr wraps a persistence failure.
func StorageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

// KindForStatus maps an HTTP status code from a provider onto the error
// taxonomy.
func KindForStatus(status int) error {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrUnauthorized
	case status == http.StatusBadRequest || status == http.StatusRequestEntityTooLarge || status == http.StatusUnprocessableEntity:
		return ErrInvalidInput
	case status == http.StatusRequestTimeout || status >= 500:
		return ErrTransientProvider
	default:
		return ErrMalformedResponse
	}
}

// ParseRetryAfter reads a Retry-After header given in seconds.
func ParseRetryAfter(h string) time.Duration {
	if seconds, err := strconv.Atoi(strings.TrimSpace(h)); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return 0
}
