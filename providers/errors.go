package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for classified provider failures.
var (
	ErrRateLimited          = errors.New("providers: rate limited")
	ErrServiceUnavailable   = errors.New("providers: service unavailable")
	ErrTimeout              = errors.New("providers: request timed out")
	ErrOverloaded           = errors.New("providers: model overloaded")
	ErrConnectionRefused    = errors.New("providers: connection refused")
	ErrAuthenticationFailed = errors.New("providers: authentication failed")
	ErrInvalidRequest       = errors.New("providers: invalid request")
	ErrNoCandidates         = errors.New("providers: no model candidates")
	ErrUnknownProvider      = errors.New("providers: unknown provider")
)

// APIError is a structured provider error with an HTTP-style status code.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *APIError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("providers: API error %d (%s): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("providers: API error %d: %s", e.Code, e.Message)
}

// IsRetryable reports whether the error is transient: rate limits and
// server-side failures qualify, client errors do not.
func (e *APIError) IsRetryable() bool {
	return e.Code == 429 || e.Code >= 500
}

// ClassifyError maps an APIError onto the matching sentinel so callers can
// branch with errors.Is. Unrecognized codes pass through unchanged.
func ClassifyError(err *APIError) error {
	if err == nil {
		return nil
	}
	switch {
	case err.Code == 429:
		return fmt.Errorf("%w: %s", ErrRateLimited, err.Message)
	case err.Code == 503:
		return fmt.Errorf("%w: %s", ErrServiceUnavailable, err.Message)
	case err.Code == 529:
		return fmt.Errorf("%w: %s", ErrOverloaded, err.Message)
	case err.Code == 401 || err.Code == 403:
		return fmt.Errorf("%w: %s", ErrAuthenticationFailed, err.Message)
	case err.Code == 400:
		return fmt.Errorf("%w: %s", ErrInvalidRequest, err.Message)
	case err.Code >= 500:
		return fmt.Errorf("%w: %s", ErrServiceUnavailable, err.Message)
	default:
		return err
	}
}

// retryablePatterns are message fragments that mark a failure as transient
// when no structured error is available.
var retryablePatterns = []string{
	"rate limit",
	"429",
	"500",
	"502",
	"503",
	"504",
	"529",
	"timeout",
	"timed out",
	"deadline exceeded",
	"overloaded",
	"connection refused",
	"connection reset",
	"service unavailable",
	"internal server error",
	"temporarily unavailable",
}

// IsRetryableError reports whether a model call failure may be retried on
// another candidate. Structured errors are consulted first; otherwise the
// message text is matched against known transient patterns.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsRetryable()
	}
	switch {
	case errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrOverloaded),
		errors.Is(err, ErrConnectionRefused):
		return true
	case errors.Is(err, ErrAuthenticationFailed),
		errors.Is(err, ErrInvalidRequest):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
