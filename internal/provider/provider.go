package provider

import (
	"fmt"
	"net/http"
)

// Error is a classified failure from a remote provider. Retryable failures
// (network errors, rate limits, 5xx) are retried by the stage runner;
// non-retryable ones (permanent rejections) fail the job.
type Error struct {
	Provider   string
	StatusCode int
	Kind       string
	Message    string
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Error kinds shared by all providers.
const (
	KindUnavailable = "ProviderUnavailable"
	KindRateLimited = "RateLimited"
	KindRejected    = "ProviderRejected"
	KindBadResponse = "BadResponse"
)

// classifyStatus maps an HTTP status to a classified error. Timeouts, rate
// limits and server errors are retryable; any other non-2xx is a permanent
// rejection.
func classifyStatus(provider string, code int, body string) *Error {
	switch {
	case code == http.StatusTooManyRequests:
		return &Error{Provider: provider, StatusCode: code, Kind: KindRateLimited, Message: body, Retryable: true}
	case code == http.StatusRequestTimeout || code >= 500:
		return &Error{Provider: provider, StatusCode: code, Kind: KindUnavailable, Message: body, Retryable: true}
	default:
		return &Error{Provider: provider, StatusCode: code, Kind: KindRejected, Message: body, Retryable: false}
	}
}

// networkError wraps a transport-level failure as retryable.
func networkError(provider string, err error) *Error {
	return &Error{
		Provider:  provider,
		Kind:      KindUnavailable,
		Message:   err.Error(),
		Retryable: true,
		Err:       err,
	}
}
