package llms

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/scottdavis/agentgraph/pkg/errors"
)

// ErrorKind classifies a ProviderError.
type ErrorKind int

const (
	// Transport covers network failures, 5xx and unexpected statuses.
	Transport ErrorKind = iota
	// Auth is a 401 or 403.
	Auth
	// RateLimited is a 429.
	RateLimited
	// MalformedResponse means the body did not match the backend's schema.
	MalformedResponse
)

func (k ErrorKind) String() string {
	switch k {
	case Auth:
		return "auth"
	case RateLimited:
		return "rate_limited"
	case MalformedResponse:
		return "malformed_response"
	default:
		return "transport"
	}
}

// ProviderError is returned by every adapter.
type ProviderError struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed: rate limits,
// network failures and 5xx responses.
func (e *ProviderError) Retryable() bool {
	if stderrors.Is(e.Err, context.Canceled) || stderrors.Is(e.Err, context.DeadlineExceeded) {
		return false
	}
	switch e.Kind {
	case RateLimited:
		return true
	case Transport:
		// Client errors other than 429 will fail the same way again.
		return e.StatusCode == 0 || e.StatusCode >= 500
	default:
		return false
	}
}

func (e *ProviderError) Code() errors.ErrorCode {
	switch e.Kind {
	case Auth:
		return errors.Unauthorized
	case RateLimited:
		return errors.RateLimitExceeded
	case MalformedResponse:
		return errors.InvalidResponse
	default:
		return errors.ProviderFailed
	}
}

// KindForStatus maps an HTTP status to an error kind.
func KindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Auth
	case status == http.StatusTooManyRequests:
		return RateLimited
	default:
		return Transport
	}
}

func statusError(provider string, status int, body string) *ProviderError {
	return &ProviderError{
		Kind:       KindForStatus(status),
		Provider:   provider,
		StatusCode: status,
		Message:    truncate(body, 500),
	}
}

func transportError(provider string, err error) *ProviderError {
	return &ProviderError{Kind: Transport, Provider: provider, Err: err}
}

func malformed(provider, format string, args ...any) *ProviderError {
	return &ProviderError{Kind: MalformedResponse, Provider: provider, Message: fmt.Sprintf(format, args...)}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
