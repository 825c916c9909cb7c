package grok

import (
	"errors"
	"fmt"
	"net/http"
)

// Backend error codes that mean the session cookie is no longer accepted.
const (
	codeInvalidArgument  = 3
	codeUnauthenticated  = 16
	maxStatusBodyInError = 512
)

// UpstreamError is a failure reported inside the backend's event stream.
type UpstreamError struct {
	Code              int
	Message           string
	InvalidCredential bool
}

func (e *UpstreamError) Error() string {
	if e == nil {
		return "upstream error"
	}
	if e.Message != "" {
		return fmt.Sprintf("upstream error code %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("upstream error code %d", e.Code)
}

func newUpstreamError(code int, message string) *UpstreamError {
	return &UpstreamError{
		Code:              code,
		Message:           message,
		InvalidCredential: code == codeUnauthenticated || code == codeInvalidArgument,
	}
}

// StatusError is returned when the backend answers with a non-2xx status.
// Body is truncated and never contains request cookies.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e == nil {
		return "upstream status error"
	}
	if e.Body == "" {
		return fmt.Sprintf("upstream returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

// InvalidCredential reports whether the status means the cookie was rejected.
func (e *StatusError) InvalidCredential() bool {
	return e != nil && (e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden)
}

// IsInvalidCredential reports whether err says the cookie is invalid or expired.
func IsInvalidCredential(err error) bool {
	var upstreamErr *UpstreamError
	if errors.As(err, &upstreamErr) {
		return upstreamErr.InvalidCredential
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.InvalidCredential()
	}
	return false
}

// FailureKind classifies err for logs and metrics.
func FailureKind(err error) string {
	if IsInvalidCredential(err) {
		return "invalid_credential"
	}
	var upstreamErr *UpstreamError
	if errors.As(err, &upstreamErr) {
		return "backend"
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return "status"
	}
	return "transport"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
