// Package resilience provides error classification, retry, and circuit
// breaker support for the pipeline's external calls.
package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// FailureKind is the fixed taxonomy for network failures on feed,
// transcript, and batch API calls. Row- and session-level diagnostics use
// it; it never decides control flow beyond retry eligibility.
type FailureKind string

const (
	FailureDNS     FailureKind = "dns_not_found"
	FailureRefused FailureKind = "connection_refused"
	FailureTimeout FailureKind = "timeout"
	FailureOther   FailureKind = "other"
)

// Classify maps an error to the failure taxonomy.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureOther
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return FailureDNS
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return FailureRefused
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}

	// Wrapped errors from HTTP clients lose their type; fall back to
	// message heuristics.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such host"),
		strings.Contains(msg, "name resolution"):
		return FailureDNS
	case strings.Contains(msg, "connection refused"):
		return FailureRefused
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"):
		return FailureTimeout
	}
	return FailureOther
}

// TransientError wraps an error that is safe to retry (429, 5xx, transport
// failures).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP
// status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// IsTransient reports whether the error (or any error in its chain) is
// retryable: an explicit TransientError, a network timeout, a connection
// reset/refused, or a DNS hiccup.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus reports whether an HTTP status code indicates a
// transient server-side issue.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}
