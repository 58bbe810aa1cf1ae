package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// TransientError indicates a retryable failure (timeout, connection, 5xx).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Errorf("transient: %w", e.Err).Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError aborts the adapter's crawl (4xx, malformed payloads).
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Errorf("permanent: %w", e.Err).Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// RateLimitSignal indicates the platform throttled the request. RetryAfter is
// zero when the platform did not say how long to wait.
type RateLimitSignal struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RateLimitSignal) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Errorf("rate_limited (retry after %s): %w", e.RetryAfter, e.Err).Error()
	}
	return fmt.Errorf("rate_limited: %w", e.Err).Error()
}

func (e *RateLimitSignal) Unwrap() error {
	return e.Err
}

// ConfigurationError means the adapter could not even start.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Errorf("configuration: %w", e.Err).Error()
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientError.
func Transient(err error) error { return &TransientError{Err: err} }

// Permanent wraps err as a PermanentError.
func Permanent(err error) error { return &PermanentError{Err: err} }

// Misconfigured wraps err as a ConfigurationError.
func Misconfigured(err error) error { return &ConfigurationError{Err: err} }

// ClassifyHTTP maps a transport error and/or response status into the
// adapter error taxonomy. It returns nil for a successful exchange.
func ClassifyHTTP(statusCode int, header http.Header, err error) error {
	if err == nil && statusCode < http.StatusBadRequest {
		return nil
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return &TransientError{Err: err}
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return &TransientError{Err: err}
		}
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			return &TransientError{Err: err}
		}
		if statusCode == 0 {
			return &TransientError{Err: err}
		}
	}

	wrapped := err
	if wrapped == nil {
		wrapped = fmt.Errorf("http status %d", statusCode)
	}
	switch {
	case statusCode == http.StatusTooManyRequests:
		return &RateLimitSignal{Err: wrapped, RetryAfter: parseRetryAfter(header, time.Now())}
	case statusCode == http.StatusRequestTimeout:
		return &TransientError{Err: wrapped}
	case statusCode >= http.StatusInternalServerError:
		return &TransientError{Err: wrapped}
	default:
		return &PermanentError{Err: wrapped}
	}
}

func parseRetryAfter(header http.Header, now time.Time) time.Duration {
	if header == nil {
		return 0
	}
	value := strings.TrimSpace(header.Get("Retry-After"))
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// ErrorTypeLabel returns a low-cardinality label for metrics and logs.
func ErrorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	var configuration *ConfigurationError
	if errors.As(err, &configuration) {
		return "configuration"
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return "permanent"
	}
	var rateLimited *RateLimitSignal
	if errors.As(err, &rateLimited) {
		return "rate_limited"
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return "transient"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return "other"
}
