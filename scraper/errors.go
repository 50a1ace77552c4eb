package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// ErrTimeout indicates a timeout while issuing a request.
type ErrTimeout struct {
	Err error
}

func (e ErrTimeout) Error() string {
	return fmt.Errorf("timeout: %w", e.Err).Error()
}

func (e ErrTimeout) Unwrap() error {
	return e.Err
}

// ErrConnection indicates a network connectivity failure.
type ErrConnection struct {
	Err error
}

func (e ErrConnection) Error() string {
	return fmt.Errorf("connection: %w", e.Err).Error()
}

func (e ErrConnection) Unwrap() error {
	return e.Err
}

// ErrForbidden indicates a forbidden response (HTTP 403).
type ErrForbidden struct {
	Err error
}

func (e ErrForbidden) Error() string {
	return fmt.Errorf("forbidden: %w", e.Err).Error()
}

func (e ErrForbidden) Unwrap() error {
	return e.Err
}

// ErrNotFound indicates a missing resource (HTTP 404).
type ErrNotFound struct {
	Err error
}

func (e ErrNotFound) Error() string {
	return fmt.Errorf("not_found: %w", e.Err).Error()
}

func (e ErrNotFound) Unwrap() error {
	return e.Err
}

// ErrRateLimited indicates the target kept rate-limiting the request.
type ErrRateLimited struct {
	Err        error
	RetryAfter string
}

func (e ErrRateLimited) Error() string {
	return fmt.Errorf("rate_limited: %w", e.Err).Error()
}

func (e ErrRateLimited) Unwrap() error {
	return e.Err
}

// ErrUnexpectedHTML is returned when a JSON endpoint answers with markup,
// which usually means a bot-detection or block page.
type ErrUnexpectedHTML struct {
	Status  int
	Preview string
}

func (e ErrUnexpectedHTML) Error() string {
	return fmt.Sprintf("unexpected HTML body (status %d, possible bot detection)", e.Status)
}

// ErrDecode indicates a body that is neither JSON nor markup.
type ErrDecode struct {
	Err error
}

func (e ErrDecode) Error() string {
	return fmt.Errorf("decode: %w", e.Err).Error()
}

func (e ErrDecode) Unwrap() error {
	return e.Err
}

// ErrAPIStatus indicates an endpoint answered with a status the resolver
// cannot interpret.
type ErrAPIStatus struct {
	Endpoint string
	Status   int
}

func (e ErrAPIStatus) Error() string {
	return fmt.Sprintf("%s API error: status %d", e.Endpoint, e.Status)
}

func errorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	var timeout ErrTimeout
	if errors.As(err, &timeout) {
		return "timeout"
	}
	var conn ErrConnection
	if errors.As(err, &conn) {
		return "connection"
	}
	var forbidden ErrForbidden
	if errors.As(err, &forbidden) {
		return "forbidden"
	}
	var notFound ErrNotFound
	if errors.As(err, &notFound) {
		return "not_found"
	}
	var rateLimited ErrRateLimited
	if errors.As(err, &rateLimited) {
		return "rate_limited"
	}
	var html ErrUnexpectedHTML
	if errors.As(err, &html) {
		return "unexpected_html"
	}
	var decode ErrDecode
	if errors.As(err, &decode) {
		return "decode"
	}
	var status ErrAPIStatus
	if errors.As(err, &status) {
		return "api_status"
	}
	return "other"
}

func classifyError(err error, statusCode int) error {
	if err == nil && statusCode == 0 {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout{Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrConnection{Err: err}
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return ErrConnection{Err: err}
	}

	if statusCode != 0 {
		wrapped := err
		if wrapped == nil {
			wrapped = fmt.Errorf("http status %d", statusCode)
		}
		switch statusCode {
		case http.StatusForbidden:
			return ErrForbidden{Err: wrapped}
		case http.StatusNotFound:
			return ErrNotFound{Err: wrapped}
		case http.StatusTooManyRequests:
			return ErrRateLimited{Err: wrapped}
		}
	}

	if err == nil {
		return nil
	}
	return err
}

// IsTransient reports whether err is worth retrying: timeouts, connection
// resets and rate limiting. Markup bodies, decode failures and unexpected
// statuses are never retried.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var (
		html     ErrUnexpectedHTML
		decode   ErrDecode
		status   ErrAPIStatus
		notFound ErrNotFound
		forbid   ErrForbidden
	)
	if errors.As(err, &html) || errors.As(err, &decode) || errors.As(err, &status) ||
		errors.As(err, &notFound) || errors.As(err, &forbid) {
		return false
	}

	var (
		timeout ErrTimeout
		limited ErrRateLimited
	)
	if errors.As(err, &timeout) || errors.As(err, &limited) {
		return true
	}
	// A dropped connection counts as a reset; refused or unresolvable hosts do not.
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"timeout", "econnreset", "etimedout", "connection reset", "rate limit", "rate_limited", "too many requests", "429"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
