package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/plexsphere/telexport/internal/failure"
)

// APIError is the base error type for HTTP API errors.
// It supports errors.Is matching by status code and errors.As extraction.
type APIError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration // set for 429 and 503 when the server sends Retry-After
}

// Error returns the formatted error string.
func (e *APIError) Error() string {
	return fmt.Sprintf("api: HTTP %d: %s", e.StatusCode, e.Message)
}

// Is supports errors.Is matching by status code.
// ErrServer (500) matches any 5xx status code.
// All other sentinels require an exact status code match.
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	if t.StatusCode == 500 && e.StatusCode >= 500 && e.StatusCode < 600 {
		return true
	}
	return e.StatusCode == t.StatusCode
}

// Sentinel errors for common HTTP error status codes.
var (
	ErrBadRequest      = &APIError{StatusCode: 400, Message: "bad request"}
	ErrUnauthorized    = &APIError{StatusCode: 401, Message: "unauthorized"}
	ErrForbidden       = &APIError{StatusCode: 403, Message: "forbidden"}
	ErrNotFound        = &APIError{StatusCode: 404, Message: "not found"}
	ErrTimeout         = &APIError{StatusCode: 408, Message: "request timeout"}
	ErrGone            = &APIError{StatusCode: 410, Message: "gone"}
	ErrPayloadTooLarge = &APIError{StatusCode: 413, Message: "payload too large"}
	ErrRateLimit       = &APIError{StatusCode: 429, Message: "rate limit exceeded"}
	ErrServer          = &APIError{StatusCode: 500, Message: "server error"}
)

// maxErrorBody is the maximum number of bytes read from an error response body.
const maxErrorBody = 4096

// errorFromResponse creates an *APIError from an HTTP response.
// It reads up to 4KB of the response body.
func errorFromResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(body)),
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		apiErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}

	return apiErr
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// Classify maps a request error to the pipeline failure class:
// 401/403 are auth failures, 404/410 mean the upload session or account
// is unknown, 408/429/5xx and network errors are transient, and every other
// 4xx is permanent. Context cancellation is reported as ClassUnknown.
func Classify(err error) failure.Class {
	if err == nil {
		return failure.ClassUnknown
	}
	if c := failure.ClassOf(err); c != failure.ClassUnknown {
		return c
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrForbidden):
			return failure.ClassAuth
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrGone):
			return failure.ClassNegotiation
		case errors.Is(err, ErrTimeout), errors.Is(err, ErrRateLimit), errors.Is(err, ErrServer):
			return failure.ClassTransport
		default:
			return failure.ClassPermanent
		}
	}
	if errors.Is(err, context.Canceled) {
		return failure.ClassUnknown
	}
	// Dial failures, resets, timeouts and truncated bodies.
	return failure.ClassTransport
}

// Wrap converts a request error into a classified *failure.Error, keeping
// the status code and server retry delay.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if failure.ClassOf(err) != failure.ClassUnknown {
		return err
	}
	class := Classify(err)
	if class == failure.ClassUnknown {
		return err
	}
	switch {
	case errors.Is(err, ErrPayloadTooLarge):
		err = fmt.Errorf("blob exceeds the gateway size limit: %w", err)
	case errors.Is(err, ErrBadRequest):
		err = fmt.Errorf("request rejected as malformed: %w", err)
	}
	fe := failure.New(class, op, err)
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		fe.StatusCode = apiErr.StatusCode
		fe.RetryAfter = apiErr.RetryAfter
	}
	return fe
}
