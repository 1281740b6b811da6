package engine

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strings"
	"syscall"
)

var (
	ErrPreconditionFailed     = errors.New("resource changed since the last known etag")
	ErrPathConflict           = errors.New("another task is downloading to the same path")
	ErrNetworkPolicy          = errors.New("network policy violated")
	ErrInvalidConnectionCount = errors.New("invalid connection count")
	ErrSeekUnsupported        = errors.New("output does not support seek but the task uses multiple connections")
	ErrNoContent              = errors.New("there is no content to download")
	ErrSizeMismatch           = errors.New("downloaded size does not match total")
)

// HTTPStatusError is an unexpected response code, with the headers on both
// sides kept for diagnostics.
type HTTPStatusError struct {
	Code            int
	URL             string
	RequestHeaders  http.Header
	ResponseHeaders http.Header
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected response code %d from %s (request headers: %s, response headers: %s)",
		e.Code, e.URL, flattenHeaders(e.RequestHeaders), flattenHeaders(e.ResponseHeaders))
}

// Retryable reports whether the code describes a condition that can change by waiting.
func (e *HTTPStatusError) Retryable() bool {
	if e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests {
		return true
	}
	return e.Code >= http.StatusInternalServerError
}

// RedirectError is a broken redirect chain. URLs holds every hop followed.
type RedirectError struct {
	Reason string
	URLs   []string
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("redirect failed after %d hops: %s", len(e.URLs), e.Reason)
}

// OutOfSpaceError is raised when the target volume cannot hold the rest of the resource.
type OutOfSpaceError struct {
	Free       int64
	Required   int64
	Downloaded int64
	Err        error
}

func (e *OutOfSpaceError) Error() string {
	msg := fmt.Sprintf("not enough space: free %d bytes, required %d bytes, already downloaded %d bytes", e.Free, e.Required, e.Downloaded)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OutOfSpaceError) Unwrap() error { return e.Err }

// ContentDriftError means the response length differs from what the profile expects.
type ContentDriftError struct {
	Expected int64
	Actual   int64
	Range    string
}

func (e *ContentDriftError) Error() string {
	return fmt.Sprintf("content length drifted for range %s: expected %d, got %d", e.Range, e.Expected, e.Actual)
}

// GiveUpError marks a failure that no amount of retrying can fix.
type GiveUpError struct {
	Err error
}

func (e *GiveUpError) Error() string { return "giving up: " + e.Err.Error() }
func (e *GiveUpError) Unwrap() error { return e.Err }

func giveUp(err error) error {
	return &GiveUpError{Err: err}
}

// Retryable reports whether err is a transient failure worth another attempt.
// It does not look at any retry budget.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var (
		giveUpErr   *GiveUpError
		redirectErr *RedirectError
		spaceErr    *OutOfSpaceError
		statusErr   *HTTPStatusError
	)
	switch {
	case errors.As(err, &giveUpErr), errors.As(err, &redirectErr), errors.As(err, &spaceErr):
		return false
	case errors.Is(err, ErrInvalidConnectionCount), errors.Is(err, ErrSeekUnsupported):
		return false
	case errors.As(err, &statusErr):
		return statusErr.Retryable()
	}
	return true
}

// isIOError reports whether err came from the local file system.
func isIOError(err error) bool {
	var pathErr *fs.PathError
	return errors.As(err, &pathErr) || errors.Is(err, syscall.ENOSPC)
}

func isRangeNotSatisfiable(err error) bool {
	var statusErr *HTTPStatusError
	return errors.As(err, &statusErr) && statusErr.Code == http.StatusRequestedRangeNotSatisfiable
}

func flattenHeaders(h http.Header) string {
	if len(h) == 0 {
		return "{}"
	}
	parts := make([]string, 0, len(h))
	for k, v := range h {
		parts = append(parts, k+"="+strings.Join(v, ","))
	}
	return "{" + strings.Join(parts, "; ") + "}"
}
