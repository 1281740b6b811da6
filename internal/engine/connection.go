package engine

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/tanq16/dlcore/internal/types"
)

// StatusResumedFromOffset is the synthetic response code of a connection that
// encoded the resume offset itself instead of through a Range header.
const StatusResumedFromOffset = 1

// Connection is a single request/response exchange with the remote resource.
// Headers must be added before Execute; the response accessors are valid after it.
type Connection interface {
	AddHeader(name, value string)
	// DispatchResume lets the backend encode the resume offset itself.
	// Returning true suppresses the Range header.
	DispatchResume(etag string, offset int64) bool
	Execute(ctx context.Context) error
	RequestHeaders() http.Header
	ResponseCode() int
	ResponseHeader(name string) string
	ResponseHeaders() http.Header
	Body() io.Reader
	// Ending releases the connection. It is safe to call more than once.
	Ending()
}

// ConnectionFactory opens connections to a URL.
type ConnectionFactory interface {
	Create(url string) (Connection, error)
}

// Sink is where fetched bytes go.
type Sink interface {
	io.Writer
	// Sync flushes buffered bytes and makes them durable.
	Sync() error
	Seek(offset int64) error
	SetLength(n int64) error
	SupportsSeek() bool
	Close() error
}

// SinkFactory opens sinks on a path.
type SinkFactory interface {
	Create(path string) (Sink, error)
	SupportsSeek() bool
}

// DiskSpace answers free-space queries for the volume holding path.
type DiskSpace interface {
	FreeBytes(path string) (int64, error)
}

// DiskSpaceFunc adapts a function to DiskSpace.
type DiskSpaceFunc func(path string) (int64, error)

func (f DiskSpaceFunc) FreeBytes(path string) (int64, error) { return f(path) }

// NetworkPolicy is consulted between chunks; a non-nil error stops the task for good.
type NetworkPolicy interface {
	Allow(taskID string) error
}

// declaredLength is the body length announced by the response, or
// types.TotalChunked when it is not announced.
func declaredLength(conn Connection) int64 {
	if strings.EqualFold(conn.ResponseHeader("Transfer-Encoding"), "chunked") {
		return types.TotalChunked
	}
	raw := conn.ResponseHeader("Content-Length")
	if raw == "" {
		return types.TotalChunked
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || n < 0 {
		return types.TotalChunked
	}
	return n
}

// instanceLength reads the full resource length from Content-Range
// ("bytes 0-99/1000"). It returns -1 when absent or unknown ("*").
func instanceLength(conn Connection) int64 {
	raw := conn.ResponseHeader("Content-Range")
	idx := strings.LastIndex(raw, "/")
	if idx < 0 {
		return -1
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw[idx+1:]), 10, 64)
	if err != nil {
		return -1
	}
	return n
}
