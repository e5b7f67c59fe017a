// Package resource resolves request paths on a hidden host to readable content.
package resource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/postalsys/hostrelay/internal/protocol"
)

// Common errors.
var (
	ErrNotFound  = errors.New("resource not found")
	ErrForbidden = errors.New("access denied")
	ErrBadPath   = errors.New("invalid path")
)

// StatusError carries an HTTP status for a failed lookup.
type StatusError struct {
	Code    int
	Message string
	Err     error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%d %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%d %s", e.Code, e.Message)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// Status maps a lookup error to the status code and message reported to the client.
func Status(err error) (int, string) {
	var se *StatusError
	switch {
	case errors.As(err, &se):
		return se.Code, se.Message
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, "Forbidden"
	case errors.Is(err, ErrBadPath):
		return http.StatusBadRequest, "Bad request"
	case errors.Is(err, protocol.ErrRangeNotSatisfiable):
		return http.StatusRequestedRangeNotSatisfiable, "Range not satisfiable"
	default:
		return http.StatusInternalServerError, "Internal error"
	}
}

// Resource is an opened piece of content with a known size.
type Resource struct {
	Name    string
	Size    int64
	ModTime time.Time

	content io.ReaderAt
	closer  io.Closer
}

// NewResource wraps content of the given size. closer may be nil.
func NewResource(name string, size int64, modTime time.Time, content io.ReaderAt, closer io.Closer) *Resource {
	return &Resource{
		Name:    name,
		Size:    size,
		ModTime: modTime,
		content: content,
		closer:  closer,
	}
}

// Section returns a reader over the inclusive byte range [start, end].
func (r *Resource) Section(start, end int64) io.Reader {
	if end < start {
		return io.NewSectionReader(r.content, start, 0)
	}
	return io.NewSectionReader(r.content, start, end-start+1)
}

// Close releases the underlying content.
func (r *Resource) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// Provider opens resources by request path.
type Provider interface {
	Open(ctx context.Context, path string) (*Resource, error)
}
