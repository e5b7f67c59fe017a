package requests

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/postalsys/hostrelay/internal/protocol"
)

// ErrInvalidRange is returned when stream metadata describes bytes outside the resource.
var ErrInvalidRange = errors.New("range outside resource")

// Completion is the finalizer for a pending request: everything needed to
// write the client response, independent of how the data reached the relay.
type Completion struct {
	Status int
	Header http.Header

	// Body is copied to the client after the header is written. Nil means no body.
	Body io.Reader

	// Length is the number of body bytes the client was promised, or -1.
	Length int64

	// HostID, when set, must match the host the request was routed to.
	HostID string
}

// CommandCompletion builds the inline textual response for an error or
// command completion.
func CommandCompletion(code int, message string) Completion {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain")
	h.Set("Content-Length", strconv.Itoa(len(message)))
	return Completion{
		Status: code,
		Header: h,
		Body:   strings.NewReader(message),
		Length: int64(len(message)),
	}
}

// StreamCompletion builds the response for a bulk delivery of totalSize bytes.
// A non-nil r selects a 206 partial response; its open end resolves to the
// last byte of the resource.
func StreamCompletion(r *protocol.Range, totalSize int64, body io.Reader) (Completion, error) {
	if totalSize < 0 {
		return Completion{}, fmt.Errorf("invalid size %d", totalSize)
	}

	h := make(http.Header)
	c := Completion{Header: h, Body: body}

	if r != nil {
		if err := r.Validate(); err != nil {
			return Completion{}, err
		}
		end := totalSize - 1
		if r.End != nil {
			end = *r.End
		}
		if r.Start > end || end >= totalSize {
			return Completion{}, fmt.Errorf("%w: %s of %d bytes", ErrInvalidRange, r, totalSize)
		}
		c.Status = http.StatusPartialContent
		c.Length = end - r.Start + 1
		h.Set("Content-Range", protocol.ContentRange(r.Start, end, totalSize))
	} else {
		c.Status = http.StatusOK
		c.Length = totalSize
	}

	h.Set("Content-Length", strconv.FormatInt(c.Length, 10))
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", "application/octet-stream")
	return c, nil
}

// FailureCompletion is written when a request ends without a delivery.
func FailureCompletion(status int, message string) Completion {
	return CommandCompletion(status, message)
}

// writeTo writes the status, header and body to w.
func (c Completion) writeTo(w http.ResponseWriter) (int64, error) {
	dst := w.Header()
	for k, v := range c.Header {
		dst[k] = v
	}
	w.WriteHeader(c.Status)

	if c.Body == nil {
		return 0, nil
	}
	if c.Length < 0 {
		return io.Copy(w, c.Body)
	}

	n, err := io.CopyN(w, c.Body, c.Length)
	if err == io.EOF {
		err = fmt.Errorf("body ended after %d of %d bytes: %w", n, c.Length, io.ErrUnexpectedEOF)
	}
	return n, err
}
