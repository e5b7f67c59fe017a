package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrRangeNotSatisfiable is returned when a range starts past the end of the resource.
var ErrRangeNotSatisfiable = errors.New("range not satisfiable")

// Range is a single byte range. A nil End means "to the end of the resource".
type Range struct {
	Start int64  `json:"start"`
	End   *int64 `json:"end,omitempty"`
}

// NewRange returns a closed range [start, end].
func NewRange(start, end int64) *Range {
	return &Range{Start: start, End: &end}
}

// OpenRange returns a range from start to the end of the resource.
func OpenRange(start int64) *Range {
	return &Range{Start: start}
}

// ParseRangeHeader parses a Range header of the form "bytes=<start>-[<end>]".
// Anything else, including suffix and multi-range forms, yields ok=false and
// callers serve the whole resource.
func ParseRangeHeader(header string) (r *Range, ok bool) {
	header = strings.TrimSpace(header)
	byteRange, found := strings.CutPrefix(header, "bytes=")
	if !found {
		return nil, false
	}
	if strings.Contains(byteRange, ",") {
		return nil, false
	}

	startStr, endStr, found := strings.Cut(strings.TrimSpace(byteRange), "-")
	if !found || startStr == "" {
		return nil, false
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return nil, false
	}
	if endStr == "" {
		return OpenRange(start), true
	}

	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return nil, false
	}
	return NewRange(start, end), true
}

// Validate checks that the range is well formed.
func (r *Range) Validate() error {
	if r.Start < 0 {
		return fmt.Errorf("invalid range start %d", r.Start)
	}
	if r.End != nil && *r.End < r.Start {
		return fmt.Errorf("invalid range end %d before start %d", *r.End, r.Start)
	}
	return nil
}

// Resolve returns the inclusive byte offsets selected in a resource of the
// given size. An open or overlong end resolves to size-1.
func (r *Range) Resolve(size int64) (start, end int64, err error) {
	if r.Start >= size {
		return 0, 0, ErrRangeNotSatisfiable
	}
	end = size - 1
	if r.End != nil && *r.End < end {
		end = *r.End
	}
	return r.Start, end, nil
}

// String renders the range in Range header syntax.
func (r *Range) String() string {
	if r == nil {
		return ""
	}
	if r.End == nil {
		return fmt.Sprintf("bytes=%d-", r.Start)
	}
	return fmt.Sprintf("bytes=%d-%d", r.Start, *r.End)
}

// ContentRange formats a Content-Range header value.
func ContentRange(start, end, total int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", start, end, total)
}
