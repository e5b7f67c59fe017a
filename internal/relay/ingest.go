package relay

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/postalsys/hostrelay/internal/logging"
	"github.com/postalsys/hostrelay/internal/metrics"
	"github.com/postalsys/hostrelay/internal/protocol"
	"github.com/postalsys/hostrelay/internal/requests"
)

var (
	errFieldTooLarge = errors.New("form field too large")
	errMissingFile   = errors.New("missing file part")
)

// formFields holds the plain multipart fields of an upload.
type formFields map[string]string

func (f formFields) uint(name string) (uint64, error) {
	v, ok := f[name]
	if !ok {
		return 0, fmt.Errorf("missing %s", name)
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, v)
	}
	return n, nil
}

// size parses an optional non-negative integer field.
func (f formFields) size(name string) (n int64, present bool, err error) {
	v, ok := f[name]
	if !ok || v == "" {
		return 0, false, nil
	}
	n, err = strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, true, fmt.Errorf("invalid %s %q", name, v)
	}
	return n, true, nil
}

// readFields collects fields until the first file part. With wantFile the
// file part is returned unread; otherwise file parts are skipped.
func (s *Server) readFields(r *http.Request, wantFile bool) (formFields, *multipart.Part, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, nil, err
	}

	fields := make(formFields)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return fields, nil, nil
		}
		if err != nil {
			return nil, nil, err
		}

		if part.FileName() != "" {
			if wantFile {
				return fields, part, nil
			}
			io.Copy(io.Discard, part)
			part.Close()
			continue
		}

		data, err := io.ReadAll(io.LimitReader(part, s.opts.MaxFieldSize+1))
		part.Close()
		if err != nil {
			return nil, nil, err
		}
		if int64(len(data)) > s.opts.MaxFieldSize {
			return nil, nil, fmt.Errorf("%w: %s", errFieldTooLarge, part.FormName())
		}
		fields[part.FormName()] = string(data)
	}
}

// ingestCommand handles POST /command: an inline status and message.
func (s *Server) ingestCommand(w http.ResponseWriter, r *http.Request) {
	if !s.auth.allow(r) {
		s.metrics.RecordAuthFailure()
		writeText(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	fields, _, err := s.readFields(r, false)
	if err != nil {
		s.badUpload(w, "/command", err)
		return
	}

	id, err := fields.uint("requestId")
	if err != nil {
		s.badUpload(w, "/command", err)
		return
	}
	code, err := strconv.Atoi(fields["code"])
	if err != nil || code < 100 || code > 599 {
		s.badUpload(w, "/command", fmt.Errorf("invalid code %q", fields["code"]))
		return
	}

	c := requests.CommandCompletion(code, fields["message"])
	c.HostID = fields["hostId"]

	if err := s.table.Complete(id, c); err != nil {
		s.gone(w, metrics.KindCommand, id, err)
		return
	}
	s.metrics.RecordCompletion(metrics.KindCommand)
	writeText(w, http.StatusOK, "OK")
}

// ingestFile handles POST /file: a streamed body for a pending request. The
// fields must precede the file part.
func (s *Server) ingestFile(w http.ResponseWriter, r *http.Request) {
	if !s.auth.allow(r) {
		s.metrics.RecordAuthFailure()
		writeText(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	fields, part, err := s.readFields(r, true)
	if err == nil && part == nil {
		err = errMissingFile
	}
	if err != nil {
		s.badUpload(w, "/file", err)
		return
	}
	defer part.Close()

	id, err := fields.uint("requestId")
	if err != nil {
		s.badUpload(w, "/file", err)
		return
	}
	total, ok, err := fields.size("fileSize")
	if err == nil && !ok {
		err = errors.New("missing fileSize")
	}
	if err != nil {
		s.badUpload(w, "/file", err)
		return
	}

	rng, err := uploadRange(fields)
	if err != nil {
		s.badUpload(w, "/file", err)
		return
	}

	c, err := requests.StreamCompletion(rng, total, part)
	if err != nil {
		s.badUpload(w, "/file", err)
		return
	}
	c.HostID = fields["hostId"]

	if err := s.table.Complete(id, c); err != nil {
		s.gone(w, metrics.KindFile, id, err)
		return
	}
	s.metrics.RecordCompletion(metrics.KindFile)
	writeText(w, http.StatusOK, "/file OK")
}

// uploadRange builds the delivered range from the start and end fields.
// A start of zero is a range.
func uploadRange(fields formFields) (*protocol.Range, error) {
	start, hasStart, err := fields.size("start")
	if err != nil {
		return nil, err
	}
	end, hasEnd, err := fields.size("end")
	if err != nil {
		return nil, err
	}

	switch {
	case !hasStart && hasEnd:
		return nil, errors.New("end without start")
	case !hasStart:
		return nil, nil
	case hasEnd:
		if end < start {
			return nil, fmt.Errorf("end %d before start %d", end, start)
		}
		return protocol.NewRange(start, end), nil
	default:
		return protocol.OpenRange(start), nil
	}
}

func (s *Server) badUpload(w http.ResponseWriter, endpoint string, err error) {
	s.logger.Warn("malformed upload", logging.KeyPath, endpoint, logging.KeyError, err)
	writeText(w, http.StatusBadRequest, "Bad request: "+err.Error())
}

// gone answers an upload whose request can no longer be completed.
func (s *Server) gone(w http.ResponseWriter, kind string, id uint64, err error) {
	if errors.Is(err, requests.ErrStaleRequest) {
		s.metrics.RecordStaleCompletion(kind)
		s.logger.Warn("stale completion",
			"kind", kind,
			logging.KeyRequestID, id,
			logging.KeyError, err)
	} else {
		s.logger.Debug("delivery aborted",
			"kind", kind,
			logging.KeyRequestID, id,
			logging.KeyError, err)
	}
	writeText(w, http.StatusGone, "Gone")
}
