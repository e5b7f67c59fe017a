package relay

import (
	"context"
	"net/http"
	"strings"

	"github.com/postalsys/hostrelay/internal/logging"
	"github.com/postalsys/hostrelay/internal/protocol"
	"github.com/postalsys/hostrelay/internal/requests"
)

// splitHostPath splits "/{hostId}/{rest}" into the host id and "/{rest}".
func splitHostPath(p string) (hostID, rest string) {
	p = strings.TrimPrefix(p, "/")
	hostID, rest, _ = strings.Cut(p, "/")
	return hostID, "/" + rest
}

// route forwards a client GET to the addressed hidden host and writes the
// eventual completion.
func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	hostID, path := splitHostPath(r.URL.Path)
	host, err := s.hosts.Lookup(hostID)
	if err != nil {
		s.metrics.RecordRequestRejected("host_not_found")
		writeText(w, http.StatusNotFound, "host not found")
		return
	}

	// A malformed Range header is ignored and the whole resource served.
	rng, _ := protocol.ParseRangeHeader(r.Header.Get("Range"))

	p := s.table.Allocate(hostID, w)
	s.metrics.RecordRequestRouted()

	logger := s.logger.With(logging.KeyHostID, hostID, logging.KeyRequestID, p.ID())
	logger.Debug("routing request", logging.KeyPath, path, logging.KeyRange, rng.String())

	msg := &protocol.Get{Path: path, Range: rng, RequestID: p.ID()}
	// The control channel is shared, so a client hanging up must not
	// interrupt the write.
	if err := host.Send(context.WithoutCancel(r.Context()), msg); err != nil {
		logger.Warn("forward failed", logging.KeyError, err)
		s.table.Fail(p.ID(), http.StatusBadGateway, "host unavailable")
	}

	out := p.Await(r.Context(), s.opts.PendingTimeout)
	s.metrics.RecordRequestFinished(strings.ToLower(out.State.String()), p.Age().Seconds())
	s.metrics.RecordBytesStreamed(out.Bytes)

	switch {
	case out.State == requests.StateCancelled:
		logger.Debug("client went away")
		go s.sendCancel(hostID, p.ID())

	case out.Reason == "timeout":
		logger.Warn("request timed out", logging.KeyDuration, p.Age())
		go s.sendCancel(hostID, p.ID())

	case out.State == requests.StateFailed && out.Err != nil:
		// Headers are already sent; abort so the client sees a short body.
		logger.Debug("response aborted", logging.KeyBytes, out.Bytes, logging.KeyError, out.Err)
		panic(http.ErrAbortHandler)

	default:
		logger.Debug("request finished",
			logging.KeyStatus, out.Status,
			logging.KeyBytes, out.Bytes)
	}
}
