package relay

import (
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/postalsys/hostrelay/internal/logging"
	"github.com/postalsys/hostrelay/internal/metrics"
	"github.com/postalsys/hostrelay/internal/recovery"
	"github.com/postalsys/hostrelay/internal/requests"
	"github.com/postalsys/hostrelay/internal/transport"
)

// serveBulk accepts a hidden host's bulk delivery channel. Each stream opened
// on it carries one convert-to-stream delivery.
func (s *Server) serveBulk(w http.ResponseWriter, r *http.Request) {
	if !s.auth.allow(r) {
		s.metrics.RecordAuthFailure()
		writeText(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	hostID := r.URL.Query().Get("hostId")
	if _, err := s.hosts.Lookup(hostID); err != nil {
		writeText(w, http.StatusNotFound, "host not found")
		return
	}

	session, err := transport.AcceptBulk(w, r)
	if err != nil {
		s.logger.Debug("bulk channel upgrade failed", logging.KeyHostID, hostID, logging.KeyError, err)
		return
	}

	logger := s.logger.With(logging.KeyHostID, hostID)
	s.mu.Lock()
	previous := s.bulk[hostID]
	s.bulk[hostID] = session
	s.mu.Unlock()
	if previous != nil {
		previous.Close()
	}

	// The host may have dropped between the lookup and the upgrade.
	if _, err := s.hosts.Lookup(hostID); err != nil {
		s.closeBulk(hostID, session)
		return
	}

	logger.Debug("bulk channel open")

	for {
		conn, err := session.Accept()
		if err != nil {
			logger.Debug("bulk channel closed", logging.KeyError, err)
			s.bulkLost(hostID, session, logger)
			return
		}
		recovery.Go(logger, "bulk delivery", func() {
			s.serveDelivery(hostID, conn, logger)
		})
	}
}

// serveDelivery streams one bulk delivery to the waiting client.
func (s *Server) serveDelivery(hostID string, conn net.Conn, logger *slog.Logger) {
	defer conn.Close()

	meta, body, err := transport.ReadDeliveryHeader(conn)
	if err != nil {
		s.metrics.RecordProtocolViolation()
		logger.Warn("invalid delivery stream", logging.KeyError, err)
		return
	}

	c, err := requests.StreamCompletion(meta.Range, meta.Size, body)
	if err != nil {
		logger.Warn("invalid delivery metadata",
			logging.KeyRequestID, meta.ID,
			logging.KeyError, err)
		s.table.FailFrom(hostID, meta.ID, http.StatusBadGateway, "invalid delivery from host")
		return
	}
	c.HostID = hostID

	err = s.table.Complete(meta.ID, c)
	switch {
	case errors.Is(err, requests.ErrStaleRequest):
		s.metrics.RecordStaleCompletion(metrics.KindStream)
		logger.Warn("stale completion", logging.KeyRequestID, meta.ID, logging.KeyError, err)
	case err != nil:
		logger.Debug("delivery aborted", logging.KeyRequestID, meta.ID, logging.KeyError, err)
	default:
		s.metrics.RecordCompletion(metrics.KindStream)
	}
}

// bulkLost handles the end of a host's bulk channel. When session was still
// the host's current one, stream deliveries can no longer reach the relay:
// waiting clients get a 502 and the control channel is closed so the host
// reconnects.
func (s *Server) bulkLost(hostID string, session *transport.BulkSession, logger *slog.Logger) {
	if !s.closeBulk(hostID, session) {
		return
	}

	n := s.table.FailHost(hostID, http.StatusBadGateway, "bulk channel closed")
	logger.Info("bulk channel lost, closing control channel", logging.KeyCount, n)

	if h, err := s.hosts.Lookup(hostID); err == nil {
		h.Channel.Close()
	}
}

// closeBulk closes the bulk session registered for hostID. A non-nil only
// restricts the close to that session. It reports whether a registered
// session was removed.
func (s *Server) closeBulk(hostID string, only *transport.BulkSession) bool {
	s.mu.Lock()
	session, ok := s.bulk[hostID]
	if !ok || (only != nil && session != only) {
		s.mu.Unlock()
		if only != nil {
			only.Close()
		}
		return false
	}
	delete(s.bulk, hostID)
	s.mu.Unlock()

	session.Close()
	return true
}
