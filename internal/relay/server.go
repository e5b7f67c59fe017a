// Package relay implements the public side of the tunnel: it accepts client
// requests, routes them to hidden hosts over their control channels and
// correlates the completions the hosts send back.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jpillora/requestlog"

	"github.com/postalsys/hostrelay/internal/logging"
	"github.com/postalsys/hostrelay/internal/metrics"
	"github.com/postalsys/hostrelay/internal/protocol"
	"github.com/postalsys/hostrelay/internal/recovery"
	"github.com/postalsys/hostrelay/internal/registry"
	"github.com/postalsys/hostrelay/internal/requests"
	"github.com/postalsys/hostrelay/internal/transport"
)

// StreamPath is where hidden hosts open their bulk delivery channel.
const StreamPath = transport.StreamPath

const (
	allowHeaders = "Origin, X-Requested-With, Content-Type, Accept, Range"

	cancelNoticeTimeout = 5 * time.Second
)

// Options configures a Server.
type Options struct {
	// PendingTimeout bounds how long a client waits for its completion.
	// Zero waits until the client or the host goes away.
	PendingTimeout time.Duration

	// MaxFieldSize limits each non-file multipart field.
	MaxFieldSize int64

	// TokenHashes are bcrypt hashes of accepted host tokens. Empty disables auth.
	TokenHashes []string

	// AccessLog enables per-request access logging.
	AccessLog bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultOptions returns options with default limits.
func DefaultOptions() Options {
	return Options{
		PendingTimeout: 5 * time.Minute,
		MaxFieldSize:   64 * 1024,
	}
}

// Server is the relay HTTP handler.
type Server struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
	auth    *authenticator

	hosts *registry.Registry
	table *requests.Table

	mu   sync.Mutex
	bulk map[string]*transport.BulkSession
}

// New creates a relay server.
func New(opts Options) *Server {
	if opts.MaxFieldSize <= 0 {
		opts.MaxFieldSize = DefaultOptions().MaxFieldSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.Default()
	}

	return &Server{
		opts:    opts,
		logger:  logging.Component(logger, "relay"),
		metrics: m,
		auth:    newAuthenticator(opts.TokenHashes),
		hosts:   registry.New(),
		table:   requests.NewTable(),
		bulk:    make(map[string]*transport.BulkSession),
	}
}

// Handler returns the handler for the main listener, with access logging
// when enabled. WebSocket upgrades bypass the access log.
func (s *Server) Handler() http.Handler {
	if !s.opts.AccessLog {
		return s
	}
	logged := requestlog.Wrap(s)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if transport.IsWebSocketUpgrade(r) {
			s.ServeHTTP(w, r)
			return
		}
		logged.ServeHTTP(w, r)
	})
}

// StreamHandler returns the handler for a dedicated bulk stream listener.
func (s *Server) StreamHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != StreamPath || !transport.IsWebSocketUpgrade(r) {
			writeText(w, http.StatusNotFound, "Not found")
			return
		}
		s.serveBulk(w, r)
	})
}

// ServeHTTP dispatches relay requests by method.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Headers", allowHeaders)

	switch r.Method {
	case http.MethodGet:
		if transport.IsWebSocketUpgrade(r) {
			if r.URL.Path == StreamPath {
				s.serveBulk(w, r)
				return
			}
			s.serveControl(w, r)
			return
		}
		s.route(w, r)

	case http.MethodPost:
		switch r.URL.Path {
		case "/command":
			s.ingestCommand(w, r)
		case "/file":
			s.ingestFile(w, r)
		default:
			writeText(w, http.StatusNotFound, "Not found")
		}

	case http.MethodOptions:
		writeText(w, http.StatusOK, "OK")

	default:
		writeText(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// HostCount returns the number of connected hidden hosts.
func (s *Server) HostCount() int {
	return s.hosts.Len()
}

// PendingCount returns the number of requests awaiting completion.
func (s *Server) PendingCount() int {
	return s.table.Len()
}

// Close disconnects every hidden host. Their pending requests fail with 502.
func (s *Server) Close() {
	s.hosts.CloseAll()

	s.mu.Lock()
	sessions := s.bulk
	s.bulk = make(map[string]*transport.BulkSession)
	s.mu.Unlock()
	for _, b := range sessions {
		b.Close()
	}
}

// serveControl runs a hidden host's control channel until it closes.
func (s *Server) serveControl(w http.ResponseWriter, r *http.Request) {
	if !s.auth.allow(r) {
		s.metrics.RecordAuthFailure()
		s.logger.Warn("rejected control channel", logging.KeyRemoteAddr, r.RemoteAddr)
		writeText(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	link, err := transport.AcceptHostLink(w, r)
	if err != nil {
		s.logger.Debug("control channel upgrade failed",
			logging.KeyRemoteAddr, r.RemoteAddr,
			logging.KeyError, err)
		return
	}

	hostID := s.hosts.Register(link)
	s.metrics.RecordHostConnect()
	logger := s.logger.With(logging.KeyHostID, hostID)
	logger.Info("host connected", logging.KeyRemoteAddr, r.RemoteAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reason := s.controlLoop(ctx, hostID, link, logger)

	s.hosts.Unregister(hostID)
	link.Close()
	s.closeBulk(hostID, nil)
	failed := s.table.FailHost(hostID, http.StatusBadGateway, "host disconnected")
	s.metrics.RecordHostDisconnect(reason)
	logger.Info("host disconnected", "reason", reason, logging.KeyCount, failed)
}

func (s *Server) controlLoop(ctx context.Context, hostID string, link *transport.HostLink, logger *slog.Logger) string {
	if err := link.Send(ctx, &protocol.Handshake{ID: hostID}); err != nil {
		logger.Warn("handshake failed", logging.KeyError, err)
		return "handshake"
	}

	for {
		msg, err := link.Receive(ctx)
		if err != nil {
			switch {
			case errors.Is(err, transport.ErrProtocolViolation):
				s.metrics.RecordProtocolViolation()
				logger.Warn("closing control channel", logging.KeyError, err)
				link.Abort(err.Error())
				return "protocol_violation"
			case transport.IsNormalClosure(err):
				return "closed"
			default:
				logger.Debug("control channel read failed", logging.KeyError, err)
				return "error"
			}
		}

		switch m := msg.(type) {
		case *protocol.Error:
			recovery.Go(logger, "control completion", func() {
				s.completeInline(hostID, m, logger)
			})
		case *protocol.ConvertToStream:
			// Bodies arrive on the bulk channel; the announcement is informational.
			logger.Debug("delivery announced",
				logging.KeyRequestID, m.ID,
				logging.KeySize, m.Size)
		default:
			s.metrics.RecordProtocolViolation()
			link.Abort(fmt.Sprintf("unexpected %s message", msg.MessageType()))
			return "protocol_violation"
		}
	}
}

// completeInline finishes a request from a control channel error message.
func (s *Server) completeInline(hostID string, m *protocol.Error, logger *slog.Logger) {
	c := requests.CommandCompletion(m.Code, m.Message)
	c.HostID = hostID

	err := s.table.Complete(m.RequestID, c)
	switch {
	case errors.Is(err, requests.ErrStaleRequest):
		s.metrics.RecordStaleCompletion(metrics.KindCommand)
		logger.Warn("stale completion", logging.KeyRequestID, m.RequestID, logging.KeyError, err)
	case err != nil:
		logger.Debug("completion write failed", logging.KeyRequestID, m.RequestID, logging.KeyError, err)
	default:
		s.metrics.RecordCompletion(metrics.KindCommand)
	}
}

// sendCancel tells a host to stop working on a request. Failures are ignored.
func (s *Server) sendCancel(hostID string, requestID uint64) {
	host, err := s.hosts.Lookup(hostID)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cancelNoticeTimeout)
	defer cancel()
	if err := host.Send(ctx, &protocol.Cancel{RequestID: requestID}); err != nil {
		s.logger.Debug("cancel notice failed",
			logging.KeyHostID, hostID,
			logging.KeyRequestID, requestID,
			logging.KeyError, err)
	}
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	w.Write([]byte(body))
}
