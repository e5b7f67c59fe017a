// Package hiddenhost implements the private side of the tunnel: it keeps a
// control channel open to the relay and answers the requests routed to it
// from a resource provider.
package hiddenhost

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"github.com/postalsys/hostrelay/internal/logging"
	"github.com/postalsys/hostrelay/internal/metrics"
	"github.com/postalsys/hostrelay/internal/protocol"
	"github.com/postalsys/hostrelay/internal/recovery"
	"github.com/postalsys/hostrelay/internal/resource"
	"github.com/postalsys/hostrelay/internal/transport"
)

// Delivery modes.
const (
	DeliveryHTTP   = "http"
	DeliveryStream = "stream"
)

var (
	// ErrNoHandshake is returned when the relay does not open with complete-handshake.
	ErrNoHandshake = errors.New("relay did not send complete-handshake")

	// ErrBulkClosed is returned when the bulk delivery channel ends while the
	// control channel is still open.
	ErrBulkClosed = errors.New("bulk channel closed")
)

// Options configures an Agent.
type Options struct {
	RelayURL  string
	StreamURL string // bulk endpoint base; empty uses RelayURL
	Delivery  string
	Provider  resource.Provider

	Token       string
	UploadRate  int64 // bytes per second, 0 = unlimited
	TLSConfig   *tls.Config
	DialTimeout time.Duration

	// Reconnect backoff.
	MinDelay time.Duration
	MaxDelay time.Duration
	Factor   float64
	Jitter   bool

	// OnHandshake is called with the host id assigned by each new connection.
	OnHandshake func(hostID string)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Agent is a hidden host.
type Agent struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
	client  *http.Client
	header  http.Header

	hostID atomic.Value

	mu       sync.Mutex
	inflight map[uint64]context.CancelFunc
}

// New validates opts and creates an agent.
func New(opts Options) (*Agent, error) {
	if opts.RelayURL == "" {
		return nil, fmt.Errorf("relay URL is required")
	}
	if _, err := transport.WebSocketURL(opts.RelayURL); err != nil {
		return nil, err
	}
	if opts.Provider == nil {
		return nil, fmt.Errorf("resource provider is required")
	}
	switch opts.Delivery {
	case "":
		opts.Delivery = DeliveryHTTP
	case DeliveryHTTP, DeliveryStream:
	default:
		return nil, fmt.Errorf("unknown delivery mode %q", opts.Delivery)
	}
	if opts.StreamURL == "" {
		opts.StreamURL = opts.RelayURL
	}
	if opts.MinDelay <= 0 {
		opts.MinDelay = time.Second
	}
	if opts.MaxDelay < opts.MinDelay {
		opts.MaxDelay = 60 * time.Second
	}
	if opts.Factor < 1 {
		opts.Factor = 2
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.Default()
	}

	header := make(http.Header)
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}

	a := &Agent{
		opts:     opts,
		logger:   logging.Component(logger, "hiddenhost"),
		metrics:  m,
		client:   transport.HTTPClient(opts.TLSConfig, 0),
		header:   header,
		inflight: make(map[uint64]context.CancelFunc),
	}
	a.hostID.Store("")
	return a, nil
}

// HostID returns the id of the current connection, or "" when disconnected.
func (a *Agent) HostID() string {
	return a.hostID.Load().(string)
}

// Run keeps the control channel connected until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	b := &backoff.Backoff{
		Min:    a.opts.MinDelay,
		Max:    a.opts.MaxDelay,
		Factor: a.opts.Factor,
		Jitter: a.opts.Jitter,
	}

	for {
		connected, err := a.runOnce(ctx)
		a.hostID.Store("")
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			b.Reset()
		}

		delay := b.Duration()
		a.metrics.RecordReconnect()
		a.logger.Warn("control channel lost",
			logging.KeyError, err,
			"retry_in", delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (a *Agent) dialOptions() transport.DialOptions {
	return transport.DialOptions{
		TLSConfig: a.opts.TLSConfig,
		Header:    a.header,
		Timeout:   a.opts.DialTimeout,
	}
}

// runOnce serves one control channel connection. connected reports whether
// the handshake completed.
func (a *Agent) runOnce(ctx context.Context) (connected bool, err error) {
	link, err := transport.DialRelayLink(ctx, a.opts.RelayURL, a.dialOptions())
	if err != nil {
		return false, err
	}
	defer link.Close()

	connCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	msg, err := link.Receive(connCtx)
	if err != nil {
		return false, err
	}
	hs, ok := msg.(*protocol.Handshake)
	if !ok {
		link.Abort("expected complete-handshake")
		return false, ErrNoHandshake
	}

	a.hostID.Store(hs.ID)
	logger := a.logger.With(logging.KeyHostID, hs.ID)
	logger.Info("connected to relay", logging.KeyAddress, a.opts.RelayURL, logging.KeyMode, a.opts.Delivery)
	if a.opts.OnHandshake != nil {
		a.opts.OnHandshake(hs.ID)
	}

	s := &session{agent: a, link: link, hostID: hs.ID, logger: logger}
	if a.opts.Delivery == DeliveryStream {
		bulkURL, err := transport.BulkURL(a.opts.StreamURL, hs.ID)
		if err != nil {
			return true, err
		}
		bulk, err := transport.DialBulk(connCtx, bulkURL, a.dialOptions())
		if err != nil {
			return true, err
		}
		defer bulk.Close()
		s.bulk = bulk

		// Stream deliveries need the bulk channel; reconnect when it goes.
		go func() {
			select {
			case <-bulk.Done():
				cancel(ErrBulkClosed)
			case <-connCtx.Done():
			}
		}()
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	defer a.cancelAll()

	for {
		msg, err := link.Receive(connCtx)
		if err != nil {
			if errors.Is(context.Cause(connCtx), ErrBulkClosed) {
				return true, ErrBulkClosed
			}
			return true, err
		}

		switch m := msg.(type) {
		case *protocol.Get:
			reqCtx := a.track(connCtx, m.RequestID)
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer a.untrack(m.RequestID)
				defer recovery.RecoverWithCallback(logger, "request", func(any) {
					s.fail(reqCtx, logger, m.RequestID, http.StatusInternalServerError, "Internal error")
				})
				s.handle(reqCtx, m)
			}()
		case *protocol.Cancel:
			if a.cancel(m.RequestID) {
				logger.Debug("request cancelled by relay", logging.KeyRequestID, m.RequestID)
			}
		case *protocol.Handshake:
			link.Abort("duplicate complete-handshake")
			return true, fmt.Errorf("%w: duplicate handshake", transport.ErrProtocolViolation)
		}
	}
}

func (a *Agent) track(ctx context.Context, id uint64) context.Context {
	reqCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.inflight[id] = cancel
	a.mu.Unlock()
	return reqCtx
}

func (a *Agent) untrack(id uint64) {
	a.mu.Lock()
	cancel, ok := a.inflight[id]
	delete(a.inflight, id)
	a.mu.Unlock()
	if ok {
		cancel()
	}
}

func (a *Agent) cancel(id uint64) bool {
	a.mu.Lock()
	cancel, ok := a.inflight[id]
	a.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (a *Agent) cancelAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, cancel := range a.inflight {
		cancel()
	}
}

// InFlight returns the number of requests being served.
func (a *Agent) InFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inflight)
}
