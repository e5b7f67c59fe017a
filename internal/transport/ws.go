// Package transport carries the relay <-> hidden host control channel and the
// bulk delivery streams over WebSocket.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/postalsys/hostrelay/internal/protocol"
)

const (
	// Subprotocol identifies the control channel during the WebSocket handshake.
	Subprotocol = "hostrelay/1"

	wsDefaultWriteTimeout = 10 * time.Second
)

var (
	// ErrProtocolViolation wraps malformed or unexpected control messages.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrClosed is returned when sending on a closed link.
	ErrClosed = errors.New("link closed")
)

// DialOptions configures a hidden host's outbound connections to the relay.
type DialOptions struct {
	// TLSConfig is used for wss:// and https:// URLs. Nil uses system roots.
	TLSConfig *tls.Config

	// Header is added to the handshake request (e.g. Authorization).
	Header http.Header

	// Timeout bounds the WebSocket handshake.
	Timeout time.Duration
}

// link is one WebSocket connection exchanging JSON text messages.
type link struct {
	conn   *websocket.Conn
	closed atomic.Bool
}

func (l *link) write(ctx context.Context, msg protocol.Message) error {
	if l.closed.Load() {
		return ErrClosed
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wsDefaultWriteTimeout)
		defer cancel()
	}
	return l.conn.Write(ctx, websocket.MessageText, data)
}

func (l *link) read(ctx context.Context) ([]byte, error) {
	typ, data, err := l.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText {
		return nil, fmt.Errorf("%w: unexpected binary message", ErrProtocolViolation)
	}
	return data, nil
}

// Close closes the link with a normal closure.
func (l *link) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	return l.conn.Close(websocket.StatusNormalClosure, "connection closed")
}

// Abort closes the link because the peer broke the protocol.
func (l *link) Abort(reason string) error {
	if l.closed.Swap(true) {
		return nil
	}
	if len(reason) > 120 {
		reason = reason[:120]
	}
	return l.conn.Close(websocket.StatusPolicyViolation, reason)
}

// HostLink is the relay's end of a hidden host's control channel.
type HostLink struct {
	link
}

// AcceptHostLink upgrades r to a control channel.
func AcceptHostLink(w http.ResponseWriter, r *http.Request) (*HostLink, error) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
		// Hidden hosts are not browsers; origin checks do not apply.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(protocol.MaxMessageSize)
	return &HostLink{link{conn: conn}}, nil
}

// Send delivers msg to the hidden host.
func (l *HostLink) Send(ctx context.Context, msg protocol.RelayMessage) error {
	return l.write(ctx, msg)
}

// Receive returns the next message from the hidden host. Malformed or unknown
// messages are reported wrapped in ErrProtocolViolation.
func (l *HostLink) Receive(ctx context.Context) (protocol.HostMessage, error) {
	data, err := l.read(ctx)
	if err != nil {
		return nil, err
	}
	msg, err := protocol.DecodeHostMessage(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	return msg, nil
}

// RelayLink is a hidden host's end of its control channel.
type RelayLink struct {
	link
}

// DialRelayLink connects to the relay's control endpoint at rawURL
// (http, https, ws or wss).
func DialRelayLink(ctx context.Context, rawURL string, opts DialOptions) (*RelayLink, error) {
	conn, err := dial(ctx, rawURL, opts)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(protocol.MaxMessageSize)
	return &RelayLink{link{conn: conn}}, nil
}

// Send delivers msg to the relay.
func (l *RelayLink) Send(ctx context.Context, msg protocol.HostMessage) error {
	return l.write(ctx, msg)
}

// Receive returns the next message from the relay.
func (l *RelayLink) Receive(ctx context.Context) (protocol.RelayMessage, error) {
	data, err := l.read(ctx)
	if err != nil {
		return nil, err
	}
	msg, err := protocol.DecodeRelayMessage(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	return msg, nil
}

// IsWebSocketUpgrade reports whether r asks to switch to WebSocket.
func IsWebSocketUpgrade(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	for _, v := range strings.Split(r.Header.Get("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(v), "upgrade") {
			return true
		}
	}
	return false
}

// IsNormalClosure reports whether err is the peer closing the WebSocket cleanly.
func IsNormalClosure(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}

func dial(ctx context.Context, rawURL string, opts DialOptions) (*websocket.Conn, error) {
	wsURL, err := WebSocketURL(rawURL)
	if err != nil {
		return nil, err
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient:   HTTPClient(opts.TLSConfig, 0),
		HTTPHeader:   opts.Header,
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("WebSocket dial failed: %w", err)
	}
	return conn, nil
}

// WebSocketURL maps an http(s) URL to its ws(s) equivalent.
func WebSocketURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("URL %q has no host", rawURL)
	}
	return u.String(), nil
}

// HTTPClient builds the client used for WebSocket handshakes and uploads.
// A zero timeout leaves long uploads unbounded.
func HTTPClient(tlsConfig *tls.Config, timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if tlsConfig != nil {
		transport.TLSClientConfig = tlsConfig
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

// HTTPURL maps a ws(s) URL to its http(s) equivalent.
func HTTPURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	return u.String(), nil
}
