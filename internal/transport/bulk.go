package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/yamux"
	"nhooyr.io/websocket"

	"github.com/postalsys/hostrelay/internal/protocol"
)

const (
	// BulkSubprotocol identifies the bulk delivery WebSocket.
	BulkSubprotocol = "hostrelay-bulk/1"

	// StreamPath is where hidden hosts open their bulk delivery channel.
	StreamPath = "/_stream"
)

const bulkReadLimit = 1 << 20

// BulkChannel opens ordered, flow-controlled byte streams for bulk deliveries.
type BulkChannel interface {
	// Open starts a delivery announced by meta and returns the stream the
	// body is written to. Closing the stream ends the delivery.
	Open(ctx context.Context, meta *protocol.ConvertToStream) (net.Conn, error)

	// Done is closed when the channel terminates.
	Done() <-chan struct{}

	// Close tears down the channel and every open stream.
	Close() error
}

var _ BulkChannel = (*BulkSession)(nil)

// BulkSession multiplexes bulk delivery streams over one WebSocket with yamux.
type BulkSession struct {
	conn    *websocket.Conn
	session *yamux.Session
}

func yamuxConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.EnableKeepAlive = true
	cfg.KeepAliveInterval = 30 * time.Second
	cfg.MaxStreamWindowSize = 4 * 1024 * 1024
	cfg.StreamOpenTimeout = 15 * time.Second
	cfg.StreamCloseTimeout = 5 * time.Second
	cfg.LogOutput = io.Discard
	return cfg
}

// DialBulk connects a hidden host's bulk channel to the relay's stream endpoint.
func DialBulk(ctx context.Context, rawURL string, opts DialOptions) (*BulkSession, error) {
	wsURL, err := WebSocketURL(rawURL)
	if err != nil {
		return nil, err
	}

	dialCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPClient:   HTTPClient(opts.TLSConfig, 0),
		HTTPHeader:   opts.Header,
		Subprotocols: []string{BulkSubprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("bulk dial failed: %w", err)
	}
	conn.SetReadLimit(bulkReadLimit)

	nc := websocket.NetConn(context.Background(), conn, websocket.MessageBinary)
	session, err := yamux.Client(nc, yamuxConfig())
	if err != nil {
		conn.Close(websocket.StatusInternalError, "session setup failed")
		return nil, fmt.Errorf("bulk session failed: %w", err)
	}

	return &BulkSession{conn: conn, session: session}, nil
}

// AcceptBulk upgrades r to the relay's end of a bulk channel.
func AcceptBulk(w http.ResponseWriter, r *http.Request) (*BulkSession, error) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{BulkSubprotocol},
		InsecureSkipVerify: true,
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(bulkReadLimit)

	nc := websocket.NetConn(context.Background(), conn, websocket.MessageBinary)
	session, err := yamux.Server(nc, yamuxConfig())
	if err != nil {
		conn.Close(websocket.StatusInternalError, "session setup failed")
		return nil, fmt.Errorf("bulk session failed: %w", err)
	}

	return &BulkSession{conn: conn, session: session}, nil
}

// Open starts a delivery stream and writes meta as its first line.
func (b *BulkSession) Open(ctx context.Context, meta *protocol.ConvertToStream) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stream, err := b.session.OpenStream()
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}

	if err := WriteDeliveryHeader(stream, meta); err != nil {
		stream.Close()
		return nil, err
	}
	return stream, nil
}

// Accept waits for the next delivery stream opened by the hidden host.
func (b *BulkSession) Accept() (net.Conn, error) {
	return b.session.Accept()
}

// Done is closed when the session terminates.
func (b *BulkSession) Done() <-chan struct{} {
	return b.session.CloseChan()
}

// Close tears down the session and the underlying WebSocket.
func (b *BulkSession) Close() error {
	err := b.session.Close()
	b.conn.Close(websocket.StatusNormalClosure, "bulk channel closed")
	return err
}

// WriteDeliveryHeader writes the convert-to-stream announcement that starts a
// delivery stream.
func WriteDeliveryHeader(w io.Writer, meta *protocol.ConvertToStream) error {
	data, err := protocol.Encode(meta)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write delivery header: %w", err)
	}
	return nil
}

// ReadDeliveryHeader reads the announcement at the start of a delivery stream
// and returns it with a reader positioned at the first body byte.
func ReadDeliveryHeader(r io.Reader) (*protocol.ConvertToStream, io.Reader, error) {
	br := bufio.NewReaderSize(r, protocol.MaxMessageSize)
	line, err := br.ReadSlice('\n')
	if err != nil {
		return nil, nil, fmt.Errorf("read delivery header: %w", err)
	}

	msg, err := protocol.DecodeHostMessage(line)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	meta, ok := msg.(*protocol.ConvertToStream)
	if !ok {
		return nil, nil, fmt.Errorf("%w: delivery stream opened with %s", ErrProtocolViolation, msg.MessageType())
	}
	return meta, br, nil
}

// BulkURL returns the bulk endpoint for hostID below base.
func BulkURL(base, hostID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", base, err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + StreamPath
	u.RawQuery = url.Values{"hostId": {hostID}}.Encode()
	return u.String(), nil
}
