package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/postalsys/hostrelay/internal/protocol"
)

// startHostLinkServer accepts one control channel and hands it to the test.
func startHostLinkServer(t *testing.T) (*httptest.Server, <-chan *HostLink) {
	t.Helper()
	links := make(chan *HostLink, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l, err := AcceptHostLink(w, r)
		if err != nil {
			t.Errorf("AcceptHostLink() error = %v", err)
			return
		}
		links <- l
	}))
	t.Cleanup(srv.Close)
	return srv, links
}

func TestControlLink_RoundTrip(t *testing.T) {
	srv, links := startHostLinkServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	relay, err := DialRelayLink(ctx, srv.URL, DialOptions{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("DialRelayLink() error = %v", err)
	}
	defer relay.Close()

	host := <-links
	defer host.Close()

	if err := host.Send(ctx, &protocol.Handshake{ID: "host-1"}); err != nil {
		t.Fatalf("HostLink.Send() error = %v", err)
	}
	msg, err := relay.Receive(ctx)
	if err != nil {
		t.Fatalf("RelayLink.Receive() error = %v", err)
	}
	hs, ok := msg.(*protocol.Handshake)
	if !ok || hs.ID != "host-1" {
		t.Fatalf("Receive() = %#v, want handshake host-1", msg)
	}

	if err := relay.Send(ctx, &protocol.Error{RequestID: 3, Code: 404, Message: "missing"}); err != nil {
		t.Fatalf("RelayLink.Send() error = %v", err)
	}
	reply, err := host.Receive(ctx)
	if err != nil {
		t.Fatalf("HostLink.Receive() error = %v", err)
	}
	e, ok := reply.(*protocol.Error)
	if !ok || e.RequestID != 3 || e.Code != 404 {
		t.Errorf("Receive() = %#v, want error for request 3", reply)
	}
}

func TestControlLink_UnknownTypeIsViolation(t *testing.T) {
	srv, links := startHostLinkServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Speak raw WebSocket so an unknown tag can be sent.
	conn, _, err := websocket.Dial(ctx, "ws"+srv.URL[len("http"):], &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	host := <-links
	defer host.Close()

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"teleport"}`)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	_, err = host.Receive(ctx)
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("Receive() error = %v, want ErrProtocolViolation", err)
	}
	var unknown *protocol.UnknownTypeError
	if !errors.As(err, &unknown) {
		t.Errorf("Receive() error = %v, want *protocol.UnknownTypeError", err)
	}
}

func TestControlLink_SendAfterClose(t *testing.T) {
	srv, links := startHostLinkServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	relay, err := DialRelayLink(ctx, srv.URL, DialOptions{})
	if err != nil {
		t.Fatalf("DialRelayLink() error = %v", err)
	}
	defer relay.Close()

	host := <-links

	// Close waits for the peer's close frame, so the relay side must be reading.
	received := make(chan error, 1)
	go func() {
		rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer rcancel()
		_, err := relay.Receive(rctx)
		received <- err
	}()

	host.Close()

	if err := host.Send(ctx, &protocol.Cancel{RequestID: 1}); !errors.Is(err, ErrClosed) {
		t.Errorf("Send() after Close error = %v, want ErrClosed", err)
	}
	if err := <-received; err == nil {
		t.Error("Receive() after peer close succeeded, want error")
	} else if !IsNormalClosure(err) {
		t.Errorf("Receive() error = %v, want normal closure", err)
	}
}

func TestBulkSession_Delivery(t *testing.T) {
	sessions := make(chan *BulkSession, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := AcceptBulk(w, r)
		if err != nil {
			t.Errorf("AcceptBulk() error = %v", err)
			return
		}
		sessions <- s
		<-s.Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := DialBulk(ctx, srv.URL, DialOptions{})
	if err != nil {
		t.Fatalf("DialBulk() error = %v", err)
	}
	defer client.Close()

	server := <-sessions
	defer server.Close()

	payload := bytes.Repeat([]byte("0123456789"), 50000)
	go func() {
		stream, err := client.Open(ctx, &protocol.ConvertToStream{ID: 7, Range: protocol.OpenRange(10), Size: 500010})
		if err != nil {
			t.Errorf("Open() error = %v", err)
			return
		}
		stream.Write(payload)
		stream.Close()
	}()

	stream, err := server.Accept()
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	defer stream.Close()

	meta, body, err := ReadDeliveryHeader(stream)
	if err != nil {
		t.Fatalf("ReadDeliveryHeader() error = %v", err)
	}
	if meta.ID != 7 || meta.Size != 500010 || meta.Range == nil || meta.Range.Start != 10 {
		t.Errorf("meta = %+v", meta)
	}

	got, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("body length = %d, want %d", len(got), len(payload))
	}
}

func TestReadDeliveryHeader_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"no newline", `{"type":"convert-to-stream","id":1,"size":1}`},
		{"wrong type", `{"type":"error","requestId":1,"code":500,"message":"x"}` + "\n"},
		{"relay message", `{"type":"cancel","requestId":1}` + "\n"},
		{"garbage", "hello\n"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := ReadDeliveryHeader(bytes.NewBufferString(tc.input)); err == nil {
				t.Error("ReadDeliveryHeader() succeeded, want error")
			}
		})
	}
}

func TestWebSocketURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"http://relay:9001", "ws://relay:9001", false},
		{"https://relay.example.com/_stream", "wss://relay.example.com/_stream", false},
		{"ws://relay:9001", "ws://relay:9001", false},
		{"ftp://relay", "", true},
		{"http://", "", true},
	}

	for _, tc := range tests {
		got, err := WebSocketURL(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("WebSocketURL(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("WebSocketURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestIsWebSocketUpgrade(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if IsWebSocketUpgrade(r) {
		t.Error("plain GET detected as upgrade")
	}

	r.Header.Set("Upgrade", "WebSocket")
	r.Header.Set("Connection", "keep-alive, Upgrade")
	if !IsWebSocketUpgrade(r) {
		t.Error("upgrade request not detected")
	}
}

func TestTLSConfigFromBytes(t *testing.T) {
	certPEM, keyPEM, err := GenerateSelfSignedCert("localhost", time.Hour)
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert() error = %v", err)
	}

	cfg, err := TLSConfigFromBytes(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("TLSConfigFromBytes() error = %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Errorf("Certificates = %d, want 1", len(cfg.Certificates))
	}

	if _, err := TLSConfigFromBytes([]byte("bad"), keyPEM); err == nil {
		t.Error("TLSConfigFromBytes() with bad cert succeeded, want error")
	}
}

func TestGenerateAndSaveCert(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := dir+"/cert.pem", dir+"/key.pem"

	if err := GenerateAndSaveCert(certFile, keyFile, "relay.local", time.Hour); err != nil {
		t.Fatalf("GenerateAndSaveCert() error = %v", err)
	}
	if _, err := LoadServerTLS(certFile, keyFile); err != nil {
		t.Errorf("LoadServerTLS() error = %v", err)
	}
	if _, err := LoadClientTLS(certFile, false); err != nil {
		t.Errorf("LoadClientTLS() error = %v", err)
	}
	if _, err := LoadClientTLS(dir+"/missing.pem", false); err == nil {
		t.Error("LoadClientTLS() with missing CA succeeded, want error")
	}
}

func TestBulkURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://relay:9001", "http://relay:9001/_stream?hostId=abc"},
		{"https://relay/base/", "https://relay/base/_stream?hostId=abc"},
		{"ws://relay:9002", "ws://relay:9002/_stream?hostId=abc"},
	}
	for _, tt := range tests {
		got, err := BulkURL(tt.base, "abc")
		if err != nil {
			t.Errorf("BulkURL(%q) error = %v", tt.base, err)
			continue
		}
		if got != tt.want {
			t.Errorf("BulkURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}

func TestHTTPURL(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{"ws://relay:9001", "http://relay:9001", false},
		{"wss://relay", "https://relay", false},
		{"https://relay/x", "https://relay/x", false},
		{"ftp://relay", "", true},
	}
	for _, tt := range tests {
		got, err := HTTPURL(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("HTTPURL(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("HTTPURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
