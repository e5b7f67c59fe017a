package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/postalsys/hostrelay/internal/logging"
)

const shutdownTimeout = 10 * time.Second

// ListenConfig describes the relay listeners.
type ListenConfig struct {
	Address        string
	StreamAddress  string // empty serves the bulk endpoint on Address
	TLS            *tls.Config
	MaxConnections int // per listener, 0 = unlimited
}

// ListenAndServe opens the configured listeners and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, lc ListenConfig) error {
	ln, err := s.listen(lc.Address, lc)
	if err != nil {
		return err
	}

	var streamLn net.Listener
	if lc.StreamAddress != "" {
		streamLn, err = s.listen(lc.StreamAddress, lc)
		if err != nil {
			ln.Close()
			return err
		}
	}

	return s.Serve(ctx, ln, streamLn)
}

func (s *Server) listen(addr string, lc ListenConfig) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	if lc.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, lc.MaxConnections)
	}
	if lc.TLS != nil {
		ln = tls.NewListener(ln, lc.TLS)
	}
	return ln, nil
}

// Serve serves the relay on ln and, when non-nil, the bulk endpoint on
// streamLn. It returns after ctx is cancelled and both servers stopped.
func (s *Server) Serve(ctx context.Context, ln, streamLn net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	errorLog := slog.NewLogLogger(s.logger.Handler(), slog.LevelDebug)

	servers := []*http.Server{{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          errorLog,
	}}
	listeners := []net.Listener{ln}
	if streamLn != nil {
		servers = append(servers, &http.Server{
			Handler:           s.StreamHandler(),
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          errorLog,
		})
		listeners = append(listeners, streamLn)
	}

	for i, srv := range servers {
		srv, l := srv, listeners[i]
		s.logger.Info("relay listening", logging.KeyAddress, l.Addr().String())
		g.Go(func() error {
			if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()

		// Hijacked control channels are not tracked by Shutdown.
		s.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				srv.Close()
			}
		}
		return nil
	})

	return g.Wait()
}
