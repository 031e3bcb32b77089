// Package proxy implements the HTTP/HTTPS forwarder: the shared request
// handler with its health and ACME short-circuits, routing against the
// mapping store, header rewriting, body streaming, and upgrade splicing.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/koltyakov/steer/internal/certs"
	"github.com/koltyakov/steer/internal/config"
	"github.com/koltyakov/steer/internal/metrics"
	"github.com/koltyakov/steer/internal/netutil"
	"github.com/koltyakov/steer/internal/store/sqlite"
)

// Server ties the mapping store and the certificate manager to the two
// listeners. Both listeners run the same handler; TLS state on the request
// distinguishes them.
type Server struct {
	cfg       config.Config
	store     *sqlite.Store
	certs     *certs.Manager
	log       *slog.Logger
	met       *metrics.Metrics
	transport http.RoundTripper
}

// New constructs a Server with the shared upstream transport. Connect and
// response-header timeouts both default to 30 seconds; expiry surfaces to the
// client as 502 Bad Gateway.
func New(cfg config.Config, store *sqlite.Store, certManager *certs.Manager, logger *slog.Logger, met *metrics.Metrics) *Server {
	dialer := &net.Dialer{Timeout: config.DefaultUpstreamDial}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: config.DefaultUpstreamIdle,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   32,
		DisableCompression:    true,
	}
	return &Server{
		cfg:       cfg,
		store:     store,
		certs:     certManager,
		log:       logger,
		met:       met,
		transport: transport,
	}
}

// Run starts the plain-HTTP listener, the TLS listener when enabled, and the
// optional metrics listener, then blocks until ctx is canceled or a listener
// fails. Listener sockets are opened with SO_REUSEPORT so peer workers share
// the same ports.
func (s *Server) Run(ctx context.Context) error {
	handler := s.Handler()

	httpLn, err := netutil.ListenReusable(ctx, fmt.Sprintf(":%d", s.cfg.HTTPPort))
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var httpsServer *http.Server
	var httpsLn net.Listener
	if s.cfg.EnableHTTPS {
		tlsConfig, err := s.certs.TLSConfig(s.store)
		if err != nil {
			_ = httpLn.Close()
			return fmt.Errorf("tls config: %w", err)
		}
		httpsLn, err = netutil.ListenReusable(ctx, fmt.Sprintf(":%d", s.cfg.HTTPSPort))
		if err != nil {
			_ = httpLn.Close()
			return fmt.Errorf("listen https: %w", err)
		}
		httpsLn = tls.NewListener(httpsLn, tlsConfig)
		httpsServer = &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("http listener started", "port", s.cfg.HTTPPort)
		if err := httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if httpsServer != nil {
		g.Go(func() error {
			s.log.Info("https listener started", "port", s.cfg.HTTPSPort)
			if err := httpsServer.Serve(httpsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("https server: %w", err)
			}
			return nil
		})
	}
	if s.cfg.MetricsPort != 0 {
		g.Go(func() error {
			return s.met.Serve(gctx, fmt.Sprintf(":%d", s.cfg.MetricsPort), s.log)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		var firstErr error
		if err := shutdownServer(httpServer, config.ShutdownDrainTimeout); err != nil {
			firstErr = err
		}
		if httpsServer != nil {
			if err := shutdownServer(httpsServer, config.ShutdownDrainTimeout); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	})

	return g.Wait()
}

func shutdownServer(server *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
