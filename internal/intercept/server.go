// Package intercept serves the local listeners that receive traffic NAT'd
// away from blocked domains. A plain HTTP listener answers port 80 traffic
// and a TLS listener terminates port 443 handshakes with certificates from
// the domain cache, so the browser shows a block page instead of a timeout.
package intercept

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/netutil"

	"netfence/internal/certs"
	"netfence/internal/config"
	"netfence/internal/schedule"
	"netfence/internal/store"
)

// DecisionSource exposes the enforcement daemon's most recent schedule
// verdict so block pages can distinguish time restriction from domain
// blocking.
type DecisionSource interface {
	Last() schedule.Decision
}

// Server runs both interception listeners bound to loopback only.
type Server struct {
	cfg       config.InterceptConfig
	store     *store.Store
	cache     *certs.Cache
	decisions DecisionSource

	httpSrv *http.Server
	tlsSrv  *http.Server

	httpLn net.Listener
	tlsLn  net.Listener
}

// New assembles an interception server. decisions may be nil, in which case
// every intercepted request is attributed to domain blocking.
func New(cfg config.InterceptConfig, st *store.Store, cache *certs.Cache, decisions DecisionSource) *Server {
	s := &Server{cfg: cfg, store: st, cache: cache, decisions: decisions}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	handler := s.router()

	s.httpSrv = &http.Server{
		Handler:      handler,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		IdleTimeout:  2 * timeout,
	}
	s.tlsSrv = &http.Server{
		Handler:      handler,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		IdleTimeout:  2 * timeout,
		TLSConfig: &tls.Config{
			GetCertificate: cache.GetCertificateFunc(),
			MinVersion:     tls.VersionTLS12,
		},
	}
	return s
}

// Listen binds both listeners without serving, so a supervisor restarting
// the server learns about a rebind failure synchronously instead of through
// failing health probes.
func (s *Server) Listen() error {
	httpLn, err := s.listen(s.cfg.HTTPPort)
	if err != nil {
		return err
	}
	tlsLn, err := s.listen(s.cfg.TLSPort)
	if err != nil {
		httpLn.Close()
		return err
	}
	s.httpLn = httpLn
	s.tlsLn = tls.NewListener(tlsLn, s.tlsSrv.TLSConfig)
	return nil
}

// Run serves on the bound listeners until the context is cancelled or a
// listener fails, binding them first when Listen wasn't called. Shutdown is
// graceful with a short drain window.
func (s *Server) Run(ctx context.Context) error {
	if s.httpLn == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	errCh := make(chan error, 2)
	go func() {
		slog.Info("Interception HTTP listener started", "addr", s.httpLn.Addr().String())
		errCh <- s.httpSrv.Serve(s.httpLn)
	}()
	go func() {
		slog.Info("Interception TLS listener started", "addr", s.tlsLn.Addr().String())
		errCh <- s.tlsSrv.Serve(s.tlsLn)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpSrv.Shutdown(shutdownCtx)
		s.tlsSrv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("interception listener failed: %w", err)
		}
		return nil
	}
}

// listen binds loopback only and caps concurrent connections so a page full
// of blocked resources can't exhaust file descriptors.
func (s *Server) listen(port int) (net.Listener, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("binding interception listener on %s: %w", addr, err)
	}
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}
	return ln, nil
}

// HealthURL returns the probe endpoint the watchdog polls.
func (s *Server) HealthURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d/healthz", s.cfg.HTTPPort)
}
