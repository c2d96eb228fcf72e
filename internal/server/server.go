package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/l0p7/purgectrl/internal/config"
)

// drainTimeout bounds how long in-flight event and hook requests may run
// after shutdown begins. Purges triggered by those requests finish inline,
// so the window has to cover one edge round-trip.
const drainTimeout = 5 * time.Second

// Server owns the coordinator's listener lifecycle: bind, serve, drain.
type Server struct {
	addr       string
	logger     *slog.Logger
	httpServer *http.Server
	once       sync.Once
}

// New wraps the coordinator handler in an HTTP server with the configured
// listen address. Timeouts assume webhook-sized payloads: headers arrive
// fast, bodies are small, and idle keep-alives from the host are cheap to
// hold.
func New(cfg config.Config, logger *slog.Logger, handler http.Handler) (*Server, error) {
	if handler == nil {
		return nil, errors.New("server: handler required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		addr:   net.JoinHostPort(cfg.Server.Listen.Address, strconv.Itoa(cfg.Server.Listen.Port)),
		logger: logger.With(slog.String("agent", "lifecycle")),
		httpServer: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}, nil
}

// Run binds the listener, serves until the context is cancelled or the
// listener fails, then drains in-flight requests. Bind errors surface
// directly so a busy port fails startup instead of logging from a goroutine.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.addr, err)
	}
	s.logger.Info("http listener started", slog.String("address", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: serve: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := s.shutdown(drainCtx); err != nil {
			return fmt.Errorf("server: drain: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// shutdown stops the listener exactly once; cascading cancellations must not
// race a second Shutdown call.
func (s *Server) shutdown(ctx context.Context) error {
	var shutdownErr error
	s.once.Do(func() {
		s.logger.Info("http listener shutting down")
		shutdownErr = s.httpServer.Shutdown(ctx)
	})
	return shutdownErr
}
