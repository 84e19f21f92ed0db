package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/Tyrowin/roomchat/internal/hub"
)

// CreateServer creates and configures an HTTP server with the specified address and handler.
// It sets reasonable timeout values for production use.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Run listens on the configured address until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Server.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := CreateServer(ln.Addr().String(), s.Routes())
	s.mu.Lock()
	s.httpServer = httpServer
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Server listening", slog.String("addr", ln.Addr().String()))
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	case <-ctx.Done():
	}
	return s.Shutdown(s.cfg.Server.ShutdownTimeout)
}

// Shutdown stops accepting connections, closes every live session with
// "going away" and waits for their teardown, all within timeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.mu.Lock()
	s.closing = true
	httpServer := s.httpServer
	s.mu.Unlock()

	var errs []error
	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}

	closed := s.hub.CloseAll(hub.CloseGoingAway, "server shutting down")
	s.logger.Info("Closing active sessions", slog.Int("count", closed))

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("sessions still open after %s: %w", timeout, ctx.Err()))
	}
	s.cancel()

	if err := errors.Join(errs...); err != nil {
		s.logger.Error("Server shutdown incomplete", slog.Any("error", err))
		return err
	}
	s.logger.Info("Server shutdown completed")
	return nil
}
