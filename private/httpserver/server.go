// Package httpserver wraps a net/http.Server with the validated
// Config/New/Run/Close shape the teacher's linksharing/httpserver
// uses, so cmd/vcached's frontend can be sequenced as a plain
// private/lifecycle.Item.
package httpserver

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// Error is the class for server configuration/listen failures.
var Error = errs.Class("httpserver")

// Config configures a Server.
type Config struct {
	Name              string
	Address           string
	Handler           http.Handler
	TLSConfig         *tls.Config
	ShutdownTimeout   time.Duration
	ReadHeaderTimeout time.Duration
}

// Server listens on a fixed address and serves Handler until its Run
// context is canceled, then shuts down gracefully within
// ShutdownTimeout.
type Server struct {
	log    *zap.Logger
	name   string
	server *http.Server
	listener net.Listener
	shutdownTimeout time.Duration
}

// New validates cfg and binds its listener. The returned Server has
// not started serving; call Run.
func New(log *zap.Logger, cfg Config) (*Server, error) {
	if cfg.Address == "" {
		return nil, Error.New("server address is required")
	}
	if cfg.Handler == nil {
		return nil, Error.New("server handler is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	listener, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, Error.New("unable to listen on %s: %v", cfg.Address, err)
	}
	if cfg.TLSConfig != nil {
		listener = tls.NewListener(listener, cfg.TLSConfig)
	}

	readHeaderTimeout := cfg.ReadHeaderTimeout
	if readHeaderTimeout == 0 {
		readHeaderTimeout = 10 * time.Second
	}
	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 10 * time.Second
	}

	return &Server{
		log:  log,
		name: cfg.Name,
		server: &http.Server{
			Handler:           cfg.Handler,
			ReadHeaderTimeout: readHeaderTimeout,
		},
		listener:        listener,
		shutdownTimeout: shutdownTimeout,
	}, nil
}

// Addr returns the bound listener address (useful when Config.Address
// asked for an ephemeral port via ":0").
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Run serves until ctx is done, then shuts down gracefully. It returns
// nil on a clean shutdown (matching private/lifecycle.Item.Run's
// "nil means ctx canceled, not a failure" convention).
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", zap.String("name", s.name), zap.String("addr", s.Addr()))
		errCh <- s.server.Serve(s.listener)
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return Error.Wrap(err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return Error.Wrap(err)
		}
		<-errCh
		return nil
	}
}

// Close shuts the server down immediately, dropping any in-flight
// connections. Safe to call after Run has already returned.
func (s *Server) Close() error {
	return s.server.Close()
}
