package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// ServerConfig holds HTTP listener settings. TLS is used when both the
// certificate and key files are set.
type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	TLSCertFile     string
	TLSKeyFile      string
	Logger          *slog.Logger
}

// Server serves the gateway router and drains in-flight requests on
// shutdown.
type Server struct {
	http   *http.Server
	config ServerConfig
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewServer prepares a server. Certificates are loaded eagerly so a bad
// path fails at startup.
func NewServer(handler http.Handler, config ServerConfig) (*Server, error) {
	if config.Addr == "" {
		config.Addr = ":8080"
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	srv := &http.Server{
		Addr:         config.Addr,
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
		ErrorLog:     slog.NewLogLogger(config.Logger.Handler(), slog.LevelError),
	}

	if config.TLSCertFile != "" && config.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(config.TLSCertFile, config.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load server certificate: %w", err)
		}
		srv.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
	}

	return &Server{http: srv, config: config, logger: config.Logger}, nil
}

// Addr returns the bound address once the server listens, otherwise the
// configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

func (s *Server) listen(ctx context.Context) (net.Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil, fmt.Errorf("server already started")
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.config.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	if s.http.TLSConfig != nil {
		ln = tls.NewListener(ln, s.http.TLSConfig)
	}
	s.listener = ln
	return ln, nil
}

// StartAsync binds the listener and serves in a goroutine. A bind failure
// or a serve error other than a clean shutdown arrives on the channel,
// which is closed when serving stops.
func (s *Server) StartAsync(ctx context.Context) <-chan error {
	errCh := make(chan error, 1)
	ln, err := s.listen(ctx)
	if err != nil {
		errCh <- err
		close(errCh)
		return errCh
	}

	s.logger.InfoContext(ctx, "starting HTTP server", "addr", ln.Addr().String(), "tls", s.http.TLSConfig != nil)
	go func() {
		defer close(errCh)
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.ErrorContext(ctx, "server error", "error", err)
			errCh <- fmt.Errorf("server error: %w", err)
		}
	}()
	return errCh
}

// Shutdown stops accepting connections and waits for in-flight requests,
// bounded by ShutdownTimeout when set.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	s.logger.InfoContext(ctx, "HTTP server stopped")
	return nil
}
