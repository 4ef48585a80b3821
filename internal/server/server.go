// Package server owns the listening sockets: the proxy listener (plain or
// TLS) and the optional admin listener with health and metrics endpoints.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fabian4/proxy-homebrew-go/internal/config"
	"github.com/fabian4/proxy-homebrew-go/internal/model"
)

type Config struct {
	Listen          string
	TLS             *model.TLS
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	AdminListen     string // empty disables the admin listener
	ShutdownTimeout time.Duration
}

// FromConfig takes the listener settings out of a loaded config.
func FromConfig(c *config.Config) Config {
	return Config{
		Listen:       c.Listen,
		TLS:          c.TLS,
		ReadTimeout:  c.Timeouts.Read,
		WriteTimeout: c.Timeouts.Write,
		IdleTimeout:  c.Timeouts.Idle,
		AdminListen:  c.Admin.Listen,
	}
}

type Server struct {
	cfg    Config
	logger *slog.Logger

	srv   *http.Server
	admin *http.Server

	ready     atomic.Bool
	mu        sync.Mutex
	addr      net.Addr
	adminAddr net.Addr
	bound     chan struct{}
}

// New prepares a server for h. metrics is mounted at /metrics on the admin
// listener; it may be nil.
func New(cfg Config, h http.Handler, metrics http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{cfg: cfg, logger: logger, bound: make(chan struct{})}
	errLog := slog.NewLogLogger(logger.Handler(), slog.LevelWarn)
	s.srv = &http.Server{
		Handler:           h,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		ErrorLog:          errLog,
	}
	if cfg.AdminListen != "" {
		s.admin = &http.Server{
			Handler:           s.adminMux(metrics),
			ReadHeaderTimeout: 5 * time.Second,
			ErrorLog:          errLog,
		}
	}
	return s
}

func (s *Server) adminMux(metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ready\n"))
	})
	return mux
}

// Run listens and serves until ctx is cancelled, then shuts down gracefully,
// letting in-flight requests finish within ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	scheme := "http"
	if s.cfg.TLS != nil {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("load tls key pair: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
			NextProtos:   []string{"http/1.1"},
		})
		scheme = "https"
	}

	var adminLn net.Listener
	if s.admin != nil {
		adminLn, err = net.Listen("tcp", s.cfg.AdminListen)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("admin listen %s: %w", s.cfg.AdminListen, err)
		}
	}

	s.mu.Lock()
	s.addr = ln.Addr()
	if adminLn != nil {
		s.adminAddr = adminLn.Addr()
	}
	s.mu.Unlock()
	close(s.bound)

	errc := make(chan error, 2)
	go func() { errc <- s.srv.Serve(ln) }()
	if adminLn != nil {
		go func() { errc <- s.admin.Serve(adminLn) }()
		s.logger.Info("admin listener started", "addr", adminLn.Addr().String())
	}
	s.ready.Store(true)
	s.logger.Info("proxy listening", "addr", ln.Addr().String(), "scheme", scheme)

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}
	s.ready.Store(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.logger.Info("shutting down")
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("proxy shutdown incomplete", "error", err)
	}
	if s.admin != nil {
		if err := s.admin.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("admin shutdown incomplete", "error", err)
		}
	}
	return serveErr
}

// Bound is closed once the listeners are open.
func (s *Server) Bound() <-chan struct{} { return s.bound }

// Addr reports the proxy listener address, or "" before Run has bound it.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addr == nil {
		return ""
	}
	return s.addr.String()
}

// AdminAddr reports the admin listener address, or "" when there is none.
func (s *Server) AdminAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adminAddr == nil {
		return ""
	}
	return s.adminAddr.String()
}
