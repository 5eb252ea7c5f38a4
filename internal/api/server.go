package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	logx "salonnotify/pkg/logx"
)

// ServerConfig carries the resolved (duration-parsed) HTTP server settings.
type ServerConfig struct {
	Addr         string
	Token        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

const defaultAddr = "127.0.0.1:8080"

// Server owns the admin HTTP listener.
type Server struct {
	cfg ServerConfig
	log logx.Logger

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

func NewServer(cfg ServerConfig, h *Handler, log logx.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
	}
	s := &Server{cfg: cfg, log: log}
	s.srv = &http.Server{
		Handler:      NewRouter(h, cfg.Token),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Start binds the listener and serves in the background. A bind failure is
// returned synchronously so startup can abort; serve errors after that are
// logged.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	if s.cfg.Token == "" && !isLoopbackAddr(ln.Addr().String()) {
		s.log.Warn("api running without token on non-loopback addr", logx.String("addr", ln.Addr().String()))
	}
	s.log.Info("api started", logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", s.cfg.Token != ""))

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server exited", logx.Err(err))
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil {
		s.log.Warn("api shutdown incomplete", logx.Err(err))
		_ = srv.Close()
	}
	s.log.Info("api stopped")
}

// Addr returns the bound address, useful when cfg.Addr used port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return s.cfg.Addr
	}
	return s.ln.Addr().String()
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
