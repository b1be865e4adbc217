package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"
)

// ServerConfig wires the HTTP endpoints. Nil handlers are not mounted.
type ServerConfig struct {
	Host        string
	Port        int
	EventsPath  string
	ProcessPath string
	MetricsPath string
	Events      http.Handler
	Process     http.Handler
	Metrics     http.Handler
	Logger      *slog.Logger
}

// Server is the HTTP front of poetbot.
type Server struct {
	addr   string
	mux    *http.ServeMux
	logger *slog.Logger
	server *http.Server
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeOK(w)
	})
	if cfg.Events != nil {
		mux.Handle(cfg.EventsPath, cfg.Events)
	}
	if cfg.Process != nil {
		mux.Handle(cfg.ProcessPath, cfg.Process)
	}
	if cfg.Metrics != nil {
		mux.Handle("GET "+cfg.MetricsPath, cfg.Metrics)
	}
	return &Server{
		addr:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		mux:    mux,
		logger: cfg.Logger,
	}
}

// Handler exposes the routing table.
func (s *Server) Handler() http.Handler { return s.mux }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("http server starting", "addr", s.addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
}
