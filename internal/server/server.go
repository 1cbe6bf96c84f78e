package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"rummi-server/internal/logging"
	"rummi-server/internal/session"
)

// Backend is everything the gateway needs from a session store.
type Backend interface {
	session.Store
	session.Bindings
	session.Sweeper
	Ping(ctx context.Context) error
}

type Options struct {
	RateLimit       float64
	RateBurst       int
	IdleTimeout     time.Duration
	CleanupInterval time.Duration
	CleanupAge      time.Duration
	CommandTimeout  time.Duration
	AllowedOrigins  []string
}

func DefaultOptions() Options {
	return Options{
		RateLimit:       10,
		RateBurst:       20,
		IdleTimeout:     5 * time.Minute,
		CleanupInterval: time.Hour,
		CleanupAge:      24 * time.Hour,
		CommandTimeout:  10 * time.Second,
		AllowedOrigins:  []string{"*"},
	}
}

type Server struct {
	backend           Backend
	controller        *session.Controller
	hub               *Hub
	connectionManager *ConnectionManager
	rateLimiter       *RateLimiter
	connectionHealth  *ConnectionHealth
	registry          *prometheus.Registry
	metrics           *Metrics
	logger            *slog.Logger
	opts              Options
}

func NewServer(backend Backend, controller *session.Controller, logger *slog.Logger, opts Options) *Server {
	registry := prometheus.NewRegistry()

	return &Server{
		backend:           backend,
		controller:        controller,
		hub:               NewHub(),
		connectionManager: NewConnectionManager(logger),
		rateLimiter:       NewRateLimiter(opts.RateLimit, opts.RateBurst),
		connectionHealth:  NewConnectionHealth(),
		registry:          registry,
		metrics:           NewMetrics(registry),
		logger:            logger,
		opts:              opts,
	}
}

// HTTPServer wraps the gateway routes in an http.Server listening on addr.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.RegisterRoutes(),
		IdleTimeout:       time.Minute,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Start runs the maintenance tasks until ctx is done.
func (s *Server) Start(ctx context.Context) {
	go s.cleanupTask(ctx)
	go s.reapIdleTask(ctx)
}

// CloseConnections closes every open socket. Each read loop then runs the
// normal disconnect path.
func (s *Server) CloseConnections() {
	s.connectionManager.CloseAll("Server closing")
}

// cleanupTask deletes finished and abandoned sessions once they have been idle
// for CleanupAge.
func (s *Server) cleanupTask(ctx context.Context) {
	ticker := time.NewTicker(s.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Server) sweep(ctx context.Context) int {
	deleted, err := s.backend.Sweep(ctx, s.opts.CleanupAge)
	if err != nil {
		logging.LogError(ctx, s.logger, "cleanup task failed", err)
		return deleted
	}
	if deleted > 0 {
		s.logger.InfoContext(ctx, "cleanup task deleted old games", "count", deleted)
	}
	return deleted
}

// reapIdleTask closes connections that have been silent for IdleTimeout.
func (s *Server) reapIdleTask(ctx context.Context) {
	interval := s.opts.IdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reapIdle(ctx)
		}
	}
}

func (s *Server) reapIdle(ctx context.Context) int {
	reaped := 0
	for _, connID := range s.connectionHealth.GetInactiveConnections(s.opts.IdleTimeout) {
		conn := s.connectionManager.GetConnection(connID)
		if conn == nil {
			s.connectionHealth.RemoveConnection(connID)
			continue
		}
		s.logger.InfoContext(ctx, "closing idle connection", "conn_id", connID)
		conn.CloseNow()
		reaped++
	}
	return reaped
}
