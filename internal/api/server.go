package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/marcus/blocksync/internal/serverdb"
)

// Server is the HTTP API server for blocksync-server.
type Server struct {
	config      Config
	http        *http.Server
	store       serverdb.NodeStore
	hub         *Hub
	metrics     *Metrics
	rateLimiter *RateLimiter
	secret      []byte
	now         func() time.Time
	cancel      context.CancelFunc
	addr        net.Addr
}

// NewServer creates a new Server with the given config and store.
func NewServer(cfg Config, store serverdb.NodeStore) (*Server, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("SYNC_JWT_SECRET is required")
	}
	metrics := NewMetrics()
	s := &Server{
		config:      cfg,
		store:       store,
		hub:         NewHub(metrics),
		metrics:     metrics,
		rateLimiter: NewRateLimiter(),
		secret:      []byte(cfg.JWTSecret),
		now:         time.Now,
	}

	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return s, nil
}

// Start begins listening for HTTP requests (non-blocking).
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.addr = ln.Addr()

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server", "err", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("rate limiter cleanup panic", "panic", r)
			}
		}()
		s.rateLimiter.Run(ctx)
	}()

	return nil
}

// Addr returns the bound listen address once started.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Shutdown closes watch streams and gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.hub.Close()
	return s.http.Shutdown(ctx)
}

// Handler returns the routed handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// routes builds the HTTP handler with all routes and middleware.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Health & metrics
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /metricz", s.handleMetrics)

	// Clock (public)
	mux.HandleFunc("GET /v1/time", s.handleTime)

	// Data
	read, write := s.config.RateLimitRead, s.config.RateLimitWrite
	mux.HandleFunc("GET /v1/data/{path...}", s.requireAuth(s.withRateLimit(s.handleGetData, "read", read)))
	mux.HandleFunc("PUT /v1/data/{path...}", s.requireAuth(s.withRateLimit(s.handlePutData, "write", write)))
	mux.HandleFunc("GET /v1/watch", s.requireAuth(s.withRateLimit(s.handleWatch, "read", read)))
	mux.HandleFunc("GET /v1/devices", s.requireAuth(s.withRateLimit(s.handleListDevices, "read", read)))

	maxBytes := s.config.MaxBodyBytes
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return chain(mux, recoveryMiddleware, requestIDMiddleware, loggerMiddleware, metricsMiddleware(s.metrics), loggingMiddleware, maxBytesMiddleware(maxBytes))
}

// handleHealth returns a health check response, pinging the server DB.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "detail": "db unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMetrics returns a snapshot of server metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}
