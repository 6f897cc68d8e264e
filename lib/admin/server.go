// Package admin serves the sqlproxy admin API: Prometheus metrics, health
// probes and a JSON view of per-backend pool state.
package admin

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/go-i2p/sqlproxy/lib/pool"
)

// PoolState is the read-only view of the pool the admin API reports on.
type PoolState interface {
	Initialized() bool
	AllStats() []pool.Stats
	Stats(name string) (pool.Stats, error)
}

// Config holds admin server configuration.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "127.0.0.1:9306")
	ListenAddr string
	// RateLimit configures per-client request limiting. A zero
	// RequestsPerSecond disables it.
	RateLimit RateLimitConfig
	// Logger is the structured logger
	Logger *slog.Logger
}

// Server is the admin HTTP server.
type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	pool       PoolState
	limiter    *RateLimiter
	logger     *slog.Logger

	mu      sync.Mutex
	running bool
	addr    net.Addr
}

// New creates an admin server reporting on p.
func New(cfg Config, p PoolState) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		pool:   p,
		logger: cfg.Logger,
	}

	engine := gin.New()
	engine.SetTrustedProxies(nil)
	engine.Use(gin.Recovery(), s.logRequests(), securityHeaders())
	if cfg.RateLimit.RequestsPerSecond > 0 {
		s.limiter = NewRateLimiter(cfg.RateLimit)
		s.limiter.SetOnReject(func(ip, path string) {
			s.logger.Warn("admin request rate limited", "ip", ip, "path", path)
		})
		engine.Use(s.limiter.Middleware())
	}

	engine.GET("/healthz", s.handleLiveness)
	engine.GET("/readyz", s.handleReadiness)
	engine.GET("/metrics", s.handleMetrics)
	engine.GET("/version", s.handleVersion)

	api := engine.Group("/api")
	api.GET("/backends", s.handleBackends)
	// Backend names may contain "/", so the name is a catch-all.
	api.GET("/backends/*name", s.handleBackend)

	s.engine = engine
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           engine,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start starts the admin server.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen: %w", err)
	}
	s.running = true
	s.addr = ln.Addr()
	s.mu.Unlock()

	s.logger.Info("admin server started", "addr", ln.Addr().String())

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("admin server error", "error", err)
		}
	}()

	return nil
}

// Stop stops the admin server gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	if s.limiter != nil {
		s.limiter.Close()
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("admin server stopped")
	return nil
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"remote", c.ClientIP(),
			"duration", time.Since(start),
		)
	}
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Next()
	}
}
