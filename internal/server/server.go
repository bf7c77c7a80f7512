// Package server exposes health, stats and Prometheus metrics over HTTP.
//
// Routes:
//
//	GET /healthz     liveness, 200 while the process runs
//	GET /readyz      readiness, 503 when unhealthy
//	GET /stats       pipeline snapshot as JSON
//	GET /stats/yaml  pipeline snapshot as YAML
//	GET /metrics     Prometheus exposition
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Health states.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Health represents the readiness of the pipeline
type Health struct {
	Status        string `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds int64  `json:"uptime_seconds"`
	State         string `json:"state"`
	InFlight      int    `json:"in_flight"`
	MaxInFlight   int    `json:"max_in_flight"`
	StreamsUp     int    `json:"streams_up"`
	StreamsTotal  int    `json:"streams_total"`
	StreamsIdle   int    `json:"streams_idle"`
	MQTTConnected *bool  `json:"mqtt_connected,omitempty"`
}

// Source provides what the server reports.
type Source interface {
	Health() Health
	// Snapshot returns a JSON-serializable stats value.
	Snapshot() any
	// Dump writes the snapshot as YAML.
	Dump(w io.Writer) error
}

// Options configures a Server.
type Options struct {
	Addr    string
	Source  Source
	Metrics http.Handler // nil disables /metrics
	Logger  *slog.Logger
}

// Server is the HTTP front of a pipeline.
type Server struct {
	opts    Options
	echo    *echo.Echo
	logger  *slog.Logger
	started time.Time

	mu   sync.Mutex
	addr net.Addr
}

// New builds the router. Nothing listens until Run.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		opts:    opts,
		echo:    echo.New(),
		logger:  opts.Logger.With("component", "server"),
		started: time.Now(),
	}

	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(s.logRequests)

	e.GET("/healthz", s.liveness)
	e.GET("/readyz", s.readiness)
	e.GET("/stats", s.stats)
	e.GET("/stats/yaml", s.statsYAML)
	if opts.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(opts.Metrics))
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Run listens on Addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.opts.Addr, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()
	s.echo.Listener = ln

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server: listening", "addr", ln.Addr().String())
		errCh <- s.echo.Start("")
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	s.logger.Info("server: stopped")
	return nil
}

// Addr returns the bound address once Run is listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) liveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) readiness(c echo.Context) error {
	h := s.opts.Source.Health()
	h.UptimeSeconds = int64(time.Since(s.started).Seconds())

	code := http.StatusOK
	if h.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, h)
}

func (s *Server) stats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.opts.Source.Snapshot())
}

func (s *Server) statsYAML(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderContentType, "application/yaml")
	c.Response().WriteHeader(http.StatusOK)
	return s.opts.Source.Dump(c.Response())
}

func (s *Server) logRequests(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		s.logger.Debug("server: request",
			"method", c.Request().Method,
			"path", c.Path(),
			"status", c.Response().Status,
			"duration", time.Since(start),
		)
		return nil
	}
}
