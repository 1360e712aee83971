// Package http exposes the phase registry over HTTP so a pipeline engine on
// another host can invoke phases.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/devtrace/internal/logging"
	"github.com/fyrsmithlabs/devtrace/internal/phase"
)

// Server provides HTTP endpoints for phase invocation.
type Server struct {
	echo     *echo.Echo
	registry *phase.Registry
	logger   *logging.Logger
	config   *Config

	mu    sync.Mutex
	slots map[string]*semaphore.Weighted
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// RateLimit is requests per second across all clients; zero disables.
	RateLimit float64
	// Gatherer backs GET /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	// Metrics records request metrics through OpenTelemetry. Optional.
	Metrics *HTTPMetrics
}

// NewServer creates a new HTTP server.
func NewServer(registry *phase.Registry, logger *logging.Logger, cfg *Config) (*Server, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "127.0.0.1",
			Port: 9191,
		}
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if cfg.Metrics != nil {
		e.Use(cfg.Metrics.MetricsMiddleware())
	}
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request.id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})
	if cfg.RateLimit > 0 {
		e.Use(rateLimiter(cfg.RateLimit))
	}

	s := &Server{
		echo:     e,
		registry: registry,
		logger:   logger,
		config:   cfg,
		slots:    make(map[string]*semaphore.Weighted),
	}

	s.registerRoutes()

	return s, nil
}

// rateLimiter shares one token bucket among all clients.
func rateLimiter(rps float64) echo.MiddlewareFunc {
	burst := int(math.Ceil(rps))
	if burst < 1 {
		burst = 1
	}
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/health"
		},
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:  rate.Limit(rps),
			Burst: burst,
		}),
		IdentifierExtractor: func(echo.Context) (string, error) {
			return "global", nil
		},
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			return c.JSON(http.StatusTooManyRequests, ErrorResponse{
				Error: "rate limit exceeded",
				Kind:  KindRateLimited,
			})
		},
	})
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/phases", s.handleListPhases)
	v1.GET("/phases/:name", s.handleGetPhase)
	v1.POST("/phases/:name", s.handleInvoke)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleListPhases(c echo.Context) error {
	return c.JSON(http.StatusOK, PhasesResponse{
		Phases:  s.registry.List(),
		Aliases: s.registry.Aliases(),
	})
}

func (s *Server) handleGetPhase(c echo.Context) error {
	desc, ok := s.registry.Lookup(c.Param("name"))
	if !ok {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "phase not found", Kind: KindNotFound})
	}
	return c.JSON(http.StatusOK, desc)
}

// handleInvoke runs one phase invocation, holding one of the phase's
// MaxParallel slots for its duration.
func (s *Server) handleInvoke(c echo.Context) error {
	name := c.Param("name")
	desc, ok := s.registry.Lookup(name)
	if !ok {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "phase not found", Kind: KindNotFound})
	}

	var req InvokeRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn(c.Request().Context(), "invalid invoke request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Kind: KindBadRequest})
	}

	input, err := decodeInput(desc.Input, req.Input)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: KindBadRequest})
	}

	slot := s.slot(desc)
	if !slot.TryAcquire(1) {
		return c.JSON(http.StatusTooManyRequests, ErrorResponse{
			Error: fmt.Sprintf("phase %s is at its concurrency limit (%d)", desc.Name, desc.MaxParallel),
			Kind:  KindSaturated,
		})
	}
	defer slot.Release(1)

	requestID := c.Response().Header().Get(echo.HeaderXRequestID)
	ctx := logging.WithRequestID(c.Request().Context(), requestID)
	ctx = logging.WithTaskID(ctx, uuid.NewString())

	output, err := s.registry.Invoke(ctx, name, input, req.Options)
	if err != nil {
		status, body := errorResponse(err)
		return c.JSON(status, body)
	}

	raw, err := encodeOutput(output)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Kind: KindInternal})
	}
	return c.JSON(http.StatusOK, InvokeResponse{
		Phase:  desc.Name,
		TaskID: logging.TaskIDFromContext(ctx),
		Output: raw,
	})
}

// slot returns the semaphore for desc, keyed by canonical name so that
// aliases share it.
func (s *Server) slot(desc phase.Descriptor) *semaphore.Weighted {
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.slots[desc.Name]
	if !ok {
		n := desc.MaxParallel
		if n < 1 {
			n = 1
		}
		sem = semaphore.NewWeighted(int64(n))
		s.slots[desc.Name] = sem
	}
	return sem
}

var errMissingInput = errors.New("input is required")

func decodeInput(tag phase.TypeTag, raw json.RawMessage) (any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errMissingInput
	}
	if tag == phase.TypeString {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("input must be a JSON string: %w", err)
		}
		return s, nil
	}
	return raw, nil
}

func encodeOutput(v any) (json.RawMessage, error) {
	switch out := v.(type) {
	case json.RawMessage:
		return out, nil
	case []byte:
		return json.RawMessage(out), nil
	default:
		return json.Marshal(out)
	}
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

// Start starts the HTTP server. It blocks until Shutdown.
func (s *Server) Start() error {
	addr := s.Addr()
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
