// Package http serves healingd's signal ingress and read API.
//
// Ingress routes accept GitHub webhooks (HMAC-SHA256 signed), monitor
// alerts and generic JSON signals, normalize them and hand them to the
// healing engine. Read routes expose live sessions and archived reports.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healingd/internal/config"
	"github.com/fyrsmithlabs/healingd/internal/healing"
	"github.com/fyrsmithlabs/healingd/internal/incident"
	"github.com/fyrsmithlabs/healingd/internal/store"
)

// Engine correlates signals and exposes live sessions.
type Engine interface {
	Correlate(ctx context.Context, ev incident.NormalizedEvent) (healing.CorrelateResult, error)
	Sessions() []*healing.Session
	Session(key string) (*healing.Session, bool)
}

// Waker is told about sessions that have new work.
type Waker interface {
	Wake(key string)
}

// Reports reads archived reports.
type Reports interface {
	Report(ctx context.Context, key string) (healing.Report, error)
	Reports(ctx context.Context, f store.ReportFilter) ([]healing.Report, error)
}

// Server provides HTTP endpoints for healingd.
type Server struct {
	echo    *echo.Echo
	engine  Engine
	waker   Waker
	reports Reports
	limiter *ipLimiter
	metrics *HTTPMetrics
	logger  *zap.Logger
	config  *Config
	started time.Time
}

// Config holds HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	// WebhookSecret verifies X-Hub-Signature-256. Unset accepts unsigned
	// GitHub deliveries.
	WebhookSecret config.Secret
	// SignalToken is the bearer token for /webhooks/monitor and
	// /api/v1/signals. Unset leaves them open.
	SignalToken  config.Secret
	WebhookRate  float64
	WebhookBurst int
	MaxBodyBytes int64
	Version      string
	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler
}

// ConfigFromConfig derives the server configuration from the service
// configuration.
func ConfigFromConfig(cfg *config.Config, version string, metrics http.Handler) *Config {
	return &Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		WebhookSecret:   cfg.GitHub.WebhookSecret,
		SignalToken:     cfg.Monitor.WebhookToken,
		WebhookRate:     cfg.Server.WebhookRate,
		WebhookBurst:    cfg.Server.WebhookBurst,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		Version:         version,
		MetricsHandler:  metrics,
	}
}

// Dependencies are the collaborators behind the routes. Engine is required.
type Dependencies struct {
	Engine  Engine
	Waker   Waker
	Reports Reports
	Logger  *zap.Logger
}

// NewServer creates a new HTTP server.
func NewServer(deps Dependencies, cfg *Config) (*Server, error) {
	if deps.Engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "0.0.0.0",
			Port: 9090,
		}
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.WebhookRate <= 0 {
		cfg.WebhookRate = 10
	}
	if cfg.WebhookBurst <= 0 {
		cfg.WebhookBurst = 20
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := deps.Logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	metrics := NewHTTPMetrics(logger)

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(metrics.MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	if !cfg.WebhookSecret.IsSet() {
		logger.Warn("github webhook secret not set; accepting unsigned deliveries")
	}
	if !cfg.SignalToken.IsSet() {
		logger.Warn("signal token not set; monitor and generic signal routes are unauthenticated")
	}

	s := &Server{
		echo:    e,
		engine:  deps.Engine,
		waker:   deps.Waker,
		reports: deps.Reports,
		limiter: newIPLimiter(cfg.WebhookRate, cfg.WebhookBurst),
		metrics: metrics,
		logger:  logger,
		config:  cfg,
		started: time.Now(),
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	if s.config.MetricsHandler != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.config.MetricsHandler))
	}

	ingress := []echo.MiddlewareFunc{s.rateLimit(), middleware.BodyLimit(fmt.Sprintf("%dB", s.config.MaxBodyBytes))}

	hooks := s.echo.Group("/webhooks", ingress...)
	hooks.POST("/github", s.handleGitHub)
	hooks.POST("/monitor", s.handleMonitor, s.requireToken())

	v1 := s.echo.Group("/api/v1")
	v1.POST("/signals", s.handleSignal, append(ingress, s.requireToken())...)
	v1.GET("/status", s.handleStatus)
	v1.GET("/sessions", s.handleListSessions)
	v1.GET("/sessions/:key", s.handleGetSession)
	v1.GET("/reports", s.handleListReports)
	v1.GET("/reports/:key", s.handleGetReport)
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Run serves until ctx is done, then shuts down within ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// ServeHTTP lets the server be mounted or exercised directly.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
