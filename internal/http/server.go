// Package http provides the HTTP API for forgeloop.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/fyrsmithlabs/forgeloop/internal/learning"
	"github.com/fyrsmithlabs/forgeloop/internal/logging"
	"github.com/fyrsmithlabs/forgeloop/internal/performance"
	"github.com/fyrsmithlabs/forgeloop/internal/reflection"
	"github.com/fyrsmithlabs/forgeloop/internal/remediation"
	"github.com/fyrsmithlabs/forgeloop/internal/selfimprove"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

const (
	defaultTopLimit      = 10
	defaultInsightsLimit = 20
	maxLimit             = 500
)

// Server provides HTTP endpoints for forgeloop.
type Server struct {
	echo   *echo.Echo
	system *selfimprove.System
	logger *zap.Logger
	config *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
}

// NewServer creates a new HTTP server.
func NewServer(system *selfimprove.System, logger *zap.Logger, cfg *Config) (*Server, error) {
	if system == nil {
		return nil, fmt.Errorf("system cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9090,
		}
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			ctx := logging.WithRequestID(req.Context(), c.Response().Header().Get(echo.HeaderXRequestID))
			c.SetRequest(req.WithContext(ctx))

			err := next(c)

			logger.Info("http request", append(logging.ContextFields(ctx),
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)...)

			return err
		}
	})
	e.Use(newRequestMetrics(otel.Meter(httpInstrumentationName), logger).middleware())

	s := &Server{
		echo:   e,
		system: system,
		logger: logger,
		config: cfg,
	}

	s.registerRoutes()

	return s, nil
}

// Echo exposes the router, for tests and extra routes.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/v1")
	v1.POST("/operations", s.handleBeginOperation)
	v1.POST("/operations/:id/end", s.handleEndOperation)
	v1.POST("/errors/search", s.handleSearch)
	v1.POST("/solutions/outcome", s.handleOutcome)
	v1.GET("/solutions/top", s.handleTopSolutions)
	v1.GET("/report", s.handleReport)
	v1.POST("/reflection", s.handleReflection)
	v1.GET("/insights", s.handleInsights)
}

func (s *Server) handleHealth(c echo.Context) error {
	if err := s.system.Ping(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Error: err.Error()})
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleBeginOperation(c echo.Context) error {
	var req BeginOperationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	id, err := s.system.BeginOperation(c.Request().Context(), req.OperationType)
	if err != nil {
		return s.toHTTPError(c, err)
	}
	return c.JSON(http.StatusCreated, BeginOperationResponse{OperationID: id})
}

func (s *Server) handleEndOperation(c echo.Context) error {
	var req EndOperationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	err := s.system.EndOperation(c.Request().Context(), c.Param("id"), performance.Outcome{
		Success:      req.Success,
		ErrorMessage: req.ErrorMessage,
		Confidence:   req.Confidence,
		Quality:      req.Quality,
		TokensUsed:   req.TokensUsed,
		UserFeedback: req.UserFeedback,
	})
	if err != nil {
		return s.toHTTPError(c, err)
	}
	return c.JSON(http.StatusOK, StatusResponse{Status: "ok"})
}

func (s *Server) handleSearch(c echo.Context) error {
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if learning.NormalizeProblem(req.Problem) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "problem field is required")
	}
	res, err := s.system.SearchErrorSolution(c.Request().Context(), req.Problem, req.Context)
	if err != nil {
		return s.toHTTPError(c, err)
	}
	resolution := "external"
	if res.FromCache {
		resolution = "local"
	}
	c.Set(resolutionKey, resolution)
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleOutcome(c echo.Context) error {
	var req OutcomeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.EntryID == "" && learning.NormalizeProblem(req.Problem) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "entry_id or problem is required")
	}
	err := s.system.RecordSolutionOutcome(c.Request().Context(), remediation.OutcomeRequest{
		Problem:   req.Problem,
		EntryID:   req.EntryID,
		Worked:    req.Worked,
		ErrorType: req.ErrorType,
		FixTime:   time.Duration(req.FixTimeSeconds * float64(time.Second)),
	})
	if err != nil {
		return s.toHTTPError(c, err)
	}
	return c.JSON(http.StatusOK, StatusResponse{Status: "ok"})
}

func (s *Server) handleTopSolutions(c echo.Context) error {
	limit, err := intParam(c, "limit", defaultTopLimit)
	if err != nil {
		return err
	}
	top, err := s.system.TopSolutions(c.Request().Context(), limit)
	if err != nil {
		return s.toHTTPError(c, err)
	}
	return c.JSON(http.StatusOK, top)
}

func (s *Server) handleReport(c echo.Context) error {
	days, err := intParam(c, "days", 7)
	if err != nil {
		return err
	}
	report, err := s.system.PerformanceReport(c.Request().Context(), days)
	if err != nil {
		return s.toHTTPError(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) handleReflection(c echo.Context) error {
	res, err := s.system.RunReflectionPass(c.Request().Context())
	if err != nil {
		return s.toHTTPError(c, err)
	}
	switch format := c.QueryParam("format"); format {
	case "markdown":
		return c.Blob(http.StatusOK, "text/markdown; charset=UTF-8", []byte(reflection.FormatReport(res, format)))
	case "text":
		return c.String(http.StatusOK, reflection.FormatReport(res, format))
	default:
		return c.JSON(http.StatusOK, res)
	}
}

func (s *Server) handleInsights(c echo.Context) error {
	limit, err := intParam(c, "limit", defaultInsightsLimit)
	if err != nil {
		return err
	}
	insights, err := s.system.Insights(c.Request().Context(), limit)
	if err != nil {
		return s.toHTTPError(c, err)
	}
	return c.JSON(http.StatusOK, insights)
}

// intParam reads a positive integer query parameter, capped at maxLimit.
func intParam(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("%s must be a positive integer", name))
	}
	return min(n, maxLimit), nil
}

// toHTTPError maps service errors to status codes. Unknown errors are
// storage failures and surface as 500.
func (s *Server) toHTTPError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, performance.ErrEmptyOperationType),
		errors.Is(err, learning.ErrEmptyProblem):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, reflection.ErrPassInProgress):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, selfimprove.ErrClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("request failed", append(logging.ContextFields(c.Request().Context()), zap.Error(err))...)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Run serves until ctx is cancelled, then shuts down within the configured
// shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
