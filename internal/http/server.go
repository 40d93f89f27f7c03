// Package http exposes the orchestration control API for specflowd.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/specflowd/internal/orchestrator"
)

// Orchestrator is the engine surface the API serves.
type Orchestrator interface {
	Start(ctx context.Context, project string, cfg orchestrator.ExecutionConfig) (*orchestrator.Execution, error)
	Pause(ctx context.Context, executionID string) (*orchestrator.Execution, error)
	Resume(ctx context.Context, executionID string, choice orchestrator.RecoveryChoice) (*orchestrator.Execution, error)
	Cancel(ctx context.Context, executionID string) (*orchestrator.Execution, error)
	TriggerMerge(ctx context.Context, executionID string) (*orchestrator.Execution, error)
	Status(ctx context.Context, executionID string) (*orchestrator.Execution, error)
	List(ctx context.Context, project string) (*orchestrator.Document, error)
	Projects(ctx context.Context) ([]string, error)
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server provides the HTTP endpoints for specflowd.
type Server struct {
	echo   *echo.Echo
	engine Orchestrator
	logger *zap.Logger
	config *Config
}

// NewServer creates a new HTTP server.
func NewServer(engine Orchestrator, logger *zap.Logger, cfg *Config) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9190,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
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

	s := &Server{
		echo:   e,
		engine: engine,
		logger: logger,
		config: cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/projects", s.handleProjects)
	v1.POST("/projects/:project/orchestrations", s.handleStart)
	v1.GET("/projects/:project/orchestrations", s.handleList)
	v1.GET("/orchestrations/:id", s.handleStatus)
	v1.POST("/orchestrations/:id/pause", s.handlePause)
	v1.POST("/orchestrations/:id/resume", s.handleResume)
	v1.POST("/orchestrations/:id/cancel", s.handleCancel)
	v1.POST("/orchestrations/:id/merge", s.handleMerge)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ResumeRequest is the request body for POST /api/v1/orchestrations/:id/resume.
type ResumeRequest struct {
	// Choice is required for needs_attention executions: retry, skip or
	// abort. Must be empty for paused ones.
	Choice string `json:"choice,omitempty"`
}

// ProjectsResponse is the response body for GET /api/v1/projects.
type ProjectsResponse struct {
	Projects []string `json:"projects"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleProjects(c echo.Context) error {
	projects, err := s.engine.Projects(c.Request().Context())
	if err != nil {
		return s.mapError(err)
	}
	if projects == nil {
		projects = []string{}
	}
	return c.JSON(http.StatusOK, ProjectsResponse{Projects: projects})
}

func (s *Server) handleStart(c echo.Context) error {
	var cfg orchestrator.ExecutionConfig
	if err := c.Bind(&cfg); err != nil {
		s.logger.Warn("invalid start request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ex, err := s.engine.Start(c.Request().Context(), c.Param("project"), cfg)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusCreated, ex)
}

func (s *Server) handleList(c echo.Context) error {
	doc, err := s.engine.List(c.Request().Context(), c.Param("project"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, doc)
}

func (s *Server) handleStatus(c echo.Context) error {
	ex, err := s.engine.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, ex)
}

func (s *Server) handlePause(c echo.Context) error {
	ex, err := s.engine.Pause(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, ex)
}

func (s *Server) handleResume(c echo.Context) error {
	var req ResumeRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid resume request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ex, err := s.engine.Resume(c.Request().Context(), c.Param("id"),
		orchestrator.RecoveryChoice(req.Choice))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, ex)
}

func (s *Server) handleCancel(c echo.Context) error {
	ex, err := s.engine.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, ex)
}

func (s *Server) handleMerge(c echo.Context) error {
	ex, err := s.engine.TriggerMerge(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, ex)
}

// mapError translates engine errors to HTTP status codes.
func (s *Server) mapError(err error) error {
	switch {
	case orchestrator.IsValidation(err):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case orchestrator.IsConflict(err):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, orchestrator.ErrExecutionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

// Start starts the HTTP server.
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

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
