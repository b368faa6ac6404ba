// Package http provides the phaseflow HTTP API.
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

	"github.com/fyrsmithlabs/phaseflow/internal/definition"
	"github.com/fyrsmithlabs/phaseflow/internal/logging"
	"github.com/fyrsmithlabs/phaseflow/internal/orchestrator"
	"github.com/fyrsmithlabs/phaseflow/internal/remediation"
	"github.com/fyrsmithlabs/phaseflow/internal/runs"
)

// PipelineLister lists the registered pipelines.
type PipelineLister interface {
	List() []definition.Summary
}

// RunService submits and inspects runs.
type RunService interface {
	Submit(pipeline, runID string, input orchestrator.Payload) (string, error)
	Get(runID string) (runs.Run, error)
	List() []runs.Run
	Cancel(runID string) error
	Artifact(ctx context.Context, runID, phase string) (*orchestrator.Artifact, error)
}

// RemediationDesk exposes manual remediation. It is optional.
type RemediationDesk interface {
	Pending() []remediation.Pending
	Acknowledge(ctx context.Context, runID, phase, taskID, note string) error
}

// Server provides HTTP endpoints for phaseflow.
type Server struct {
	echo      *echo.Echo
	pipelines PipelineLister
	runs      RunService
	desk      RemediationDesk
	logger    *logging.Logger
	metrics   *apiMetrics
	config    *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates a new HTTP server. desk may be nil when fixes are not
// acknowledged by hand.
func NewServer(pipelines PipelineLister, runService RunService, desk RemediationDesk, logger *logging.Logger, cfg *Config) (*Server, error) {
	if pipelines == nil {
		return nil, fmt.Errorf("pipeline lister cannot be nil")
	}
	if runService == nil {
		return nil, fmt.Errorf("run service cannot be nil")
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

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(e.DefaultHTTPErrorHandler)

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	metrics := newAPIMetrics(nil, logger)
	e.Use(metrics.middleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			ctx := logging.WithRequestID(req.Context(), c.Response().Header().Get(echo.HeaderXRequestID))
			c.SetRequest(req.WithContext(ctx))

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			logger.Info(ctx, "http request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return nil
		}
	})

	s := &Server{
		echo:      e,
		pipelines: pipelines,
		runs:      runService,
		desk:      desk,
		logger:    logger,
		metrics:   metrics,
		config:    cfg,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/pipelines", s.handleListPipelines)
	v1.GET("/runs", s.handleListRuns)
	v1.POST("/runs", s.handleSubmitRun)
	v1.GET("/runs/:id", s.handleGetRun)
	v1.POST("/runs/:id/cancel", s.handleCancelRun)
	v1.GET("/runs/:id/artifacts/:phase", s.handleGetArtifact)
	v1.GET("/remediations", s.handleListRemediations)
	v1.POST("/remediations/:run/:phase/:task/ack", s.handleAcknowledge)
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// errorHandler maps domain errors onto HTTP status codes before delegating
// to echo's default handler.
func errorHandler(next echo.HTTPErrorHandler) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		var he *echo.HTTPError
		if !errors.As(err, &he) {
			err = echo.NewHTTPError(statusFor(err), err.Error()).SetInternal(err)
		}
		next(err, c)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, runs.ErrRunNotFound),
		errors.Is(err, definition.ErrNotFound),
		errors.Is(err, orchestrator.ErrArtifactNotFound),
		errors.Is(err, remediation.ErrNoPendingRequest):
		return http.StatusNotFound
	case errors.Is(err, runs.ErrRunExists):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrInvalidIdentifier),
		errors.Is(err, orchestrator.ErrPipelineConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, runs.ErrShuttingDown):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
