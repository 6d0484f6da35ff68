// Package http is the daemon's API surface: start and inspect runs,
// decide gates, stream run events, and scrub text through the secrets
// redactor.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductd/internal/executor"
	"github.com/fyrsmithlabs/conductd/internal/gate"
	"github.com/fyrsmithlabs/conductd/internal/protocol"
	"github.com/fyrsmithlabs/conductd/internal/runstate"
	"github.com/fyrsmithlabs/conductd/internal/secrets"
)

// RunService is the slice of the run manager the API depends on.
type RunService interface {
	StartRun(params executor.StartParams) (*runstate.RunState, error)
	Get(runID string) (*runstate.RunState, error)
	List() ([]*runstate.RunState, error)
	Decide(runID string, approve bool, feedback string) error
	PendingGate(runID string) (*gate.PendingGate, bool)
}

// Config holds HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
}

// Server exposes the daemon over HTTP.
type Server struct {
	echo     *echo.Echo
	runs     RunService
	scrubber secrets.Scrubber
	nc       *nats.Conn
	logger   *zap.Logger
	config   *Config
}

// NewServer creates the API server. The NATS connection feeds the SSE
// bridge and may be nil, which disables event streaming.
func NewServer(runs RunService, scrubber secrets.Scrubber, nc *nats.Conn, logger *zap.Logger, cfg *Config) (*Server, error) {
	if runs == nil {
		return nil, fmt.Errorf("run service cannot be nil")
	}
	if scrubber == nil {
		return nil, fmt.Errorf("scrubber cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host:            "localhost",
			Port:            9190,
			ShutdownTimeout: 10 * time.Second,
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
		echo:     e,
		runs:     runs,
		scrubber: scrubber,
		nc:       nc,
		logger:   logger,
		config:   cfg,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/runs", s.handleStartRun)
	v1.GET("/runs", s.handleListRuns)
	v1.GET("/runs/:id", s.handleGetRun)
	v1.GET("/runs/:id/gate", s.handleGetGate)
	v1.POST("/runs/:id/gate", s.handleDecideGate)
	v1.GET("/runs/:id/events", s.handleEvents)
	v1.POST("/scrub", s.handleScrub)
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleStartRun validates the protocol and launches a run.
func (s *Server) handleStartRun(c echo.Context) error {
	var req StartRunRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid start run request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Protocol == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "protocol field is required")
	}
	if req.ProjectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project_id field is required")
	}

	plan := make([]runstate.PlanPhase, 0, len(req.PlanPhases))
	for _, p := range req.PlanPhases {
		plan = append(plan, runstate.PlanPhase{ID: p.ID, Title: p.Title})
	}

	state, err := s.runs.StartRun(executor.StartParams{
		ProtocolPath: req.Protocol,
		ProjectID:    req.ProjectID,
		ProjectTitle: req.ProjectTitle,
		PlanPhases:   plan,
	})
	if err != nil {
		var schemaErr *protocol.SchemaError
		if errors.As(err, &schemaErr) {
			return c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
				Error:  "protocol failed validation",
				Issues: schemaErr.Issues,
			})
		}
		s.logger.Error("start run failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "could not start run")
	}

	return c.JSON(http.StatusCreated, state)
}

// handleListRuns returns every known run's projection.
func (s *Server) handleListRuns(c echo.Context) error {
	states, err := s.runs.List()
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "could not list runs")
	}
	return c.JSON(http.StatusOK, RunListResponse{Runs: states, Count: len(states)})
}

// handleGetRun returns one run's projection.
func (s *Server) handleGetRun(c echo.Context) error {
	state, err := s.runs.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, runstate.ErrRunNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "run not found")
		}
		s.logger.Error("get run failed", zap.String("run_id", c.Param("id")), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "could not read run")
	}
	return c.JSON(http.StatusOK, state)
}

// handleGetGate reports the run's pending gate.
func (s *Server) handleGetGate(c echo.Context) error {
	pending, ok := s.runs.PendingGate(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no pending gate for run")
	}
	return c.JSON(http.StatusOK, pending)
}

// handleDecideGate routes an approval or rejection to the run's waiting
// executor.
func (s *Server) handleDecideGate(c echo.Context) error {
	var req GateDecisionRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid gate decision request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Approve == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "approve field is required")
	}

	runID := c.Param("id")
	if err := s.runs.Decide(runID, *req.Approve, req.Feedback); err != nil {
		if errors.Is(err, gate.ErrNoPendingGate) {
			return echo.NewHTTPError(http.StatusConflict, "no pending gate for run")
		}
		s.logger.Error("gate decision failed", zap.String("run_id", runID), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "could not deliver decision")
	}

	return c.JSON(http.StatusOK, GateDecisionResponse{RunID: runID, Approved: *req.Approve})
}

// handleScrub scrubs secrets from the provided content.
func (s *Server) handleScrub(c echo.Context) error {
	var req ScrubRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid scrub request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content field is required")
	}

	result := s.scrubber.Scrub(req.Content)

	s.logger.Debug("scrubbed content",
		zap.Int("findings", result.TotalFindings),
		zap.Duration("duration", result.Duration),
	)

	return c.JSON(http.StatusOK, ScrubResponse{
		Content:       result.Scrubbed,
		FindingsCount: result.TotalFindings,
	})
}

// Start starts the HTTP server and blocks until ctx is cancelled, then
// shuts down gracefully within the configured timeout. Returns
// http.ErrServerClosed on graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return http.ErrServerClosed
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Echo returns the underlying Echo instance, for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
