package http

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleListPipelines(c echo.Context) error {
	return c.JSON(http.StatusOK, PipelinesResponse{Pipelines: s.pipelines.List()})
}

func (s *Server) handleListRuns(c echo.Context) error {
	return c.JSON(http.StatusOK, RunsResponse{Runs: s.runs.List()})
}

// handleSubmitRun starts a run and answers before it completes.
func (s *Server) handleSubmitRun(c echo.Context) error {
	var req SubmitRunRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn(c.Request().Context(), "invalid run request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Pipeline == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "pipeline field is required")
	}

	id, err := s.runs.Submit(req.Pipeline, req.RunID, req.Input)
	s.metrics.submitted(c.Request().Context(), req.Pipeline, err)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, SubmitRunResponse{RunID: id})
}

func (s *Server) handleGetRun(c echo.Context) error {
	run, err := s.runs.Get(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) handleCancelRun(c echo.Context) error {
	if err := s.runs.Cancel(c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleGetArtifact(c echo.Context) error {
	artifact, err := s.runs.Artifact(c.Request().Context(), c.Param("id"), c.Param("phase"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, artifact)
}

func (s *Server) handleListRemediations(c echo.Context) error {
	if s.desk == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "manual remediation is not enabled")
	}
	return c.JSON(http.StatusOK, RemediationsResponse{Pending: s.desk.Pending()})
}

// handleAcknowledge releases a pending fix request so the task is re-run.
func (s *Server) handleAcknowledge(c echo.Context) error {
	if s.desk == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "manual remediation is not enabled")
	}
	var req AcknowledgeRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}

	ctx := c.Request().Context()
	err := s.desk.Acknowledge(ctx, c.Param("run"), c.Param("phase"), c.Param("task"), req.Note)
	s.metrics.acknowledged(ctx, err)
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
