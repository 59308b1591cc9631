package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healingd/internal/healing"
	"github.com/fyrsmithlabs/healingd/internal/store"
)

const maxReportLimit = 500

// handleStatus summarizes live sessions.
func (s *Server) handleStatus(c echo.Context) error {
	sessions := s.engine.Sessions()
	services := map[string]string{"engine": "ok", "reports": "ok"}
	if s.reports == nil {
		services["reports"] = "unavailable"
	}
	return c.JSON(http.StatusOK, StatusResponse{
		Status:   "ok",
		Version:  s.config.Version,
		Uptime:   time.Since(s.started).Round(time.Second).String(),
		Services: services,
		Counts:   CountSessions(sessions),
	})
}

// handleListSessions returns every live session, oldest first.
func (s *Server) handleListSessions(c echo.Context) error {
	sessions := s.engine.Sessions()
	if sessions == nil {
		sessions = []*healing.Session{}
	}
	return c.JSON(http.StatusOK, sessions)
}

// handleGetSession returns one live session.
func (s *Server) handleGetSession(c echo.Context) error {
	sess, ok := s.engine.Session(c.Param("key"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no live session with that key")
	}
	return c.JSON(http.StatusOK, sess)
}

// handleListReports returns archived reports, newest first. Query
// parameters: outcome (resolved, escalated, failed) and limit.
func (s *Server) handleListReports(c echo.Context) error {
	if s.reports == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "report store unavailable")
	}

	filter := store.ReportFilter{Limit: 100}
	switch outcome := healing.Outcome(c.QueryParam("outcome")); outcome {
	case "":
	case healing.OutcomeResolved, healing.OutcomeEscalated, healing.OutcomeFailed:
		filter.Outcome = outcome
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "outcome must be resolved, escalated or failed")
	}
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxReportLimit {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 500")
		}
		filter.Limit = n
	}

	reports, err := s.reports.Reports(c.Request().Context(), filter)
	if err != nil {
		s.logger.Error("listing reports", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "listing reports failed")
	}
	if reports == nil {
		reports = []healing.Report{}
	}
	return c.JSON(http.StatusOK, reports)
}

// handleGetReport returns the latest report for a key.
func (s *Server) handleGetReport(c echo.Context) error {
	if s.reports == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "report store unavailable")
	}
	r, err := s.reports.Report(c.Request().Context(), c.Param("key"))
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "no report for that key")
	}
	if err != nil {
		s.logger.Error("reading report", zap.String("key", c.Param("key")), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "reading report failed")
	}
	return c.JSON(http.StatusOK, r)
}
