package http

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healingd/internal/healing"
	"github.com/fyrsmithlabs/healingd/internal/incident"
)

// Signal results recorded in metrics and returned to callers.
const (
	resultAccepted  = "accepted"
	resultDuplicate = "duplicate"
	resultIgnored   = "ignored"
	resultMalformed = "malformed"
	resultRejected  = "rejected"
)

// handleGitHub accepts a GitHub webhook delivery.
func (s *Server) handleGitHub(c echo.Context) error {
	r := c.Request()
	payload, err := github.ValidatePayload(r, []byte(s.config.WebhookSecret.Value()))
	if err != nil {
		s.metrics.signal(r.Context(), incident.KindGitHub, resultRejected)
		s.logger.Warn("invalid webhook signature", zap.String("ip", c.RealIP()), zap.Error(err))
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
	}

	eventType := github.WebHookType(r)
	if eventType == "ping" {
		return c.JSON(http.StatusOK, SignalResponse{Status: "pong"})
	}
	return s.ingest(c, incident.Signal{
		Kind:      incident.KindGitHub,
		EventType: eventType,
		Body:      payload,
	})
}

// handleMonitor accepts an Alertmanager or Datadog alert.
func (s *Server) handleMonitor(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "reading body")
	}
	return s.ingest(c, incident.Signal{Kind: incident.KindMonitor, Body: body})
}

// handleSignal accepts a generic JSON signal.
func (s *Server) handleSignal(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "reading body")
	}
	return s.ingest(c, incident.Signal{Kind: incident.KindGeneric, Body: body})
}

// ingest normalizes sig, correlates it and wakes the session's driver.
// Malformed signals get 400 and never reach correlation; signals with
// nothing to heal get 202 with status "ignored".
func (s *Server) ingest(c echo.Context, sig incident.Signal) error {
	ctx := c.Request().Context()
	sig.ReceivedAt = time.Now().UTC()

	ev, err := incident.Normalize(sig)
	switch {
	case errors.Is(err, incident.ErrNotActionable):
		s.metrics.signal(ctx, sig.Kind, resultIgnored)
		s.logger.Debug("signal not actionable", zap.String("kind", string(sig.Kind)), zap.Error(err))
		return c.JSON(http.StatusAccepted, SignalResponse{Status: resultIgnored, Reason: err.Error()})
	case err != nil:
		s.metrics.signal(ctx, sig.Kind, resultMalformed)
		s.logger.Warn("malformed signal", zap.String("kind", string(sig.Kind)), zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "MalformedSignal", Message: err.Error()})
	}

	res, err := s.engine.Correlate(ctx, ev)
	switch {
	case errors.Is(err, healing.ErrCapacity):
		s.metrics.signal(ctx, sig.Kind, resultRejected)
		s.logger.Warn("signal rejected at capacity", zap.String("origin", ev.Origin), zap.Error(err))
		c.Response().Header().Set("Retry-After", "60")
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Capacity", Message: err.Error()})
	case err != nil:
		s.metrics.signal(ctx, sig.Kind, resultMalformed)
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "MalformedSignal", Message: err.Error()})
	}

	result := resultAccepted
	if !res.Created {
		result = resultDuplicate
	}
	s.metrics.signal(ctx, sig.Kind, result)
	if s.waker != nil {
		s.waker.Wake(res.Key)
	}

	return c.JSON(http.StatusAccepted, SignalResponse{
		Status:  result,
		Key:     res.Key,
		Created: res.Created,
		State:   string(res.State),
		EventID: ev.ID,
	})
}

// requireToken checks the bearer token on signal routes when one is set.
func (s *Server) requireToken() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !s.config.SignalToken.IsSet() {
				return next(c)
			}
			auth := c.Request().Header.Get(echo.HeaderAuthorization)
			token, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.config.SignalToken.Value())) != 1 {
				s.logger.Warn("signal token rejected", zap.String("ip", c.RealIP()), zap.String("path", c.Path()))
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			return next(c)
		}
	}
}

// rateLimit applies the per-IP limiter.
func (s *Server) rateLimit() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ip := c.RealIP()
			if !s.limiter.allow(ip) {
				s.logger.Warn("rate limit exceeded", zap.String("ip", ip))
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
