// Package api exposes the service over HTTP with echo. Requests are scoped
// to the owner named in the configured header.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/signalpost/internal/config"
	"github.com/signalpost/internal/jobstate"
	"github.com/signalpost/internal/metrics"
	"github.com/signalpost/internal/service"
	"github.com/signalpost/internal/storage"
	"github.com/signalpost/pkg/failure"
	"github.com/signalpost/pkg/logger"
)

const ownerKey = "owner_id"

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP API
type Server struct {
	echo *echo.Echo
	svc  *service.Service
	cfg  config.APIConfig
	log  *logger.Logger
}

// New builds the echo instance and registers every route
func New(svc *service.Service, cfg config.APIConfig, m *metrics.Collector, db Pinger, log *logger.Logger) *Server {
	if cfg.OwnerHeader == "" {
		cfg.OwnerHeader = "X-Owner-ID"
	}
	if m == nil {
		m = metrics.Nop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, svc: svc, cfg: cfg, log: log.WithComponent("api")}
	e.HTTPErrorHandler = s.errorHandler

	e.Use(middleware.Recover())
	e.Use(m.Middleware())

	e.GET("/health", healthHandler(db))
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	v1 := e.Group("/api/v1", s.requireOwner)
	s.registerJobRoutes(v1)
	s.registerSourceRoutes(v1)
	s.registerCredentialRoutes(v1)
	s.registerFeedRoutes(v1)

	return s
}

// Handler returns the root handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on the configured address until Shutdown
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.cfg.Addr).Msg("API server starting")
	if err := s.echo.Start(s.cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// requireOwner rejects requests without the owner header
func (s *Server) requireOwner(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		owner := c.Request().Header.Get(s.cfg.OwnerHeader)
		if owner == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing "+s.cfg.OwnerHeader+" header")
		}
		c.Set(ownerKey, owner)
		return next(c)
	}
}

func ownerOf(c echo.Context) string {
	owner, _ := c.Get(ownerKey).(string)
	return owner
}

func healthHandler(db Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if db != nil {
			if err := db.Ping(c.Request().Context()); err != nil {
				return c.JSON(http.StatusServiceUnavailable, map[string]string{
					"status": "unhealthy",
					"error":  err.Error(),
				})
			}
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	}
}

// errorHandler renders every error as {"error": "..."} with a status
// derived from its type
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	msg := "internal error"

	var he *echo.HTTPError
	var te *jobstate.TransitionError
	switch {
	case errors.As(err, &he):
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		} else {
			msg = http.StatusText(code)
		}
	case failure.IsValidation(err):
		code, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, storage.ErrNotFound):
		code, msg = http.StatusNotFound, "not found"
	case errors.Is(err, service.ErrConflict), errors.As(err, &te):
		code, msg = http.StatusConflict, err.Error()
	}

	if code >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", c.Path()).Msg("Request failed")
	}

	if err := c.JSON(code, map[string]string{"error": msg}); err != nil {
		s.log.Error().Err(err).Msg("Failed to write error response")
	}
}
