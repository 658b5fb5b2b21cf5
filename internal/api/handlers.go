package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/signalpost/internal/models"
	"github.com/signalpost/internal/service"
)

func pathID(c echo.Context) (uint, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return uint(id), nil
}

func bind(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request payload")
	}
	return nil
}

// Jobs

func (s *Server) registerJobRoutes(g *echo.Group) {
	g.POST("/jobs", s.createJob)
	g.GET("/jobs", s.listJobs)
	g.GET("/jobs/:id", s.getJob)
	g.POST("/jobs/:id/approve", s.approveJob)
	g.POST("/jobs/:id/cancel", s.cancelJob)
	g.POST("/jobs/:id/resubmit", s.resubmitJob)
}

func (s *Server) createJob(c echo.Context) error {
	var req service.CreateJobRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	job, err := s.svc.CreateJob(c.Request().Context(), ownerOf(c), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, job)
}

func (s *Server) listJobs(c echo.Context) error {
	var req service.ListJobsRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	jobs, err := s.svc.ListJobs(c.Request().Context(), ownerOf(c), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, jobs)
}

func (s *Server) getJob(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	job, err := s.svc.GetJob(c.Request().Context(), ownerOf(c), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) approveJob(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req service.ApproveJobRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	job, err := s.svc.ApproveJob(c.Request().Context(), ownerOf(c), id, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) cancelJob(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	job, err := s.svc.CancelJob(c.Request().Context(), ownerOf(c), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) resubmitJob(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	job, err := s.svc.ResubmitJob(c.Request().Context(), ownerOf(c), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, job)
}

// Sources

func (s *Server) registerSourceRoutes(g *echo.Group) {
	g.POST("/sources", s.createSource)
	g.GET("/sources", s.listSources)
	g.POST("/sources/:id/enable", s.setSourceEnabled(true))
	g.POST("/sources/:id/disable", s.setSourceEnabled(false))
	g.DELETE("/sources/:id", s.deleteSource)
}

func (s *Server) createSource(c echo.Context) error {
	var req service.CreateSourceRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	src, err := s.svc.CreateSource(c.Request().Context(), ownerOf(c), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, src)
}

func (s *Server) listSources(c echo.Context) error {
	sources, err := s.svc.ListSources(c.Request().Context(), ownerOf(c), c.QueryParam("group_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sources)
}

func (s *Server) setSourceEnabled(enabled bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := pathID(c)
		if err != nil {
			return err
		}
		if err := s.svc.SetSourceEnabled(c.Request().Context(), ownerOf(c), id, enabled); err != nil {
			return err
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func (s *Server) deleteSource(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := s.svc.DeleteSource(c.Request().Context(), ownerOf(c), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// Credentials

func (s *Server) registerCredentialRoutes(g *echo.Group) {
	g.PUT("/credentials", s.saveCredential)
	g.GET("/credentials/:platform", s.credentialStatus)
}

func (s *Server) saveCredential(c echo.Context) error {
	var req service.SaveCredentialRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if _, err := s.svc.SaveCredential(c.Request().Context(), ownerOf(c), req); err != nil {
		return err
	}
	status, err := s.svc.GetCredentialStatus(c.Request().Context(), ownerOf(c), models.Platform(req.Platform))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, status)
}

func (s *Server) credentialStatus(c echo.Context) error {
	status, err := s.svc.GetCredentialStatus(c.Request().Context(), ownerOf(c), models.Platform(c.Param("platform")))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, status)
}

// Feeds

func (s *Server) registerFeedRoutes(g *echo.Group) {
	g.GET("/alerts", s.listAlerts)
	g.GET("/cards", s.listCards)
}

func (s *Server) listAlerts(c echo.Context) error {
	var req service.FeedRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	alerts, err := s.svc.ListAlerts(c.Request().Context(), ownerOf(c), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, alerts)
}

func (s *Server) listCards(c echo.Context) error {
	var req service.FeedRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	cards, err := s.svc.ListCards(c.Request().Context(), ownerOf(c), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cards)
}
