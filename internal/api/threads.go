package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/convohub/internal/engine"
)

func (s *Server) createThread(c echo.Context) error {
	var req engine.CreateThreadRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	t, err := s.engine.CreateThread(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, t)
}

func (s *Server) listThreads(c echo.Context) error {
	threads, err := s.engine.ListThreads(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, threads)
}

func (s *Server) getThread(c echo.Context) error {
	t, err := s.engine.GetThread(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) updateThread(c echo.Context) error {
	var req engine.UpdateThreadRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	t, err := s.engine.UpdateThread(c.Request().Context(), c.Param("id"), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) getSummaries(c echo.Context) error {
	out, err := s.engine.GetSummaries(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) getMemories(c echo.Context) error {
	out, err := s.engine.GetMemories(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) listBranches(c echo.Context) error {
	out, err := s.engine.ListBranches(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

// createBranch creates a root branch, or a fork when source_branch_id is
// present in the body.
func (s *Server) createBranch(c echo.Context) error {
	var req engine.CreateBranchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	req.ThreadID = c.Param("id")
	b, err := s.engine.CreateBranch(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, b)
}

func (s *Server) listMerges(c echo.Context) error {
	out, err := s.engine.ListMerges(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) merge(c echo.Context) error {
	var req engine.MergeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	req.ThreadID = c.Param("id")
	if key := c.Request().Header.Get(idempotencyHeader); key != "" {
		req.IdempotencyKey = key
	}
	rec, err := s.engine.Merge(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, rec)
}

func (s *Server) getMerge(c echo.Context) error {
	rec, err := s.engine.GetMerge(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}
