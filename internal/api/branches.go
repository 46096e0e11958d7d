package api

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/convohub/internal/ancestry"
	"github.com/convohub/internal/contextbuilder"
	"github.com/convohub/internal/diff"
	"github.com/convohub/internal/engine"
	"github.com/convohub/internal/history"
)

const idempotencyHeader = "Idempotency-Key"

func (s *Server) getBranch(c echo.Context) error {
	b, err := s.engine.GetBranch(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (s *Server) deactivateBranch(c echo.Context) error {
	b, err := s.engine.DeactivateBranch(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

// getBranchTip answers null for a branch without messages.
func (s *Server) getBranchTip(c echo.Context) error {
	msg, err := s.engine.GetBranchTip(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, msg)
}

func (s *Server) appendMessage(c echo.Context) error {
	var req engine.AppendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	req.BranchID = c.Param("id")
	if key := c.Request().Header.Get(idempotencyHeader); key != "" {
		req.IdempotencyKey = key
	}
	msg, err := s.engine.AppendMessage(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, msg)
}

func (s *Server) listMessages(c echo.Context) error {
	var limit int
	if err := echo.QueryParamsBinder(c).Int("limit", &limit).BindError(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "limit must be an integer")
	}
	page, err := s.engine.ListMessages(c.Request().Context(), c.Param("id"), c.QueryParam("cursor"), limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, page)
}

// getContext starts from the named preset, or the configured policy when
// none is given, and applies overrides from the query. system_messages may
// repeat; each value becomes one preamble line.
func (s *Server) getContext(c echo.Context) error {
	policy := s.engine.DefaultPolicy()
	if name := c.QueryParam("preset"); name != "" {
		p, ok := contextbuilder.Preset(name)
		if !ok {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown preset %q", name))
		}
		policy = p
	}
	err := echo.QueryParamsBinder(c).
		Int("window_size", &policy.WindowSize).
		Int("max_tokens", &policy.MaxTokens).
		Bool("use_summary", &policy.UseSummary).
		Bool("use_memory", &policy.UseMemory).
		Float64("relevance_threshold", &policy.RelevanceThreshold).
		Strings("system_messages", &policy.SystemMessages).
		BindError()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	out, err := s.engine.GetContext(c.Request().Context(), c.Param("id"), policy)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) putMemory(c echo.Context) error {
	var req engine.PutMemoryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	req.BranchID = c.Param("id")
	f, err := s.engine.PutMemory(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, f)
}

func (s *Server) listFollowups(c echo.Context) error {
	out, err := s.engine.ListFollowups(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) getFollowup(c echo.Context) error {
	f, err := s.engine.GetFollowup(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, f)
}

func (s *Server) retryFollowup(c echo.Context) error {
	f, err := s.engine.RetryFollowup(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, f)
}

func (s *Server) diff(c echo.Context) error {
	left, right := c.QueryParam("left"), c.QueryParam("right")
	if left == "" || right == "" {
		return httpError(fmt.Errorf("left and right are required: %w", history.ErrInvalidArgument))
	}
	var opts ancestry.Options
	if err := echo.QueryParamsBinder(c).Bool("merge_aware", &opts.MergeAware).BindError(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "merge_aware must be a boolean")
	}
	res, err := s.engine.Diff(c.Request().Context(), left, right, diff.Mode(c.QueryParam("mode")), opts)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}
