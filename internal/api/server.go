package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/convohub/internal/aiconnectors"
	"github.com/convohub/internal/engine"
)

const shutdownTimeout = 10 * time.Second

// Server represents the API server
type Server struct {
	echo   *echo.Echo
	port   int
	engine *engine.Engine
}

// NewServer creates a new API server. gatherer backs /metrics and may be
// nil to leave the endpoint out.
func NewServer(eng *engine.Engine, port int, gatherer prometheus.Gatherer) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(requestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	server := &Server{
		echo:   e,
		port:   port,
		engine: eng,
	}
	server.setupRoutes(gatherer)
	return server
}

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			ev := log.Info()
			if v.Status >= http.StatusInternalServerError {
				ev = log.Error().Err(v.Error)
			}
			ev.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("Request")
			return nil
		},
	})
}

func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "healthy",
		})
	})
	if gatherer != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	v1 := s.echo.Group("/api/v1")

	v1.POST("/threads", s.createThread)
	v1.GET("/threads", s.listThreads)
	v1.GET("/threads/:id", s.getThread)
	v1.PATCH("/threads/:id", s.updateThread)
	v1.GET("/threads/:id/branches", s.listBranches)
	v1.POST("/threads/:id/branches", s.createBranch)
	v1.GET("/threads/:id/summaries", s.getSummaries)
	v1.GET("/threads/:id/memories", s.getMemories)
	v1.GET("/threads/:id/merges", s.listMerges)
	v1.POST("/threads/:id/merges", s.merge)

	v1.GET("/branches/:id", s.getBranch)
	v1.DELETE("/branches/:id", s.deactivateBranch)
	v1.GET("/branches/:id/tip", s.getBranchTip)
	v1.POST("/branches/:id/messages", s.appendMessage)
	v1.GET("/branches/:id/messages", s.listMessages)
	v1.GET("/branches/:id/context", s.getContext)
	v1.PUT("/branches/:id/memories", s.putMemory)
	v1.GET("/branches/:id/followups", s.listFollowups)

	v1.GET("/merges/:id", s.getMerge)
	v1.GET("/diff", s.diff)
	v1.GET("/followups/:id", s.getFollowup)
	v1.POST("/followups/:id/retry", s.retryFollowup)

	aiconnectors.RegisterHandlers(v1)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", s.port).Msg("API server listening")
		if err := s.echo.Start(fmt.Sprintf(":%d", s.port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	log.Info().Msg("Shutting down API server")
	return s.echo.Shutdown(shutdownCtx)
}
