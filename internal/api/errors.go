package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/convohub/internal/history"
)

// httpError maps engine errors onto status codes. Unclassified errors are
// logged and reported as 500 without their text.
func httpError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, history.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, history.ErrInvalidArgument):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, history.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, history.ErrUpstreamFailure):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	log.Error().Err(err).Msg("Unhandled engine error")
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}
