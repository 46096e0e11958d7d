package aiconnectors

import (
	"net/http"
	"sort"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

type ValidateAPIKeyRequest struct {
	Provider Provider `json:"provider"`
	APIKey   string   `json:"api_key"`
	BaseURL  string   `json:"base_url,omitempty"`
}

type ValidateAPIKeyResponse struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message,omitempty"`
}

type ProviderInfo struct {
	Provider     Provider `json:"provider"`
	DefaultModel string   `json:"default_model"`
}

// RegisterHandlers mounts the provider endpoints on g.
func RegisterHandlers(g *echo.Group) {
	g.GET("/ai/providers", listProvidersHandler)
	g.POST("/ai/validate-key", validateAPIKeyHandler)
}

func listProvidersHandler(c echo.Context) error {
	out := make([]ProviderInfo, 0, len(DefaultModels))
	for p, m := range DefaultModels {
		out = append(out, ProviderInfo{Provider: p, DefaultModel: m})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return c.JSON(http.StatusOK, out)
}

func validateAPIKeyHandler(c echo.Context) error {
	var req ValidateAPIKeyRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ValidateAPIKeyResponse{Message: "Invalid request body"})
	}
	if req.Provider == "" {
		return c.JSON(http.StatusBadRequest, ValidateAPIKeyResponse{Message: "Provider is required"})
	}
	if req.APIKey == "" && req.Provider != ProviderOllama {
		return c.JSON(http.StatusBadRequest, ValidateAPIKeyResponse{Message: "API key is required"})
	}

	log.Info().Str("provider", string(req.Provider)).Msg("Validating API key")
	valid, err := ValidateAPIKey(c.Request().Context(), req.Provider, req.APIKey, req.BaseURL)
	if err != nil {
		log.Error().Err(err).Msg("Error validating API key")
		return c.JSON(http.StatusBadGateway, ValidateAPIKeyResponse{Message: err.Error()})
	}

	message := "API key is valid"
	if !valid {
		message = "API key is invalid"
	}
	return c.JSON(http.StatusOK, ValidateAPIKeyResponse{Valid: valid, Message: message})
}
