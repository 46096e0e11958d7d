package aiconnectors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type OllamaModel struct {
	Name       string    `json:"name"`
	ModifiedAt time.Time `json:"modified_at"`
	Size       int64     `json:"size"`
}

type ollamaTagsResponse struct {
	Models []OllamaModel `json:"models"`
}

var ollamaHTTPClient = &http.Client{Timeout: 10 * time.Second}

// FetchOllamaModels lists the models an Ollama server has pulled. baseURL
// may point at the server root or at its /api prefix.
func FetchOllamaModels(ctx context.Context, baseURL, token string) ([]OllamaModel, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	if !strings.HasSuffix(baseURL, "/api") {
		baseURL += "/api"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := ollamaHTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Ollama at %s: %w", baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama API returned status %d", resp.StatusCode)
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("failed to parse Ollama response: %w", err)
	}
	return tags.Models, nil
}
