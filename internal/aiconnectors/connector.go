package aiconnectors

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/cohere"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/time/rate"
)

// Provider represents an AI provider type
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderGemini Provider = "gemini"
	ProviderClaude Provider = "claude"
	ProviderCohere Provider = "cohere"
	ProviderOllama Provider = "ollama"
	// ProviderEcho needs no model; replies are derived from the context.
	ProviderEcho Provider = "echo"
)

// DefaultModels is used when no model is configured for a provider.
var DefaultModels = map[Provider]string{
	ProviderOpenAI: "gpt-4o-mini",
	ProviderGemini: "gemini-2.5-flash",
	ProviderClaude: "claude-3-5-haiku-latest",
	ProviderCohere: "command-r",
	ProviderOllama: "llama3",
}

type ModelConfig struct {
	Temperature float64 `json:"temperature,omitempty" koanf:"temperature"`
	MaxTokens   int     `json:"max_tokens,omitempty" koanf:"max_tokens"`
	TopP        float64 `json:"top_p,omitempty" koanf:"top_p"`
	Model       string  `json:"model,omitempty" koanf:"model"`
}

type ConnectorOptions struct {
	Provider    Provider    `json:"provider"`
	APIKey      string      `json:"api_key"`
	BaseURL     string      `json:"base_url,omitempty"`
	ModelConfig ModelConfig `json:"model_config,omitempty"`
	// RequestsPerMinute caps outbound calls; zero means unlimited.
	RequestsPerMinute int `json:"requests_per_minute,omitempty"`
}

// Connector is a rate-limited connection to one provider's model.
type Connector struct {
	provider Provider
	llm      llms.Model
	options  ConnectorOptions
	limiter  *rate.Limiter
}

func NewConnector(ctx context.Context, options ConnectorOptions) (*Connector, error) {
	if options.ModelConfig.Model == "" {
		options.ModelConfig.Model = DefaultModels[options.Provider]
	}
	log.Debug().
		Str("provider", string(options.Provider)).
		Str("model", options.ModelConfig.Model).
		Float64("temperature", options.ModelConfig.Temperature).
		Msg("Creating new connector")

	var model llms.Model
	var err error
	switch options.Provider {
	case ProviderOpenAI:
		model, err = createOpenAIModel(options)
	case ProviderGemini:
		model, err = createGeminiModel(ctx, options)
	case ProviderClaude:
		model, err = createAnthropicModel(options)
	case ProviderCohere:
		model, err = createCohereModel(options)
	case ProviderOllama:
		model, err = createOllamaModel(options)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", options.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create model for provider %s: %w", options.Provider, err)
	}

	c := &Connector{provider: options.Provider, llm: model, options: options}
	if options.RequestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(float64(options.RequestsPerMinute)/60.0), 1)
	}
	return c, nil
}

func createOpenAIModel(options ConnectorOptions) (llms.Model, error) {
	opts := []openai.Option{
		openai.WithModel(options.ModelConfig.Model),
		openai.WithToken(options.APIKey),
	}
	if options.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(options.BaseURL))
	}
	return openai.New(opts...)
}

func createGeminiModel(ctx context.Context, options ConnectorOptions) (llms.Model, error) {
	model, err := googleai.New(ctx,
		googleai.WithAPIKey(options.APIKey),
		googleai.WithDefaultModel(options.ModelConfig.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini model: %w", err)
	}
	return model, nil
}

func createAnthropicModel(options ConnectorOptions) (llms.Model, error) {
	return anthropic.New(
		anthropic.WithToken(options.APIKey),
		anthropic.WithModel(options.ModelConfig.Model),
	)
}

func createCohereModel(options ConnectorOptions) (llms.Model, error) {
	opts := []cohere.Option{
		cohere.WithToken(options.APIKey),
		cohere.WithModel(options.ModelConfig.Model),
	}
	if options.BaseURL != "" {
		opts = append(opts, cohere.WithBaseURL(options.BaseURL))
	}
	return cohere.New(opts...)
}

func createOllamaModel(options ConnectorOptions) (llms.Model, error) {
	if options.BaseURL == "" {
		options.BaseURL = "http://localhost:11434"
	}
	// Ollama takes sampling settings per call, not at construction.
	return ollama.New(
		ollama.WithServerURL(options.BaseURL),
		ollama.WithModel(options.ModelConfig.Model),
	)
}

// Call sends a single prompt, waiting on the rate limiter first.
func (c *Connector) Call(ctx context.Context, input string) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limiter: %w", err)
		}
	}
	callOptions := []llms.CallOption{
		llms.WithTemperature(c.options.ModelConfig.Temperature),
	}
	if c.options.ModelConfig.MaxTokens > 0 {
		callOptions = append(callOptions, llms.WithMaxTokens(c.options.ModelConfig.MaxTokens))
	}
	if c.options.ModelConfig.TopP > 0 {
		callOptions = append(callOptions, llms.WithTopP(c.options.ModelConfig.TopP))
	}
	if c.provider == ProviderGemini {
		callOptions = append(callOptions, llms.WithModel(c.options.ModelConfig.Model))
	}
	return llms.GenerateFromSinglePrompt(ctx, c.llm, input, callOptions...)
}

func (c *Connector) GetProvider() Provider { return c.provider }

func (c *Connector) GetModel() string { return c.options.ModelConfig.Model }

// ValidateAPIKey checks credentials with a tiny generation. An invalid key
// yields (false, nil); quota errors are returned since the key itself
// worked.
func ValidateAPIKey(ctx context.Context, provider Provider, apiKey, baseURL string) (bool, error) {
	if provider == ProviderOllama {
		if _, err := FetchOllamaModels(ctx, baseURL, apiKey); err != nil {
			log.Error().Err(err).Str("base_url", baseURL).Msg("Ollama validation failed")
			return false, nil
		}
		return true, nil
	}
	if _, ok := DefaultModels[provider]; !ok {
		return false, fmt.Errorf("unsupported provider: %s", provider)
	}

	connector, err := NewConnector(ctx, ConnectorOptions{
		Provider:    provider,
		APIKey:      apiKey,
		BaseURL:     baseURL,
		ModelConfig: ModelConfig{Temperature: 0.7, MaxTokens: 10},
	})
	if err != nil {
		return false, fmt.Errorf("failed to create connector: %w", err)
	}
	if _, err := connector.Call(ctx, "test"); err != nil {
		log.Error().Err(err).
			Str("provider", string(provider)).
			Str("api_key_prefix", apiKey[:min(len(apiKey), 6)]).
			Msg("API key validation failed")
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "429") || strings.Contains(msg, "quota") {
			return false, fmt.Errorf("quota exceeded, the key is likely valid but rate limited: %w", err)
		}
		return false, nil
	}
	return true, nil
}
