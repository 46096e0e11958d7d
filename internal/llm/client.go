// Package llm wraps text-generation models with retries, timeouts and
// tolerant JSON decoding.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/convohub/internal/retry"
)

// Model is anything that completes a single prompt.
type Model interface {
	Call(ctx context.Context, prompt string) (string, error)
}

// ResilientClient retries transient model failures and, for structured
// calls, responses that cannot be decoded.
type ResilientClient struct {
	model       Model
	retryConfig retry.RetryConfig
	timeout     time.Duration
}

func NewResilientClient(model Model, config retry.RetryConfig, timeout time.Duration) *ResilientClient {
	return &ResilientClient{model: model, retryConfig: config, timeout: timeout}
}

func (rc *ResilientClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if rc.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, rc.timeout)
}

// Generate returns the model's raw text.
func (rc *ResilientClient) Generate(ctx context.Context, prompt string) (string, error) {
	var out string
	err := retry.Do(ctx, rc.retryConfig, "llm_generate", func(ctx context.Context) error {
		callCtx, cancel := rc.withTimeout(ctx)
		defer cancel()
		text, err := rc.model.Call(callCtx, prompt)
		if err != nil {
			if !retry.IsRetryableError(err) {
				return retry.Permanent(err)
			}
			return err
		}
		out = text
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("model call failed: %w", err)
	}
	return out, nil
}

// GenerateStructured decodes the model's response into target, asking
// again when the response is not usable JSON.
func (rc *ResilientClient) GenerateStructured(ctx context.Context, prompt string, target any) error {
	start := time.Now()
	attempts := 0
	err := retry.Do(ctx, rc.retryConfig, "llm_generate_structured", func(ctx context.Context) error {
		attempts++
		callCtx, cancel := rc.withTimeout(ctx)
		defer cancel()
		text, err := rc.model.Call(callCtx, prompt)
		if err != nil {
			if !retry.IsRetryableError(err) {
				return retry.Permanent(err)
			}
			return err
		}
		_, err = DecodeJSON(text, target)
		return err
	})
	if err != nil {
		return fmt.Errorf("structured model call failed: %w", err)
	}
	log.Debug().Int("attempts", attempts).Dur("duration", time.Since(start)).Msg("Structured model response decoded")
	return nil
}

func (rc *ResilientClient) RetryConfig() retry.RetryConfig {
	return rc.retryConfig
}
