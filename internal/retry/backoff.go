package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig configures exponential backoff for calls to collaborators.
type RetryConfig struct {
	MaxRetries int           `json:"max_retries" koanf:"max_retries"`
	BaseDelay  time.Duration `json:"base_delay" koanf:"base_delay"`
	MaxDelay   time.Duration `json:"max_delay" koanf:"max_delay"`
	Multiplier float64       `json:"multiplier" koanf:"multiplier"`
	Jitter     bool          `json:"jitter" koanf:"jitter"`
	LogRetries bool          `json:"log_retries" koanf:"log_retries"`
}

// RetryResult describes how an operation went across its attempts.
type RetryResult struct {
	Attempts      int           `json:"attempts"`
	TotalDuration time.Duration `json:"total_duration"`
	LastError     error         `json:"-"`
	Success       bool          `json:"success"`
	RetryReasons  []string      `json:"retry_reasons"`
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
		LogRetries: true,
	}
}

// LLMRetryConfig is tuned for model calls, which are slow and rate limited.
func LLMRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		MaxDelay:   60 * time.Second,
		Multiplier: 2.5,
		Jitter:     true,
		LogRetries: true,
	}
}

// permanentError stops the retry loop immediately.
type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Do runs op until it succeeds, returns a permanent error, or the attempts
// run out. The last error is returned unwrapped.
func Do(ctx context.Context, config RetryConfig, name string, op func(ctx context.Context) error) error {
	res := RetryWithBackoff(ctx, config, name, func() error { return op(ctx) })
	if res.Success {
		return nil
	}
	var p permanentError
	if errors.As(res.LastError, &p) {
		return p.err
	}
	return res.LastError
}

// RetryWithBackoff executes operation with exponential backoff.
func RetryWithBackoff(ctx context.Context, config RetryConfig, name string, operation func() error) RetryResult {
	return RetryWithBackoffAndReason(ctx, config, name, func() (error, string) {
		err := operation()
		reason := "unknown_error"
		if err != nil {
			reason = err.Error()
		}
		return err, reason
	})
}

// RetryWithBackoffAndReason is RetryWithBackoff with caller-supplied
// reasons recorded for each failed attempt.
func RetryWithBackoffAndReason(ctx context.Context, config RetryConfig, name string, operation func() (error, string)) RetryResult {
	startTime := time.Now()
	result := RetryResult{RetryReasons: make([]string, 0)}
	logger := log.With().Str("operation", name).Logger()

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		result.Attempts = attempt + 1

		err, reason := operation()
		if err == nil {
			result.Success = true
			result.TotalDuration = time.Since(startTime)
			if config.LogRetries && attempt > 0 {
				logger.Info().Int("retries", attempt).Dur("duration", result.TotalDuration).Msg("Operation succeeded after retries")
			}
			return result
		}

		result.LastError = err
		result.RetryReasons = append(result.RetryReasons, reason)

		var p permanentError
		if errors.As(err, &p) || attempt >= config.MaxRetries {
			result.TotalDuration = time.Since(startTime)
			if config.LogRetries {
				logger.Warn().Err(err).Int("attempts", result.Attempts).Dur("duration", result.TotalDuration).Msg("Operation failed")
			}
			return result
		}
		if ctx.Err() != nil {
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(startTime)
			return result
		}

		delay := calculateDelay(config, attempt)
		if config.LogRetries {
			logger.Debug().Err(err).
				Int("attempt", attempt+1).
				Int("max_attempts", config.MaxRetries+1).
				Dur("backoff", delay).
				Msg("Operation failed, backing off")
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(startTime)
			return result
		case <-timer.C:
		}
	}

	result.TotalDuration = time.Since(startTime)
	return result
}

// calculateDelay is baseDelay * multiplier^attempt, capped at MaxDelay,
// with up to 10% jitter either way.
func calculateDelay(config RetryConfig, attempt int) time.Duration {
	delay := float64(config.BaseDelay) * math.Pow(config.Multiplier, float64(attempt))
	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}
	if config.Jitter {
		jitterRange := delay * 0.1
		delay += (rand.Float64() - 0.5) * 2 * jitterRange
		if delay < 0 {
			delay = float64(config.BaseDelay)
		}
	}
	return time.Duration(delay)
}

var retryableErrors = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"service unavailable",
	"too many requests",
	"rate limit",
	"429",
	"502",
	"503",
	"504",
	"no such host",
	"network unreachable",
	"broken pipe",
	"context deadline exceeded",
}

// IsRetryableError reports whether err looks transient.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, r := range retryableErrors {
		if strings.Contains(msg, r) {
			return true
		}
	}
	return false
}
