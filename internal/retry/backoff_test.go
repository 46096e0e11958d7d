package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries: maxRetries,
		BaseDelay:  5 * time.Millisecond,
		MaxDelay:   50 * time.Millisecond,
		Multiplier: 2.0,
	}
}

func TestLLMRetryConfig(t *testing.T) {
	config := LLMRetryConfig()
	assert.Equal(t, 3, config.MaxRetries)
	assert.Equal(t, 2*time.Second, config.BaseDelay)
	assert.Equal(t, 60*time.Second, config.MaxDelay)
	assert.Equal(t, 2.5, config.Multiplier)
}

func TestRetryWithBackoff_EventualSuccess(t *testing.T) {
	attempts := 0
	result := RetryWithBackoff(context.Background(), fastConfig(3), "test", func() error {
		attempts++
		if attempts < 3 {
			return errors.New("temporary failure")
		}
		return nil
	})

	assert.True(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
	assert.Len(t, result.RetryReasons, 2)
}

func TestRetryWithBackoff_AllAttemptsFail(t *testing.T) {
	want := errors.New("persistent failure")
	result := RetryWithBackoff(context.Background(), fastConfig(2), "test", func() error {
		return want
	})

	assert.False(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
	assert.Same(t, want, result.LastError)
}

func TestRetryWithBackoff_ContextCancellation(t *testing.T) {
	config := fastConfig(5)
	config.BaseDelay = 100 * time.Millisecond
	config.MaxDelay = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	result := RetryWithBackoff(ctx, config, "test", func() error {
		return errors.New("always fails")
	})

	assert.False(t, result.Success)
	assert.ErrorIs(t, result.LastError, context.DeadlineExceeded)
	assert.LessOrEqual(t, result.Attempts, 2)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	base := errors.New("bad request")
	err := Do(context.Background(), fastConfig(5), "test", func(context.Context) error {
		calls++
		return Permanent(base)
	})

	require.Error(t, err)
	assert.Same(t, base, err)
	assert.Equal(t, 1, calls)
}

func TestDo_Success(t *testing.T) {
	require.NoError(t, Do(context.Background(), fastConfig(1), "test", func(context.Context) error { return nil }))
}

func TestCalculateDelay(t *testing.T) {
	config := RetryConfig{BaseDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2.0}

	assert.Equal(t, time.Second, calculateDelay(config, 0))
	assert.Equal(t, 2*time.Second, calculateDelay(config, 1))
	assert.Equal(t, 4*time.Second, calculateDelay(config, 2))
	assert.Equal(t, 10*time.Second, calculateDelay(config, 10))
}

func TestCalculateDelay_WithJitter(t *testing.T) {
	config := RetryConfig{BaseDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2.0, Jitter: true}

	for i := 0; i < 20; i++ {
		d := calculateDelay(config, 1)
		assert.InDelta(t, float64(2*time.Second), float64(d), float64(200*time.Millisecond))
	}
}

func TestIsRetryableError(t *testing.T) {
	for _, msg := range []string{
		"connection refused",
		"request timeout",
		"HTTP 429 Too Many Requests",
		"HTTP 503 Service Unavailable",
		"context deadline exceeded",
	} {
		assert.True(t, IsRetryableError(errors.New(msg)), msg)
	}
	for _, msg := range []string{"invalid input", "HTTP 400 Bad Request", "HTTP 401 Unauthorized"} {
		assert.False(t, IsRetryableError(errors.New(msg)), msg)
	}
	assert.False(t, IsRetryableError(nil))
}

func TestRetryWithBackoffAndReason(t *testing.T) {
	attempts := 0
	result := RetryWithBackoffAndReason(context.Background(), fastConfig(2), "test", func() (error, string) {
		attempts++
		switch attempts {
		case 1:
			return errors.New("network timeout"), "network_timeout"
		case 2:
			return errors.New("rate limited"), "rate_limit"
		default:
			return nil, "success"
		}
	})

	require.True(t, result.Success)
	assert.Equal(t, []string{"network_timeout", "rate_limit"}, result.RetryReasons)
}
