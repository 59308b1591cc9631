package deploy

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        100 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func respWith(code int) *github.Response {
	return &github.Response{Response: &http.Response{StatusCode: code}}
}

func TestRetryConfig_ApplyDefaults(t *testing.T) {
	t.Run("applies all defaults when empty", func(t *testing.T) {
		cfg := &RetryConfig{}
		cfg.ApplyDefaults()

		assert.Equal(t, 3, cfg.MaxRetries)
		assert.Equal(t, time.Second, cfg.InitialBackoff)
		assert.Equal(t, 30*time.Second, cfg.MaxBackoff)
		assert.Equal(t, 2.0, cfg.BackoffMultiplier)
	})

	t.Run("preserves non-zero values", func(t *testing.T) {
		cfg := &RetryConfig{MaxRetries: 5, InitialBackoff: 2 * time.Second, MaxBackoff: time.Minute, BackoffMultiplier: 3}
		cfg.ApplyDefaults()

		assert.Equal(t, 5, cfg.MaxRetries)
		assert.Equal(t, 2*time.Second, cfg.InitialBackoff)
		assert.Equal(t, time.Minute, cfg.MaxBackoff)
		assert.Equal(t, 3.0, cfg.BackoffMultiplier)
	})
}

func TestRetryGitHub_SuccessAfterRetries(t *testing.T) {
	calls := 0
	start := time.Now()
	resp, err := retryGitHub(context.Background(), fastRetry(), zap.NewNop(), "op", func() (*github.Response, error) {
		calls++
		if calls < 3 {
			return respWith(http.StatusServiceUnavailable), errors.New("service unavailable")
		}
		return respWith(http.StatusOK), nil
	})

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Response.StatusCode)
	assert.Equal(t, 3, calls)
	// 10ms + 20ms of backoff.
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestRetryGitHub_NonRetryable(t *testing.T) {
	for _, code := range []int{http.StatusNotFound, http.StatusConflict, http.StatusMethodNotAllowed, http.StatusUnprocessableEntity} {
		calls := 0
		resp, err := retryGitHub(context.Background(), fastRetry(), zap.NewNop(), "op", func() (*github.Response, error) {
			calls++
			return respWith(code), errors.New("nope")
		})
		require.Error(t, err)
		assert.Equal(t, code, statusCode(resp))
		assert.Equal(t, 1, calls, "status %d must not be retried", code)
	}
}

func TestRetryGitHub_ExhaustsRetries(t *testing.T) {
	cfg := fastRetry()
	cfg.MaxRetries = 2
	calls := 0
	resp, err := retryGitHub(context.Background(), cfg, zap.NewNop(), "op", func() (*github.Response, error) {
		calls++
		return respWith(http.StatusBadGateway), errors.New("bad gateway")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 2 retries")
	assert.Equal(t, http.StatusBadGateway, statusCode(resp))
	assert.Equal(t, 3, calls)
}

func TestRetryGitHub_NetworkErrorIsRetried(t *testing.T) {
	calls := 0
	_, err := retryGitHub(context.Background(), fastRetry(), zap.NewNop(), "op", func() (*github.Response, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("connection reset")
		}
		return respWith(http.StatusOK), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetryGitHub_ContextCancelled(t *testing.T) {
	cfg := fastRetry()
	cfg.InitialBackoff = time.Second
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := retryGitHub(ctx, cfg, zap.NewNop(), "op", func() (*github.Response, error) {
		return respWith(http.StatusServiceUnavailable), errors.New("unavailable")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIsRetryable(t *testing.T) {
	secondary := respWith(http.StatusForbidden)
	secondary.Rate.Limit = 5000

	tests := []struct {
		name string
		resp *github.Response
		want bool
	}{
		{"network error", nil, true},
		{"429", respWith(http.StatusTooManyRequests), true},
		{"500", respWith(http.StatusInternalServerError), true},
		{"403 secondary rate limit", secondary, true},
		{"403 forbidden", respWith(http.StatusForbidden), false},
		{"401", respWith(http.StatusUnauthorized), false},
		{"422", respWith(http.StatusUnprocessableEntity), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryable(errors.New("x"), tt.resp))
		})
	}
	assert.False(t, isRetryable(nil, respWith(http.StatusInternalServerError)))
}

func TestRateLimitBackoff(t *testing.T) {
	assert.Equal(t, time.Minute, rateLimitBackoff(nil, 5*time.Minute))
	assert.Equal(t, 30*time.Second, rateLimitBackoff(nil, 30*time.Second))

	resp := respWith(http.StatusTooManyRequests)
	resp.Rate.Limit = 5000
	resp.Rate.Reset = github.Timestamp{Time: time.Now().Add(-time.Minute)}
	assert.Equal(t, time.Second, rateLimitBackoff(resp, time.Minute))

	resp.Rate.Reset = github.Timestamp{Time: time.Now().Add(time.Hour)}
	assert.Equal(t, time.Minute, rateLimitBackoff(resp, time.Minute))
}
