package clients

import (
	"context"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// DefaultShouldRetry retries transport errors, 5xx gateway-class statuses
// and 429.
func DefaultShouldRetry(resp *http.Response, err error) bool {
	if err != nil || resp == nil {
		return true
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// NeverRetry is for calls with side effects, such as creating an invoice or
// requesting one from an LNURL callback.
func NeverRetry(*http.Response, error) bool {
	return false
}

type HTTPExecutorConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	ShouldRetry func(resp *http.Response, err error) bool

	// CircuitBreaker is optional.
	CircuitBreaker *CircuitBreakerConfig
}

func DefaultHTTPExecutorConfig() HTTPExecutorConfig {
	return HTTPExecutorConfig{
		MaxRetries:  3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		ShouldRetry: DefaultShouldRetry,
	}
}

// NewHTTPRetryPolicy returns a jittered exponential backoff policy. A
// negative MaxRetries is treated as zero.
//
//nolint:bodyclose // *http.Response is a type parameter here
func NewHTTPRetryPolicy(cfg HTTPExecutorConfig) retrypolicy.RetryPolicy[*http.Response] {
	retries := max(cfg.MaxRetries, 0)
	base := cfg.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	ceiling := max(cfg.MaxDelay, base)
	should := cfg.ShouldRetry
	if should == nil {
		should = DefaultShouldRetry
	}

	return retrypolicy.NewBuilder[*http.Response]().
		WithMaxRetries(retries).
		WithBackoff(base, ceiling).
		WithJitterFactor(0.1).
		HandleIf(should).
		ReturnLastFailure().
		Build()
}

// NewHTTPExecutor composes the retry policy with the optional breaker. The
// breaker sits inside the retry so every attempt is counted.
//
//nolint:bodyclose // *http.Response is a type parameter here
func NewHTTPExecutor(cfg HTTPExecutorConfig) failsafe.Executor[*http.Response] {
	retry := NewHTTPRetryPolicy(cfg)
	if cfg.CircuitBreaker == nil {
		return failsafe.With[*http.Response](retry)
	}
	return failsafe.With[*http.Response](retry, NewHTTPCircuitBreaker(*cfg.CircuitBreaker))
}

func ExecuteHTTP(ctx context.Context, executor failsafe.Executor[*http.Response], fn func() (*http.Response, error)) (*http.Response, error) {
	return executor.WithContext(ctx).Get(fn)
}
