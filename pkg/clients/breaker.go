package clients

import (
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"

	"zapbot/pkg/logging"
)

type CircuitBreakerState int

const (
	StateClosed CircuitBreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	}
	return "unknown"
}

func stateOf(s circuitbreaker.State) CircuitBreakerState {
	switch s {
	case circuitbreaker.HalfOpenState:
		return StateHalfOpen
	case circuitbreaker.OpenState:
		return StateOpen
	}
	return StateClosed
}

// CircuitBreakerConfig describes one breaker. The LNURL client clones it per
// provider domain, suffixing Name with the host.
type CircuitBreakerConfig struct {
	Name string

	// MinRequests is the window the failure ratio is computed over.
	MinRequests  uint32
	FailureRatio float64

	// Timeout is how long the breaker stays open before probing again.
	Timeout time.Duration

	// MaxRequests successful trial requests close a half-open breaker.
	MaxRequests uint32

	Logger        logging.Logger
	OnStateChange func(name string, from, to CircuitBreakerState)
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:         "default",
		MinRequests:  10,
		FailureRatio: 0.5,
		Timeout:      15 * time.Second,
		MaxRequests:  1,
	}
}

func (cfg CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	def := DefaultCircuitBreakerConfig()
	if cfg.Name == "" {
		cfg.Name = "circuit-breaker"
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = def.MinRequests
	}
	if cfg.FailureRatio <= 0 {
		cfg.FailureRatio = def.FailureRatio
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = def.MaxRequests
	}
	return cfg
}

// failures is the absolute failure count within MinRequests that trips the
// breaker. Never less than one.
func (cfg CircuitBreakerConfig) failures() uint {
	n := uint(float64(cfg.MinRequests) * cfg.FailureRatio)
	if n == 0 {
		return 1
	}
	return n
}

// IsServerFailure reports whether a response counts against a breaker:
// transport errors and 5xx statuses do, 4xx answers do not.
func IsServerFailure(resp *http.Response, err error) bool {
	if err != nil {
		return true
	}
	return resp != nil && resp.StatusCode >= http.StatusInternalServerError
}

// NewHTTPCircuitBreaker builds a breaker over HTTP responses.
//
//nolint:bodyclose // *http.Response is a type parameter here
func NewHTTPCircuitBreaker(cfg CircuitBreakerConfig) circuitbreaker.CircuitBreaker[*http.Response] {
	cfg = cfg.withDefaults()
	b := circuitbreaker.NewBuilder[*http.Response]().
		WithFailureThresholdRatio(cfg.failures(), uint(cfg.MinRequests)).
		WithDelay(cfg.Timeout).
		WithSuccessThreshold(uint(cfg.MaxRequests)).
		HandleIf(IsServerFailure)

	if cfg.Logger != nil || cfg.OnStateChange != nil {
		b = b.OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			from, to := stateOf(e.OldState), stateOf(e.NewState)
			if cfg.Logger != nil {
				cfg.Logger.WithFields(logging.Fields{
					"circuit_breaker": cfg.Name,
					"from_state":      from.String(),
					"to_state":        to.String(),
				}).Warn("circuit breaker state change")
			}
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(cfg.Name, from, to)
			}
		})
	}
	return b.Build()
}
