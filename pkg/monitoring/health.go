package monitoring

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status    string                 `json:"status"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Timestamp int64                  `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// CheckResult represents the result of an individual health check
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HealthChecker manages and executes health checks
type HealthChecker struct {
	service string
	version string

	mu     sync.RWMutex
	checks map[string]HealthCheck
}

// HealthCheck is a function that performs a health check
type HealthCheck func() CheckResult

// NewHealthChecker creates a new health checker instance
func NewHealthChecker(service, version string) *HealthChecker {
	return &HealthChecker{
		service: service,
		version: version,
		checks:  make(map[string]HealthCheck),
	}
}

// AddCheck adds a health check to the checker
func (hc *HealthChecker) AddCheck(name string, check HealthCheck) {
	hc.mu.Lock()
	hc.checks[name] = check
	hc.mu.Unlock()
}

// CheckHealth runs every check concurrently. Any unhealthy check makes the
// service unhealthy; otherwise any degraded check degrades it.
func (hc *HealthChecker) CheckHealth() HealthStatus {
	hc.mu.RLock()
	checks := make(map[string]HealthCheck, len(hc.checks))
	for name, check := range hc.checks {
		checks[name] = check
	}
	hc.mu.RUnlock()

	var (
		wg  sync.WaitGroup
		rmu sync.Mutex
	)
	results := make(map[string]CheckResult, len(checks))
	for name, check := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := check()
			rmu.Lock()
			results[name] = res
			rmu.Unlock()
		}()
	}
	wg.Wait()

	overall := StatusHealthy
	for _, res := range results {
		switch res.Status {
		case StatusHealthy:
		case StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		default:
			overall = StatusUnhealthy
		}
	}

	return HealthStatus{
		Status:    overall,
		Service:   hc.service,
		Version:   hc.version,
		Timestamp: time.Now().Unix(),
		Checks:    results,
	}
}

// Handler returns a middleware handler for the health check endpoint
func (hc *HealthChecker) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		health := hc.CheckHealth()
		statusCode := http.StatusOK
		if health.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, health)
	}
}

// PingHealthCheck wraps any dependency exposing a context-aware ping. A failing
// ping reports failStatus, so optional dependencies can degrade instead of
// failing the whole service.
func PingHealthCheck(name string, ping func(ctx context.Context) error, failStatus string) HealthCheck {
	return func() CheckResult {
		start := time.Now()
		if ping == nil {
			return CheckResult{Status: StatusUnhealthy, Message: name + " is not configured"}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err := ping(ctx)
		duration := time.Since(start)
		if err != nil {
			return CheckResult{
				Status:  failStatus,
				Message: fmt.Sprintf("%s ping failed: %v", name, err),
				Latency: duration.String(),
			}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Message: name + " reachable",
			Latency: duration.String(),
		}
	}
}

// DatabaseHealthCheck creates a health check for database connectivity
func DatabaseHealthCheck(db *sql.DB) HealthCheck {
	if db == nil {
		return func() CheckResult {
			return CheckResult{Status: StatusUnhealthy, Message: "database connection is nil"}
		}
	}
	return PingHealthCheck("database", db.PingContext, StatusUnhealthy)
}

// ConfigurationHealthCheck creates a health check for required configuration
func ConfigurationHealthCheck(configs map[string]string) HealthCheck {
	return func() CheckResult {
		missing := []string{}
		for key, value := range configs {
			if value == "" {
				missing = append(missing, key)
			}
		}
		sort.Strings(missing)

		if len(missing) > 0 {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("Missing required configuration: %v", missing),
			}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Message: "All required configuration present",
		}
	}
}

// Heartbeat tracks the last tick of a background loop.
type Heartbeat struct {
	last atomic.Int64
	now  func() time.Time
}

func NewHeartbeat() *Heartbeat {
	h := &Heartbeat{now: time.Now}
	h.Beat()
	return h
}

func (h *Heartbeat) Beat() {
	h.last.Store(h.now().UnixNano())
}

// HeartbeatHealthCheck degrades once name has not ticked for maxAge.
func HeartbeatHealthCheck(name string, h *Heartbeat, maxAge time.Duration) HealthCheck {
	return func() CheckResult {
		age := h.now().Sub(time.Unix(0, h.last.Load()))
		if age > maxAge {
			return CheckResult{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("%s last ran %s ago", name, age.Round(time.Second)),
			}
		}
		return CheckResult{Status: StatusHealthy, Message: name + " running", Latency: age.Round(time.Millisecond).String()}
	}
}
