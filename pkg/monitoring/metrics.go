package monitoring

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector owns a private registry, so several can coexist in one
// process.
type MetricsCollector struct {
	prefix   string
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewMetricsCollector registers the HTTP, Go runtime, process and build info
// collectors. Every metric name is prefixed with serviceName.
func NewMetricsCollector(serviceName, version, commit string) *MetricsCollector {
	mc := &MetricsCollector{
		prefix:   strings.ReplaceAll(serviceName, "-", "_"),
		registry: prometheus.NewRegistry(),
	}

	mc.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: mc.name("http_requests_total"),
		Help: "HTTP requests served",
	}, []string{"method", "endpoint", "status"})
	mc.latency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    mc.name("http_request_duration_seconds"),
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint"})
	info := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: mc.name("service_info"),
		Help: "Build information",
	}, []string{"version", "commit"})
	info.WithLabelValues(version, commit).Set(1)

	mc.registry.MustRegister(
		mc.requests,
		mc.latency,
		info,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return mc
}

func (mc *MetricsCollector) name(suffix string) string {
	return mc.prefix + "_" + suffix
}

// Registry is for packages that register their own collectors, such as the
// circuit breaker metrics.
func (mc *MetricsCollector) Registry() *prometheus.Registry {
	return mc.registry
}

func (mc *MetricsCollector) MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		mc.requests.WithLabelValues(c.Request.Method, endpoint, strconv.Itoa(c.Writer.Status())).Inc()
		mc.latency.WithLabelValues(c.Request.Method, endpoint).Observe(time.Since(start).Seconds())
	}
}

func (mc *MetricsCollector) Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(mc.registry, promhttp.HandlerOpts{}))
}

func (mc *MetricsCollector) NewCounter(name, help string, labels []string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: mc.name(name), Help: help}, labels)
	mc.registry.MustRegister(c)
	return c
}

// NewScalarCounter registers a counter without labels.
func (mc *MetricsCollector) NewScalarCounter(name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: mc.name(name), Help: help})
	mc.registry.MustRegister(c)
	return c
}

// NewHistogram registers a histogram. Nil buckets mean prometheus.DefBuckets.
func (mc *MetricsCollector) NewHistogram(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: mc.name(name), Help: help, Buckets: buckets}, labels)
	mc.registry.MustRegister(h)
	return h
}
