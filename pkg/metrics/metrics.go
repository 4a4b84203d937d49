// Package metrics provides Prometheus instrumentation for the access
// gateway. Labels never carry token values or holder identities.
package metrics

import (
	"net/http"
	"regexp"
	"runtime"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "accessgate"

var (
	registry   *prometheus.Registry
	registryMu sync.Mutex
)

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// GetRegistry returns the process-wide metrics registry.
func GetRegistry() *prometheus.Registry {
	registryMu.Lock()
	defer registryMu.Unlock()
	if registry == nil {
		registry = newRegistry()
	}
	return registry
}

// ResetRegistry replaces the registry. Tests use it to register collectors
// more than once per process.
func ResetRegistry() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = newRegistry()
}

// HTTPMetrics holds the request metrics of the gateway API.
type HTTPMetrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	InFlight        prometheus.Gauge
	BuildInfo       *prometheus.GaugeVec
}

// NewHTTPMetrics creates and registers request metrics under the service's
// subsystem.
func NewHTTPMetrics(serviceName, version string) *HTTPMetrics {
	subsystem := strings.ReplaceAll(serviceName, "-", "_")
	m := &HTTPMetrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_in_flight_requests",
			Help:      "Requests currently being served",
		}),
		BuildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "build_info",
			Help:      "Constant 1, labelled with the build version",
		}, []string{"version", "go_version"}),
	}

	GetRegistry().MustRegister(m.RequestsTotal, m.RequestDuration, m.InFlight, m.BuildInfo)
	m.BuildInfo.WithLabelValues(version, runtime.Version()).Set(1)
	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(GetRegistry(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

var (
	jwtPattern   = regexp.MustCompile(`eyJ[A-Za-z0-9_-]+(\.[A-Za-z0-9_-]+)*`)
	uuidPattern  = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	valuePattern = regexp.MustCompile(`[A-Za-z0-9_-]{40,}`)
)

// SanitizePath replaces identifiers and opaque values in a request path
// with placeholders so they never become label values.
func SanitizePath(path string) string {
	path = jwtPattern.ReplaceAllString(path, "{jwt}")
	path = uuidPattern.ReplaceAllString(path, "{id}")
	return valuePattern.ReplaceAllString(path, "{value}")
}
