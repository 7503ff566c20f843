// Package metrics holds the Prometheus collectors for the service and
// the echo middleware that feeds the HTTP ones.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "castkeeper",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "castkeeper",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "castkeeper",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	upstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "castkeeper",
			Subsystem: "neynar",
			Name:      "request_duration_seconds",
			Help:      "Duration of content API calls.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 11), // 10ms to ~10s
		},
		[]string{"endpoint", "status"},
	)

	castsSaved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "castkeeper",
			Subsystem: "ingest",
			Name:      "save_cast_total",
			Help:      "Save-cast outcomes by result.",
		},
		[]string{"result"},
	)

	streamSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "castkeeper",
			Subsystem: "events",
			Name:      "subscribers",
			Help:      "Current number of event stream subscribers.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		upstreamDuration,
		castsSaved,
		streamSubscribers,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
}

// Handler exposes the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency. The route pattern
// (e.g. /api/saved-casts/:id) is used as the path label to keep
// cardinality bounded.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			httpInFlight.Inc()
			defer httpInFlight.Dec()

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			status := strconv.Itoa(c.Response().Status)
			httpRequests.WithLabelValues(c.Request().Method, path, status).Inc()
			httpDuration.WithLabelValues(c.Request().Method, path).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}

// ObserveUpstream records one content API call.
func ObserveUpstream(endpoint string, status int, d time.Duration) {
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	upstreamDuration.WithLabelValues(endpoint, label).Observe(d.Seconds())
}

// RecordSave counts one save-cast outcome ("ok", "invalid", "conflict", ...).
func RecordSave(result string) {
	castsSaved.WithLabelValues(result).Inc()
}

// SubscriberAdded counts a new live stream subscriber.
func SubscriberAdded() { streamSubscribers.Inc() }

// SubscriberRemoved uncounts a stream subscriber that has gone away.
func SubscriberRemoved() { streamSubscribers.Dec() }
