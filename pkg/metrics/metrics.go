package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// API surface metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patchbay_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "patchbay_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Routing metrics
	RouteDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patchbay_route_decisions_total",
			Help: "Total number of routing decisions by strategy and outcome",
		},
		[]string{"strategy", "outcome"},
	)

	ProxyRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patchbay_proxy_requests_total",
			Help: "Total number of proxied tool calls by transport and outcome",
		},
		[]string{"transport", "outcome"},
	)

	ProxyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "patchbay_proxy_duration_seconds",
			Help:    "Round-trip duration of proxied tool calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"transport"},
	)

	ProxyRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "patchbay_proxy_retries_total",
			Help: "Total number of proxy attempts retried after a recoverable failure",
		},
	)

	// Registry metrics
	TemplatesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "patchbay_templates_total",
			Help: "Total number of registered service templates",
		},
	)

	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "patchbay_instances_total",
			Help: "Total number of service instances by state",
		},
		[]string{"state"},
	)

	HealthyInstances = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "patchbay_healthy_instances",
			Help: "Number of instances whose last probe or heartbeat was healthy",
		},
	)

	// Health probe metrics
	ProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patchbay_probes_total",
			Help: "Total number of health probes by outcome",
		},
		[]string{"outcome"},
	)

	ProbeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "patchbay_probe_duration_seconds",
			Help:    "Health probe round-trip duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Circuit breaker metrics
	BreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patchbay_breaker_transitions_total",
			Help: "Total number of circuit breaker transitions by target state",
		},
		[]string{"state"},
	)

	BreakersOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "patchbay_breakers_open",
			Help: "Number of circuit breakers currently open",
		},
	)

	// Event bus metrics
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patchbay_events_published_total",
			Help: "Total number of events delivered to subscribers by type",
		},
		[]string{"type"},
	)

	EventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patchbay_events_dropped_total",
			Help: "Total number of events dropped on full subscriber queues by type",
		},
		[]string{"type"},
	)

	SSESubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "patchbay_sse_subscribers",
			Help: "Number of connected SSE event stream subscribers",
		},
	)

	// Auth metrics
	AuthFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "patchbay_auth_failures_total",
			Help: "Total number of rejected authentication attempts",
		},
	)

	RateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "patchbay_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(RouteDecisionsTotal)
	prometheus.MustRegister(ProxyRequestsTotal)
	prometheus.MustRegister(ProxyDuration)
	prometheus.MustRegister(ProxyRetriesTotal)
	prometheus.MustRegister(TemplatesTotal)
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(HealthyInstances)
	prometheus.MustRegister(ProbesTotal)
	prometheus.MustRegister(ProbeDuration)
	prometheus.MustRegister(BreakerTransitionsTotal)
	prometheus.MustRegister(BreakersOpen)
	prometheus.MustRegister(EventsPublishedTotal)
	prometheus.MustRegister(EventsDroppedTotal)
	prometheus.MustRegister(SSESubscribers)
	prometheus.MustRegister(AuthFailuresTotal)
	prometheus.MustRegister(RateLimitedTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
