// Package metrics holds all Prometheus metrics for the gateway. A private
// registry keeps test instances independent; /metrics serves the text
// exposition for this registry only.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every counter, histogram, and gauge the pipeline emits.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	TokenGenerations   *prometheus.CounterVec
	TokenValidations   prometheus.Counter
	TokenExpirations   prometheus.Counter
	TokenRotationHints prometheus.Counter

	PolicyDenials *prometheus.CounterVec
	RateLimitHits *prometheus.CounterVec

	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter

	Retries *prometheus.CounterVec

	BreakerState       *prometheus.GaugeVec
	BreakerFastfail    *prometheus.CounterVec
	BreakerTransitions *prometheus.CounterVec

	SSEActiveStreams prometheus.Gauge
	SSEDroppedEvents prometheus.Counter
}

// New creates and registers all gateway metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Proxy requests by tool, action, and response code",
			},
			[]string{"tool", "action", "code"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_ms",
				Help:    "End-to-end proxy request duration in milliseconds",
				Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
			},
			[]string{"tool", "action"},
		),

		TokenGenerations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_token_generations_total",
				Help: "Tokens issued, by agent",
			},
			[]string{"agent"},
		),
		TokenValidations: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_token_validations_total",
			Help: "Successful token validations",
		}),
		TokenExpirations: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_token_expirations_total",
			Help: "Requests rejected because the token expired",
		}),
		TokenRotationHints: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_token_rotation_hints_total",
			Help: "Responses that advised the caller to rotate its token",
		}),

		PolicyDenials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_policy_denials_total",
				Help: "Policy denials by tool, action, and reason",
			},
			[]string{"tool", "action", "reason"},
		),
		RateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_rate_limit_hits_total",
				Help: "Requests denied by the rate limiter, by agent",
			},
			[]string{"agent"},
		),

		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_cache_hits_total",
			Help: "Response cache hits",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_cache_misses_total",
			Help: "Response cache misses",
		}),

		Retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_retries_total",
				Help: "Adapter retries by tool, action, and failure class",
			},
			[]string{"tool", "action", "outcome"},
		),

		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_breaker_state",
				Help: "Circuit breaker state per tool (0=closed, 1=half_open, 2=open)",
			},
			[]string{"tool"},
		),
		BreakerFastfail: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_breaker_fastfail_total",
				Help: "Calls rejected while the breaker was open",
			},
			[]string{"tool"},
		),
		BreakerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_breaker_transitions_total",
				Help: "Breaker state transitions",
			},
			[]string{"tool", "from", "to"},
		),

		SSEActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_sse_active_streams",
			Help: "Currently connected event stream subscribers",
		}),
		SSEDroppedEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_sse_dropped_events_total",
			Help: "Events dropped because a subscriber was too slow",
		}),
	}
}

// Handler serves the text exposition format for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gather exposes the registry for test assertions.
func (m *Metrics) Gather() prometheus.Gatherer { return m.registry }
