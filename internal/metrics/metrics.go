// Package metrics defines the client's Prometheus collectors. They are
// registered on a private registry so tests and multiple clients in one
// process never collide.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector the client updates.
type Metrics struct {
	Registry *prometheus.Registry

	RealtimeReconnects  prometheus.Counter
	RealtimeState       *prometheus.GaugeVec
	RealtimeEvents      *prometheus.CounterVec
	RealtimeMalformed   prometheus.Counter
	HandlerPanics       prometheus.Counter
	RESTRequests        *prometheus.CounterVec
	RESTLatency         *prometheus.HistogramVec
	OptimisticRollbacks *prometheus.CounterVec
	StaleResponses      prometheus.Counter
	CachedIncidents     prometheus.Gauge
}

// New creates the collectors on a fresh registry, together with the Go
// runtime collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		RealtimeReconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "hazardwatch_realtime_reconnects_total",
			Help: "Reconnect attempts scheduled after an unclean socket closure",
		}),
		RealtimeState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hazardwatch_realtime_state",
			Help: "1 for the current realtime connection state, 0 otherwise",
		}, []string{"state"}),
		RealtimeEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hazardwatch_realtime_events_total",
			Help: "Realtime events received, by event type",
		}, []string{"type"}),
		RealtimeMalformed: f.NewCounter(prometheus.CounterOpts{
			Name: "hazardwatch_realtime_malformed_frames_total",
			Help: "Inbound frames dropped because they could not be parsed",
		}),
		HandlerPanics: f.NewCounter(prometheus.CounterOpts{
			Name: "hazardwatch_realtime_handler_failures_total",
			Help: "Event handlers that panicked or returned an error",
		}),
		RESTRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hazardwatch_rest_requests_total",
			Help: "REST calls by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),
		RESTLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hazardwatch_rest_request_duration_seconds",
			Help:    "REST call latency including retries",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"endpoint"}),
		OptimisticRollbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hazardwatch_optimistic_rollbacks_total",
			Help: "Optimistic mutations compensated after a failed request",
		}, []string{"mutation"}),
		StaleResponses: f.NewCounter(prometheus.CounterOpts{
			Name: "hazardwatch_stale_fetch_responses_total",
			Help: "Nearby fetch responses ignored because a newer fetch had started",
		}),
		CachedIncidents: f.NewGauge(prometheus.GaugeOpts{
			Name: "hazardwatch_cached_incidents",
			Help: "Incidents currently held in the client cache",
		}),
	}
}
