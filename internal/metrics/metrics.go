// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "qms"

var (
	TicketsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tickets_created_total",
			Help:      "Tickets issued, by sector.",
		},
		[]string{"sector"},
	)
	TicketsCalled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tickets_called_total",
			Help:      "Tickets claimed by call-next, by sector.",
		},
		[]string{"sector"},
	)
	EmptyClaims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_empty_total",
			Help:      "Call-next requests that found no waiting ticket, by sector.",
		},
		[]string{"sector"},
	)
	TxRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_tx_retries_total",
			Help:      "Store transactions retried after a conflict, by operation.",
		},
		[]string{"operation"},
	)
	PublishFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Change events that a transport failed to publish, by transport.",
		},
		[]string{"transport"},
	)
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by method and status code.",
		},
		[]string{"method", "code"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)
	RealtimeClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_clients",
			Help:      "Connected realtime observers.",
		},
	)
)

var registerMetrics sync.Once

// Register adds all collectors to reg. Safe to call more than once.
func Register(reg prometheus.Registerer) {
	registerMetrics.Do(func() {
		reg.MustRegister(
			TicketsCreated,
			TicketsCalled,
			EmptyClaims,
			TxRetries,
			PublishFailures,
			HTTPRequests,
			HTTPDuration,
			RealtimeClients,
		)
	})
}
