// Package metrics exposes Prometheus collectors for the server hot
// paths and a system snapshot for the health endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsCurrent = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "helene_connections_current",
		Help: "Currently connected client nodes by transport.",
	}, []string{"transport"})

	ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "helene_connections_total",
		Help: "Total client node connections by transport.",
	}, []string{"transport"})

	Disconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "helene_disconnects_total",
		Help: "Node disconnects by reason.",
	}, []string{"reason"})

	FramesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "helene_frames_received_total",
		Help: "Inbound wire frames across all transports.",
	})

	FramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "helene_frames_sent_total",
		Help: "Outbound wire frames across all transports.",
	})

	MethodCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "helene_method_calls_total",
		Help: "Method calls by method name and outcome.",
	}, []string{"method", "status"})

	MethodDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "helene_method_duration_seconds",
		Help:    "Wall time of method handler execution.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	MethodCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "helene_method_cache_hits_total",
		Help: "Method calls answered from the result cache.",
	})

	EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "helene_events_emitted_total",
		Help: "Logical event emissions by event name.",
	}, []string{"event"})

	EventsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "helene_events_delivered_total",
		Help: "Event frames delivered to subscriber nodes.",
	})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "helene_rate_limited_total",
		Help: "Requests rejected by the sliding-window rate limiter.",
	}, []string{"transport"})

	BusPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "helene_bus_published_total",
		Help: "Events published to the cluster bus.",
	})

	BusReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "helene_bus_received_total",
		Help: "Events received from the cluster bus.",
	})

	BusDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "helene_bus_deduped_total",
		Help: "Bus deliveries dropped by emission-id dedupe.",
	})

	BusErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "helene_bus_errors_total",
		Help: "Bus failures (publish errors, connection drops).",
	})

	HeartbeatReaps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "helene_heartbeat_reaps_total",
		Help: "Nodes reaped for missing heartbeat responses.",
	})

	KeepAlives = promauto.NewCounter(prometheus.CounterOpts{
		Name: "helene_keepalives_total",
		Help: "keepAlive calls received from clients.",
	})
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
