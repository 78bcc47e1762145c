package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "quizroom"

var (
	connectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "connection_state",
		Help:      "Realtime connection state: 0 disconnected, 1 connecting, 2 connected.",
	})

	reconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "reconnect_attempts_total",
		Help:      "Number of reconnect attempts after an involuntary disconnect.",
	})

	eventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "events_received_total",
		Help:      "Push events received from the game server, by event name.",
	}, []string{"event"})

	eventsDiscarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "events_discarded_total",
		Help:      "Push events ignored by the reconciler, by event name and reason.",
	}, []string{"event", "reason"})

	restRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rest",
		Name:      "requests_total",
		Help:      "REST requests to the game server, by operation and outcome.",
	}, []string{"op", "outcome"})

	restDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "rest",
		Name:      "request_duration_seconds",
		Help:      "REST request latency, by operation.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})
)

func SetConnectionState(state int) {
	connectionState.Set(float64(state))
}

func IncReconnectAttempts() {
	reconnectAttempts.Inc()
}

func IncEventsReceived(event string) {
	eventsReceived.WithLabelValues(event).Inc()
}

func IncEventsDiscarded(event, reason string) {
	eventsDiscarded.WithLabelValues(event, reason).Inc()
}

func ObserveREST(op, outcome string, d time.Duration) {
	restRequests.WithLabelValues(op, outcome).Inc()
	restDuration.WithLabelValues(op).Observe(d.Seconds())
}
