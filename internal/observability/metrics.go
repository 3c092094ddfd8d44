package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pollrelay",
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Session relays currently running.",
		},
	)
	sessionsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pollrelay",
			Subsystem: "sessions",
			Name:      "started_total",
			Help:      "Session relays started.",
		},
	)
	sessionsEnded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pollrelay",
			Subsystem: "sessions",
			Name:      "ended_total",
			Help:      "Session relays ended, by exit reason.",
		},
		[]string{"reason"},
	)
	dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pollrelay",
			Subsystem: "relay",
			Name:      "dispatch_total",
			Help:      "Client dispatches by outcome.",
		},
		[]string{"outcome"},
	)
	bufferedMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pollrelay",
			Subsystem: "relay",
			Name:      "buffered_messages_total",
			Help:      "Outgoing messages buffered for clients.",
		},
	)
	ackedMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pollrelay",
			Subsystem: "relay",
			Name:      "acked_messages_total",
			Help:      "Buffered messages evicted by client acknowledgment.",
		},
	)
	channelExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pollrelay",
			Subsystem: "relay",
			Name:      "channel_exits_total",
			Help:      "Observed channel process exits.",
		},
		[]string{"graceful"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pollrelay",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Long-poll HTTP requests.",
		},
		[]string{"method", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pollrelay",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Long-poll HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			sessionsActive, sessionsStarted, sessionsEnded,
			dispatches, bufferedMessages, ackedMessages, channelExits,
			httpRequests, httpDuration,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordSessionStarted() {
	RegisterMetrics()
	sessionsStarted.Inc()
	sessionsActive.Inc()
}

func RecordSessionEnded(reason string) {
	RegisterMetrics()
	sessionsActive.Dec()
	sessionsEnded.WithLabelValues(reason).Inc()
}

func RecordDispatch(outcome string) {
	RegisterMetrics()
	dispatches.WithLabelValues(outcome).Inc()
}

func RecordBuffered() {
	RegisterMetrics()
	bufferedMessages.Inc()
}

func RecordAcked(n int) {
	if n <= 0 {
		return
	}
	RegisterMetrics()
	ackedMessages.Add(float64(n))
}

func RecordChannelExit(graceful bool) {
	RegisterMetrics()
	channelExits.WithLabelValues(strconv.FormatBool(graceful)).Inc()
}

func RecordHTTPRequest(method string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, statusLabel).Inc()
	httpDuration.WithLabelValues(method, statusLabel).Observe(duration.Seconds())
}
