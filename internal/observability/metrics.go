package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgestream",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgestream",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgestream",
			Subsystem: "wire",
			Name:      "frames_total",
			Help:      "Frames written or read, by payload type.",
		},
		[]string{"direction", "type"},
	)
	frameBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgestream",
			Subsystem: "wire",
			Name:      "payload_bytes_total",
			Help:      "Payload bytes written or read, excluding headers.",
		},
		[]string{"direction", "type"},
	)
	disconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgestream",
			Subsystem: "session",
			Name:      "disconnects_total",
			Help:      "Connection losses by the side that detected them.",
		},
		[]string{"side"},
	)
	pendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "edgestream",
			Subsystem: "requests",
			Name:      "pending",
			Help:      "Outbound requests awaiting a response.",
		},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgestream",
			Subsystem: "requests",
			Name:      "duration_seconds",
			Help:      "Request round trip or handler duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"direction", "status"},
	)
	orphanResponses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "edgestream",
			Subsystem: "requests",
			Name:      "orphan_responses_total",
			Help:      "Responses dropped because no pending request matched their id.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			frames, frameBytes, disconnects,
			pendingRequests, requestDuration, orphanResponses,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordFrame(direction, payloadType string, payloadBytes int) {
	RegisterMetrics()
	frames.WithLabelValues(direction, payloadType).Inc()
	frameBytes.WithLabelValues(direction, payloadType).Add(float64(payloadBytes))
}

func RecordDisconnect(side string) {
	RegisterMetrics()
	disconnects.WithLabelValues(side).Inc()
}

func SetPendingRequests(n int) {
	RegisterMetrics()
	pendingRequests.Set(float64(n))
}

// RecordRequest observes one finished exchange. status 0 means the
// exchange failed before a response existed.
func RecordRequest(direction string, status int, duration time.Duration) {
	RegisterMetrics()
	requestDuration.WithLabelValues(direction, strconv.Itoa(status)).Observe(duration.Seconds())
}

func RecordOrphanResponse() {
	RegisterMetrics()
	orphanResponses.Inc()
}
