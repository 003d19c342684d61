package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	SendResultOK     = "ok"
	SendResultFailed = "failed"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgectl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgectl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds. Websocket requests last for the whole session.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)

	registryConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "edgectl",
			Subsystem: "registry",
			Name:      "connections",
			Help:      "Ghost connections currently registered with Mirage.",
		},
	)
	dispatchSends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgectl",
			Subsystem: "dispatch",
			Name:      "sends_total",
			Help:      "Command frames sent by Mirage, by result.",
		},
		[]string{"result"},
	)
	responses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgectl",
			Name:      "responses_total",
			Help:      "Command responses observed, by node and status.",
		},
		[]string{"node", "status"},
	)
	malformedFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgectl",
			Name:      "malformed_frames_total",
			Help:      "Inbound frames dropped because they failed to decode.",
		},
		[]string{"node"},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgectl",
			Subsystem: "ghost",
			Name:      "command_duration_seconds",
			Help:      "Shell command wall time on Ghost.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			registryConnections,
			dispatchSends,
			responses,
			malformedFrames,
			commandDuration,
		)
	})
}

// Handler serves the default prometheus registry.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func SetRegistryConnections(n int) {
	RegisterMetrics()
	registryConnections.Set(float64(n))
}

func RecordDispatchSend(ok bool) {
	RegisterMetrics()
	result := SendResultOK
	if !ok {
		result = SendResultFailed
	}
	dispatchSends.WithLabelValues(result).Inc()
}

func RecordResponse(node, status string) {
	RegisterMetrics()
	responses.WithLabelValues(node, status).Inc()
}

func RecordMalformedFrame(node string) {
	RegisterMetrics()
	malformedFrames.WithLabelValues(node).Inc()
}

func RecordCommand(status string, duration time.Duration) {
	RegisterMetrics()
	commandDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}
