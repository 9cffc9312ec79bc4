package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	remoteCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kanban_remote_calls_total",
			Help: "Calls made to the remote store, by table, operation and outcome",
		},
		[]string{"table", "operation", "outcome"},
	)
	remoteCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kanban_remote_call_duration_seconds",
			Help:    "Latency of calls made to the remote store",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"table", "operation"},
	)
	batchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kanban_position_batch_size",
			Help:    "Number of position updates dispatched per reorder",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		},
	)
	batchFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kanban_position_updates_failed_total",
			Help: "Position updates that failed inside a reorder batch",
		},
	)
	websocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kanban_websocket_clients",
			Help: "Connected websocket clients",
		},
	)
)

// ObserveCall records one remote store call
func ObserveCall(table, operation string, took time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	remoteCalls.WithLabelValues(table, operation, outcome).Inc()
	remoteCallDuration.WithLabelValues(table, operation).Observe(took.Seconds())
}

func ObserveBatch(size int) {
	batchSize.Observe(float64(size))
}

func BatchFailure() {
	batchFailures.Inc()
}

func ClientConnected() {
	websocketClients.Inc()
}

func ClientDisconnected() {
	websocketClients.Dec()
}
