package session

import "github.com/prometheus/client_golang/prometheus"

var (
	loadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mlxllm",
			Subsystem: "session",
			Name:      "loads_total",
			Help:      "Model load attempts by variant and outcome",
		},
		[]string{"variant", "outcome"},
	)

	loadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mlxllm",
			Subsystem: "session",
			Name:      "load_duration_seconds",
			Help:      "Duration of successful model loads in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	generateTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mlxllm",
			Subsystem: "session",
			Name:      "generate_total",
			Help:      "Generation requests by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	generateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mlxllm",
			Subsystem: "session",
			Name:      "generate_duration_seconds",
			Help:      "Duration of generation requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	streamFragments = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mlxllm",
			Subsystem: "session",
			Name:      "stream_fragments_total",
			Help:      "Total streamed output fragments delivered to callers",
		},
	)
)

func init() {
	prometheus.MustRegister(loadsTotal, loadDuration, generateTotal, generateDuration, streamFragments)
}
