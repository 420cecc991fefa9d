package storage

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	commitLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "storage",
		Name:      "commit_seconds",
		Help:      "Latency of record commits per driver.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"driver"})

	linkedLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "storage",
		Name:      "linked_commit_seconds",
		Help:      "Latency of linked record updates per driver.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"driver"})

	retriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storage",
		Name:      "retries_total",
		Help:      "Transient failures retried per driver.",
	}, []string{"driver"})

	tracer = otel.Tracer("github.com/example/roster-sync/storage")
)

func init() {
	prometheus.MustRegister(commitLatency, linkedLatency, retriesTotal)
}

func observe(h *prometheus.HistogramVec, driver string, started time.Time) {
	h.WithLabelValues(driver).Observe(time.Since(started).Seconds())
}
