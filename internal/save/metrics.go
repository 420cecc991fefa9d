package save

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	commitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "save",
		Name:      "commits_total",
		Help:      "Per-record commit outcomes.",
	}, []string{"result"})

	cycleLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "save",
		Name:      "cycle_seconds",
		Help:      "Duration of a commit cycle from dispatch to settlement.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"trigger"})

	batchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "save",
		Name:      "batch_size",
		Help:      "Number of records dispatched per commit cycle.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})

	rejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "save",
		Name:      "rejected_total",
		Help:      "Commit cycles rejected because another cycle was in flight.",
	})

	tracer = otel.Tracer("github.com/example/roster-sync/save")
)

func init() {
	prometheus.MustRegister(commitTotal, cycleLatency, batchSize, rejectedTotal)
}
