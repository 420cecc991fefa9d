package session

import "github.com/prometheus/client_golang/prometheus"

var (
	openViews = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "session",
		Name:      "views",
		Help:      "Number of open views held by the registry.",
	})

	evictedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "session",
		Name:      "evicted_total",
		Help:      "Views closed after exceeding the idle timeout.",
	})

	staleNotices = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "session",
		Name:      "stale_notices_total",
		Help:      "Records flagged as changed by another view.",
	})
)

func init() {
	prometheus.MustRegister(openViews, evictedTotal, staleNotices)
}
