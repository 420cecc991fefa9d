package ws

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	streamUpgradeLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "stream",
		Name:      "upgrade_seconds",
		Help:      "Latency spent upgrading HTTP connections to WebSockets.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	streamConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "stream",
		Name:      "connections",
		Help:      "Active status stream connections per collection.",
	}, []string{"collection"})

	streamDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "stream",
		Name:      "dropped_total",
		Help:      "Connections closed because the client fell behind.",
	})

	once sync.Once
)

func init() {
	once.Do(func() {
		prometheus.MustRegister(streamUpgradeLatency, streamConnections, streamDropped)
	})
}
