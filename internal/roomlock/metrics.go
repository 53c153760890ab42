package roomlock

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	barrierWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "syncengine",
			Subsystem: "roomlock",
			Name:      "barrier_wait_duration_seconds",
			Help:      "How long readers waited for in-flight room appends to finish",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)
	poisonedRooms = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "syncengine",
			Subsystem: "roomlock",
			Name:      "poisoned_total",
			Help:      "Number of room locks poisoned by a panicking holder",
		},
		[]string{"lock"},
	)
)

var metricsOnce sync.Once

func registerMetrics() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(barrierWaitDuration, poisonedRooms)
	})
}
