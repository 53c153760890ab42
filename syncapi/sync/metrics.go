// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	syncDurationHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "syncengine",
			Subsystem: "syncapi",
			Name:      "sync_duration_seconds",
			Help:      "Time spent assembling a sync response, excluding any long-poll wait",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{},
	)
	// syncLagSeconds is how long the last computation queued for a worker.
	syncLagSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncengine",
		Subsystem: "syncapi",
		Name:      "sync_worker_wait_seconds",
		Help:      "Time the most recent sync computation waited for a free worker",
	})
	syncComputations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "syncengine",
		Subsystem: "syncapi",
		Name:      "sync_computations_started_total",
		Help:      "Number of sync computations started",
	})
	syncCoalesced = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "syncengine",
		Subsystem: "syncapi",
		Name:      "sync_requests_coalesced_total",
		Help:      "Number of sync requests that joined a computation already in flight",
	})
	syncCacheDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "syncengine",
		Subsystem: "syncapi",
		Name:      "sync_cache_entries_dropped_total",
		Help:      "Number of sync cache entries dropped because their result may not be replayed",
	})
)

var registerMetrics sync.Once

func init() {
	registerMetrics.Do(func() {
		prometheus.MustRegister(
			syncDurationHistogram, syncLagSeconds,
			syncComputations, syncCoalesced, syncCacheDropped,
		)
	})
}

func observeSyncMetrics(duration, lag time.Duration) {
	syncDurationHistogram.WithLabelValues().Observe(duration.Seconds())
	syncLagSeconds.Set(lag.Seconds())
}
