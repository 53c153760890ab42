// Copyright 2024 New Vector Ltd.
// Copyright 2022 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/dgraph-io/ristretto/z"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/element-hq/syncengine/setup/config"
	"github.com/element-hq/syncengine/syncapi/types"
)

const (
	stateSnapshotCache byte = iota + 1
	syncEventCache
)

const (
	DisableMetrics = false
	EnableMetrics  = true
)

// Recently appended events are the ones timelines ask for, so they do not
// need to live as long as snapshots.
const syncEventMaxAge = 30 * time.Minute

var (
	cacheMetrics     atomic.Pointer[ristretto.Metrics]
	cacheMetricsOnce sync.Once
)

func registerCacheMetrics() {
	gauge := func(name, help string, fn func(m *ristretto.Metrics) float64) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "syncengine",
			Subsystem: "caching_ristretto",
			Name:      name,
			Help:      help,
		}, func() float64 {
			m := cacheMetrics.Load()
			if m == nil {
				return 0
			}
			return fn(m)
		})
	}
	prometheus.MustRegister(
		gauge("ratio", "Ratio of cache hits to lookups", (*ristretto.Metrics).Ratio),
		gauge("cost", "Total cost of items currently admitted", func(m *ristretto.Metrics) float64 {
			return float64(m.CostAdded() - m.CostEvicted())
		}),
	)
}

// NewRistrettoCache builds the caches used by the sync engine on top of a
// single ristretto cache whose admission is bounded by maxCost bytes.
func NewRistrettoCache(maxCost config.DataUnit, maxAge time.Duration, enablePrometheus bool) *Caches {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64((maxCost / 1024) * 10), // 10 counters per 1KB data, affects bloom filter size
		BufferItems: 64,                           // recommended by the ristretto godocs
		MaxCost:     int64(maxCost),               // max cost is in bytes, as per the config
		Metrics:     true,
		KeyToHash: func(key interface{}) (uint64, uint64) {
			return z.KeyToHash(key)
		},
	})
	if err != nil {
		logrus.WithError(err).Panic("failed to create ristretto cache")
	}
	if enablePrometheus {
		cacheMetrics.Store(cache.Metrics)
		cacheMetricsOnce.Do(registerCacheMetrics)
	}
	return &Caches{
		StateSnapshots: &RistrettoCostedCachePartition[types.StateSnapshotID, types.StateMap]{
			&RistrettoCachePartition[types.StateSnapshotID, types.StateMap]{
				cache:   cache,
				Prefix:  stateSnapshotCache,
				Mutable: false,
				MaxAge:  maxAge,
			},
		},
		SyncEvents: &RistrettoCostedCachePartition[string, *types.Event]{
			&RistrettoCachePartition[string, *types.Event]{
				cache:   cache,
				Prefix:  syncEventCache,
				Mutable: true,
				MaxAge:  lesserOf(syncEventMaxAge, maxAge),
			},
		},
	}
}

type RistrettoCostedCachePartition[k keyable, v costable] struct {
	*RistrettoCachePartition[k, v]
}

func (c *RistrettoCostedCachePartition[K, V]) Set(key K, value V) {
	cost := value.CacheCost()
	c.setWithCost(key, value, int64(cost))
}

type RistrettoCachePartition[K keyable, V any] struct {
	cache   *ristretto.Cache
	Prefix  byte
	Mutable bool
	MaxAge  time.Duration
}

func (c *RistrettoCachePartition[K, V]) setWithCost(key K, value V, cost int64) {
	bkey := fmt.Sprintf("%c%v", c.Prefix, key)
	if !c.Mutable {
		if v, ok := c.cache.Get(bkey); ok && v != nil && !reflect.DeepEqual(v, value) {
			panic(fmt.Sprintf("invalid use of immutable cache tries to change value of %v from %v to %v", key, v, value))
		}
	}
	c.cache.SetWithTTL(bkey, value, int64(len(bkey))+cost, c.MaxAge)
}

func (c *RistrettoCachePartition[K, V]) Set(key K, value V) {
	var cost int64
	if cv, ok := any(value).(string); ok {
		cost = int64(len(cv))
	} else {
		cost = int64(reflect.TypeOf(value).Size())
	}
	c.setWithCost(key, value, cost)
}

func (c *RistrettoCachePartition[K, V]) Unset(key K) {
	bkey := fmt.Sprintf("%c%v", c.Prefix, key)
	if !c.Mutable {
		panic(fmt.Sprintf("invalid use of immutable cache tries to unset value of %v", key))
	}
	c.cache.Del(bkey)
	// Flush the set buffer so a queued Set of the same key cannot
	// resurface after the delete has returned.
	c.cache.Wait()
}

func (c *RistrettoCachePartition[K, V]) Get(key K) (value V, ok bool) {
	bkey := fmt.Sprintf("%c%v", c.Prefix, key)
	v, ok := c.cache.Get(bkey)
	if !ok || v == nil {
		var empty V
		return empty, false
	}
	value, ok = v.(V)
	return
}
