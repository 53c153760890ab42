// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/syncengine/syncapi/types"
)

// assembleFunc computes one sync response and reports whether the result
// may be handed to later requests with the same since token.
type assembleFunc func(ctx context.Context, req *types.SyncRequest) (*types.Response, bool, error)

// resultSlot is written exactly once and can be waited on by any number of
// requests.
type resultSlot struct {
	done chan struct{}
	res  *types.Response
	err  error
}

func newResultSlot() *resultSlot {
	return &resultSlot{done: make(chan struct{})}
}

func (s *resultSlot) resolve(res *types.Response, err error) {
	s.res, s.err = res, err
	close(s.done)
}

// Wait blocks until the computation behind the slot has finished. If ctx
// ends first the computation keeps running for whoever asks next.
func (s *resultSlot) Wait(ctx context.Context) (*types.Response, error) {
	select {
	case <-s.done:
		return s.res, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type cacheEntry struct {
	since     string
	fullState bool
	slot      *resultSlot
}

// SyncCache makes concurrent identical sync requests from one device share
// a single computation.
type SyncCache struct {
	ctx      context.Context
	assemble assembleFunc

	mu      sync.Mutex
	entries *cache.Cache
}

// NewSyncCache creates a cache whose entries are forgotten once a device
// has not synced for idleTimeout. Computations run under ctx rather than
// under the context of the request that started them.
func NewSyncCache(ctx context.Context, assemble assembleFunc, idleTimeout time.Duration) *SyncCache {
	return &SyncCache{
		ctx:      ctx,
		assemble: assemble,
		entries:  cache.New(idleTimeout, idleTimeout),
	}
}

// GetOrStart returns the slot of the computation for this request, starting
// one unless the device already has one in flight for the same since token.
func (c *SyncCache) GetOrStart(req *types.SyncRequest) *resultSlot {
	key := req.CacheKey()

	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.entries.Get(key); ok {
		entry := v.(*cacheEntry)
		if entry.since == req.Since && entry.fullState == req.FullState {
			// Touch the entry so an active device is not expired.
			c.entries.SetDefault(key, entry)
			syncCoalesced.Inc()
			return entry.slot
		}
	}

	entry := &cacheEntry{
		since:     req.Since,
		fullState: req.FullState,
		slot:      newResultSlot(),
	}
	c.entries.SetDefault(key, entry)
	syncComputations.Inc()
	go c.run(key, entry, req)
	return entry.slot
}

func (c *SyncCache) run(key string, entry *cacheEntry, req *types.SyncRequest) {
	defer func() {
		if r := recover(); r != nil {
			sentry.CurrentHub().Recover(r)
			req.Log.WithField("panic", r).Error("Sync computation panicked")
			c.forget(key, entry)
			entry.slot.resolve(nil, fmt.Errorf("sync computation panicked: %v", r))
		}
	}()

	res, cacheable, err := c.assemble(c.ctx, req)
	if err != nil || !cacheable {
		c.forget(key, entry)
	}
	entry.slot.resolve(res, err)
}

// forget removes the entry unless a newer request has already replaced it.
func (c *SyncCache) forget(key string, entry *cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.entries.Get(key); ok && v.(*cacheEntry) == entry {
		c.entries.Delete(key)
		syncCacheDropped.Inc()
		logrus.WithField("since", entry.since).Trace("Dropped sync cache entry")
	}
}

// Len returns the number of devices with a cached or running computation.
func (c *SyncCache) Len() int {
	return c.entries.ItemCount()
}
