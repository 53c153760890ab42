// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"

	"github.com/element-hq/syncengine/internal"
	"github.com/element-hq/syncengine/internal/caching"
	"github.com/element-hq/syncengine/internal/roomlock"
	"github.com/element-hq/syncengine/setup/config"
	"github.com/element-hq/syncengine/syncapi/notifier"
	"github.com/element-hq/syncengine/syncapi/storage"
	"github.com/element-hq/syncengine/syncapi/types"
)

// Assembler computes sync responses.
type Assembler struct {
	cfg       *config.SyncAPI
	db        storage.Database
	notifier  *notifier.Notifier
	typing    *caching.EDUCache
	roomLocks *roomlock.Registry
	presence  *presencePinger
	workers   *semaphore.Weighted
	runs      atomic.Int64
}

func NewAssembler(
	ctx context.Context,
	cfg *config.SyncAPI,
	db storage.Database,
	n *notifier.Notifier,
	typing *caching.EDUCache,
	roomLocks *roomlock.Registry,
) *Assembler {
	return &Assembler{
		cfg:       cfg,
		db:        db,
		notifier:  n,
		typing:    typing,
		roomLocks: roomLocks,
		presence: &presencePinger{
			ctx:      ctx,
			db:       db,
			notifier: n,
			now:      time.Now,
		},
		workers: semaphore.NewWeighted(cfg.MaxConcurrentSyncs),
	}
}

// Runs returns how many times Assemble has been called.
func (a *Assembler) Runs() int64 {
	return a.runs.Load()
}

// longPollTimeout is how long an empty incremental sync may be held open.
func (a *Assembler) longPollTimeout(req *types.SyncRequest) time.Duration {
	limit := a.cfg.MaxLongPoll
	if limit <= 0 || limit > config.MaxLongPollCap {
		limit = config.MaxLongPollCap
	}
	if req.Timeout < limit {
		return req.Timeout
	}
	return limit
}

// Assemble computes the response to a sync request. When there is nothing
// to report it waits for the device to be woken, up to the request timeout,
// before giving up and returning the empty response. The boolean reports
// whether the response may be replayed to identical requests.
func (a *Assembler) Assemble(ctx context.Context, req *types.SyncRequest) (*types.Response, bool, error) {
	a.runs.Inc()
	trace, ctx := internal.StartRegion(ctx, "Assemble")
	defer trace.EndRegion()
	trace.SetTag("user_id", req.Device.UserID)
	trace.SetTag("device_id", req.Device.ID)

	a.presence.Ping(req.Device.UserID)

	deadline := time.Now().Add(a.longPollTimeout(req))
	for {
		res, woken, err := a.assembleOnce(ctx, req, deadline)
		if err != nil {
			return nil, false, err
		}
		if !woken {
			if res.IsEmpty() && !req.FullState {
				return res, false, nil
			}
			return res, req.SincePosition != res.NextBatch, nil
		}
		req.Log.WithField("next_batch", res.NextBatch).Debug("Woken during long-poll, assembling again")
	}
}

// assembleOnce builds one response. If the response is empty it then waits
// until deadline and reports whether the device was woken in that time.
func (a *Assembler) assembleOnce(ctx context.Context, req *types.SyncRequest, deadline time.Time) (*types.Response, bool, error) {
	listenCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	// The listener must exist before the position is read, so that anything
	// committed after that read wakes it.
	listener := a.notifier.GetListener(listenCtx, req.Device.UserID, req.Device.ID)

	queued := time.Now()
	if err := a.workers.Acquire(ctx, 1); err != nil {
		return nil, false, err
	}
	started := time.Now()
	res, err := a.build(ctx, req)
	a.workers.Release(1)
	observeSyncMetrics(time.Since(started), started.Sub(queued))
	if err != nil {
		return nil, false, err
	}

	if req.FullState || !res.IsEmpty() {
		return res, false, nil
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return res, false, nil
	}
	return res, listener.Wait(ctx, remaining), nil
}

// build reads everything that changed for the device after the since
// position, up to the current position.
func (a *Assembler) build(ctx context.Context, req *types.SyncRequest) (*types.Response, error) {
	nextBatch, err := a.db.CurrentPosition(ctx)
	if err != nil {
		return nil, fmt.Errorf("a.db.CurrentPosition: %w", err)
	}
	since := req.SincePosition
	if since > nextBatch {
		// A token from the future, probably from before a database reset.
		// Treat it as an initial sync rather than returning nothing forever.
		req.Log.WithField("since", since).WithField("current", nextBatch).Warn("Since token is ahead of the current position")
		since = 0
	}

	p := &syncPass{
		a:             a,
		req:           req,
		userID:        req.Device.UserID,
		since:         since,
		nextBatch:     nextBatch,
		r:             types.Range{From: since, To: nextBatch},
		res:           types.NewResponse(),
		presence:      map[string]*types.PresenceEvent{},
		changed:       map[string]struct{}{},
		leftEncrypted: map[string]struct{}{},
	}
	p.res.NextBatch = nextBatch

	if err = p.loadUserStreams(ctx); err != nil {
		return nil, err
	}
	if err = p.joinedRooms(ctx); err != nil {
		return nil, err
	}
	if err = p.leftAndInvitedRooms(ctx); err != nil {
		return nil, err
	}
	if err = p.deviceListsLeft(ctx); err != nil {
		return nil, err
	}
	if err = p.toDevice(ctx); err != nil {
		return nil, err
	}
	if err = p.finish(ctx); err != nil {
		return nil, err
	}
	return p.res, nil
}
