// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/syncengine/internal"
	"github.com/element-hq/syncengine/internal/caching"
	"github.com/element-hq/syncengine/internal/roomlock"
	"github.com/element-hq/syncengine/setup/config"
	"github.com/element-hq/syncengine/syncapi/notifier"
	"github.com/element-hq/syncengine/syncapi/storage"
	"github.com/element-hq/syncengine/syncapi/types"
	userapi "github.com/element-hq/syncengine/userapi/api"
)

// RequestPool manages HTTP long-poll connections for /sync
type RequestPool struct {
	cfg       *config.SyncAPI
	Assembler *Assembler
	cache     *SyncCache
}

// NewRequestPool makes a new RequestPool. Sync computations run under ctx,
// which should last as long as the process.
func NewRequestPool(
	ctx context.Context,
	cfg *config.SyncAPI,
	db storage.Database,
	n *notifier.Notifier,
	typing *caching.EDUCache,
	roomLocks *roomlock.Registry,
) *RequestPool {
	a := NewAssembler(ctx, cfg, db, n, typing, roomLocks)
	return &RequestPool{
		cfg:       cfg,
		Assembler: a,
		cache:     NewSyncCache(ctx, a.Assemble, cfg.CacheIdleTimeout),
	}
}

// newSyncRequest parses the query parameters of a /sync request.
func newSyncRequest(req *http.Request, device *userapi.Device) (*types.SyncRequest, error) {
	query := req.URL.Query()
	since := query.Get("since")
	sincePos, err := types.NewStreamPositionFromString(since)
	if err != nil {
		return nil, err
	}
	var timeout time.Duration
	if t := query.Get("timeout"); t != "" {
		ms, err := strconv.ParseInt(t, 10, 64)
		if err != nil || ms < 0 {
			return nil, errInvalidTimeout
		}
		timeout = time.Duration(ms) * time.Millisecond
	}
	fullState := query.Get("full_state")
	if fullState != "" && fullState != "true" && fullState != "false" {
		return nil, errInvalidFullState
	}

	logger := util.GetLogger(req.Context()).WithFields(logrus.Fields{
		"user_id":   device.UserID,
		"device_id": device.ID,
		"since":     since,
		"timeout":   timeout,
	})
	return &types.SyncRequest{
		Log:           logger,
		Device:        device,
		Since:         since,
		SincePosition: sincePos,
		Timeout:       timeout,
		FullState:     fullState == "true",
	}, nil
}

var (
	errInvalidTimeout   = errors.New("timeout must be a non-negative number of milliseconds")
	errInvalidFullState = errors.New("full_state must be true or false")
)

// OnIncomingSyncRequest is called when a client makes a /sync request.
func (rp *RequestPool) OnIncomingSyncRequest(req *http.Request, device *userapi.Device) util.JSONResponse {
	trace, ctx := internal.StartTask(req.Context(), "Sync")
	defer trace.EndTask()
	trace.SetTag("user_id", device.UserID)
	trace.SetTag("device_id", device.ID)

	syncReq, err := newSyncRequest(req.WithContext(ctx), device)
	if err != nil {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.InvalidParam(err.Error()),
		}
	}

	res, err := rp.cache.GetOrStart(syncReq).Wait(ctx)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// The client went away. The computation carries on for its retry.
		syncReq.Log.WithError(err).Debug("Sync request abandoned by client")
		return util.JSONResponse{
			Code: http.StatusServiceUnavailable,
			JSON: spec.Unknown("sync request cancelled"),
		}
	case errors.Is(err, types.ErrInvalidSyncToken):
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.InvalidParam(err.Error()),
		}
	case err != nil:
		syncReq.Log.WithError(err).Error("Failed to compute sync response")
		return util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: res,
	}
}
