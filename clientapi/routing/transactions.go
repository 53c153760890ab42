// Copyright 2024 New Vector Ltd.
// Copyright 2023 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"strings"
	"time"

	"github.com/matrix-org/util"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	userapi "github.com/element-hq/syncengine/userapi/api"
)

// TxnCache remembers the responses to client transactions so that a
// retried request with the same transaction ID does not send twice.
// Concurrent retries of a transaction still in flight wait for it.
type TxnCache struct {
	responses *cache.Cache
	inFlight  singleflight.Group
}

// NewTxnCache returns a cache keeping responses for ttl.
func NewTxnCache(ttl time.Duration) *TxnCache {
	return &TxnCache{
		responses: cache.New(ttl, ttl/2),
	}
}

// FetchOrRun returns the response stored for the device's transaction, or
// runs f and stores its response if it succeeded. scope names the endpoint
// and whatever else the transaction ID is scoped to.
func (t *TxnCache) FetchOrRun(device *userapi.Device, scope []string, txnID string, f func() util.JSONResponse) util.JSONResponse {
	key := strings.Join(append([]string{device.UserID, device.ID, txnID}, scope...), "\x00")
	if res, ok := t.responses.Get(key); ok {
		return res.(util.JSONResponse)
	}
	res, _, _ := t.inFlight.Do(key, func() (interface{}, error) {
		if res, ok := t.responses.Get(key); ok {
			return res, nil
		}
		res := f()
		if res.Code >= 200 && res.Code < 300 {
			t.responses.SetDefault(key, res)
		}
		return res, nil
	})
	return res.(util.JSONResponse)
}
