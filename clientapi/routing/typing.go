// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"net/http"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"

	"github.com/element-hq/syncengine/clientapi/httputil"
	"github.com/element-hq/syncengine/clientapi/producers"
	roomserverAPI "github.com/element-hq/syncengine/roomserver/api"
	userapi "github.com/element-hq/syncengine/userapi/api"
)

type typingContentJSON struct {
	Typing  bool  `json:"typing"`
	Timeout int64 `json:"timeout"`
}

// SendTyping handles PUT /rooms/{roomID}/typing/{userID}
// sends the typing events to client API typingProducer
func SendTyping(
	req *http.Request, device *userapi.Device, roomID string,
	userID string, rsAPI roomserverAPI.RoomserverInternalAPI,
	syncProducer *producers.SyncAPIProducer,
) util.JSONResponse {
	if device.UserID != userID {
		return util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: spec.Forbidden("Cannot set another user's typing state"),
		}
	}
	if resErr := requireJoined(req, rsAPI, roomID, userID); resErr != nil {
		return *resErr
	}

	// parse the incoming http request
	var r typingContentJSON
	if resErr := httputil.UnmarshalJSONRequest(req, &r); resErr != nil {
		return *resErr
	}

	if err := syncProducer.SendTyping(req.Context(), userID, roomID, r.Typing, time.Duration(r.Timeout)*time.Millisecond); err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("eduProducer.Send failed")
		return util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}

	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: struct{}{},
	}
}

// requireJoined returns an error response unless the user is joined to the room.
func requireJoined(req *http.Request, rsAPI roomserverAPI.RoomserverInternalAPI, roomID, userID string) *util.JSONResponse {
	membership, err := rsAPI.QueryMembership(req.Context(), roomID, userID)
	if err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("rsAPI.QueryMembership failed")
		return &util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}
	if membership != spec.Join {
		return &util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: spec.Forbidden("User not in room"),
		}
	}
	return nil
}
