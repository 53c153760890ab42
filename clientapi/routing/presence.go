// Copyright 2024 New Vector Ltd.
// Copyright 2022 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"fmt"
	"net/http"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"

	"github.com/element-hq/syncengine/clientapi/httputil"
	"github.com/element-hq/syncengine/clientapi/producers"
	"github.com/element-hq/syncengine/syncapi/types"
	userapi "github.com/element-hq/syncengine/userapi/api"
)

type presenceReq struct {
	Presence  string  `json:"presence"`
	StatusMsg *string `json:"status_msg,omitempty"`
}

var validPresence = map[string]bool{
	types.PresenceOnline:      true,
	types.PresenceUnavailable: true,
	types.PresenceOffline:     true,
}

// SetPresence handles PUT /presence/{userID}/status
func SetPresence(
	req *http.Request, device *userapi.Device,
	producer *producers.SyncAPIProducer, userID string,
) util.JSONResponse {
	if device.UserID != userID {
		return util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: spec.Forbidden("Unable to set presence for other user."),
		}
	}
	var presence presenceReq
	if parseErr := httputil.UnmarshalJSONRequest(req, &presence); parseErr != nil {
		return *parseErr
	}

	if !validPresence[presence.Presence] {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.Unknown(fmt.Sprintf("Unknown presence '%s'.", presence.Presence)),
		}
	}
	if err := producer.SendPresence(req.Context(), userID, presence.Presence, presence.StatusMsg); err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("failed to update presence")
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
