// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"encoding/json"
	"net/http"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"

	"github.com/element-hq/syncengine/clientapi/httputil"
	userapi "github.com/element-hq/syncengine/userapi/api"
)

type uploadKeysRequest struct {
	DeviceKeys  json.RawMessage            `json:"device_keys"`
	OneTimeKeys map[string]json.RawMessage `json:"one_time_keys"`
}

// UploadKeys handles POST /keys/upload
func UploadKeys(req *http.Request, userAPI userapi.UserInternalAPI, device *userapi.Device) util.JSONResponse {
	var r uploadKeysRequest
	resErr := httputil.UnmarshalJSONRequest(req, &r)
	if resErr != nil {
		return *resErr
	}

	uploadReq := &userapi.PerformUploadKeysRequest{
		UserID:      device.UserID,
		DeviceID:    device.ID,
		OneTimeKeys: r.OneTimeKeys,
	}
	if len(r.DeviceKeys) > 0 && string(r.DeviceKeys) != "null" {
		uploadReq.DeviceKeys = r.DeviceKeys
	}
	var uploadRes userapi.PerformUploadKeysResponse
	if err := userAPI.PerformUploadKeys(req.Context(), uploadReq, &uploadRes); err != nil {
		util.GetLogger(req.Context()).WithError(err).Warn("userAPI.PerformUploadKeys failed")
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.InvalidParam(err.Error()),
		}
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: struct {
			OTKCounts map[string]int `json:"one_time_key_counts"`
		}{uploadRes.OneTimeKeyCounts},
	}
}
