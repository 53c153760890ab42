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
	"github.com/element-hq/syncengine/clientapi/producers"
	userapi "github.com/element-hq/syncengine/userapi/api"
)

// SendToDevice handles PUT /_matrix/client/r0/sendToDevice/{eventType}/{txnId}
// sends the device events to the syncapi & federationsender
func SendToDevice(
	req *http.Request, device *userapi.Device,
	syncProducer *producers.SyncAPIProducer,
	txnCache *TxnCache,
	eventType string, txnID *string,
) util.JSONResponse {
	send := func() util.JSONResponse {
		var httpReq struct {
			Messages map[string]map[string]json.RawMessage `json:"messages"`
		}
		if resErr := httputil.UnmarshalJSONRequest(req, &httpReq); resErr != nil {
			return *resErr
		}

		for userID, byUser := range httpReq.Messages {
			if _, err := spec.NewUserID(userID, true); err != nil {
				return util.JSONResponse{
					Code: http.StatusBadRequest,
					JSON: spec.InvalidParam("Invalid user ID " + userID),
				}
			}
			for deviceID, message := range byUser {
				if err := syncProducer.SendToDevice(
					req.Context(), device.UserID, userID, deviceID, eventType, message,
				); err != nil {
					util.GetLogger(req.Context()).WithError(err).Error("syncProducer.SendToDevice failed")
					return util.JSONResponse{
						Code: http.StatusInternalServerError,
						JSON: spec.InternalServerError{},
					}
				}
			}
		}

		return util.JSONResponse{
			Code: http.StatusOK,
			JSON: struct{}{},
		}
	}
	if txnID == nil {
		return send()
	}
	return txnCache.FetchOrRun(device, []string{"sendToDevice", eventType}, *txnID, send)
}
