// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"fmt"
	"net/http"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	"github.com/element-hq/syncengine/clientapi/producers"
	roomserverAPI "github.com/element-hq/syncengine/roomserver/api"
	userapi "github.com/element-hq/syncengine/userapi/api"
)

const (
	receiptTypeRead        = "m.read"
	receiptTypeReadPrivate = "m.read.private"
	receiptTypeFullyRead   = "m.fully_read"
)

// SetReceipt handles POST /rooms/{roomID}/receipt/{receiptType}/{eventID}
func SetReceipt(
	req *http.Request, syncProducer *producers.SyncAPIProducer, rsAPI roomserverAPI.RoomserverInternalAPI,
	device *userapi.Device, roomID, receiptType, eventID string,
) util.JSONResponse {
	timestamp := spec.AsTimestamp(time.Now())
	logrus.WithFields(logrus.Fields{
		"roomID":      roomID,
		"receiptType": receiptType,
		"eventID":     eventID,
		"userId":      device.UserID,
		"timestamp":   timestamp,
	}).Debug("Setting receipt")

	if resErr := requireJoined(req, rsAPI, roomID, device.UserID); resErr != nil {
		return *resErr
	}

	switch receiptType {
	case receiptTypeRead, receiptTypeReadPrivate:
		if err := syncProducer.SendReceipt(req.Context(), device.UserID, roomID, eventID, receiptType, timestamp); err != nil {
			util.GetLogger(req.Context()).WithError(err).Error("syncProducer.SendReceipt failed")
			return util.JSONResponse{
				Code: http.StatusInternalServerError,
				JSON: spec.InternalServerError{},
			}
		}

	case receiptTypeFullyRead:
		content, err := sjson.SetBytes([]byte("{}"), "event_id", eventID)
		if err == nil {
			err = syncProducer.SendData(device.UserID, roomID, receiptTypeFullyRead, content)
		}
		if err != nil {
			util.GetLogger(req.Context()).WithError(err).Error("syncProducer.SendData failed")
			return util.JSONResponse{
				Code: http.StatusInternalServerError,
				JSON: spec.InternalServerError{},
			}
		}

	default:
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.InvalidParam(fmt.Sprintf("Receipt type '%s' not known", receiptType)),
		}
	}

	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: struct{}{},
	}
}
