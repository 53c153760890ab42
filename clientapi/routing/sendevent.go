// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"errors"
	"io"
	"net/http"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/element-hq/syncengine/internal/roomlock"
	roomserverAPI "github.com/element-hq/syncengine/roomserver/api"
	"github.com/element-hq/syncengine/syncapi/types"
	userapi "github.com/element-hq/syncengine/userapi/api"
)

// http://matrix.org/docs/spec/client_server/r0.2.0.html#put-matrix-client-r0-rooms-roomid-send-eventtype-txnid
// http://matrix.org/docs/spec/client_server/r0.2.0.html#put-matrix-client-r0-rooms-roomid-state-eventtype-statekey
type sendEventResponse struct {
	EventID string `json:"event_id"`
}

var validMemberships = map[string]bool{
	spec.Join:   true,
	spec.Leave:  true,
	spec.Invite: true,
	spec.Ban:    true,
}

// SendEvent implements:
//
//	/rooms/{roomID}/send/{eventType}
//	/rooms/{roomID}/send/{eventType}/{txnID}
//	/rooms/{roomID}/state/{eventType}/{stateKey}
func SendEvent(
	req *http.Request,
	device *userapi.Device,
	roomID, eventType string, txnID, stateKey *string,
	rsAPI roomserverAPI.RoomserverInternalAPI,
	txnCache *TxnCache,
) util.JSONResponse {
	send := func() util.JSONResponse {
		content, resErr := readContent(req, false)
		if resErr != nil {
			return *resErr
		}
		if eventType == spec.MRoomMember && stateKey != nil {
			if resErr = validateMemberEvent(*stateKey, content); resErr != nil {
				return *resErr
			}
		}
		return appendEvent(req, device, roomID, types.EventBuilder{
			Type:     eventType,
			StateKey: stateKey,
			Content:  content,
		}, rsAPI)
	}
	if txnID == nil {
		return send()
	}
	return txnCache.FetchOrRun(device, []string{"send", roomID}, *txnID, send)
}

// SendRedaction implements /rooms/{roomID}/redact/{eventID}/{txnID}
func SendRedaction(
	req *http.Request,
	device *userapi.Device,
	roomID, eventID string, txnID *string,
	rsAPI roomserverAPI.RoomserverInternalAPI,
	txnCache *TxnCache,
) util.JSONResponse {
	redact := func() util.JSONResponse {
		content, resErr := readContent(req, true)
		if resErr != nil {
			return *resErr
		}
		if reason := gjson.GetBytes(content, "reason"); reason.Exists() && reason.Type != gjson.String {
			return util.JSONResponse{
				Code: http.StatusBadRequest,
				JSON: spec.BadJSON("reason must be a string"),
			}
		}
		return appendEvent(req, device, roomID, types.EventBuilder{
			Type:    types.MRoomRedaction,
			Content: content,
			Redacts: eventID,
		}, rsAPI)
	}
	if txnID == nil {
		return redact()
	}
	return txnCache.FetchOrRun(device, []string{"redact", roomID, eventID}, *txnID, redact)
}

// readContent reads the request body, which must be a JSON object. An empty
// body is read as {} when allowEmpty is set.
func readContent(req *http.Request, allowEmpty bool) ([]byte, *util.JSONResponse) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("io.ReadAll failed")
		return nil, &util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}
	if len(body) == 0 && allowEmpty {
		return []byte("{}"), nil
	}
	if !gjson.ValidBytes(body) {
		return nil, &util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.NotJSON("The request body is not valid JSON"),
		}
	}
	if !gjson.ParseBytes(body).IsObject() {
		return nil, &util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.BadJSON("The event content must be a JSON object"),
		}
	}
	return body, nil
}

func validateMemberEvent(stateKey string, content []byte) *util.JSONResponse {
	if _, err := spec.NewUserID(stateKey, true); err != nil {
		return &util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.BadJSON("The state key of a member event must be a user ID"),
		}
	}
	if !validMemberships[gjson.GetBytes(content, "membership").Str] {
		return &util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.BadJSON("Unknown membership"),
		}
	}
	return nil
}

func appendEvent(
	req *http.Request, device *userapi.Device, roomID string,
	builder types.EventBuilder, rsAPI roomserverAPI.RoomserverInternalAPI,
) util.JSONResponse {
	ev, err := rsAPI.AppendEvent(req.Context(), roomID, device.UserID, builder)
	if err != nil {
		return appendErrorResponse(req, err)
	}
	util.GetLogger(req.Context()).WithFields(logrus.Fields{
		"event_id":   ev.EventID,
		"room_id":    roomID,
		"event_type": builder.Type,
	}).Info("Sent event to roomserver")
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: sendEventResponse{EventID: ev.EventID},
	}
}

func appendErrorResponse(req *http.Request, err error) util.JSONResponse {
	var notAllowed roomserverAPI.ErrNotAllowed
	switch {
	case errors.As(err, &notAllowed):
		return util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: spec.Forbidden(notAllowed.Error()),
		}
	case errors.Is(err, roomserverAPI.ErrRoomNotFound):
		return util.JSONResponse{
			Code: http.StatusNotFound,
			JSON: spec.NotFound("Unknown room"),
		}
	case errors.Is(err, roomlock.ErrPoisoned):
		util.GetLogger(req.Context()).WithError(err).Error("Room lock is poisoned")
	default:
		util.GetLogger(req.Context()).WithError(err).Error("rsAPI.AppendEvent failed")
	}
	return util.JSONResponse{
		Code: http.StatusInternalServerError,
		JSON: spec.InternalServerError{},
	}
}
