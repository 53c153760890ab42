// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"

	internalutil "github.com/element-hq/syncengine/internal/util"
	"github.com/element-hq/syncengine/setup/config"
	"github.com/element-hq/syncengine/userapi/api"
	"github.com/element-hq/syncengine/userapi/producers"
	"github.com/element-hq/syncengine/userapi/storage"
)

// accessTokenByteLength is the length of generated access tokens.
const accessTokenByteLength = 32

type UserInternalAPI struct {
	DB                storage.UserDatabase
	Config            *config.UserAPI
	KeyChangeProducer *producers.KeyChange
}

func (a *UserInternalAPI) PerformDeviceCreation(ctx context.Context, req *api.PerformDeviceCreationRequest, res *api.PerformDeviceCreationResponse) error {
	serverName := req.ServerName
	if serverName == "" {
		serverName = a.Config.Matrix.ServerName
	}
	if !a.Config.Matrix.IsLocalServerName(serverName) {
		return fmt.Errorf("server name %s is not local", serverName)
	}
	util.GetLogger(ctx).WithFields(logrus.Fields{
		"localpart":    req.Localpart,
		"device_id":    req.DeviceID,
		"display_name": req.DeviceDisplayName,
	}).Info("PerformDeviceCreation")
	accessToken := req.AccessToken
	if accessToken == "" {
		accessToken = util.RandomString(accessTokenByteLength)
	}
	var deviceID *string
	if req.DeviceID != "" {
		deviceID = &req.DeviceID
	}
	dev, err := a.DB.CreateDevice(ctx, internalutil.NormalizeLocalpart(req.Localpart), serverName, deviceID, accessToken, req.DeviceDisplayName)
	if err != nil {
		return err
	}
	res.DeviceCreated = true
	res.Device = dev
	// A new device means new device keys for everyone sharing a room with
	// the user to fetch.
	if err = a.KeyChangeProducer.ProduceKeyChange(dev.UserID); err != nil {
		util.GetLogger(ctx).WithError(err).Error("failed to notify key change for new device")
	}
	return nil
}

func (a *UserInternalAPI) PerformDeviceDeletion(ctx context.Context, req *api.PerformDeviceDeletionRequest, res *api.PerformDeviceDeletionResponse) error {
	util.GetLogger(ctx).WithField("user_id", req.UserID).WithField("devices", req.DeviceIDs).Info("PerformDeviceDeletion")
	local, domain, err := gomatrixserverlibSplit(req.UserID)
	if err != nil {
		return err
	}
	if !a.Config.Matrix.IsLocalServerName(domain) {
		return fmt.Errorf("cannot PerformDeviceDeletion of remote users (server name %s)", domain)
	}
	deletedDeviceIDs := req.DeviceIDs
	if len(req.DeviceIDs) == 0 {
		var devices []api.Device
		devices, err = a.DB.RemoveAllDevices(ctx, local, domain)
		deletedDeviceIDs = make([]string, 0, len(devices))
		for _, d := range devices {
			deletedDeviceIDs = append(deletedDeviceIDs, d.ID)
		}
	} else {
		err = a.DB.RemoveDevices(ctx, local, domain, req.DeviceIDs)
	}
	if err != nil {
		return err
	}
	if len(deletedDeviceIDs) == 0 {
		return nil
	}
	return a.KeyChangeProducer.ProduceKeyChange(req.UserID)
}

func (a *UserInternalAPI) QueryDevices(ctx context.Context, req *api.QueryDevicesRequest, res *api.QueryDevicesResponse) error {
	local, domain, err := gomatrixserverlibSplit(req.UserID)
	if err != nil {
		return err
	}
	if !a.Config.Matrix.IsLocalServerName(domain) {
		return fmt.Errorf("cannot query devices of remote users (server name %s)", domain)
	}
	devs, err := a.DB.GetDevicesByLocalpart(ctx, local, domain)
	if err != nil {
		return err
	}
	res.UserExists = len(devs) > 0
	res.Devices = devs
	return nil
}

func (a *UserInternalAPI) QueryAccessToken(ctx context.Context, req *api.QueryAccessTokenRequest, res *api.QueryAccessTokenResponse) error {
	device, err := a.DB.GetDeviceByAccessToken(ctx, req.AccessToken)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Leaving the device unset tells the caller the token is unknown.
			return nil
		}
		return err
	}
	localpart, domain, err := gomatrixserverlibSplit(device.UserID)
	if err != nil {
		return err
	}
	if err = a.DB.UpdateDeviceLastSeen(ctx, localpart, domain, device.ID); err != nil {
		util.GetLogger(ctx).WithError(err).Warn("failed to update device last seen")
	}
	res.Device = device
	return nil
}

// PerformUploadKeys publishes new device keys as a device list change and
// reports the uploaded one-time keys as the device's remaining count.
// Claiming keys is not supported, so the count is whatever was uploaded last.
func (a *UserInternalAPI) PerformUploadKeys(ctx context.Context, req *api.PerformUploadKeysRequest, res *api.PerformUploadKeysResponse) error {
	logger := util.GetLogger(ctx).WithFields(logrus.Fields{
		"user_id":   req.UserID,
		"device_id": req.DeviceID,
	})
	res.OneTimeKeyCounts = map[string]int{}
	for keyID := range req.OneTimeKeys {
		algorithm, _, ok := strings.Cut(keyID, ":")
		if !ok || algorithm == "" {
			return fmt.Errorf("malformed one-time key id %q", keyID)
		}
		res.OneTimeKeyCounts[algorithm]++
	}
	if len(req.DeviceKeys) > 0 {
		if err := a.KeyChangeProducer.ProduceKeyChange(req.UserID); err != nil {
			return fmt.Errorf("a.KeyChangeProducer.ProduceKeyChange: %w", err)
		}
	}
	if len(res.OneTimeKeyCounts) > 0 {
		if err := a.KeyChangeProducer.ProduceOneTimeKeyCounts(req.UserID, req.DeviceID, res.OneTimeKeyCounts); err != nil {
			return fmt.Errorf("a.KeyChangeProducer.ProduceOneTimeKeyCounts: %w", err)
		}
	}
	logger.WithField("one_time_key_counts", res.OneTimeKeyCounts).Debug("Uploaded keys")
	return nil
}

func gomatrixserverlibSplit(userID string) (string, spec.ServerName, error) {
	uid, err := spec.NewUserID(userID, true)
	if err != nil {
		return "", "", err
	}
	return internalutil.NormalizeLocalpart(uid.Local()), internalutil.NormalizeServerName(uid.Domain()), nil
}
