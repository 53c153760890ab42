// Copyright 2024 New Vector Ltd.
// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package producers

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/syncengine/setup/jetstream"
	"github.com/element-hq/syncengine/syncapi/types"
)

type JetStreamPublisher interface {
	PublishMsg(*nats.Msg, ...nats.PubOpt) (*nats.PubAck, error)
}

// KeyChange produces key change events for the sync API
type KeyChange struct {
	Topic     string
	JetStream JetStreamPublisher
}

// ProduceOneTimeKeyCounts reports how many one-time keys per algorithm
// the device has left.
func (p *KeyChange) ProduceOneTimeKeyCounts(userID, deviceID string, counts map[string]int) error {
	return p.produce(types.OutputKeyChangeEvent{
		UserID:           userID,
		DeviceID:         deviceID,
		OneTimeKeyCounts: counts,
	})
}

// ProduceKeyChange tells the sync API that the device keys of userID
// changed, for example because a device was added or removed.
func (p *KeyChange) ProduceKeyChange(userID string) error {
	return p.produce(types.OutputKeyChangeEvent{UserID: userID})
}

func (p *KeyChange) produce(output types.OutputKeyChangeEvent) error {
	value, err := json.Marshal(output)
	if err != nil {
		return err
	}

	m := &nats.Msg{
		Subject: p.Topic,
		Header:  nats.Header{},
		Data:    value,
	}
	m.Header.Set(jetstream.UserID, output.UserID)

	if _, err = p.JetStream.PublishMsg(m); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"user_id":   output.UserID,
		"device_id": output.DeviceID,
	}).Debug("Produced to key change topic")
	return nil
}
