// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package producers

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/syncengine/setup/config"
	"github.com/element-hq/syncengine/setup/jetstream"
	"github.com/element-hq/syncengine/syncapi/types"
)

type JetStreamPublisher interface {
	PublishMsg(*nats.Msg, ...nats.PubOpt) (*nats.PubAck, error)
}

// RoomEventProducer tells the sync API about appended room events.
type RoomEventProducer struct {
	JetStream JetStreamPublisher
	Cfg       *config.JetStream
}

func (r *RoomEventProducer) ProduceRoomEvent(ev *types.Event) error {
	value, err := json.Marshal(types.OutputNewRoomEvent{Event: ev})
	if err != nil {
		return err
	}
	msg := &nats.Msg{
		Subject: r.Cfg.Prefixed(jetstream.OutputRoomEventSubj(ev.RoomID)),
		Header:  nats.Header{},
		Data:    value,
	}
	msg.Header.Set(jetstream.RoomID, ev.RoomID)
	msg.Header.Set(jetstream.EventID, ev.EventID)

	if _, err = r.JetStream.PublishMsg(msg); err != nil {
		logrus.WithError(err).WithField("room_id", ev.RoomID).Error("Failed to produce to topic")
		return err
	}
	logrus.WithFields(logrus.Fields{
		"room_id":  ev.RoomID,
		"event_id": ev.EventID,
		"position": ev.Position,
	}).Trace("Produced to output room event topic")
	return nil
}
