// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package producers

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/element-hq/syncengine/setup/jetstream"
	"github.com/element-hq/syncengine/syncapi/types"
	userapi "github.com/element-hq/syncengine/userapi/api"
)

type JetStreamPublisher interface {
	PublishMsg(*nats.Msg, ...nats.PubOpt) (*nats.PubAck, error)
}

// DeviceQueryer lists the devices of a user, used to fan out to-device
// messages addressed to "*".
type DeviceQueryer interface {
	QueryDevices(ctx context.Context, req *userapi.QueryDevicesRequest, res *userapi.QueryDevicesResponse) error
}

// SyncAPIProducer produces events for the sync API server to consume
type SyncAPIProducer struct {
	TopicReceiptEvent      string
	TopicSendToDeviceEvent string
	TopicTypingEvent       string
	TopicPresenceEvent     string
	TopicClientData        string
	JetStream              JetStreamPublisher
	UserAPI                DeviceQueryer
}

// SendData sends account data to the sync API server. An empty roomID
// stores global account data.
func (p *SyncAPIProducer) SendData(userID string, roomID string, dataType string, content json.RawMessage) error {
	m := &nats.Msg{
		Subject: p.TopicClientData,
		Header:  nats.Header{},
	}
	m.Header.Set(jetstream.UserID, userID)

	var err error
	m.Data, err = json.Marshal(types.OutputClientData{
		RoomID:  roomID,
		Type:    dataType,
		Content: content,
	})
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"user_id":   userID,
		"room_id":   roomID,
		"data_type": dataType,
	}).Tracef("Producing to topic '%s'", p.TopicClientData)

	_, err = p.JetStream.PublishMsg(m)
	return err
}

func (p *SyncAPIProducer) SendReceipt(
	ctx context.Context,
	userID, roomID, eventID, receiptType string, timestamp spec.Timestamp,
) error {
	m := &nats.Msg{
		Subject: p.TopicReceiptEvent,
		Header:  nats.Header{},
	}
	m.Header.Set(jetstream.UserID, userID)
	m.Header.Set(jetstream.RoomID, roomID)
	m.Header.Set(jetstream.EventID, eventID)
	m.Header.Set(jetstream.Type, receiptType)
	m.Header.Set("timestamp", strconv.FormatUint(uint64(timestamp), 10))

	log.WithFields(log.Fields{
		"user_id":  userID,
		"room_id":  roomID,
		"event_id": eventID,
		"type":     receiptType,
	}).Tracef("Producing to topic '%s'", p.TopicReceiptEvent)
	_, err := p.JetStream.PublishMsg(m, nats.Context(ctx))
	return err
}

// SendToDevice publishes one message per target device. A deviceID of "*"
// targets every device of the user.
func (p *SyncAPIProducer) SendToDevice(
	ctx context.Context, sender, userID, deviceID, eventType string,
	message json.RawMessage,
) error {
	devices := []string{}
	if deviceID == "*" {
		var res userapi.QueryDevicesResponse
		if err := p.UserAPI.QueryDevices(ctx, &userapi.QueryDevicesRequest{UserID: userID}, &res); err != nil {
			return err
		}
		for _, dev := range res.Devices {
			devices = append(devices, dev.ID)
		}
	} else {
		devices = append(devices, deviceID)
	}

	log.WithFields(log.Fields{
		"user_id":     userID,
		"num_devices": len(devices),
		"type":        eventType,
	}).Tracef("Producing to topic '%s'", p.TopicSendToDeviceEvent)
	for _, device := range devices {
		ote := &types.OutputSendToDeviceEvent{
			UserID:   userID,
			DeviceID: device,
			SendToDeviceEvent: types.SendToDeviceEvent{
				Sender:  sender,
				Type:    eventType,
				Content: message,
			},
		}
		eventJSON, err := json.Marshal(ote)
		if err != nil {
			log.WithError(err).Error("sendToDevice failed json.Marshal")
			return err
		}
		m := nats.NewMsg(p.TopicSendToDeviceEvent)
		m.Data = eventJSON
		m.Header.Set("sender", sender)
		m.Header.Set(jetstream.UserID, userID)

		if _, err = p.JetStream.PublishMsg(m, nats.Context(ctx)); err != nil {
			log.WithError(err).Error("sendToDevice failed t.Producer.SendMessage")
			return err
		}
	}
	return nil
}

func (p *SyncAPIProducer) SendTyping(
	ctx context.Context, userID, roomID string, typing bool, timeout time.Duration,
) error {
	output := types.OutputTypingEvent{
		Event: types.TypingEvent{
			Type:   types.MTyping,
			RoomID: roomID,
			UserID: userID,
			Typing: typing,
		},
	}
	if typing {
		expire := spec.AsTimestamp(time.Now().Add(timeout))
		output.ExpireTime = &expire
	}
	data, err := json.Marshal(output)
	if err != nil {
		return err
	}
	m := nats.NewMsg(p.TopicTypingEvent)
	m.Data = data
	m.Header.Set(jetstream.RoomID, roomID)
	m.Header.Set(jetstream.UserID, userID)
	_, err = p.JetStream.PublishMsg(m, nats.Context(ctx))
	return err
}

func (p *SyncAPIProducer) SendPresence(
	ctx context.Context, userID string, presence string, statusMsg *string,
) error {
	data, err := json.Marshal(types.OutputPresenceEvent{
		UserID: userID,
		Content: types.PresenceContent{
			Presence:  presence,
			StatusMsg: statusMsg,
		},
	})
	if err != nil {
		return err
	}
	m := nats.NewMsg(p.TopicPresenceEvent)
	m.Data = data
	m.Header.Set(jetstream.UserID, userID)
	_, err = p.JetStream.PublishMsg(m, nats.Context(ctx))
	return err
}
