// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package consumers

import (
	"context"
	"strconv"

	"github.com/getsentry/sentry-go"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/element-hq/syncengine/setup/config"
	"github.com/element-hq/syncengine/setup/jetstream"
	"github.com/element-hq/syncengine/setup/process"
	"github.com/element-hq/syncengine/syncapi/internal"
	"github.com/element-hq/syncengine/syncapi/notifier"
	"github.com/element-hq/syncengine/syncapi/storage"
	"github.com/element-hq/syncengine/syncapi/types"
)

const (
	receiptTypeRead        = "m.read"
	receiptTypeReadPrivate = "m.read.private"
)

// OutputReceiptEventConsumer consumes read receipts sent by clients.
type OutputReceiptEventConsumer struct {
	ctx       context.Context
	jetstream nats.JetStreamContext
	durable   string
	topic     string
	db        storage.Database
	notifier  *notifier.Notifier
}

// NewOutputReceiptEventConsumer creates a new OutputReceiptEventConsumer.
// Call Start() to begin consuming receipts.
func NewOutputReceiptEventConsumer(
	process *process.ProcessContext,
	cfg *config.SyncAPI,
	js nats.JetStreamContext,
	store storage.Database,
	notifier *notifier.Notifier,
) *OutputReceiptEventConsumer {
	return &OutputReceiptEventConsumer{
		ctx:       process.Context(),
		jetstream: js,
		topic:     cfg.Matrix.JetStream.Prefixed(jetstream.OutputReceiptEvent),
		durable:   cfg.Matrix.JetStream.Durable("SyncAPIReceiptConsumer"),
		db:        store,
		notifier:  notifier,
	}
}

// Start consuming receipts events.
func (s *OutputReceiptEventConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		s.ctx, s.jetstream, s.topic, s.durable, 1,
		s.onMessage, nats.DeliverAll(), nats.ManualAck(),
	)
}

func (s *OutputReceiptEventConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0] // Guaranteed to exist if onMessage is called
	output := types.OutputReceiptEvent{
		UserID:  msg.Header.Get(jetstream.UserID),
		RoomID:  msg.Header.Get(jetstream.RoomID),
		EventID: msg.Header.Get(jetstream.EventID),
		Type:    msg.Header.Get(jetstream.Type),
	}
	logger := log.WithFields(log.Fields{
		"user_id":  output.UserID,
		"room_id":  output.RoomID,
		"event_id": output.EventID,
		"type":     output.Type,
	})

	timestamp, err := strconv.ParseUint(msg.Header.Get("timestamp"), 10, 64)
	if err != nil {
		// If the message was invalid, log it and move on to the next message in the stream
		logger.WithError(err).Errorf("output log: message parse failure")
		sentry.CaptureException(err)
		return true
	}
	output.Timestamp = spec.Timestamp(timestamp)

	streamPos, err := s.db.StoreReceipt(ctx, output.RoomID, output.Type, output.UserID, output.EventID, output.Timestamp)
	if err != nil {
		logger.WithError(err).Error("Failed to store receipt")
		sentry.CaptureException(err)
		return true
	}

	// Reading a room clears its unread counts. The counts are written
	// before anyone is woken so that a sync can't see the receipt without
	// the cleared counts.
	if output.Type == receiptTypeRead || output.Type == receiptTypeReadPrivate {
		countPos, err := s.db.UpsertRoomUnreadNotificationCounts(ctx, output.UserID, output.RoomID, 0, 0)
		if err != nil {
			logger.WithError(err).Error("Failed to clear notification counts")
		} else if countPos > streamPos {
			streamPos = countPos
		}
	}

	// Private receipts are only ever seen by their owner.
	if output.Type == receiptTypeReadPrivate {
		s.notifier.OnNewEvent(streamPos, output.UserID)
		return true
	}
	members, err := internal.JoinedMembers(ctx, s.db, output.RoomID)
	if err != nil {
		logger.WithError(err).Error("Failed to load room members")
		sentry.CaptureException(err)
		members = []string{output.UserID}
	}
	s.notifier.OnNewEvent(streamPos, members...)

	logger.WithField("stream_pos", streamPos).Debug("Stored receipt")
	return true
}
