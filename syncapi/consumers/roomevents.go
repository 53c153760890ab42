// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package consumers

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/element-hq/syncengine/setup/config"
	"github.com/element-hq/syncengine/setup/jetstream"
	"github.com/element-hq/syncengine/setup/process"
	"github.com/element-hq/syncengine/syncapi/internal"
	"github.com/element-hq/syncengine/syncapi/notifier"
	"github.com/element-hq/syncengine/syncapi/storage"
	"github.com/element-hq/syncengine/syncapi/types"
)

// notifiableTypes are the event types that count towards unread
// notifications.
var notifiableTypes = map[string]bool{
	"m.room.message":   true,
	"m.room.encrypted": true,
	"m.sticker":        true,
}

// OutputRoomEventConsumer consumes events that originated in the room server.
type OutputRoomEventConsumer struct {
	ctx       context.Context
	jetstream nats.JetStreamContext
	durable   string
	topic     string
	db        storage.Database
	notifier  *notifier.Notifier
}

// NewOutputRoomEventConsumer creates a new OutputRoomEventConsumer. Call Start() to begin consuming from room servers.
func NewOutputRoomEventConsumer(
	process *process.ProcessContext,
	cfg *config.SyncAPI,
	js nats.JetStreamContext,
	store storage.Database,
	notifier *notifier.Notifier,
) *OutputRoomEventConsumer {
	return &OutputRoomEventConsumer{
		ctx:       process.Context(),
		jetstream: js,
		topic:     cfg.Matrix.JetStream.Prefixed(jetstream.OutputRoomEvent) + ".>",
		durable:   cfg.Matrix.JetStream.Durable("SyncAPIRoomServerConsumer"),
		db:        store,
		notifier:  notifier,
	}
}

// Start consuming from room servers
func (s *OutputRoomEventConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		s.ctx, s.jetstream, s.topic, s.durable, 1,
		s.onMessage, nats.DeliverAll(), nats.ManualAck(),
	)
}

// onMessage is called when the sync server receives a new event from the room server output log.
// The event is already in the store; all that is left is to count it
// towards unread notifications and wake the syncing users.
func (s *OutputRoomEventConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0] // Guaranteed to exist if onMessage is called
	var output types.OutputNewRoomEvent
	if err := json.Unmarshal(msg.Data, &output); err != nil || output.Event == nil {
		// If the message was invalid, log it and move on to the next message in the stream
		log.WithError(err).Errorf("roomserver output log: message parse failure")
		return true
	}
	ev := output.Event
	logger := log.WithFields(log.Fields{
		"room_id":  ev.RoomID,
		"event_id": ev.EventID,
		"type":     ev.Type,
	})

	members, err := internal.JoinedMembers(ctx, s.db, ev.RoomID)
	if err != nil {
		logger.WithError(err).Error("Failed to load room members")
		sentry.CaptureException(err)
		return false
	}

	pos := ev.Position
	if counted, highlights := notificationTargets(ev, members); len(counted) > 0 {
		countPos, err := s.db.IncrementUnreadNotificationCounts(ctx, ev.RoomID, counted, highlights)
		if err != nil {
			logger.WithError(err).Error("Failed to update unread notification counts")
			sentry.CaptureException(err)
		} else if countPos > pos {
			pos = countPos
		}
	}

	// The target of a membership change is woken even when it is no longer
	// joined, so that it learns it left or was invited.
	if ev.Type == spec.MRoomMember && ev.StateKey != nil {
		members = append(members, *ev.StateKey)
	}
	s.notifier.OnNewEvent(pos, members...)

	logger.WithField("position", pos).Trace("Woke users for new room event")
	return true
}

// notificationTargets returns the members an event notifies and which of
// them it highlights. Senders are never notified about their own events.
func notificationTargets(ev *types.Event, members []string) ([]string, map[string]bool) {
	if ev.IsState() || !notifiableTypes[ev.Type] {
		return nil, nil
	}
	body := strings.ToLower(gjson.GetBytes(ev.Content, "body").Str)
	var counted []string
	highlights := map[string]bool{}
	for _, userID := range members {
		if userID == ev.Sender {
			continue
		}
		counted = append(counted, userID)
		if body != "" && mentions(body, userID) {
			highlights[userID] = true
		}
	}
	return counted, highlights
}

// mentions reports whether a lowercased body names the user by ID or
// localpart.
func mentions(body, userID string) bool {
	uid, err := spec.NewUserID(userID, true)
	if err != nil {
		return strings.Contains(body, strings.ToLower(userID))
	}
	return strings.Contains(body, strings.ToLower(userID)) ||
		strings.Contains(body, strings.ToLower(uid.Local()))
}
