// Copyright 2024 New Vector Ltd.
// Copyright 2019 Alex Chen
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package consumers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/element-hq/syncengine/internal/caching"
	"github.com/element-hq/syncengine/setup/config"
	"github.com/element-hq/syncengine/setup/jetstream"
	"github.com/element-hq/syncengine/setup/process"
	"github.com/element-hq/syncengine/syncapi/internal"
	"github.com/element-hq/syncengine/syncapi/notifier"
	"github.com/element-hq/syncengine/syncapi/storage"
	"github.com/element-hq/syncengine/syncapi/types"
)

// OutputTypingEventConsumer consumes events that originated in the EDU server.
type OutputTypingEventConsumer struct {
	ctx       context.Context
	jetstream nats.JetStreamContext
	durable   string
	topic     string
	db        storage.Database
	eduCache  *caching.EDUCache
	notifier  *notifier.Notifier
}

// NewOutputTypingEventConsumer creates a new OutputTypingEventConsumer.
// Call Start() to begin consuming from the EDU server.
func NewOutputTypingEventConsumer(
	process *process.ProcessContext,
	cfg *config.SyncAPI,
	js nats.JetStreamContext,
	store storage.Database,
	eduCache *caching.EDUCache,
	notifier *notifier.Notifier,
) *OutputTypingEventConsumer {
	s := &OutputTypingEventConsumer{
		ctx:       process.Context(),
		jetstream: js,
		topic:     cfg.Matrix.JetStream.Prefixed(jetstream.OutputTypingEvent),
		durable:   cfg.Matrix.JetStream.Durable("SyncAPITypingConsumer"),
		db:        store,
		eduCache:  eduCache,
		notifier:  notifier,
	}
	// Typing changes share the global position sequence.
	eduCache.SetPositionSource(func() (int64, bool) {
		pos, err := store.NextPosition(s.ctx)
		if err != nil {
			log.WithError(err).Error("Failed to allocate a typing position")
			return 0, false
		}
		return int64(pos), true
	})
	eduCache.SetTimeoutCallback(func(userID, roomID string, latestSyncPosition int64) {
		s.wakeRoom(s.ctx, roomID, types.StreamPosition(latestSyncPosition))
	})
	return s
}

// Start consuming typing events.
func (s *OutputTypingEventConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		s.ctx, s.jetstream, s.topic, s.durable, 1,
		s.onMessage, nats.DeliverAll(), nats.ManualAck(),
	)
}

func (s *OutputTypingEventConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0] // Guaranteed to exist if onMessage is called
	var output types.OutputTypingEvent
	if err := json.Unmarshal(msg.Data, &output); err != nil {
		log.WithError(err).Errorf("typing output log: message parse failure")
		return true
	}
	roomID, userID := output.Event.RoomID, output.Event.UserID

	var pos int64
	if output.Event.Typing {
		var expire *time.Time
		if output.ExpireTime != nil {
			t := output.ExpireTime.Time()
			expire = &t
		}
		pos = s.eduCache.AddTypingUser(userID, roomID, expire)
	} else {
		pos = s.eduCache.RemoveUser(userID, roomID)
	}

	log.WithFields(log.Fields{
		"room_id": roomID,
		"user_id": userID,
		"typing":  output.Event.Typing,
	}).Tracef("Received typing event from EDU server")

	s.wakeRoom(ctx, roomID, types.StreamPosition(pos))
	return true
}

func (s *OutputTypingEventConsumer) wakeRoom(ctx context.Context, roomID string, pos types.StreamPosition) {
	members, err := internal.JoinedMembers(ctx, s.db, roomID)
	if err != nil {
		log.WithError(err).WithField("room_id", roomID).Error("Failed to load room members")
		return
	}
	s.notifier.OnNewEvent(pos, members...)
}
