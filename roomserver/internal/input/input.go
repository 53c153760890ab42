// Copyright 2024 New Vector Ltd.
// Copyright 2017-2021 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package input contains the code that writes events into rooms.
package input

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/syncengine/internal"
	"github.com/element-hq/syncengine/internal/roomlock"
	"github.com/element-hq/syncengine/roomserver/api"
	"github.com/element-hq/syncengine/syncapi/types"
)

// Database is the part of the event store the writer path needs.
type Database interface {
	CurrentSnapshotID(ctx context.Context, roomID string) (types.StateSnapshotID, error)
	MembershipPosition(ctx context.Context, roomID, userID string) (string, types.StreamPosition, error)
	AppendEvent(ctx context.Context, ev *types.Event) error
	Flush(ctx context.Context) error
}

// OutputProducer is told about every appended event.
type OutputProducer interface {
	ProduceRoomEvent(ev *types.Event) error
}

var processRoomEventDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "syncengine",
		Subsystem: "roomserver",
		Name:      "append_event_duration_millis",
		Help:      "How long it takes the roomserver to append an event",
		Buckets: []float64{ // milliseconds
			5, 10, 25, 50, 75, 100, 250, 500,
			1000, 2000, 3000, 4000, 5000, 6000,
			7000, 8000, 9000, 10000, 15000, 20000,
		},
	},
	[]string{"type"},
)

func init() {
	prometheus.MustRegister(processRoomEventDuration)
}

// Inputer appends locally created events to rooms.
type Inputer struct {
	DB             Database
	RoomLocks      *roomlock.Registry
	OutputProducer OutputProducer
	// Now is used for origin_server_ts. Defaults to time.Now.
	Now func() time.Time
}

// AppendEvent validates and builds an event from the builder and appends
// it to the room while holding the room's state-mutation lock. Once the
// lock is released the store is flushed and the event is published.
func (r *Inputer) AppendEvent(
	ctx context.Context, roomID, sender string, builder types.EventBuilder,
) (*types.Event, error) {
	trace, ctx := internal.StartRegion(ctx, "AppendEvent")
	defer trace.EndRegion()
	trace.SetTag("room_id", roomID)

	started := time.Now()
	logger := util.GetLogger(ctx).WithFields(logrus.Fields{
		"room_id": roomID,
		"sender":  sender,
		"type":    builder.Type,
	})

	var ev *types.Event
	err := r.RoomLocks.WithStateMutation(roomID, func() error {
		if err := r.checkAllowed(ctx, roomID, sender, &builder); err != nil {
			return err
		}
		ev = r.build(roomID, sender, &builder)
		return r.DB.AppendEvent(ctx, ev)
	})
	if err != nil {
		var notAllowed api.ErrNotAllowed
		if !errors.As(err, &notAllowed) && !errors.Is(err, api.ErrRoomNotFound) {
			logger.WithError(err).Error("Failed to append event")
		}
		return nil, err
	}

	if err = r.DB.Flush(ctx); err != nil {
		logger.WithError(err).Warn("Failed to flush the event store")
	}
	if err = r.OutputProducer.ProduceRoomEvent(ev); err != nil {
		// The event is committed and will be picked up by the next sync
		// that reads the store, it just won't wake anyone early.
		logger.WithError(err).Error("Failed to publish appended event")
	}

	processRoomEventDuration.With(prometheus.Labels{
		"type": builder.Type,
	}).Observe(float64(time.Since(started).Milliseconds()))
	logger.WithFields(logrus.Fields{
		"event_id": ev.EventID,
		"position": ev.Position,
	}).Debug("Appended event")
	return ev, nil
}

func (r *Inputer) build(roomID, sender string, builder *types.EventBuilder) *types.Event {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	return &types.Event{
		EventID:        "$" + uuid.NewString(),
		RoomID:         roomID,
		Type:           builder.Type,
		StateKey:       builder.StateKey,
		Sender:         sender,
		Content:        builder.Content,
		Redacts:        builder.Redacts,
		OriginServerTS: spec.AsTimestamp(now()),
	}
}

// checkAllowed requires the room to exist and the sender to be joined to
// it. A user's own member event is exempt from the join requirement so
// that they can join or leave.
func (r *Inputer) checkAllowed(ctx context.Context, roomID, sender string, builder *types.EventBuilder) error {
	if builder.Type == spec.MRoomCreate {
		if _, err := r.DB.CurrentSnapshotID(ctx, roomID); err == nil {
			return api.ErrNotAllowed{Err: fmt.Errorf("room %s already exists", roomID)}
		} else if !errors.Is(err, types.ErrNoCurrentState) {
			return err
		}
		return nil
	}
	if _, err := r.DB.CurrentSnapshotID(ctx, roomID); err != nil {
		if errors.Is(err, types.ErrNoCurrentState) {
			return fmt.Errorf("%w: %s", api.ErrRoomNotFound, roomID)
		}
		return err
	}
	if builder.Type == spec.MRoomMember && builder.StateKey != nil && *builder.StateKey == sender {
		return nil
	}
	membership, _, err := r.DB.MembershipPosition(ctx, roomID, sender)
	if err != nil {
		return err
	}
	if membership != spec.Join {
		return api.ErrNotAllowed{Err: fmt.Errorf("user %s is not joined to room %s", sender, roomID)}
	}
	return nil
}
