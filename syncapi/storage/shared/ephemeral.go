// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared

import (
	"context"
	"database/sql"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/pkg/errors"

	"github.com/element-hq/syncengine/syncapi/types"
)

const (
	// A ping from an already active user only moves the stream when the
	// last activity is older than this.
	presenceBumpInterval = 5 * time.Minute
	receiptPrivateRead   = "m.read.private"
)

// writeAtNextPosition runs fn in a transaction at a freshly allocated
// position.
func (d *Database) writeAtNextPosition(ctx context.Context, fn func(txn *sql.Tx, pos types.StreamPosition) error) (pos types.StreamPosition, err error) {
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		pos, err = d.StreamID.NextStreamID(ctx, txn)
		if err != nil {
			return errors.Wrap(err, "d.StreamID.NextStreamID")
		}
		return fn(txn, pos)
	})
	return
}

func (d *Database) ReceiptsInRange(ctx context.Context, roomID string, r types.Range) ([]types.OutputReceiptEvent, error) {
	return d.Receipts.SelectRoomReceiptsInRange(ctx, nil, roomID, r)
}

func (d *Database) StoreReceipt(
	ctx context.Context, roomID, receiptType, userID, eventID string, timestamp spec.Timestamp,
) (types.StreamPosition, error) {
	return d.writeAtNextPosition(ctx, func(txn *sql.Tx, pos types.StreamPosition) error {
		return d.Receipts.UpsertReceipt(ctx, txn, pos, roomID, receiptType, userID, eventID, timestamp)
	})
}

func (d *Database) PrivateReadMarkerPosition(ctx context.Context, roomID, userID string) (types.StreamPosition, error) {
	return d.Receipts.SelectUserReceiptPosition(ctx, nil, roomID, userID, receiptPrivateRead)
}

func (d *Database) PresenceInRange(ctx context.Context, userIDs []string, r types.Range) ([]*types.PresenceEvent, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	presences, err := d.Presence.SelectPresenceInRange(ctx, nil, userIDs, r)
	if err != nil {
		return nil, errors.Wrap(err, "d.Presence.SelectPresenceInRange")
	}
	now := time.Now()
	for _, p := range presences {
		p.SetLastActiveAgo(now)
	}
	return presences, nil
}

func (d *Database) GetPresence(ctx context.Context, userID string) (*types.PresenceEvent, error) {
	p, err := d.Presence.SelectPresence(ctx, nil, userID)
	if err != nil || p == nil {
		return nil, err
	}
	p.SetLastActiveAgo(time.Now())
	return p, nil
}

// SetPresence merges content into the user's stored presence.
func (d *Database) SetPresence(ctx context.Context, userID string, content *types.PresenceContent) (types.StreamPosition, error) {
	return d.writeAtNextPosition(ctx, func(txn *sql.Tx, pos types.StreamPosition) error {
		existing, err := d.Presence.SelectPresence(ctx, txn, userID)
		if err != nil {
			return errors.Wrap(err, "d.Presence.SelectPresence")
		}
		merged := types.PresenceContent{}
		lastActive := spec.AsTimestamp(time.Now())
		if existing != nil {
			merged = existing.Content
			if content.Presence != types.PresenceOnline {
				lastActive = existing.LastActiveTS
			}
		}
		merged.Merge(content)
		merged.LastActiveAgo = nil
		if merged.Presence != types.PresenceOnline {
			active := false
			merged.CurrentlyActive = &active
		}
		return d.Presence.UpsertPresence(ctx, txn, pos, userID, &merged, lastActive)
	})
}

// PingPresence records activity from the user. The stream only moves when
// other users would see a difference: the user was not online and active,
// or had been idle for longer than the bump interval.
func (d *Database) PingPresence(ctx context.Context, userID string, now time.Time) (pos types.StreamPosition, bumped bool, err error) {
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		existing, err := d.Presence.SelectPresence(ctx, txn, userID)
		if err != nil {
			return errors.Wrap(err, "d.Presence.SelectPresence")
		}
		nowTS := spec.AsTimestamp(now)
		if existing != nil &&
			existing.Content.Presence == types.PresenceOnline &&
			existing.Content.CurrentlyActive != nil && *existing.Content.CurrentlyActive &&
			now.Sub(existing.LastActiveTS.Time()) < presenceBumpInterval {
			pos = existing.Position
			return d.Presence.UpdateLastActive(ctx, txn, userID, nowTS)
		}
		content := types.PresenceContent{}
		if existing != nil {
			content = existing.Content
		}
		active := true
		content.Presence = types.PresenceOnline
		content.CurrentlyActive = &active
		content.LastActiveAgo = nil
		if pos, err = d.StreamID.NextStreamID(ctx, txn); err != nil {
			return errors.Wrap(err, "d.StreamID.NextStreamID")
		}
		bumped = true
		return d.Presence.UpsertPresence(ctx, txn, pos, userID, &content, nowTS)
	})
	return
}

func (d *Database) AccountDataInRange(ctx context.Context, userID string, r types.Range) ([]types.OutputClientData, error) {
	return d.AccountData.SelectAccountDataInRange(ctx, nil, userID, r)
}

func (d *Database) StoreAccountData(ctx context.Context, userID string, data *types.OutputClientData) (types.StreamPosition, error) {
	return d.writeAtNextPosition(ctx, func(txn *sql.Tx, pos types.StreamPosition) error {
		return d.AccountData.UpsertAccountData(ctx, txn, pos, userID, data)
	})
}

func (d *Database) KeyChangesInRange(ctx context.Context, r types.Range) ([]string, error) {
	return d.KeyChanges.SelectKeyChangesInRange(ctx, nil, r)
}

func (d *Database) StoreKeyChange(ctx context.Context, userID string) (types.StreamPosition, error) {
	return d.writeAtNextPosition(ctx, func(txn *sql.Tx, pos types.StreamPosition) error {
		return d.KeyChanges.UpsertKeyChange(ctx, txn, pos, userID)
	})
}

func (d *Database) OneTimeKeyCounts(ctx context.Context, userID, deviceID string) (map[string]int, error) {
	return d.OTKCounts.SelectOneTimeKeyCounts(ctx, nil, userID, deviceID)
}

func (d *Database) StoreOneTimeKeyCount(ctx context.Context, userID, deviceID, algorithm string, count int) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.OTKCounts.UpsertOneTimeKeyCount(ctx, txn, userID, deviceID, algorithm, count)
	})
}

func (d *Database) SendToDeviceMessages(
	ctx context.Context, userID, deviceID string, upTo types.StreamPosition,
) ([]types.SendToDeviceEvent, error) {
	return d.SendToDevice.SelectSendToDeviceMessages(ctx, nil, userID, deviceID, upTo)
}

func (d *Database) CleanSendToDeviceMessages(ctx context.Context, userID, deviceID string, upTo types.StreamPosition) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.SendToDevice.DeleteSendToDeviceMessages(ctx, txn, userID, deviceID, upTo)
	})
}

func (d *Database) StoreSendToDeviceMessage(
	ctx context.Context, userID, deviceID string, event *types.SendToDeviceEvent,
) (types.StreamPosition, error) {
	return d.writeAtNextPosition(ctx, func(txn *sql.Tx, pos types.StreamPosition) error {
		return d.SendToDevice.InsertSendToDeviceMessage(ctx, txn, pos, userID, deviceID, event)
	})
}

func (d *Database) NotificationCounts(ctx context.Context, userID, roomID string) (*types.NotificationData, error) {
	return d.NotificationData.SelectUserUnreadCounts(ctx, nil, userID, roomID)
}

func (d *Database) UpsertRoomUnreadNotificationCounts(
	ctx context.Context, userID, roomID string, notificationCount, highlightCount int,
) (types.StreamPosition, error) {
	return d.writeAtNextPosition(ctx, func(txn *sql.Tx, pos types.StreamPosition) error {
		return d.NotificationData.UpsertRoomUnreadCounts(ctx, txn, pos, userID, roomID, notificationCount, highlightCount)
	})
}

func (d *Database) IncrementUnreadNotificationCounts(
	ctx context.Context, roomID string, userIDs []string, highlights map[string]bool,
) (types.StreamPosition, error) {
	return d.writeAtNextPosition(ctx, func(txn *sql.Tx, pos types.StreamPosition) error {
		for _, userID := range userIDs {
			if err := d.NotificationData.IncrementRoomUnreadCounts(ctx, txn, pos, userID, roomID, highlights[userID]); err != nil {
				return errors.Wrapf(err, "d.NotificationData.IncrementRoomUnreadCounts(%s)", userID)
			}
		}
		return nil
	})
}
