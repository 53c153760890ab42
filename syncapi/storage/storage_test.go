package storage_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/syncengine/internal/caching"
	"github.com/element-hq/syncengine/internal/roomlock"
	"github.com/element-hq/syncengine/internal/sqlutil"
	"github.com/element-hq/syncengine/setup/config"
	"github.com/element-hq/syncengine/syncapi/storage"
	"github.com/element-hq/syncengine/syncapi/types"
	"github.com/element-hq/syncengine/test"
)

func mustCreateDatabase(t *testing.T, dbType test.DBType) (storage.Database, func()) {
	connStr, close := test.PrepareDBConnectionString(t, dbType)
	cm := sqlutil.NewConnectionManager(nil, config.DatabaseOptions{})
	caches := caching.NewRistrettoCache(8*1024*1024, time.Hour, false)
	db, err := storage.NewSyncServerDatasource(cm, &config.DatabaseOptions{
		ConnectionString: config.DataSource(connStr),
	}, caches, roomlock.NewRegistry())
	if err != nil {
		t.Fatalf("NewSyncServerDatasource returned %s", err)
	}
	return db, close
}

func mustAppend(t *testing.T, db storage.Database, events ...*types.Event) {
	t.Helper()
	for _, ev := range events {
		require.NoError(t, db.AppendEvent(context.Background(), ev), "failed to append %s", ev.EventID)
	}
}

func TestAppendEventAssignsIncreasingPositions(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()
		ctx := context.Background()

		alice := test.NewUser(t)
		room := test.NewRoom(t, alice)
		msg := room.CreateEvent(t, alice, "m.room.message", map[string]interface{}{"body": "hello"})
		mustAppend(t, db, room.Events()...)

		var last types.StreamPosition
		for _, ev := range room.Events() {
			assert.Greater(t, ev.Position, last)
			last = ev.Position
		}
		current, err := db.CurrentPosition(ctx)
		require.NoError(t, err)
		assert.Equal(t, msg.Position, current)

		next, err := db.NextPosition(ctx)
		require.NoError(t, err)
		assert.Equal(t, current+1, next)
		require.NoError(t, db.Flush(ctx))
	})
}

func TestAppendThenDiff(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()
		ctx := context.Background()

		alice := test.NewUser(t)
		room := test.NewRoom(t, alice)
		mustAppend(t, db, room.Events()...)

		before, err := db.CurrentSnapshotID(ctx, room.ID)
		require.NoError(t, err)

		// A message leaves the snapshot alone.
		msg := room.CreateEvent(t, alice, "m.room.message", map[string]interface{}{"body": "hi"})
		mustAppend(t, db, msg)
		afterMsg, err := db.CurrentSnapshotID(ctx, room.ID)
		require.NoError(t, err)
		assert.Equal(t, before, afterMsg)
		diff, err := db.StateDiff(ctx, before, afterMsg)
		require.NoError(t, err)
		assert.Empty(t, diff)

		// A state event changes exactly its own key.
		name := room.CreateEvent(t, alice, "m.room.name", map[string]interface{}{"name": "Room"}, test.WithStateKey(""))
		mustAppend(t, db, name)
		after, err := db.CurrentSnapshotID(ctx, room.ID)
		require.NoError(t, err)
		assert.NotEqual(t, before, after)
		diff, err = db.StateDiff(ctx, before, after)
		require.NoError(t, err)
		assert.Equal(t, types.StateMap{{EventType: "m.room.name"}: name.EventID}, diff)

		full, err := db.StateMap(ctx, after)
		require.NoError(t, err)
		assert.Len(t, full, 3)

		ev, err := db.StateEventAtSnapshot(ctx, before, "m.room.name", "")
		require.NoError(t, err)
		assert.Nil(t, ev)
		ev, err = db.StateEventAtSnapshot(ctx, after, "m.room.name", "")
		require.NoError(t, err)
		require.NotNil(t, ev)
		assert.Equal(t, name.EventID, ev.EventID)

		events, limited, err := db.RecentEvents(ctx, room.ID, types.Range{From: msg.Position - 1, To: name.Position}, 10)
		require.NoError(t, err)
		assert.False(t, limited)
		require.Len(t, events, 2)
		assert.Equal(t, msg.EventID, events[0].EventID)
		assert.Equal(t, name.EventID, events[1].EventID)
	})
}

func TestRecentEventsLimited(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()
		ctx := context.Background()

		alice := test.NewUser(t)
		room := test.NewRoom(t, alice)
		for i := 0; i < 12; i++ {
			room.CreateEvent(t, alice, "m.room.message", map[string]interface{}{"body": i})
		}
		mustAppend(t, db, room.Events()...)
		all := room.Events()
		upTo := all[len(all)-1].Position

		events, limited, err := db.RecentEvents(ctx, room.ID, types.Range{From: 0, To: upTo}, 10)
		require.NoError(t, err)
		assert.True(t, limited)
		require.Len(t, events, 10)
		// Oldest of the batch first, ending at the newest event.
		for i, ev := range events {
			assert.Equal(t, all[len(all)-10+i].EventID, ev.EventID)
		}

		// At the frontier there is nothing left.
		events, limited, err = db.RecentEvents(ctx, room.ID, types.Range{From: upTo, To: upTo}, 10)
		require.NoError(t, err)
		assert.False(t, limited)
		assert.Empty(t, events)
	})
}

func TestRedactionMarksTarget(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()
		ctx := context.Background()

		alice := test.NewUser(t)
		room := test.NewRoom(t, alice)
		msg := room.CreateEvent(t, alice, "m.room.message", map[string]interface{}{"body": "secret"})
		mustAppend(t, db, room.Events()...)

		// Reading populates nothing new, the event cache is filled on append.
		events, err := db.EventsByIDs(ctx, []string{msg.EventID})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.False(t, events[0].Redacted())

		redaction := room.CreateEvent(t, alice, types.MRoomRedaction, map[string]interface{}{}, test.WithRedacts(msg.EventID))
		mustAppend(t, db, redaction)

		events, err = db.EventsByIDs(ctx, []string{msg.EventID, redaction.EventID})
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.True(t, events[0].Redacted())
		assert.Equal(t, "{}", string(events[0].ClientEvent().Content))
		assert.Equal(t, redaction.EventID, jsonString(t, events[0].RedactedBecause, "event_id"))
		assert.False(t, events[1].Redacted())
	})
}

func TestRedactionIgnoresOtherRooms(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()
		ctx := context.Background()

		alice := test.NewUser(t)
		room1 := test.NewRoom(t, alice)
		room2 := test.NewRoom(t, alice)
		msg := room1.CreateEvent(t, alice, "m.room.message", map[string]interface{}{"body": "secret"})
		redaction := room2.CreateEvent(t, alice, types.MRoomRedaction, map[string]interface{}{}, test.WithRedacts(msg.EventID))
		mustAppend(t, db, room1.Events()...)
		mustAppend(t, db, room2.Events()...)

		events, err := db.EventsByIDs(ctx, []string{msg.EventID})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.False(t, events[0].Redacted(), "redaction %s from another room must not apply", redaction.EventID)
	})
}

func TestMemberships(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()
		ctx := context.Background()

		alice := test.NewUser(t)
		bob := test.NewUser(t)
		charlie := test.NewUser(t)
		room := test.NewRoom(t, alice)
		other := test.NewRoom(t, alice)
		room.CreateEvent(t, alice, "m.room.name", map[string]interface{}{"name": "Room"}, test.WithStateKey(""))
		room.CreateEvent(t, bob, spec.MRoomMember, map[string]interface{}{"membership": spec.Join}, test.WithStateKey(bob.ID))
		room.CreateEvent(t, alice, spec.MRoomMember, map[string]interface{}{"membership": spec.Invite}, test.WithStateKey(charlie.ID))
		other.CreateEvent(t, bob, spec.MRoomMember, map[string]interface{}{"membership": spec.Join}, test.WithStateKey(bob.ID))
		mustAppend(t, db, room.Events()...)
		mustAppend(t, db, other.Events()...)

		joined, invited, err := db.MemberCounts(ctx, room.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, joined)
		assert.Equal(t, 1, invited)

		members, err := db.RoomMembers(ctx, room.ID)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{alice.ID: spec.Join, bob.ID: spec.Join}, members)
		members, err = db.RoomMembers(ctx, room.ID, spec.Join, spec.Invite)
		require.NoError(t, err)
		assert.Len(t, members, 3)

		memberEvents, err := db.MemberEvents(ctx, room.ID)
		require.NoError(t, err)
		require.Len(t, memberEvents, 3)
		assert.Equal(t, alice.ID, *memberEvents[0].StateKey)
		assert.Equal(t, bob.ID, *memberEvents[1].StateKey)
		assert.Equal(t, charlie.ID, *memberEvents[2].StateKey)

		shared, err := db.SharedRooms(ctx, alice.ID, bob.ID)
		require.NoError(t, err)
		assert.True(t, test.UnsortedStringSliceEqual([]string{room.ID, other.ID}, shared))

		invites, err := db.RoomsForUser(ctx, charlie.ID, spec.Invite)
		require.NoError(t, err)
		require.Contains(t, invites, room.ID)

		current, err := db.CurrentSnapshotID(ctx, room.ID)
		require.NoError(t, err)
		membership, err := db.MembershipAtSnapshot(ctx, current, bob.ID)
		require.NoError(t, err)
		assert.Equal(t, spec.Join, membership)

		// Charlie sees the state as it was when they were invited.
		stripped, err := db.StrippedState(ctx, room.ID, charlie.ID)
		require.NoError(t, err)
		var strippedTypes []string
		for _, ev := range stripped {
			strippedTypes = append(strippedTypes, ev.Type)
		}
		assert.Equal(t, []string{spec.MRoomCreate, "m.room.name", spec.MRoomMember}, strippedTypes)

		// Leaving records the position of the leave.
		leave := room.CreateEvent(t, bob, spec.MRoomMember, map[string]interface{}{"membership": spec.Leave}, test.WithStateKey(bob.ID))
		mustAppend(t, db, leave)
		membership, pos, err := db.MembershipPosition(ctx, room.ID, bob.ID)
		require.NoError(t, err)
		assert.Equal(t, spec.Leave, membership)
		assert.Equal(t, leave.Position, pos)
		shared, err = db.SharedRooms(ctx, alice.ID, bob.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{other.ID}, shared)

		membership, _, err = db.MembershipPosition(ctx, room.ID, "@nobody:test")
		require.NoError(t, err)
		assert.Equal(t, "", membership)
	})
}

func TestEncryptionAndTokenSnapshots(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()
		ctx := context.Background()

		alice := test.NewUser(t)
		room := test.NewRoom(t, alice)
		mustAppend(t, db, room.Events()...)
		plain, err := db.CurrentSnapshotID(ctx, room.ID)
		require.NoError(t, err)
		encrypted, err := db.IsEncrypted(ctx, plain)
		require.NoError(t, err)
		assert.False(t, encrypted)

		enc := room.CreateEvent(t, alice, types.MRoomEncryption, map[string]interface{}{"algorithm": "m.megolm.v1.aes-sha2"}, test.WithStateKey(""))
		mustAppend(t, db, enc)
		current, err := db.CurrentSnapshotID(ctx, room.ID)
		require.NoError(t, err)
		encrypted, err = db.IsEncrypted(ctx, current)
		require.NoError(t, err)
		assert.True(t, encrypted)

		_, ok, err := db.SnapshotForToken(ctx, room.ID, enc.Position)
		require.NoError(t, err)
		assert.False(t, ok)
		require.NoError(t, db.AssociateTokenWithSnapshot(ctx, room.ID, enc.Position, current))
		got, ok, err := db.SnapshotForToken(ctx, room.ID, enc.Position)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, current, got)

		_, err = db.CurrentSnapshotID(ctx, "!unknown:test")
		assert.ErrorIs(t, err, types.ErrNoCurrentState)
	})
}

func TestPresencePing(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()
		ctx := context.Background()
		alice := test.NewUser(t)
		now := time.Now()

		pos1, bumped, err := db.PingPresence(ctx, alice.ID, now)
		require.NoError(t, err)
		assert.True(t, bumped)

		// Still active a minute later: no new position.
		pos2, bumped, err := db.PingPresence(ctx, alice.ID, now.Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, bumped)
		assert.Equal(t, pos1, pos2)

		// Idle for longer than the bump interval.
		pos3, bumped, err := db.PingPresence(ctx, alice.ID, now.Add(10*time.Minute))
		require.NoError(t, err)
		assert.True(t, bumped)
		assert.Greater(t, pos3, pos2)

		msg := "lunch"
		_, err = db.SetPresence(ctx, alice.ID, &types.PresenceContent{Presence: "unavailable", StatusMsg: &msg})
		require.NoError(t, err)
		p, err := db.GetPresence(ctx, alice.ID)
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, "unavailable", p.Content.Presence)
		require.NotNil(t, p.Content.StatusMsg)
		assert.Equal(t, msg, *p.Content.StatusMsg)
		require.NotNil(t, p.Content.CurrentlyActive)
		assert.False(t, *p.Content.CurrentlyActive)

		inRange, err := db.PresenceInRange(ctx, []string{alice.ID, "@other:test"}, types.Range{From: pos3, To: p.Position})
		require.NoError(t, err)
		require.Len(t, inRange, 1)
		assert.Equal(t, alice.ID, inRange[0].UserID)

		inRange, err = db.PresenceInRange(ctx, nil, types.Range{From: 0, To: p.Position})
		require.NoError(t, err)
		assert.Empty(t, inRange)
	})
}

func TestEphemeralStreams(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()
		ctx := context.Background()
		alice := test.NewUser(t)
		bob := test.NewUser(t)
		roomID := "!room:test"

		start, err := db.CurrentPosition(ctx)
		require.NoError(t, err)

		t.Run("receipts", func(t *testing.T) {
			pos, err := db.StoreReceipt(ctx, roomID, "m.read", alice.ID, "$event", spec.AsTimestamp(time.Now()))
			require.NoError(t, err)
			receipts, err := db.ReceiptsInRange(ctx, roomID, types.Range{From: start, To: pos})
			require.NoError(t, err)
			require.Len(t, receipts, 1)
			assert.Equal(t, alice.ID, receipts[0].UserID)

			marker, err := db.PrivateReadMarkerPosition(ctx, roomID, alice.ID)
			require.NoError(t, err)
			assert.Equal(t, types.StreamPosition(0), marker)
			pos, err = db.StoreReceipt(ctx, roomID, "m.read.private", alice.ID, "$event", spec.AsTimestamp(time.Now()))
			require.NoError(t, err)
			marker, err = db.PrivateReadMarkerPosition(ctx, roomID, alice.ID)
			require.NoError(t, err)
			assert.Equal(t, pos, marker)
		})

		t.Run("account data", func(t *testing.T) {
			global := &types.OutputClientData{Type: "m.push_rules", Content: json.RawMessage(`{"a":1}`)}
			perRoom := &types.OutputClientData{RoomID: roomID, Type: "m.tag", Content: json.RawMessage(`{"tags":{}}`)}
			from, err := db.CurrentPosition(ctx)
			require.NoError(t, err)
			_, err = db.StoreAccountData(ctx, alice.ID, global)
			require.NoError(t, err)
			to, err := db.StoreAccountData(ctx, alice.ID, perRoom)
			require.NoError(t, err)
			data, err := db.AccountDataInRange(ctx, alice.ID, types.Range{From: from, To: to})
			require.NoError(t, err)
			assert.Len(t, data, 2)
			data, err = db.AccountDataInRange(ctx, bob.ID, types.Range{From: from, To: to})
			require.NoError(t, err)
			assert.Empty(t, data)
		})

		t.Run("key changes", func(t *testing.T) {
			from, err := db.CurrentPosition(ctx)
			require.NoError(t, err)
			_, err = db.StoreKeyChange(ctx, bob.ID)
			require.NoError(t, err)
			to, err := db.StoreKeyChange(ctx, bob.ID)
			require.NoError(t, err)
			changed, err := db.KeyChangesInRange(ctx, types.Range{From: from, To: to})
			require.NoError(t, err)
			assert.Equal(t, []string{bob.ID}, changed)
		})

		t.Run("one time keys", func(t *testing.T) {
			require.NoError(t, db.StoreOneTimeKeyCount(ctx, alice.ID, alice.DeviceID, "signed_curve25519", 5))
			require.NoError(t, db.StoreOneTimeKeyCount(ctx, alice.ID, alice.DeviceID, "signed_curve25519", 3))
			counts, err := db.OneTimeKeyCounts(ctx, alice.ID, alice.DeviceID)
			require.NoError(t, err)
			assert.Equal(t, map[string]int{"signed_curve25519": 3}, counts)
		})

		t.Run("send to device", func(t *testing.T) {
			ev := &types.SendToDeviceEvent{Sender: bob.ID, Type: "m.room_key", Content: json.RawMessage(`{}`)}
			first, err := db.StoreSendToDeviceMessage(ctx, alice.ID, alice.DeviceID, ev)
			require.NoError(t, err)
			second, err := db.StoreSendToDeviceMessage(ctx, alice.ID, alice.DeviceID, ev)
			require.NoError(t, err)
			msgs, err := db.SendToDeviceMessages(ctx, alice.ID, alice.DeviceID, second)
			require.NoError(t, err)
			assert.Len(t, msgs, 2)

			require.NoError(t, db.CleanSendToDeviceMessages(ctx, alice.ID, alice.DeviceID, first))
			msgs, err = db.SendToDeviceMessages(ctx, alice.ID, alice.DeviceID, second)
			require.NoError(t, err)
			assert.Len(t, msgs, 1)
		})

		t.Run("notification counts", func(t *testing.T) {
			counts, err := db.NotificationCounts(ctx, alice.ID, roomID)
			require.NoError(t, err)
			assert.Nil(t, counts)

			_, err = db.IncrementUnreadNotificationCounts(ctx, roomID, []string{alice.ID, bob.ID}, map[string]bool{bob.ID: true})
			require.NoError(t, err)
			_, err = db.IncrementUnreadNotificationCounts(ctx, roomID, []string{alice.ID}, nil)
			require.NoError(t, err)
			counts, err = db.NotificationCounts(ctx, alice.ID, roomID)
			require.NoError(t, err)
			require.NotNil(t, counts)
			assert.Equal(t, 2, counts.UnreadNotificationCount)
			assert.Equal(t, 0, counts.UnreadHighlightCount)
			counts, err = db.NotificationCounts(ctx, bob.ID, roomID)
			require.NoError(t, err)
			require.NotNil(t, counts)
			assert.Equal(t, 1, counts.UnreadHighlightCount)

			_, err = db.UpsertRoomUnreadNotificationCounts(ctx, alice.ID, roomID, 0, 0)
			require.NoError(t, err)
			counts, err = db.NotificationCounts(ctx, alice.ID, roomID)
			require.NoError(t, err)
			assert.Equal(t, 0, counts.UnreadNotificationCount)
		})
	})
}

func jsonString(t *testing.T, raw json.RawMessage, key string) string {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &m))
	s, _ := m[key].(string)
	return s
}
