package shared

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/syncengine/internal/roomlock"
	"github.com/element-hq/syncengine/internal/sqlutil"
	"github.com/element-hq/syncengine/syncapi/storage/tables"
	"github.com/element-hq/syncengine/syncapi/types"
)

var errBoom = errors.New("boom")

type fakeStreamID struct {
	tables.StreamID
	next types.StreamPosition
}

func (f *fakeStreamID) NextStreamID(ctx context.Context, txn *sql.Tx) (types.StreamPosition, error) {
	f.next++
	return f.next, nil
}

type fakeEvents struct {
	tables.Events
	insertErr error
	inserted  []*types.Event
}

func (f *fakeEvents) InsertEvent(ctx context.Context, txn *sql.Tx, ev *types.Event) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, ev)
	return nil
}

func (f *fakeEvents) SelectEvents(ctx context.Context, txn *sql.Tx, eventIDs []string) ([]*types.Event, error) {
	var out []*types.Event
	for _, ev := range f.inserted {
		for _, id := range eventIDs {
			if ev.EventID == id {
				out = append(out, ev)
			}
		}
	}
	return out, nil
}

type fakeRooms struct {
	tables.Rooms
	current types.StateSnapshotID
}

func (f *fakeRooms) SelectCurrentSnapshot(ctx context.Context, txn *sql.Tx, roomID string) (types.StateSnapshotID, error) {
	return f.current, nil
}

func (f *fakeRooms) UpsertCurrentSnapshot(ctx context.Context, txn *sql.Tx, roomID string, snapshotID types.StateSnapshotID) error {
	f.current = snapshotID
	return nil
}

type fakeSnapshots struct {
	tables.StateSnapshots
	err error
}

func (f *fakeSnapshots) InsertSnapshot(
	ctx context.Context, txn *sql.Tx, roomID string, parent types.StateSnapshotID, key types.StateKeyTuple, eventID string,
) (types.StateSnapshotID, error) {
	return parent + 1, f.err
}

type fakeCache struct {
	stored      map[string]*types.Event
	invalidated []string
}

func (c *fakeCache) GetStateSnapshot(types.StateSnapshotID) (types.StateMap, bool) { return nil, false }
func (c *fakeCache) StoreStateSnapshot(types.StateSnapshotID, types.StateMap)      {}
func (c *fakeCache) GetSyncEvent(eventID string) (*types.Event, bool) {
	ev, ok := c.stored[eventID]
	return ev, ok
}
func (c *fakeCache) StoreSyncEvent(ev *types.Event) {
	if c.stored == nil {
		c.stored = map[string]*types.Event{}
	}
	c.stored[ev.EventID] = ev
}
func (c *fakeCache) InvalidateSyncEvent(eventID string) {
	c.invalidated = append(c.invalidated, eventID)
	delete(c.stored, eventID)
}

func newMockDatabase(t *testing.T) (*Database, sqlmock.Sqlmock, *fakeEvents, *fakeCache) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	events := &fakeEvents{}
	cache := &fakeCache{}
	return &Database{
		DB:        db,
		Writer:    sqlutil.NewDummyWriter(),
		StreamID:  &fakeStreamID{},
		Events:    events,
		Rooms:     &fakeRooms{},
		Snapshots: &fakeSnapshots{},
		Cache:     cache,
		RoomLocks: roomlock.NewRegistry(),
	}, mock, events, cache
}

func TestAppendEventRollsBackOnFailure(t *testing.T) {
	d, mock, events, cache := newMockDatabase(t)
	events.insertErr = errBoom

	mock.ExpectBegin()
	mock.ExpectRollback()

	ev := &types.Event{EventID: "$a", RoomID: "!r:test", Type: "m.room.message", Content: json.RawMessage(`{}`)}
	err := d.AppendEvent(context.Background(), ev)
	assert.ErrorIs(t, err, errBoom)
	assert.Empty(t, cache.stored, "a failed append must not reach the event cache")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendEventSnapshotFailureRollsBack(t *testing.T) {
	d, mock, _, cache := newMockDatabase(t)
	d.Snapshots = &fakeSnapshots{err: errBoom}

	mock.ExpectBegin()
	mock.ExpectRollback()

	skey := ""
	ev := &types.Event{EventID: "$name", RoomID: "!r:test", Type: "m.room.name", StateKey: &skey, Content: json.RawMessage(`{}`)}
	err := d.AppendEvent(context.Background(), ev)
	assert.ErrorIs(t, err, errBoom)
	assert.Empty(t, cache.stored)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendEventRejectsBadMembership(t *testing.T) {
	d, mock, _, _ := newMockDatabase(t)
	skey := "@alice:test"
	ev := &types.Event{
		EventID: "$m", RoomID: "!r:test", Type: spec.MRoomMember, StateKey: &skey,
		Content: json.RawMessage(`{"membership": 7}`),
	}
	err := d.AppendEvent(context.Background(), ev)
	assert.ErrorIs(t, err, types.ErrDataCorruption)
	// Nothing was started.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendEventCachesAfterCommit(t *testing.T) {
	d, mock, _, cache := newMockDatabase(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	ev := &types.Event{EventID: "$a", RoomID: "!r:test", Type: "m.room.message", Content: json.RawMessage(`{}`)}
	require.NoError(t, d.AppendEvent(context.Background(), ev))
	assert.Equal(t, types.StreamPosition(1), ev.Position)
	assert.Contains(t, cache.stored, "$a")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendEventFailsOnPoisonedRoom(t *testing.T) {
	d, mock, _, _ := newMockDatabase(t)
	roomID := "!poisoned:test"
	assert.Panics(t, func() {
		_ = d.RoomLocks.WithInsert(roomID, func() error {
			panic("writer crashed")
		})
	})
	ev := &types.Event{EventID: "$a", RoomID: roomID, Type: "m.room.message", Content: json.RawMessage(`{}`)}
	err := d.AppendEvent(context.Background(), ev)
	assert.ErrorIs(t, err, roomlock.ErrPoisoned)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventsByIDsKeepsRequestOrder(t *testing.T) {
	d, _, events, cache := newMockDatabase(t)
	events.inserted = []*types.Event{{EventID: "$db"}}
	cache.StoreSyncEvent(&types.Event{EventID: "$cached"})

	got, err := d.EventsByIDs(context.Background(), []string{"$db", "$missing", "$cached"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "$db", got[0].EventID)
	assert.Equal(t, "$cached", got[1].EventID)
}

type fakeOTKCounts struct {
	counts map[string]int
}

func (f *fakeOTKCounts) UpsertOneTimeKeyCount(ctx context.Context, txn *sql.Tx, userID, deviceID, algorithm string, count int) error {
	if f.counts == nil {
		f.counts = map[string]int{}
	}
	f.counts[userID+"|"+deviceID+"|"+algorithm] = count
	return nil
}

func (f *fakeOTKCounts) SelectOneTimeKeyCounts(ctx context.Context, txn *sql.Tx, userID, deviceID string) (map[string]int, error) {
	out := map[string]int{}
	prefix := userID + "|" + deviceID + "|"
	for k, v := range f.counts {
		if algorithm, ok := strings.CutPrefix(k, prefix); ok {
			out[algorithm] = v
		}
	}
	return out, nil
}

func TestOneTimeKeyCountsRoundTrip(t *testing.T) {
	d, mock, _, _ := newMockDatabase(t)
	d.OTKCounts = &fakeOTKCounts{}
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectCommit()
	require.NoError(t, d.StoreOneTimeKeyCount(ctx, "@alice:test", "DEV", "signed_curve25519", 50))
	require.NoError(t, d.StoreOneTimeKeyCount(ctx, "@alice:test", "OTHER", "signed_curve25519", 7))

	counts, err := d.OneTimeKeyCounts(ctx, "@alice:test", "DEV")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"signed_curve25519": 50}, counts)
	assert.NoError(t, mock.ExpectationsWereMet())
}
