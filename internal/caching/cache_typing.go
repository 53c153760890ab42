// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"sync"
	"time"
)

const defaultTypingTimeout = 10 * time.Second

// userSet is a map of user IDs to a timer, timer fires at expiry.
type userSet map[string]*time.Timer

// TimeoutCallbackFn is a function called right after the removal of a user
// from the typing user list due to timeout.
// latestSyncPosition is the typing sync position after the removal.
type TimeoutCallbackFn func(userID, roomID string, latestSyncPosition int64)

type roomData struct {
	syncPosition int64
	userSet      userSet
}

// EDUCache maintains a list of users typing in each room.
type EDUCache struct {
	sync.RWMutex
	latestSyncPosition int64
	data               map[string]*roomData
	timeoutCallback    TimeoutCallbackFn
	nextPosition       func() (int64, bool)
}

// NewTypingCache returns a new EDUCache initialised for use.
func NewTypingCache() *EDUCache {
	return &EDUCache{data: make(map[string]*roomData)}
}

// SetTimeoutCallback sets a callback function that is called right after
// a user is removed from the typing user list due to timeout.
func (t *EDUCache) SetTimeoutCallback(fn TimeoutCallbackFn) {
	t.Lock()
	defer t.Unlock()
	t.timeoutCallback = fn
}

// SetPositionSource makes the cache draw positions for typing changes from
// next instead of its own counter, so that typing shares a sequence with
// other streams. If next reports failure the change keeps the latest
// position.
func (t *EDUCache) SetPositionSource(next func() (int64, bool)) {
	t.Lock()
	defer t.Unlock()
	t.nextPosition = next
}

// GetTypingUsers returns the list of users typing in a room.
func (t *EDUCache) GetTypingUsers(roomID string) []string {
	users, _ := t.GetTypingUsersIfUpdatedAfter(roomID, 0)
	// 0 should work above because the first position used will be 1.
	return users
}

// GetTypingUsersIfUpdatedAfter returns all users typing in this room with
// updated == true if the typing sync position of the room is after the given
// position. Otherwise, returns an empty slice with updated == false.
func (t *EDUCache) GetTypingUsersIfUpdatedAfter(
	roomID string, position int64,
) (users []string, updated bool) {
	t.RLock()
	defer t.RUnlock()

	users = []string{}
	if val, ok := t.data[roomID]; ok {
		if val.syncPosition > position {
			updated = true
			for userID := range val.userSet {
				users = append(users, userID)
			}
		}
	}
	return
}

// RoomPosition returns the position of the last typing change in a room,
// or 0 if nobody has typed there.
func (t *EDUCache) RoomPosition(roomID string) int64 {
	t.RLock()
	defer t.RUnlock()
	if val, ok := t.data[roomID]; ok {
		return val.syncPosition
	}
	return 0
}

// GetLatestSyncPosition returns the position of the most recent typing
// change in any room.
func (t *EDUCache) GetLatestSyncPosition() int64 {
	t.RLock()
	defer t.RUnlock()
	return t.latestSyncPosition
}

// AddTypingUser sets an user as typing in a room.
// expire is the time when the user typing should time out.
// if expire is nil, defaultTypingTimeout is assumed.
// Returns the latest sync position for typing after update.
func (t *EDUCache) AddTypingUser(
	userID, roomID string, expire *time.Time,
) int64 {
	expireTime := getExpireTime(expire)
	if until := time.Until(expireTime); until > 0 {
		timer := time.AfterFunc(until, func() {
			latestSyncPosition := t.RemoveUser(userID, roomID)
			t.RLock()
			callback := t.timeoutCallback
			t.RUnlock()
			if callback != nil {
				callback(userID, roomID, latestSyncPosition)
			}
		})
		return t.addUser(userID, roomID, timer)
	}
	return t.GetLatestSyncPosition()
}

// addUser with mutex lock & replace the previous timer.
// Returns the latest typing sync position after update.
func (t *EDUCache) addUser(
	userID, roomID string, expiryTimer *time.Timer,
) int64 {
	t.Lock()
	defer t.Unlock()

	t.advance()

	if t.data[roomID] == nil {
		t.data[roomID] = &roomData{
			userSet: make(userSet),
		}
	}

	t.data[roomID].syncPosition = t.latestSyncPosition

	// Stop the timer to cancel the call to timeoutCallback
	if timer, ok := t.data[roomID].userSet[userID]; ok {
		// It may happen that at this stage the timer fires, but we now have a
		// lock on the cache so the callback cannot remove the user yet.
		timer.Stop()
	}

	t.data[roomID].userSet[userID] = expiryTimer

	return t.latestSyncPosition
}

// RemoveUser with mutex lock & stop the timer.
// Returns the latest sync position for typing after update.
func (t *EDUCache) RemoveUser(userID, roomID string) int64 {
	t.Lock()
	defer t.Unlock()

	roomData, ok := t.data[roomID]
	if !ok {
		return t.latestSyncPosition
	}

	timer, ok := roomData.userSet[userID]
	if !ok {
		return t.latestSyncPosition
	}

	timer.Stop()
	delete(roomData.userSet, userID)

	t.advance()
	t.data[roomID].syncPosition = t.latestSyncPosition

	return t.latestSyncPosition
}

// advance moves latestSyncPosition on. Callers hold the write lock.
func (t *EDUCache) advance() {
	if t.nextPosition == nil {
		t.latestSyncPosition++
		return
	}
	if pos, ok := t.nextPosition(); ok && pos > t.latestSyncPosition {
		t.latestSyncPosition = pos
	}
}

func getExpireTime(expire *time.Time) time.Time {
	if expire != nil {
		return *expire
	}
	return time.Now().Add(defaultTypingTimeout)
}
