// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package notifier

import (
	"context"
	"sync"
	"time"

	"github.com/element-hq/syncengine/syncapi/types"
)

// UserDeviceStream represents a communication mechanism between the /sync
// request goroutine and the underlying sync server goroutines.
// Goroutines can get a UserDeviceStreamListener to wait for updates, and can
// Broadcast() updates.
type UserDeviceStream struct {
	UserID   string
	DeviceID string
	// The lock that protects changes to this struct
	lock sync.Mutex
	// Closed when there is an update.
	signalChannel chan struct{}
	// The last sync position that there may have been an update for the user
	pos types.StreamPosition
	// The last time when we had some listeners waiting
	timeOfLastChannel time.Time
	// The number of listeners waiting
	numWaiting uint
}

// UserDeviceStreamListener allows a sync request to wait for updates for a user.
type UserDeviceStreamListener struct {
	userStream *UserDeviceStream

	// Whether the stream has been closed
	hasClosed bool
	// The channel current at the time the listener was created, so that a
	// broadcast between creation and waiting is never missed.
	signal chan struct{}
}

// NewUserDeviceStream creates a new user stream
func NewUserDeviceStream(userID, deviceID string, currPos types.StreamPosition) *UserDeviceStream {
	return &UserDeviceStream{
		UserID:            userID,
		DeviceID:          deviceID,
		timeOfLastChannel: time.Now(),
		pos:               currPos,
		signalChannel:     make(chan struct{}),
	}
}

// GetListener returns UserDeviceStreamListener that a sync request can use to
// wait for new updates. The listener is woken by any Broadcast made after
// it was created.
func (s *UserDeviceStream) GetListener(ctx context.Context) *UserDeviceStreamListener {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.numWaiting++ // Increment the number of listeners
	listener := &UserDeviceStreamListener{userStream: s, signal: s.signalChannel}

	// Lets be a bit paranoid here and check that Close() is being called
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	return listener
}

// Broadcast a new sync position for this user.
func (s *UserDeviceStream) Broadcast(pos types.StreamPosition) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.pos = pos

	close(s.signalChannel)

	s.signalChannel = make(chan struct{})
}

// NumWaiting returns the number of goroutines waiting for waiting for updates.
// Used for metrics and testing.
func (s *UserDeviceStream) NumWaiting() uint {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.numWaiting
}

// TimeOfLastNonEmpty returns the last time that the number of waiting listeners
// was non-empty, may be time.Now() if number of waiting listeners is currently
// non-empty.
func (s *UserDeviceStream) TimeOfLastNonEmpty() time.Time {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.numWaiting > 0 {
		return time.Now()
	}

	return s.timeOfLastChannel
}

// GetSyncPosition returns last sync position which the UserStream was
// notified about
func (s *UserDeviceStreamListener) GetSyncPosition() types.StreamPosition {
	s.userStream.lock.Lock()
	defer s.userStream.lock.Unlock()

	return s.userStream.pos
}

// GetNotifyChannel returns a channel that is closed when there may be an
// update for the user.
func (s *UserDeviceStreamListener) GetNotifyChannel() <-chan struct{} {
	return s.signal
}

// Wait blocks until the listener is woken, ctx is done or timeout elapses.
// It reports whether it was woken.
func (s *UserDeviceStreamListener) Wait(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.signal:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Close cleans up resources used
func (s *UserDeviceStreamListener) Close() {
	s.userStream.lock.Lock()
	defer s.userStream.lock.Unlock()

	if !s.hasClosed {
		s.userStream.numWaiting--
		s.userStream.timeOfLastChannel = time.Now()
	}

	s.hasClosed = true
}
