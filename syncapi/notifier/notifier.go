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

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/element-hq/syncengine/syncapi/types"
)

// Notifier will wake up sleeping requests when there is some new data.
// It does not tell requests what that data is, only the sync position which
// they can use to get at it. This is done to prevent races whereby we tell
// the caller the event, but the token has already advanced by the time they
// fetch it, resulting in missed events.
type Notifier struct {
	lock *sync.RWMutex
	// The latest sync position
	currPos atomic.Int64
	// A map of user_id => device_id => UserStream which can be used to wake a given user's /sync request.
	userDeviceStreams map[string]map[string]*UserDeviceStream
	// The last time we cleaned out stale entries from the userStreams map
	lastCleanUpTime time.Time
}

// NewNotifier creates a new notifier set to the given sync position.
func NewNotifier(currPos types.StreamPosition) *Notifier {
	n := &Notifier{
		lock:              &sync.RWMutex{},
		userDeviceStreams: make(map[string]map[string]*UserDeviceStream),
		lastCleanUpTime:   time.Now(),
	}
	n.currPos.Store(int64(currPos))
	return n
}

var waitingStreams = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "syncengine",
	Subsystem: "syncapi",
	Name:      "notifier_user_device_streams",
	Help:      "Number of (user, device) streams the notifier is tracking",
})

func init() {
	prometheus.MustRegister(waitingStreams)
}

// CurrentPosition returns the highest position the notifier was told about.
func (n *Notifier) CurrentPosition() types.StreamPosition {
	return types.StreamPosition(n.currPos.Load())
}

// GetListener returns a UserDeviceStreamListener that can be used to wait
// for something to happen for the device. Anything that happens after the
// listener was obtained wakes it, so callers should obtain it before
// reading the position they serve.
func (n *Notifier) GetListener(ctx context.Context, userID, deviceID string) *UserDeviceStreamListener {
	n.lock.Lock()
	defer n.lock.Unlock()

	n.removeEmptyUserStreams()

	return n.fetchUserDeviceStream(userID, deviceID, true).GetListener(ctx)
}

// OnNewEvent wakes every device of the given users, for example the
// members of a room that had an event appended.
func (n *Notifier) OnNewEvent(pos types.StreamPosition, userIDs ...string) {
	n.setPosition(pos)

	n.lock.RLock()
	defer n.lock.RUnlock()
	n._wakeupUsers(userIDs, pos)
}

// OnNewSendToDevice wakes the given devices of a user. A device id of "*"
// wakes every device.
func (n *Notifier) OnNewSendToDevice(pos types.StreamPosition, userID string, deviceIDs []string) {
	n.setPosition(pos)

	n.lock.RLock()
	defer n.lock.RUnlock()
	for _, deviceID := range deviceIDs {
		if deviceID == "*" {
			n._wakeupUsers([]string{userID}, pos)
			return
		}
	}
	n._wakeupUserDevice(userID, deviceIDs, pos)
}

func (n *Notifier) setPosition(pos types.StreamPosition) {
	for {
		current := n.currPos.Load()
		if int64(pos) <= current || n.currPos.CAS(current, int64(pos)) {
			return
		}
	}
}

// _wakeupUsers will wake up the sync strems for all of the devices for all of the
// specified user IDs.
func (n *Notifier) _wakeupUsers(userIDs []string, newPos types.StreamPosition) {
	for _, userID := range userIDs {
		for _, stream := range n._fetchUserStreams(userID) {
			if stream == nil {
				continue
			}
			stream.Broadcast(newPos) // wake up all goroutines Wait()ing on this stream
		}
	}
}

// _wakeupUserDevice will wake up the sync stream for a specific user device. Other
// device streams will be left alone.
func (n *Notifier) _wakeupUserDevice(userID string, deviceIDs []string, newPos types.StreamPosition) {
	for _, deviceID := range deviceIDs {
		if stream := n.fetchUserDeviceStream(userID, deviceID, false); stream != nil {
			stream.Broadcast(newPos) // wake up all goroutines Wait()ing on this stream
		}
	}
}

// fetchUserDeviceStream retrieves a stream unique to the given device. If makeIfNotExists is true,
// a stream will be made for this device if one doesn't exist and it will be returned. This
// function does not wait for data to be available on the stream.
// NB: Callers should have locked the mutex before calling this function.
func (n *Notifier) fetchUserDeviceStream(userID, deviceID string, makeIfNotExists bool) *UserDeviceStream {
	_, ok := n.userDeviceStreams[userID]
	if !ok {
		if !makeIfNotExists {
			return nil
		}
		n.userDeviceStreams[userID] = map[string]*UserDeviceStream{}
	}
	stream, ok := n.userDeviceStreams[userID][deviceID]
	if !ok {
		if !makeIfNotExists {
			return nil
		}
		stream = NewUserDeviceStream(userID, deviceID, n.CurrentPosition())
		n.userDeviceStreams[userID][deviceID] = stream
		waitingStreams.Inc()
	}
	return stream
}

// _fetchUserStreams retrieves all streams for the given user. If makeIfNotExists is true,
// a stream will be made for this user if one doesn't exist and it will be returned. This
// function does not wait for data to be available on the stream.
// NB: Callers should have locked the mutex before calling this function.
func (n *Notifier) _fetchUserStreams(userID string) []*UserDeviceStream {
	user, ok := n.userDeviceStreams[userID]
	if !ok {
		return []*UserDeviceStream{}
	}
	streams := make([]*UserDeviceStream, 0, len(user))
	for _, stream := range user {
		streams = append(streams, stream)
	}
	return streams
}

// NB: Callers should have locked the mutex before calling this function.
func (n *Notifier) removeEmptyUserStreams() {
	// Only clean up now and again
	now := time.Now()
	if n.lastCleanUpTime.Add(time.Minute).After(now) {
		return
	}
	n.lastCleanUpTime = now

	// Remove streams that have been empty for 5 minutes
	deleteBefore := now.Add(-5 * time.Minute)
	for user, byUser := range n.userDeviceStreams {
		for device, stream := range byUser {
			if stream.TimeOfLastNonEmpty().Before(deleteBefore) {
				delete(n.userDeviceStreams[user], device)
				waitingStreams.Dec()
			}
		}
		if len(n.userDeviceStreams[user]) == 0 {
			delete(n.userDeviceStreams, user)
		}
	}
	log.WithField("users", len(n.userDeviceStreams)).Trace("Cleaned up idle notifier streams")
}
