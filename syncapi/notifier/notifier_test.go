// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package notifier

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/element-hq/syncengine/syncapi/types"
)

const (
	alice        = "@alice:localhost"
	aliceDev     = "alicedevice"
	bob          = "@bob:localhost"
	bobDev       = "bobdev"
	shortTimeout = 50 * time.Millisecond
	longTimeout  = 5 * time.Second
)

func TestListenerWokenByEvent(t *testing.T) {
	n := NewNotifier(10)
	listener := n.GetListener(context.Background(), alice, aliceDev)
	defer listener.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.True(t, listener.Wait(context.Background(), longTimeout))
		assert.Equal(t, types.StreamPosition(11), listener.GetSyncPosition())
	}()

	n.OnNewEvent(11, alice)
	wg.Wait()
	assert.Equal(t, types.StreamPosition(11), n.CurrentPosition())
}

func TestWakeBeforeWaitIsNotLost(t *testing.T) {
	n := NewNotifier(0)
	listener := n.GetListener(context.Background(), alice, aliceDev)
	defer listener.Close()

	// The event arrives while the request is still reading the store.
	n.OnNewEvent(1, alice)

	assert.True(t, listener.Wait(context.Background(), shortTimeout))
}

func TestOtherUsersAreNotWoken(t *testing.T) {
	n := NewNotifier(0)
	listener := n.GetListener(context.Background(), bob, bobDev)
	defer listener.Close()

	n.OnNewEvent(1, alice)

	assert.False(t, listener.Wait(context.Background(), shortTimeout))
	assert.Equal(t, types.StreamPosition(1), n.CurrentPosition())
}

func TestSendToDeviceWakesOnlyThatDevice(t *testing.T) {
	tests := []struct {
		name       string
		deviceIDs  []string
		wantPhone  bool
		wantLaptop bool
	}{
		{name: "single device", deviceIDs: []string{"PHONE"}, wantPhone: true},
		{name: "all devices", deviceIDs: []string{"*"}, wantPhone: true, wantLaptop: true},
		{name: "unknown device", deviceIDs: []string{"TABLET"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := NewNotifier(0)
			phone := n.GetListener(context.Background(), alice, "PHONE")
			laptop := n.GetListener(context.Background(), alice, "LAPTOP")
			defer phone.Close()
			defer laptop.Close()

			n.OnNewSendToDevice(1, alice, tt.deviceIDs)

			assert.Equal(t, tt.wantPhone, phone.Wait(context.Background(), shortTimeout))
			assert.Equal(t, tt.wantLaptop, laptop.Wait(context.Background(), shortTimeout))
		})
	}
}

func TestPositionNeverGoesBackwards(t *testing.T) {
	n := NewNotifier(5)
	n.OnNewEvent(9, alice)
	n.OnNewEvent(7, bob)
	assert.Equal(t, types.StreamPosition(9), n.CurrentPosition())
}

func TestListenerStopsOnContextCancel(t *testing.T) {
	n := NewNotifier(0)
	ctx, cancel := context.WithCancel(context.Background())
	listener := n.GetListener(ctx, alice, aliceDev)
	cancel()
	assert.False(t, listener.Wait(ctx, longTimeout))

	assert.Eventually(t, func() bool {
		return n.userDeviceStreams[alice][aliceDev].NumWaiting() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestIdleStreamsAreRemoved(t *testing.T) {
	n := NewNotifier(0)
	listener := n.GetListener(context.Background(), alice, aliceDev)
	listener.Close()

	stream := n.userDeviceStreams[alice][aliceDev]
	stream.lock.Lock()
	stream.timeOfLastChannel = time.Now().Add(-10 * time.Minute)
	stream.lock.Unlock()
	n.lastCleanUpTime = time.Now().Add(-2 * time.Minute)

	other := n.GetListener(context.Background(), bob, bobDev)
	defer other.Close()

	_, ok := n.userDeviceStreams[alice]
	assert.False(t, ok, "idle stream should have been cleaned up")
}
