// Copyright 2024 New Vector Ltd.
// Copyright 2022 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package test

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

var (
	userIDCounter = int64(0)

	serverName = spec.ServerName("test")
)

type User struct {
	ID        string
	Localpart string
	DeviceID  string
	srvName   spec.ServerName
}

type UserOpt func(*User)

func WithServerName(srvName spec.ServerName) UserOpt {
	return func(u *User) {
		u.srvName = srvName
	}
}

func WithLocalpart(localpart string) UserOpt {
	return func(u *User) {
		u.Localpart = localpart
	}
}

func WithDeviceID(deviceID string) UserOpt {
	return func(u *User) {
		u.DeviceID = deviceID
	}
}

// NewUser creates a user with a unique localpart on the test server.
func NewUser(t *testing.T, opts ...UserOpt) *User {
	counter := atomic.AddInt64(&userIDCounter, 1)

	u := &User{
		srvName:   serverName,
		Localpart: fmt.Sprintf("%d", counter),
		DeviceID:  fmt.Sprintf("DEVICE%d", counter),
	}
	for _, opt := range opts {
		opt(u)
	}
	u.ID = fmt.Sprintf("@%s:%s", u.Localpart, u.srvName)
	t.Logf("NewUser: created user %s", u.ID)
	return u
}

// ServerName returns the server the user belongs to.
func (u *User) ServerName() spec.ServerName {
	return u.srvName
}
