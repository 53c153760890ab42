// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"time"

	"github.com/element-hq/syncengine/syncapi/types"
)

// Caches contains a set of references to caches. They may be
// different implementations as long as they satisfy the Cache
// interface.
type Caches struct {
	StateSnapshots Cache[types.StateSnapshotID, types.StateMap] // snapshot ID -> state map
	SyncEvents     Cache[string, *types.Event]                  // event ID -> event
}

// Cache is the interface that an implementation must satisfy.
type Cache[K keyable, T any] interface {
	Get(key K) (value T, ok bool)
	Set(key K, value T)
	Unset(key K)
}

type keyable interface {
	// from https://github.com/dgraph-io/ristretto/blob/8e850b710d6df0383c375ec6a7beae4ce48fc8d5/z/z.go#L34
	~uint64 | ~string | []byte | byte | ~int | ~int32 | ~uint32 | ~int64
}

type costable interface {
	CacheCost() int
}

// lesserOf returns the smaller of two durations, treating zero as unset.
func lesserOf(time1, time2 time.Duration) time.Duration {
	if time1 == 0 {
		return time2
	}
	if time2 == 0 || time1 < time2 {
		return time1
	}
	return time2
}
