// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/syncengine/setup/config"
	"github.com/element-hq/syncengine/syncapi/types"
)

// =============================================================================
// Helper Functions
// =============================================================================

// createTestCache creates a new Ristretto cache for testing
func createTestCache(t *testing.T, maxCost config.DataUnit, maxAge time.Duration) *Caches {
	t.Helper()
	return NewRistrettoCache(maxCost, maxAge, DisableMetrics)
}

// createDefaultTestCache creates a cache with sensible defaults
func createDefaultTestCache(t *testing.T) *Caches {
	t.Helper()
	return createTestCache(t, 1024*1024, time.Hour) // 1MB cache, 1 hour TTL
}

// waitForCacheProcessing waits for ristretto background processing
func waitForCacheProcessing(t *testing.T) {
	t.Helper()
	time.Sleep(10 * time.Millisecond) // Ristretto uses async operations
}

// createStringPartition builds a bare partition over its own ristretto cache.
func createStringPartition(t *testing.T, mutable bool, maxAge time.Duration) *RistrettoCachePartition[string, string] {
	t.Helper()
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1000,
		MaxCost:     1024 * 1024,
		BufferItems: 64,
	})
	require.NoError(t, err)
	return &RistrettoCachePartition[string, string]{
		cache:   cache,
		Prefix:  'x',
		Mutable: mutable,
		MaxAge:  maxAge,
	}
}

func createTestEvent(eventID, body string) *types.Event {
	return &types.Event{
		EventID:        eventID,
		RoomID:         "!room:server",
		Type:           "m.room.message",
		Sender:         "@user:server",
		Content:        json.RawMessage(fmt.Sprintf(`{"body":%q}`, body)),
		OriginServerTS: spec.Timestamp(1000),
		Position:       1,
	}
}

func createTestStateMap(memberCount int) types.StateMap {
	m := types.StateMap{
		{EventType: spec.MRoomCreate}: "$create",
	}
	for i := 0; i < memberCount; i++ {
		m[types.StateKeyTuple{EventType: spec.MRoomMember, StateKey: fmt.Sprintf("@user%d:server", i)}] = fmt.Sprintf("$member%d", i)
	}
	return m
}

// =============================================================================
// RistrettoCachePartition Basic Operations
// =============================================================================

func TestRistrettoCachePartition_Set_StoresValue(t *testing.T) {
	t.Parallel()

	partition := createStringPartition(t, true, time.Hour)

	partition.Set("key1", "value1")
	waitForCacheProcessing(t)

	value, ok := partition.Get("key1")

	assert.True(t, ok, "Expected value to be found in cache")
	assert.Equal(t, "value1", value)
}

func TestRistrettoCachePartition_Get_ReturnsFalseWhenMissing(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)

	stateMap, ok := cache.StateSnapshots.Get(42)

	assert.False(t, ok)
	assert.Nil(t, stateMap)
}

func TestRistrettoCachePartition_Unset_RemovesValue(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)

	cache.SyncEvents.Set("$event1", createTestEvent("$event1", "hello"))
	waitForCacheProcessing(t)

	_, ok := cache.SyncEvents.Get("$event1")
	assert.True(t, ok)

	cache.SyncEvents.Unset("$event1")
	waitForCacheProcessing(t)

	_, ok = cache.SyncEvents.Get("$event1")
	assert.False(t, ok)
}

func TestRistrettoCachePartition_SetMultipleKeys_AllRetrievable(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)

	testCases := []struct {
		snapshotID types.StateSnapshotID
		members    int
	}{
		{1, 0},
		{2, 3},
		{3, 10},
	}

	for _, tc := range testCases {
		cache.StateSnapshots.Set(tc.snapshotID, createTestStateMap(tc.members))
	}
	waitForCacheProcessing(t)

	for _, tc := range testCases {
		stateMap, ok := cache.StateSnapshots.Get(tc.snapshotID)
		assert.True(t, ok, "Expected to find snapshot %d in cache", tc.snapshotID)
		assert.Len(t, stateMap, tc.members+1, "Size mismatch for snapshot %d", tc.snapshotID)
	}
}

// =============================================================================
// TTL and Expiration Tests
// =============================================================================

func TestRistrettoCachePartition_TTL_ExpiresAfterMaxAge(t *testing.T) {
	t.Parallel()

	cache := createTestCache(t, 1024*1024, 50*time.Millisecond)

	cache.StateSnapshots.Set(1, createTestStateMap(1))
	waitForCacheProcessing(t)

	_, ok := cache.StateSnapshots.Get(1)
	assert.True(t, ok, "Value should be present immediately after Set")

	require.Eventually(t, func() bool {
		_, found := cache.StateSnapshots.Get(1)
		return !found
	}, 2*time.Second, 10*time.Millisecond,
		"Value should have expired after MaxAge")
}

func TestNewRistrettoCache_SyncEventsUseShorterMaxAge(t *testing.T) {
	t.Parallel()

	cache := createTestCache(t, 1024*1024, 2*time.Hour)

	partition := cache.SyncEvents.(*RistrettoCostedCachePartition[string, *types.Event])
	assert.Equal(t, syncEventMaxAge, partition.MaxAge)

	snapshots := cache.StateSnapshots.(*RistrettoCostedCachePartition[types.StateSnapshotID, types.StateMap])
	assert.Equal(t, 2*time.Hour, snapshots.MaxAge)
}

func TestLesserOf(t *testing.T) {
	tests := []struct {
		a, b, want time.Duration
	}{
		{0, time.Minute, time.Minute},
		{time.Minute, 0, time.Minute},
		{time.Minute, time.Hour, time.Minute},
		{time.Hour, time.Minute, time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, lesserOf(tt.a, tt.b))
	}
}

// =============================================================================
// Immutable Cache Tests
// =============================================================================

func TestRistrettoCachePartition_ImmutableCache_PanicsOnValueChange(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)

	cache.StateSnapshots.Set(1, createTestStateMap(2))
	waitForCacheProcessing(t)

	assert.Panics(t, func() {
		cache.StateSnapshots.Set(1, createTestStateMap(3))
	}, "Setting different value in immutable cache should panic")
}

func TestRistrettoCachePartition_ImmutableCache_AllowsSameValue(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)

	cache.StateSnapshots.Set(1, createTestStateMap(2))
	waitForCacheProcessing(t)

	// Two readers loading the same snapshot store equal maps.
	assert.NotPanics(t, func() {
		cache.StateSnapshots.Set(1, createTestStateMap(2))
	}, "Setting same value in immutable cache should not panic")
}

func TestRistrettoCachePartition_ImmutableCache_PanicsOnUnset(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)

	assert.Panics(t, func() {
		cache.StateSnapshots.Unset(1)
	}, "Unset on immutable cache should panic")
}

func TestRistrettoCachePartition_MutableCache_AllowsValueChange(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)

	cache.SyncEvents.Set("$event1", createTestEvent("$event1", "first"))
	waitForCacheProcessing(t)

	assert.NotPanics(t, func() {
		cache.SyncEvents.Set("$event1", createTestEvent("$event1", "second"))
		waitForCacheProcessing(t)
	})

	retrieved, ok := cache.SyncEvents.Get("$event1")
	assert.True(t, ok)
	assert.JSONEq(t, `{"body":"second"}`, string(retrieved.Content))
}

// =============================================================================
// Concurrent Access Tests
// =============================================================================

func TestRistrettoCachePartition_ConcurrentWrites_ThreadSafe(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)

	const numGoroutines = 100
	const numWrites = 10

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < numWrites; j++ {
				eventID := fmt.Sprintf("$event%d-%d", id, j)
				cache.SyncEvents.Set(eventID, createTestEvent(eventID, "hi"))
			}
		}(i)
	}

	wg.Wait()
	waitForCacheProcessing(t)

	// Ristretto may drop sets under contention, so only check what was kept.
	for _, eventID := range []string{"$event0-0", "$event50-5", "$event99-9"} {
		if event, ok := cache.SyncEvents.Get(eventID); ok {
			assert.Equal(t, eventID, event.EventID)
		}
	}
}

func TestRistrettoCachePartition_ConcurrentReadWrites_ThreadSafe(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)

	for i := 0; i < 10; i++ {
		cache.StateSnapshots.Set(types.StateSnapshotID(i), createTestStateMap(i))
	}
	waitForCacheProcessing(t)

	const numGoroutines = 50
	var wg sync.WaitGroup
	wg.Add(numGoroutines * 2)

	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, _ = cache.StateSnapshots.Get(types.StateSnapshotID(j))
			}
		}()
	}

	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				cache.StateSnapshots.Set(types.StateSnapshotID(1000+id*10+j), createTestStateMap(j))
			}
		}(i)
	}

	wg.Wait()
}

// =============================================================================
// Wrapper Tests
// =============================================================================

func TestCaches_StateSnapshot_StoreAndRetrieve(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)
	stateMap := createTestStateMap(4)

	cache.StoreStateSnapshot(7, stateMap)
	waitForCacheProcessing(t)

	retrieved, ok := cache.GetStateSnapshot(7)
	require.True(t, ok)
	assert.Equal(t, stateMap, retrieved)

	_, ok = cache.GetStateSnapshot(8)
	assert.False(t, ok)
}

func TestCaches_SyncEvent_InvalidateRemovesEvent(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)

	cache.StoreSyncEvent(createTestEvent("$target", "secret"))
	waitForCacheProcessing(t)

	_, ok := cache.GetSyncEvent("$target")
	require.True(t, ok)

	cache.InvalidateSyncEvent("$target")
	waitForCacheProcessing(t)

	_, ok = cache.GetSyncEvent("$target")
	assert.False(t, ok)
}

// =============================================================================
// Cache Partitioning Tests
// =============================================================================

func TestRistrettoCachePartition_DifferentPrefixes_IsolateCaches(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)

	// The same printed key in two partitions.
	cache.SyncEvents.Set("1", createTestEvent("1", "event"))
	cache.StateSnapshots.Set(1, createTestStateMap(1))
	waitForCacheProcessing(t)

	event, ok1 := cache.SyncEvents.Get("1")
	stateMap, ok2 := cache.StateSnapshots.Get(1)

	assert.True(t, ok1)
	assert.True(t, ok2)
	assert.Equal(t, "1", event.EventID)
	assert.Len(t, stateMap, 2)
}

// =============================================================================
// NewRistrettoCache Configuration Tests
// =============================================================================

func TestNewRistrettoCache_CreatesValidCache(t *testing.T) {
	t.Parallel()

	cache := NewRistrettoCache(1024*1024, time.Hour, DisableMetrics)

	require.NotNil(t, cache)
	require.NotNil(t, cache.StateSnapshots)
	require.NotNil(t, cache.SyncEvents)
}

func TestNewRistrettoCache_WithMetrics_DoesNotPanic(t *testing.T) {
	t.Parallel()

	assert.NotPanics(t, func() {
		first := NewRistrettoCache(1024*1024, time.Hour, EnableMetrics)
		second := NewRistrettoCache(1024*1024, time.Hour, EnableMetrics)
		require.NotNil(t, first)
		require.NotNil(t, second)
	})
}

func TestRistrettoCachePartition_ImmutableString_StoresValue(t *testing.T) {
	t.Parallel()

	partition := createStringPartition(t, false, 10*time.Minute)

	partition.Set("!room:server", "v10")
	waitForCacheProcessing(t)

	value, ok := partition.Get("!room:server")
	assert.True(t, ok)
	assert.Equal(t, "v10", value)
}
