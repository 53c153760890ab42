package caching

import "github.com/element-hq/syncengine/syncapi/types"

// StateSnapshotCache caches the state maps of immutable room state
// snapshots. Maps returned from the cache are shared and must not be
// modified; Clone them first.
type StateSnapshotCache interface {
	GetStateSnapshot(snapshotID types.StateSnapshotID) (types.StateMap, bool)
	StoreStateSnapshot(snapshotID types.StateSnapshotID, stateMap types.StateMap)
}

func (c Caches) GetStateSnapshot(snapshotID types.StateSnapshotID) (types.StateMap, bool) {
	return c.StateSnapshots.Get(snapshotID)
}

func (c Caches) StoreStateSnapshot(snapshotID types.StateSnapshotID, stateMap types.StateMap) {
	c.StateSnapshots.Set(snapshotID, stateMap)
}
