package caching

import "github.com/element-hq/syncengine/syncapi/types"

// SyncEventCache holds recently appended events. Only the writer path
// stores or invalidates entries, in room order, so readers never race a
// redaction with a stale copy.
type SyncEventCache interface {
	GetSyncEvent(eventID string) (*types.Event, bool)
	StoreSyncEvent(event *types.Event)
	InvalidateSyncEvent(eventID string)
}

func (c Caches) GetSyncEvent(eventID string) (*types.Event, bool) {
	return c.SyncEvents.Get(eventID)
}

func (c Caches) StoreSyncEvent(event *types.Event) {
	c.SyncEvents.Set(event.EventID, event)
}

func (c Caches) InvalidateSyncEvent(eventID string) {
	c.SyncEvents.Unset(eventID)
}
