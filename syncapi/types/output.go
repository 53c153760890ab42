package types

import (
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

// OutputNewRoomEvent is published after a room event has been appended.
type OutputNewRoomEvent struct {
	Event *Event `json:"event"`
}

// OutputReceiptEvent is an entry in the receipt output kafka log
type OutputReceiptEvent struct {
	UserID    string         `json:"user_id"`
	RoomID    string         `json:"room_id"`
	EventID   string         `json:"event_id"`
	Type      string         `json:"type"`
	Timestamp spec.Timestamp `json:"timestamp"`
}

// OutputTypingEvent is an entry in typing server output kafka log.
// This contains the event with extra fields used to create 'm.typing' event
// in clientapi & federation.
type OutputTypingEvent struct {
	// The Event for the typing edu event.
	Event TypingEvent `json:"event"`
	// ExpireTime is the interval after which the user should no longer be
	// considered typing. Only available if Event.Typing is true.
	ExpireTime *spec.Timestamp
}

// TypingEvent represents a matrix edu event of type 'm.typing'.
type TypingEvent struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
	Typing bool   `json:"typing"`
}

// OutputSendToDeviceEvent is an entry in the send-to-device output kafka log.
// This contains the full event content, along with the user ID and device ID
// to which it is destined.
type OutputSendToDeviceEvent struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
	SendToDeviceEvent
}

// OutputClientData is an entry in the account data output log.
// An empty RoomID marks global account data.
type OutputClientData struct {
	RoomID  string          `json:"room_id,omitempty"`
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// OutputKeyChangeEvent says that the device keys of a user changed. When
// OneTimeKeyCounts is set it instead reports the one-time keys left on
// DeviceID, which is not a device list change.
type OutputKeyChangeEvent struct {
	UserID           string         `json:"user_id"`
	DeviceID         string         `json:"device_id,omitempty"`
	OneTimeKeyCounts map[string]int `json:"one_time_key_counts,omitempty"`
}

// OutputPresenceEvent carries a presence update for one user.
type OutputPresenceEvent struct {
	UserID  string          `json:"user_id"`
	Content PresenceContent `json:"content"`
}

// NotificationData contains statistics about notifications, sent from
// the push server to the sync API server.
type NotificationData struct {
	RoomID                  string `json:"room_id"`
	UnreadHighlightCount    int    `json:"unread_highlight_count"`
	UnreadNotificationCount int    `json:"unread_notification_count"`
}
