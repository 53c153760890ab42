// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrInvalidSyncToken is returned when a since token cannot be parsed.
	ErrInvalidSyncToken = errors.New("invalid sync token")
	// ErrDataCorruption marks a stored record that cannot be interpreted.
	ErrDataCorruption = errors.New("data corruption")
	// ErrNoCurrentState is returned when a joined room has no current state snapshot.
	ErrNoCurrentState = errors.New("room has no current state")
)

// StreamPosition represents the offset in the sync stream a client is at.
// Every stream (events, receipts, presence, account data, key changes,
// send-to-device, notification data, typing) draws from the same sequence,
// so a single position is a complete sync token.
type StreamPosition int64

func (p StreamPosition) String() string {
	return strconv.FormatInt(int64(p), 10)
}

// MarshalText encodes the position as the decimal string clients echo back.
func (p StreamPosition) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *StreamPosition) UnmarshalText(text []byte) error {
	pos, err := NewStreamPositionFromString(string(text))
	if err != nil {
		return err
	}
	*p = pos
	return nil
}

// NewStreamPositionFromString parses a since token. The empty token is the
// initial sync and maps to position 0.
func NewStreamPositionFromString(tok string) (StreamPosition, error) {
	if tok == "" {
		return 0, nil
	}
	pos, err := strconv.ParseInt(tok, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %s", ErrInvalidSyncToken, tok, err)
	}
	if pos < 0 {
		return 0, fmt.Errorf("%w: %q is negative", ErrInvalidSyncToken, tok)
	}
	return StreamPosition(pos), nil
}

// StateSnapshotID identifies an immutable room state snapshot.
type StateSnapshotID int64

// StateKeyTuple is a pair of an event type and state_key.
type StateKeyTuple struct {
	EventType string
	StateKey  string
}

func (t StateKeyTuple) String() string {
	return fmt.Sprintf("(%s, %s)", t.EventType, t.StateKey)
}

// StateMap maps every state key of a snapshot to the id of the event
// holding that state.
type StateMap map[StateKeyTuple]string

// Clone returns a copy of the map that may be modified freely.
func (m StateMap) Clone() StateMap {
	c := make(StateMap, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// EventIDs returns the event ids held in the map, in no particular order.
func (m StateMap) EventIDs() []string {
	ids := make([]string, 0, len(m))
	for _, id := range m {
		ids = append(ids, id)
	}
	return ids
}

// Range represents a range between two stream positions.
type Range struct {
	// From is the lower bound, exclusive.
	From StreamPosition
	// To is the upper bound, inclusive.
	To StreamPosition
}

// Contains reports whether pos falls inside (From, To].
func (r Range) Contains(pos StreamPosition) bool {
	return pos > r.From && pos <= r.To
}

// CacheCost estimates the in-memory size of the map for the snapshot cache.
func (m StateMap) CacheCost() int {
	cost := 48
	for k, v := range m {
		cost += len(k.EventType) + len(k.StateKey) + len(v) + 48
	}
	return cost
}
