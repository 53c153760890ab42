// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package state

import (
	"testing"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"

	"github.com/element-hq/syncengine/syncapi/types"
)

func tuple(eventType, stateKey string) types.StateKeyTuple {
	return types.StateKeyTuple{EventType: eventType, StateKey: stateKey}
}

func TestApplyLeavesInputAlone(t *testing.T) {
	t.Parallel()

	base := types.StateMap{tuple(spec.MRoomCreate, ""): "$create"}
	next := Apply(base, tuple(spec.MRoomMember, "@alice:test"), "$join")

	assert.Len(t, base, 1)
	assert.Equal(t, types.StateMap{
		tuple(spec.MRoomCreate, ""):            "$create",
		tuple(spec.MRoomMember, "@alice:test"): "$join",
	}, next)

	replaced := Apply(next, tuple(spec.MRoomMember, "@alice:test"), "$leave")
	assert.Equal(t, "$leave", replaced[tuple(spec.MRoomMember, "@alice:test")])
	assert.Equal(t, "$join", next[tuple(spec.MRoomMember, "@alice:test")])
}

func TestDiff(t *testing.T) {
	t.Parallel()

	create := tuple(spec.MRoomCreate, "")
	alice := tuple(spec.MRoomMember, "@alice:test")
	bob := tuple(spec.MRoomMember, "@bob:test")
	name := tuple("m.room.name", "")

	testCases := []struct {
		name     string
		from, to types.StateMap
		want     types.StateMap
	}{{
		name: "identical maps",
		from: types.StateMap{create: "$create", alice: "$a1"},
		to:   types.StateMap{create: "$create", alice: "$a1"},
		want: types.StateMap{},
	}, {
		name: "from empty is full state",
		from: types.StateMap{},
		to:   types.StateMap{create: "$create", alice: "$a1"},
		want: types.StateMap{create: "$create", alice: "$a1"},
	}, {
		name: "replaced and added entries",
		from: types.StateMap{create: "$create", alice: "$a1"},
		to:   types.StateMap{create: "$create", alice: "$a2", bob: "$b1", name: "$n1"},
		want: types.StateMap{alice: "$a2", bob: "$b1", name: "$n1"},
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Diff(tc.from, tc.to))
		})
	}
}

func TestHasMembershipChange(t *testing.T) {
	t.Parallel()

	assert.False(t, HasMembershipChange(types.StateMap{}))
	assert.False(t, HasMembershipChange(types.StateMap{tuple("m.room.name", ""): "$n"}))
	assert.True(t, HasMembershipChange(types.StateMap{
		tuple("m.room.name", ""):             "$n",
		tuple(spec.MRoomMember, "@bob:test"): "$b",
	}))
}

func TestSortedEventIDs(t *testing.T) {
	t.Parallel()

	m := types.StateMap{
		tuple(spec.MRoomMember, "@bob:test"):   "$bob",
		tuple(spec.MRoomCreate, ""):            "$create",
		tuple(spec.MRoomMember, "@alice:test"): "$alice",
		tuple("m.room.name", ""):               "$name",
	}
	assert.Equal(t, []string{"$create", "$alice", "$bob", "$name"}, SortedEventIDs(m))
}

func TestStrippedStateEventIDs(t *testing.T) {
	t.Parallel()

	m := types.StateMap{
		tuple(spec.MRoomCreate, ""):            "$create",
		tuple("m.room.name", ""):               "$name",
		tuple("m.room.power_levels", ""):       "$pl",
		tuple(types.MRoomEncryption, ""):       "$enc",
		tuple(spec.MRoomMember, "@alice:test"): "$alice",
		tuple(spec.MRoomMember, "@bob:test"):   "$bob",
	}
	assert.Equal(t, []string{"$create", "$name", "$enc", "$bob"}, StrippedStateEventIDs(m, "@bob:test"))
	assert.Equal(t, []string{"$create", "$name", "$enc"}, StrippedStateEventIDs(m, "@carol:test"))
}
