package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apperrors "realtime_chat/pkg/errors"
)

func TestDirectRoomKeyIsSymmetric(t *testing.T) {
	pairs := [][2]string{{"u1", "u2"}, {"alice", "bob"}, {"b", "a"}, {"10", "9"}}
	for _, p := range pairs {
		ab, err := DirectRoomKey(p[0], p[1])
		require.NoError(t, err)
		ba, err := DirectRoomKey(p[1], p[0])
		require.NoError(t, err)
		assert.Equal(t, ab, ba)
		assert.Equal(t, ab.String(), ba.String())
	}

	key, err := DirectRoomKey("u2", "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1_u2", key.String())
	assert.Equal(t, []string{"u1", "u2"}, key.Participants())
	assert.Equal(t, "u2", key.Peer("u1"))
	assert.True(t, key.HasParticipant("u2"))
	assert.False(t, key.HasParticipant("u3"))
}

func TestDirectRoomKeyRejectsInvalidPairs(t *testing.T) {
	_, err := DirectRoomKey("u1", "u1")
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)

	_, err = DirectRoomKey("", "u1")
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)

	_, err = DirectRoomKey("a_b", "c")
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)
}

func TestParseRoomKey(t *testing.T) {
	key, err := ParseRoomKey("u2_u1")
	require.NoError(t, err)
	assert.Equal(t, "u1_u2", key.String())
	assert.False(t, key.IsGroup())

	group, err := ParseRoomKey("group:g1")
	require.NoError(t, err)
	assert.True(t, group.IsGroup())
	assert.Equal(t, "g1", group.GroupID())
	assert.Nil(t, group.Participants())

	for _, raw := range []string{"", "u1", "u1_u1", "a_b_c", "group:", "_u1"} {
		_, err := ParseRoomKey(raw)
		assert.ErrorIs(t, err, apperrors.ErrInvalidRoomKey, raw)
	}
}

func TestRoomKeyJSON(t *testing.T) {
	key, err := DirectRoomKey("u2", "u1")
	require.NoError(t, err)

	raw, err := json.Marshal(struct {
		RoomKey RoomKey `json:"roomKey"`
	}{key})
	require.NoError(t, err)
	assert.JSONEq(t, `{"roomKey":"u1_u2"}`, string(raw))

	var decoded struct {
		RoomKey RoomKey `json:"roomKey"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"roomKey":"group:g7"}`), &decoded))
	assert.Equal(t, "group:g7", decoded.RoomKey.String())

	assert.Error(t, json.Unmarshal([]byte(`{"roomKey":"u1_u1"}`), &decoded))
}

func TestGroupMembershipIsMember(t *testing.T) {
	g := &GroupMembership{GroupID: "g1", MemberIDs: []string{"u1", "u2"}, AdminID: "u9"}
	assert.True(t, g.IsMember("u1"))
	assert.True(t, g.IsMember("u9"))
	assert.False(t, g.IsMember("u3"))

	var missing *GroupMembership
	assert.False(t, missing.IsMember("u1"))
}

func TestGroupMembershipIsModerator(t *testing.T) {
	g := &GroupMembership{GroupID: "g1", MemberIDs: []string{"u1", "u2"}, AdminID: "u9", CoAdminIDs: []string{"u2"}}
	assert.True(t, g.IsModerator("u9"))
	assert.True(t, g.IsModerator("u2"))
	assert.False(t, g.IsModerator("u1"))
	assert.False(t, g.IsModerator(""))
}
