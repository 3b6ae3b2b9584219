package domain

import (
	"encoding/json"
	"sort"
	"strings"

	apperrors "realtime_chat/pkg/errors"
)

type RoomKind string

const (
	RoomKindDirect RoomKind = "direct"
	RoomKindGroup  RoomKind = "group"
)

const (
	directSeparator = "_"
	groupPrefix     = "group:"
)

// RoomKey - ключ комнаты: пара пользователей (личный чат) или id группы.
// Для личного чата участники всегда отсортированы, поэтому ключ одинаков с обеих сторон.
type RoomKey struct {
	kind    RoomKind
	first   string
	second  string
	groupID string
}

// DirectRoomKey строит ключ личного чата. Порядок аргументов не важен.
func DirectRoomKey(a, b string) (RoomKey, error) {
	if err := validateUserID(a); err != nil {
		return RoomKey{}, err
	}
	if err := validateUserID(b); err != nil {
		return RoomKey{}, err
	}
	if a == b {
		return RoomKey{}, apperrors.Validation("direct room needs two distinct users")
	}

	pair := []string{a, b}
	sort.Strings(pair)
	return RoomKey{kind: RoomKindDirect, first: pair[0], second: pair[1]}, nil
}

func GroupRoomKey(groupID string) (RoomKey, error) {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return RoomKey{}, apperrors.Validation("group id is empty")
	}
	return RoomKey{kind: RoomKindGroup, groupID: groupID}, nil
}

// ParseRoomKey разбирает строковый ключ ("u1_u2" или "group:<id>") и приводит его к каноническому виду
func ParseRoomKey(raw string) (RoomKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return RoomKey{}, apperrors.ErrInvalidRoomKey
	}

	if strings.HasPrefix(raw, groupPrefix) {
		key, err := GroupRoomKey(strings.TrimPrefix(raw, groupPrefix))
		if err != nil {
			return RoomKey{}, apperrors.ErrInvalidRoomKey
		}
		return key, nil
	}

	parts := strings.Split(raw, directSeparator)
	if len(parts) != 2 {
		return RoomKey{}, apperrors.ErrInvalidRoomKey
	}
	key, err := DirectRoomKey(parts[0], parts[1])
	if err != nil {
		return RoomKey{}, apperrors.ErrInvalidRoomKey
	}
	return key, nil
}

func validateUserID(id string) error {
	if strings.TrimSpace(id) == "" {
		return apperrors.Validation("user id is empty")
	}
	if strings.Contains(id, directSeparator) {
		return apperrors.Validation("user id %q must not contain %q", id, directSeparator)
	}
	return nil
}

func (k RoomKey) Kind() RoomKind { return k.kind }

func (k RoomKey) IsZero() bool { return k.kind == "" }

func (k RoomKey) IsGroup() bool { return k.kind == RoomKindGroup }

func (k RoomKey) GroupID() string { return k.groupID }

// Participants возвращает пару пользователей личного чата. Для группы - nil.
func (k RoomKey) Participants() []string {
	if k.kind != RoomKindDirect {
		return nil
	}
	return []string{k.first, k.second}
}

// HasParticipant проверяет только личные чаты. Членство в группе проверяет GroupService.
func (k RoomKey) HasParticipant(userID string) bool {
	return k.kind == RoomKindDirect && (k.first == userID || k.second == userID)
}

// Peer возвращает собеседника в личном чате
func (k RoomKey) Peer(userID string) string {
	switch userID {
	case k.first:
		return k.second
	case k.second:
		return k.first
	default:
		return ""
	}
}

func (k RoomKey) String() string {
	switch k.kind {
	case RoomKindDirect:
		return k.first + directSeparator + k.second
	case RoomKindGroup:
		return groupPrefix + k.groupID
	default:
		return ""
	}
}

func (k RoomKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *RoomKey) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseRoomKey(raw)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// GroupMembership - снимок членства в группе, кешируется GroupService
type GroupMembership struct {
	GroupID    string   `json:"groupId"`
	MemberIDs  []string `json:"memberIds"`
	AdminID    string   `json:"adminId"`
	CoAdminIDs []string `json:"coAdminIds"`
}

func (g *GroupMembership) IsMember(userID string) bool {
	if g == nil {
		return false
	}
	for _, id := range g.MemberIDs {
		if id == userID {
			return true
		}
	}
	return g.AdminID == userID && userID != ""
}

// IsModerator - админ или соадмин группы
func (g *GroupMembership) IsModerator(userID string) bool {
	if g == nil || userID == "" {
		return false
	}
	if g.AdminID == userID {
		return true
	}
	for _, id := range g.CoAdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

const (
	MembershipMemberAdded    = "memberAdded"
	MembershipMemberRemoved  = "memberRemoved"
	MembershipGroupDissolved = "groupDissolved"
	MembershipCoAdminAdded   = "coAdminAdded"
	MembershipCoAdminRemoved = "coAdminRemoved"
)

// MembershipEvent приходит от каталога групп (AMQP или webhook) и пересылается в комнату группы без изменений
type MembershipEvent struct {
	Type    string          `json:"type" validate:"required,oneof=memberAdded memberRemoved groupDissolved coAdminAdded coAdminRemoved"`
	GroupID string          `json:"groupId" validate:"required"`
	UserID  string          `json:"userId,omitempty" validate:"required_unless=Type groupDissolved"`
	ActorID string          `json:"actorId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
