package domain

import (
	"time"
)

// AuditEntry - запись журнала модерации: отзыв сообщений и изменения состава групп
type AuditEntry struct {
	ID        int64                  `json:"id"`
	EventTime time.Time              `json:"event_time"`
	ActorID   string                 `json:"actor_id,omitempty"`
	ActorRole string                 `json:"actor_role"`
	RoomKey   string                 `json:"room_key"`
	EventType string                 `json:"event_type"`
	Payload   map[string]interface{} `json:"payload"`
}

const (
	ActorRoleUser   = "user"
	ActorRoleSystem = "system"
)

const (
	AuditMessageUnsent  = "MESSAGE_UNSENT"
	AuditMemberAdded    = "MEMBER_ADDED"
	AuditMemberRemoved  = "MEMBER_REMOVED"
	AuditGroupDissolved = "GROUP_DISSOLVED"
	AuditCoAdminAdded   = "CO_ADMIN_ADDED"
	AuditCoAdminRemoved = "CO_ADMIN_REMOVED"
)

// AuditTypeForMembership сопоставляет тип события членства с записью журнала
func AuditTypeForMembership(eventType string) string {
	switch eventType {
	case MembershipMemberAdded:
		return AuditMemberAdded
	case MembershipMemberRemoved:
		return AuditMemberRemoved
	case MembershipGroupDissolved:
		return AuditGroupDissolved
	case MembershipCoAdminAdded:
		return AuditCoAdminAdded
	case MembershipCoAdminRemoved:
		return AuditCoAdminRemoved
	}
	return ""
}
