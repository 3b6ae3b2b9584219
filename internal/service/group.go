package service

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"realtime_chat/internal/domain"
	"realtime_chat/internal/hub"
	"realtime_chat/internal/metrics"
	"realtime_chat/internal/repository"
	apperrors "realtime_chat/pkg/errors"
	"realtime_chat/pkg/logger"
)

const (
	groupCacheSize = 4096
	groupCacheTTL  = 30 * time.Second
)

// GroupService - проверка доступа к комнатам и применение событий членства
type GroupService interface {
	// Snapshot возвращает членство группы. Результат только для чтения.
	Snapshot(ctx context.Context, groupID string) (*domain.GroupMembership, error)
	Authorize(ctx context.Context, userID string, key domain.RoomKey) error
	GroupsOf(ctx context.Context, userID string) ([]string, error)
	Apply(ctx context.Context, event domain.MembershipEvent) error
}

type cachedGroup struct {
	snapshot  *domain.GroupMembership
	expiresAt time.Time
}

type groupService struct {
	directory repository.GroupDirectory
	registry  *hub.Registry
	presence  *hub.Presence
	audit     AuditService
	cache     *lru.Cache
	metrics   *metrics.Metrics
	log       logger.Logger
	now       func() time.Time
}

func NewGroupService(directory repository.GroupDirectory, registry *hub.Registry, presence *hub.Presence, audit AuditService, m *metrics.Metrics, log logger.Logger) (GroupService, error) {
	cache, err := lru.New(groupCacheSize)
	if err != nil {
		return nil, err
	}
	return &groupService{
		directory: directory,
		registry:  registry,
		presence:  presence,
		audit:     audit,
		cache:     cache,
		metrics:   m,
		log:       log,
		now:       time.Now,
	}, nil
}

func (s *groupService) Snapshot(ctx context.Context, groupID string) (*domain.GroupMembership, error) {
	if v, ok := s.cache.Get(groupID); ok {
		entry := v.(cachedGroup)
		if s.now().Before(entry.expiresAt) {
			return entry.snapshot, nil
		}
		s.cache.Remove(groupID)
	}

	snapshot, err := s.directory.Snapshot(ctx, groupID)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}
		return nil, apperrors.Persistence("load group", err)
	}
	s.cache.Add(groupID, cachedGroup{snapshot: snapshot, expiresAt: s.now().Add(groupCacheTTL)})
	return snapshot, nil
}

func (s *groupService) Authorize(ctx context.Context, userID string, key domain.RoomKey) error {
	if key.IsZero() {
		return apperrors.ErrInvalidRoomKey
	}
	if !key.IsGroup() {
		if !key.HasParticipant(userID) {
			return apperrors.ErrNotRoomMember
		}
		return nil
	}

	snapshot, err := s.Snapshot(ctx, key.GroupID())
	if err != nil {
		return err
	}
	if !snapshot.IsMember(userID) {
		return apperrors.ErrNotRoomMember
	}
	return nil
}

func (s *groupService) GroupsOf(ctx context.Context, userID string) ([]string, error) {
	groups, err := s.directory.GroupsOf(ctx, userID)
	if err != nil {
		return nil, apperrors.Persistence("list groups", err)
	}
	return groups, nil
}

// Apply: сначала событие уходит в комнату группы, потом меняются подписки.
// Так удаленный участник еще видит свое удаление, а новый получает все последующее.
func (s *groupService) Apply(ctx context.Context, event domain.MembershipEvent) error {
	key, err := domain.GroupRoomKey(event.GroupID)
	if err != nil {
		return err
	}
	switch event.Type {
	case domain.MembershipMemberAdded, domain.MembershipMemberRemoved, domain.MembershipGroupDissolved,
		domain.MembershipCoAdminAdded, domain.MembershipCoAdminRemoved:
	default:
		return apperrors.Validation("unknown membership event %q", event.Type)
	}

	if writer, ok := s.directory.(repository.MembershipWriter); ok {
		if err := writer.ApplyMembership(ctx, event); err != nil {
			return apperrors.Persistence("apply membership", err)
		}
	}
	s.cache.Remove(event.GroupID)

	switch event.Type {
	case domain.MembershipMemberAdded:
		joined := s.registry.JoinAll(s.presence.SessionsOfUser(event.UserID), key)
		s.registry.Broadcast(key, domain.NewEvent(event.Type, event), "")
		s.log.Debug("Member joined group room", "group_id", event.GroupID, "user_id", event.UserID, "sessions", joined)
	case domain.MembershipMemberRemoved:
		s.registry.Broadcast(key, domain.NewEvent(event.Type, event), "")
		s.registry.RemoveUser(event.UserID, key)
	case domain.MembershipGroupDissolved:
		s.registry.Broadcast(key, domain.NewEvent(event.Type, event), "")
		s.registry.DropRoom(key)
	default:
		s.registry.Broadcast(key, domain.NewEvent(event.Type, event), "")
	}

	actorRole := domain.ActorRoleSystem
	if event.ActorID != "" {
		actorRole = domain.ActorRoleUser
	}
	s.audit.LogEvent(ctx, event.ActorID, actorRole, key, domain.AuditTypeForMembership(event.Type), map[string]interface{}{
		"user_id": event.UserID,
	})

	s.metrics.MembershipEvent(event.Type)
	s.log.Info("Membership event applied", "type", event.Type, "group_id", event.GroupID, "user_id", event.UserID)
	return nil
}
