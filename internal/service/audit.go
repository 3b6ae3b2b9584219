package service

import (
	"context"
	"time"

	"realtime_chat/internal/domain"
	"realtime_chat/internal/repository"
	"realtime_chat/pkg/logger"
)

// AuditService пишет журнал модерации. Ошибка записи не отменяет само действие.
type AuditService interface {
	LogEvent(ctx context.Context, actorID, actorRole string, roomKey domain.RoomKey, eventType string, payload map[string]interface{})
	RoomLog(ctx context.Context, roomKey domain.RoomKey, limit int) ([]*domain.AuditEntry, error)
}

type auditService struct {
	auditRepo repository.AuditRepository
	log       logger.Logger
}

func NewAuditService(auditRepo repository.AuditRepository, log logger.Logger) AuditService {
	return &auditService{
		auditRepo: auditRepo,
		log:       log,
	}
}

func (s *auditService) LogEvent(ctx context.Context, actorID, actorRole string, roomKey domain.RoomKey, eventType string, payload map[string]interface{}) {
	if payload == nil {
		payload = make(map[string]interface{})
	}

	entry := &domain.AuditEntry{
		EventTime: time.Now().UTC(),
		ActorID:   actorID,
		ActorRole: actorRole,
		RoomKey:   roomKey.String(),
		EventType: eventType,
		Payload:   payload,
	}
	if err := s.auditRepo.CreateLog(ctx, entry); err != nil {
		s.log.Warn("Audit entry dropped", "error", err, "event_type", eventType, "room_key", entry.RoomKey)
	}
}

func (s *auditService) RoomLog(ctx context.Context, roomKey domain.RoomKey, limit int) ([]*domain.AuditEntry, error) {
	return s.auditRepo.ListByRoom(ctx, roomKey.String(), limit)
}
