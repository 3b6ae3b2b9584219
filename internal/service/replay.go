package service

import (
	"context"
	"time"

	"realtime_chat/internal/domain"
	"realtime_chat/internal/hub"
	"realtime_chat/internal/repository"
	"realtime_chat/pkg/logger"
)

// ReplayService догоняет клиента после переподключения
type ReplayService interface {
	// Resume подписывает сессию на комнату и досылает ей пропущенное
	Resume(ctx context.Context, session *hub.Session, key domain.RoomKey, since *time.Time) (*domain.MissedMessagesCompleteData, error)
	// History - те же сообщения для REST
	History(ctx context.Context, userID string, key domain.RoomKey, since *time.Time) ([]*domain.Message, error)
}

type replayService struct {
	store    repository.MessageStore
	groups   GroupService
	registry *hub.Registry
	lookback time.Duration
	limit    int
	log      logger.Logger
	now      func() time.Time
}

func NewReplayService(store repository.MessageStore, groups GroupService, registry *hub.Registry, lookback time.Duration, limit int, log logger.Logger) ReplayService {
	return &replayService{
		store:    store,
		groups:   groups,
		registry: registry,
		lookback: lookback,
		limit:    limit,
		log:      log,
		now:      time.Now,
	}
}

func (s *replayService) watermark(since *time.Time) time.Time {
	if since != nil && !since.IsZero() {
		return since.UTC()
	}
	return s.now().UTC().Add(-s.lookback)
}

func (s *replayService) load(ctx context.Context, userID string, key domain.RoomKey, watermark time.Time) ([]*domain.Message, error) {
	messages, err := s.store.FindSince(ctx, key, watermark, s.limit)
	if err != nil {
		return nil, storeError("load missed messages", err)
	}

	visible := messages[:0]
	for _, m := range messages {
		if !m.HiddenForUser(userID) {
			visible = append(visible, m)
		}
	}
	return visible, nil
}

func (s *replayService) History(ctx context.Context, userID string, key domain.RoomKey, since *time.Time) ([]*domain.Message, error) {
	if err := s.groups.Authorize(ctx, userID, key); err != nil {
		return nil, err
	}
	return s.load(ctx, userID, key, s.watermark(since))
}

func (s *replayService) Resume(ctx context.Context, session *hub.Session, key domain.RoomKey, since *time.Time) (*domain.MissedMessagesCompleteData, error) {
	if err := s.groups.Authorize(ctx, session.UserID, key); err != nil {
		return nil, err
	}
	// подписка раньше выборки: новое придет рассылкой, дубль клиент отбросит по id
	s.registry.Join(session, key)

	watermark := s.watermark(since)
	messages, err := s.load(ctx, session.UserID, key, watermark)
	if err != nil {
		return nil, err
	}

	for _, m := range messages {
		session.SendEvent(domain.NewEvent(domain.EventMessageReceived, m))
		watermark = m.CreatedAt
	}

	done := &domain.MissedMessagesCompleteData{RoomKey: key, Count: len(messages), Watermark: watermark}
	session.SendEvent(domain.NewEvent(domain.EventMissedMessagesComplete, done))
	s.log.Debug("Missed messages replayed", "session_id", session.ID, "room_key", key.String(), "count", len(messages))
	return done, nil
}
