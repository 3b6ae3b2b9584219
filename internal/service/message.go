package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"realtime_chat/internal/dedup"
	"realtime_chat/internal/domain"
	"realtime_chat/internal/hub"
	"realtime_chat/internal/metrics"
	"realtime_chat/internal/repository"
	apperrors "realtime_chat/pkg/errors"
	"realtime_chat/pkg/logger"
)

// SendInput - сообщение от клиента до записи. OriginSessionID пуст для REST.
type SendInput struct {
	SenderID        string
	OriginSessionID string
	RoomKey         domain.RoomKey
	Content         string
	Kind            domain.MessageKind
	ProvisionalID   string
	ReplyToID       string
	File            *domain.FileRef
}

type SendResult struct {
	Message *domain.Message
	Status  domain.MessageState
	// Duplicate: повтор уже принятого сообщения, рассылки не было
	Duplicate bool
	// Recovered: сообщение нашлось в хранилище после неудачной попытки и разослано сейчас
	Recovered bool
}

func (r *SendResult) Ack() domain.MessageAckData {
	ack := domain.MessageAckData{Status: r.Status}
	if r.Message != nil {
		ack.ID = r.Message.ID
		ack.ProvisionalID = r.Message.ProvisionalID
		ack.CreatedAt = r.Message.CreatedAt
	}
	return ack
}

type MessageService interface {
	Send(ctx context.Context, in SendInput) (*SendResult, error)
	React(ctx context.Context, userID, messageID, emoji string) (*domain.ReactionChangedData, error)
	Typing(ctx context.Context, userID, sessionID string, key domain.RoomKey, typing bool) error
	MarkRead(ctx context.Context, readerID, messageID string) (*domain.StatusUpdateData, error)
	Unsend(ctx context.Context, userID, messageID string) (*domain.Message, error)
	HideForMe(ctx context.Context, userID, messageID string) error
}

type messageService struct {
	store          repository.MessageStore
	groups         GroupService
	registry       *hub.Registry
	presence       *hub.Presence
	ledger         *dedup.Ledger
	audit          AuditService
	persistTimeout time.Duration
	metrics        *metrics.Metrics
	log            logger.Logger
}

func NewMessageService(
	store repository.MessageStore,
	groups GroupService,
	registry *hub.Registry,
	presence *hub.Presence,
	ledger *dedup.Ledger,
	audit AuditService,
	persistTimeout time.Duration,
	m *metrics.Metrics,
	log logger.Logger,
) MessageService {
	return &messageService{
		store:          store,
		groups:         groups,
		registry:       registry,
		presence:       presence,
		ledger:         ledger,
		audit:          audit,
		persistTimeout: persistTimeout,
		metrics:        m,
		log:            log,
	}
}

// storeError оставляет доменные ошибки как есть, остальное - недоступность хранилища
func storeError(op string, err error) error {
	if apperrors.Is(err, apperrors.ErrNotFound) || apperrors.Is(err, apperrors.ErrBadRequest) ||
		apperrors.Is(err, apperrors.ErrForbidden) {
		return err
	}
	return apperrors.Persistence(op, err)
}

func (s *messageService) Send(ctx context.Context, in SendInput) (*SendResult, error) {
	message := &domain.Message{
		ProvisionalID: in.ProvisionalID,
		RoomKey:       in.RoomKey,
		SenderID:      in.SenderID,
		Content:       in.Content,
		Kind:          in.Kind,
		File:          in.File,
		ReplyToID:     in.ReplyToID,
	}
	if err := message.Validate(); err != nil {
		return nil, err
	}
	if err := s.groups.Authorize(ctx, in.SenderID, in.RoomKey); err != nil {
		return nil, err
	}

	pid := in.ProvisionalID
	claim := ledgerKey(in.SenderID, pid)
	if pid != "" {
		if entry, ok := s.ledger.Lookup("", claim); ok {
			s.metrics.DuplicateSuppressed("ledger")
			s.log.Debug("Duplicate send suppressed", "provisional_id", pid, "message_id", entry.ID)
			return s.duplicateResult(ctx, entry.ID, pid), nil
		}
		if !s.ledger.Reserve(claim) {
			s.metrics.DuplicateSuppressed("ledger")
			if entry, ok := s.ledger.Lookup("", claim); ok {
				return s.duplicateResult(ctx, entry.ID, pid), nil
			}
			// тот же provisionalId прямо сейчас пишет другой запрос, его ack еще впереди
			return nil, apperrors.ErrSendInFlight
		}
	} else if s.ledger.SeenContent(in.SenderID, in.RoomKey.String(), in.Content) {
		s.metrics.DuplicateSuppressed("content")
		return &SendResult{Duplicate: true}, nil
	}

	message.ID = uuid.NewString()
	candidateID := message.ID

	persistCtx, cancel := context.WithTimeout(ctx, s.persistTimeout)
	started := time.Now()
	stored, err := s.store.Persist(persistCtx, message)
	cancel()
	if err != nil {
		s.ledger.Release(claim)
		if pid == "" {
			s.ledger.ForgetContent(in.SenderID, in.RoomKey.String(), in.Content)
		}
		s.log.Error("Failed to persist message", "error", err, "room_key", in.RoomKey.String(), "provisional_id", pid)
		return nil, apperrors.Persistence("persist message", err)
	}
	s.ledger.Commit(claim, stored.ID)

	recovered := stored.ID != candidateID
	if recovered {
		// запись дошла до хранилища раньше, но этот процесс ее не подтвердил:
		// подтверждаем и рассылаем сейчас, дальше повторы отсекает журнал
		if stored.Unsent {
			s.metrics.DuplicateSuppressed("store")
			return &SendResult{Message: stored, Status: stored.State, Duplicate: true}, nil
		}
		s.log.Info("Delivering message recovered from store", "message_id", stored.ID, "provisional_id", pid)
	} else {
		s.metrics.MessagePersisted(time.Since(started))
	}

	s.joinDirect(in.RoomKey)

	status := stored.State
	if status.Rank() < domain.MessageStateDelivered.Rank() && s.hasOtherSubscriber(in.RoomKey, in.SenderID) {
		status = domain.MessageStateDelivered
		if _, err := s.store.UpdateState(ctx, stored.ID, status); err != nil {
			s.log.Warn("Failed to store delivered state", "error", err, "message_id", stored.ID)
		}
		stored.State = status
	}

	s.registry.Broadcast(in.RoomKey, domain.NewEvent(domain.EventMessageReceived, stored), in.OriginSessionID)

	return &SendResult{Message: stored, Status: status, Recovered: recovered}, nil
}

// joinDirect подписывает все сессии обоих участников личной комнаты
func (s *messageService) joinDirect(key domain.RoomKey) {
	if key.IsGroup() {
		return
	}
	for _, userID := range key.Participants() {
		s.registry.JoinAll(s.presence.SessionsOfUser(userID), key)
	}
}

// ledgerKey: provisionalId уникален только в пределах отправителя
func ledgerKey(senderID, provisionalID string) string {
	if provisionalID == "" {
		return ""
	}
	return senderID + "/" + provisionalID
}

func (s *messageService) duplicateResult(ctx context.Context, id, pid string) *SendResult {
	result := &SendResult{Message: &domain.Message{ID: id, ProvisionalID: pid}, Duplicate: true}
	if id == "" {
		return result
	}
	if stored, err := s.store.FindByID(ctx, id); err == nil {
		result.Message = stored
		result.Status = stored.State
	}
	return result
}

func (s *messageService) hasOtherSubscriber(key domain.RoomKey, senderID string) bool {
	for _, session := range s.registry.SessionsOf(key) {
		if session.UserID != senderID {
			return true
		}
	}
	return false
}

// load загружает сообщение и проверяет, что пользователь состоит в его комнате
func (s *messageService) load(ctx context.Context, userID, messageID string) (*domain.Message, error) {
	message, err := s.store.FindByID(ctx, messageID)
	if err != nil {
		return nil, storeError("load message", err)
	}
	if err := s.groups.Authorize(ctx, userID, message.RoomKey); err != nil {
		return nil, err
	}
	return message, nil
}

func (s *messageService) React(ctx context.Context, userID, messageID, emoji string) (*domain.ReactionChangedData, error) {
	if emoji == "" {
		return nil, apperrors.Validation("emoji is empty")
	}
	message, err := s.load(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	if message.Unsent {
		return nil, apperrors.ErrMessageUnsent
	}

	current, err := s.store.ToggleReaction(ctx, messageID, userID, emoji)
	if err != nil {
		return nil, storeError("toggle reaction", err)
	}

	data := &domain.ReactionChangedData{
		MessageID: messageID,
		RoomKey:   message.RoomKey,
		UserID:    userID,
		Emoji:     current,
	}
	s.registry.Broadcast(message.RoomKey, domain.NewEvent(domain.EventReactionChanged, data), "")
	return data, nil
}

func (s *messageService) Typing(ctx context.Context, userID, sessionID string, key domain.RoomKey, typing bool) error {
	if err := s.groups.Authorize(ctx, userID, key); err != nil {
		return err
	}
	// первое событие в новой личной переписке должно дойти до собеседника
	s.joinDirect(key)
	name := domain.EventUserTyping
	if !typing {
		name = domain.EventUserStoppedTyping
	}
	s.registry.Broadcast(key, domain.NewEvent(name, domain.TypingData{UserID: userID, RoomKey: key}), sessionID)
	return nil
}

// MarkRead переводит сообщение в seen и сообщает об этом только отправителю.
// nil без ошибки - статус уже был seen или сообщение отозвано.
func (s *messageService) MarkRead(ctx context.Context, readerID, messageID string) (*domain.StatusUpdateData, error) {
	message, err := s.store.FindByID(ctx, messageID)
	if err != nil {
		return nil, storeError("load message", err)
	}
	if message.SenderID == readerID {
		return nil, apperrors.ErrOwnMessageRead
	}
	if err := s.groups.Authorize(ctx, readerID, message.RoomKey); err != nil {
		return nil, err
	}
	if message.Unsent {
		return nil, nil
	}

	changed, err := s.store.UpdateState(ctx, messageID, domain.MessageStateSeen)
	if err != nil {
		return nil, storeError("update state", err)
	}
	if !changed {
		return nil, nil
	}

	data := &domain.StatusUpdateData{
		MessageID: messageID,
		RoomKey:   message.RoomKey,
		Status:    domain.MessageStateSeen,
		ReaderID:  readerID,
	}
	s.presence.SendToUser(message.SenderID, domain.NewEvent(domain.EventMessageStatusUpdate, data))
	return data, nil
}

func (s *messageService) Unsend(ctx context.Context, userID, messageID string) (*domain.Message, error) {
	message, err := s.store.FindByID(ctx, messageID)
	if err != nil {
		return nil, storeError("load message", err)
	}
	if message.SenderID != userID {
		return nil, apperrors.ErrNotMessageSender
	}
	if message.Unsent {
		return message, nil
	}

	tombstone, err := s.store.MarkTombstone(ctx, messageID)
	if err != nil {
		return nil, storeError("unsend message", err)
	}
	s.registry.Broadcast(tombstone.RoomKey, domain.NewEvent(domain.EventMessageUnsent, domain.MessageUnsentData{
		MessageID: tombstone.ID,
		RoomKey:   tombstone.RoomKey,
	}), "")
	s.audit.LogEvent(ctx, userID, domain.ActorRoleUser, tombstone.RoomKey, domain.AuditMessageUnsent, map[string]interface{}{
		"message_id": tombstone.ID,
	})
	s.log.Info("Message unsent", "message_id", messageID, "user_id", userID)
	return tombstone, nil
}

func (s *messageService) HideForMe(ctx context.Context, userID, messageID string) error {
	if _, err := s.load(ctx, userID, messageID); err != nil {
		return err
	}
	if err := s.store.Hide(ctx, messageID, userID); err != nil {
		return storeError("hide message", err)
	}
	return nil
}
