package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"realtime_chat/internal/domain"
	"realtime_chat/internal/hub"
	"realtime_chat/internal/metrics"
	apperrors "realtime_chat/pkg/errors"
	"realtime_chat/pkg/logger"
)

// SendLimit - лимит отправок пользователя поверх ограничителя сессии
type SendLimit struct {
	Enabled bool
	Limit   int
	Window  time.Duration
}

// Gateway разбирает входящие кадры сокета и вызывает нужный сервис.
// Кадры одной сессии обрабатываются по очереди, разные сессии - параллельно.
type Gateway interface {
	// Authenticate разбирает первый кадр authenticate и возвращает userId
	Authenticate(ctx context.Context, frame []byte) (string, error)
	Connect(ctx context.Context, session *hub.Session)
	Disconnect(session *hub.Session)
	Handle(ctx context.Context, session *hub.Session, frame []byte)
}

type eventHandler func(ctx context.Context, session *hub.Session, data json.RawMessage, ref *domain.MessageErrorData) error

type gateway struct {
	identity  IdentityResolver
	messages  MessageService
	replay    ReplayService
	groups    GroupService
	rateLimit RateLimitService
	registry  *hub.Registry
	presence  *hub.Presence
	sendLimit SendLimit
	validate  *validator.Validate
	handlers  map[string]eventHandler
	metrics   *metrics.Metrics
	log       logger.Logger
}

func NewGateway(
	identity IdentityResolver,
	messages MessageService,
	replay ReplayService,
	groups GroupService,
	rateLimit RateLimitService,
	registry *hub.Registry,
	presence *hub.Presence,
	sendLimit SendLimit,
	m *metrics.Metrics,
	log logger.Logger,
) Gateway {
	g := &gateway{
		identity:  identity,
		messages:  messages,
		replay:    replay,
		groups:    groups,
		rateLimit: rateLimit,
		registry:  registry,
		presence:  presence,
		sendLimit: sendLimit,
		validate:  validator.New(),
		metrics:   m,
		log:       log,
	}
	g.handlers = map[string]eventHandler{
		domain.EventAuthenticate:          g.handleAuthenticate,
		domain.EventJoinRoom:              g.handleJoinRoom,
		domain.EventLeaveRoom:             g.handleLeaveRoom,
		domain.EventSend:                  g.handleSend,
		domain.EventReact:                 g.handleReact,
		domain.EventTyping:                g.handleTyping(true),
		domain.EventStopTyping:            g.handleTyping(false),
		domain.EventMarkRead:              g.handleMarkRead,
		domain.EventUnsend:                g.handleUnsend,
		domain.EventHideForMe:             g.handleHideForMe,
		domain.EventRequestMissedMessages: g.handleRequestMissedMessages,
	}
	return g
}

func (g *gateway) decode(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperrors.Validation("malformed payload: %v", err)
	}
	return nil
}

func (g *gateway) check(v interface{}) error {
	if err := g.validate.Struct(v); err != nil {
		return apperrors.Validation("%v", err)
	}
	return nil
}

func (g *gateway) bind(data json.RawMessage, v interface{}) error {
	if err := g.decode(data, v); err != nil {
		return err
	}
	return g.check(v)
}

func (g *gateway) Authenticate(ctx context.Context, frame []byte) (string, error) {
	var env domain.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return "", apperrors.ErrInvalidToken
	}
	if env.Event != domain.EventAuthenticate {
		return "", apperrors.ErrUnauthorized
	}
	var payload domain.AuthenticatePayload
	if err := g.bind(env.Data, &payload); err != nil {
		return "", apperrors.ErrInvalidToken
	}
	return g.identity.Resolve(ctx, payload.Token)
}

func (g *gateway) Connect(ctx context.Context, session *hub.Session) {
	session.SendEvent(domain.NewEvent(domain.EventAuthenticated, domain.AuthenticatedData{
		UserID:    session.UserID,
		SessionID: session.ID,
	}))

	g.presence.Register(session)
	g.metrics.SessionOpened()
	g.metrics.SetOnlineUsers(len(g.presence.Online()))

	groups, err := g.groups.GroupsOf(ctx, session.UserID)
	if err != nil {
		g.log.Warn("Failed to auto-join groups", "error", err, "user_id", session.UserID)
		return
	}
	for _, groupID := range groups {
		key, err := domain.GroupRoomKey(groupID)
		if err != nil {
			continue
		}
		g.registry.Join(session, key)
	}
	g.log.Info("Session connected", "session_id", session.ID, "user_id", session.UserID, "rooms", len(g.registry.RoomsOf(session.ID)))
}

// Disconnect: сначала закрываем сессию, чтобы параллельный Join ее уже не принял
func (g *gateway) Disconnect(session *hub.Session) {
	session.Close()
	rooms := g.registry.LeaveAll(session.ID)
	g.presence.Unregister(session)
	g.metrics.SessionClosed()
	g.metrics.SetOnlineUsers(len(g.presence.Online()))
	g.log.Info("Session disconnected", "session_id", session.ID, "user_id", session.UserID, "rooms", len(rooms))
}

func (g *gateway) Handle(ctx context.Context, session *hub.Session, frame []byte) {
	var env domain.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		g.reportError(session, &domain.MessageErrorData{}, apperrors.Validation("malformed frame"))
		return
	}

	ref := &domain.MessageErrorData{Event: env.Event}
	if !session.Allow() {
		g.reportError(session, ref, apperrors.ErrRateLimited)
		return
	}

	handler, ok := g.handlers[env.Event]
	if !ok {
		g.reportError(session, ref, apperrors.ErrUnknownEvent)
		return
	}
	if err := handler(ctx, session, env.Data, ref); err != nil {
		g.reportError(session, ref, err)
	}
}

// reportError отвечает только сессии, откуда пришло событие
func (g *gateway) reportError(session *hub.Session, ref *domain.MessageErrorData, err error) {
	ref.Code = apperrors.Code(err)
	ref.Retryable = apperrors.Retryable(err)
	ref.Reason = err.Error()

	switch ref.Code {
	case apperrors.CodePersistence:
		ref.Reason = apperrors.ErrPersistence.Error()
		g.log.Warn("Event failed on storage", "event", ref.Event, "session_id", session.ID, "error", err)
	case apperrors.CodeInternal:
		ref.Reason = apperrors.ErrInternalServer.Error()
		g.log.Error("Event failed", "event", ref.Event, "session_id", session.ID, "error", err)
	default:
		g.log.Debug("Event rejected", "event", ref.Event, "session_id", session.ID, "code", ref.Code, "error", err)
	}

	g.metrics.EventError(ref.Event, ref.Code)
	session.SendEvent(domain.NewEvent(domain.EventMessageError, ref))
}

func (g *gateway) handleAuthenticate(ctx context.Context, session *hub.Session, data json.RawMessage, ref *domain.MessageErrorData) error {
	return apperrors.ErrAlreadyAuthorized
}

func (g *gateway) roomKey(data json.RawMessage) (domain.RoomKey, error) {
	var payload domain.RoomPayload
	if err := g.bind(data, &payload); err != nil {
		return domain.RoomKey{}, err
	}
	return domain.ParseRoomKey(payload.RoomKey)
}

func (g *gateway) handleJoinRoom(ctx context.Context, session *hub.Session, data json.RawMessage, ref *domain.MessageErrorData) error {
	key, err := g.roomKey(data)
	if err != nil {
		return err
	}
	// подписку снимают при исключении из группы, так что повторный вход не проверяем
	if !g.registry.IsSubscribed(session.ID, key) {
		if err := g.groups.Authorize(ctx, session.UserID, key); err != nil {
			return err
		}
		g.registry.Join(session, key)
	}
	session.SendEvent(domain.NewEvent(domain.EventRoomJoined, domain.RoomData{RoomKey: key}))
	return nil
}

func (g *gateway) handleLeaveRoom(ctx context.Context, session *hub.Session, data json.RawMessage, ref *domain.MessageErrorData) error {
	key, err := g.roomKey(data)
	if err != nil {
		return err
	}
	g.registry.Leave(session.ID, key)
	session.SendEvent(domain.NewEvent(domain.EventRoomLeft, domain.RoomData{RoomKey: key}))
	return nil
}

func (g *gateway) handleSend(ctx context.Context, session *hub.Session, data json.RawMessage, ref *domain.MessageErrorData) error {
	var payload domain.SendPayload
	if err := g.decode(data, &payload); err != nil {
		return err
	}
	ref.ProvisionalID = payload.ProvisionalID
	if err := g.check(&payload); err != nil {
		return err
	}
	key, err := domain.ParseRoomKey(payload.RoomKey)
	if err != nil {
		return err
	}

	if g.sendLimit.Enabled {
		allowed, _ := g.rateLimit.CheckLimit(ctx, "send:"+session.UserID, g.sendLimit.Limit, g.sendLimit.Window)
		if !allowed {
			return apperrors.ErrRateLimited
		}
	}

	result, err := g.messages.Send(ctx, SendInput{
		SenderID:        session.UserID,
		OriginSessionID: session.ID,
		RoomKey:         key,
		Content:         payload.Content,
		Kind:            payload.Kind,
		ProvisionalID:   payload.ProvisionalID,
		ReplyToID:       payload.ReplyToID,
		File:            payload.File,
	})
	if apperrors.Is(err, apperrors.ErrSendInFlight) {
		// ack придет от попытки, которая сейчас пишет сообщение
		return nil
	}
	if err != nil {
		return err
	}
	if result.Duplicate {
		return nil
	}
	session.SendEvent(domain.NewEvent(domain.EventMessageAck, result.Ack()))
	return nil
}

func (g *gateway) handleReact(ctx context.Context, session *hub.Session, data json.RawMessage, ref *domain.MessageErrorData) error {
	var payload domain.ReactPayload
	if err := g.decode(data, &payload); err != nil {
		return err
	}
	ref.MessageID = payload.MessageID
	if err := g.check(&payload); err != nil {
		return err
	}
	_, err := g.messages.React(ctx, session.UserID, payload.MessageID, payload.Emoji)
	return err
}

func (g *gateway) handleTyping(typing bool) eventHandler {
	return func(ctx context.Context, session *hub.Session, data json.RawMessage, ref *domain.MessageErrorData) error {
		key, err := g.roomKey(data)
		if err != nil {
			return err
		}
		return g.messages.Typing(ctx, session.UserID, session.ID, key, typing)
	}
}

func (g *gateway) messageRef(data json.RawMessage, ref *domain.MessageErrorData) (string, error) {
	var payload domain.MessageRefPayload
	if err := g.decode(data, &payload); err != nil {
		return "", err
	}
	ref.MessageID = payload.MessageID
	if err := g.check(&payload); err != nil {
		return "", err
	}
	return payload.MessageID, nil
}

func (g *gateway) handleMarkRead(ctx context.Context, session *hub.Session, data json.RawMessage, ref *domain.MessageErrorData) error {
	id, err := g.messageRef(data, ref)
	if err != nil {
		return err
	}
	_, err = g.messages.MarkRead(ctx, session.UserID, id)
	return err
}

func (g *gateway) handleUnsend(ctx context.Context, session *hub.Session, data json.RawMessage, ref *domain.MessageErrorData) error {
	id, err := g.messageRef(data, ref)
	if err != nil {
		return err
	}
	_, err = g.messages.Unsend(ctx, session.UserID, id)
	return err
}

func (g *gateway) handleHideForMe(ctx context.Context, session *hub.Session, data json.RawMessage, ref *domain.MessageErrorData) error {
	id, err := g.messageRef(data, ref)
	if err != nil {
		return err
	}
	return g.messages.HideForMe(ctx, session.UserID, id)
}

func (g *gateway) handleRequestMissedMessages(ctx context.Context, session *hub.Session, data json.RawMessage, ref *domain.MessageErrorData) error {
	var payload domain.MissedMessagesPayload
	if err := g.bind(data, &payload); err != nil {
		return err
	}
	key, err := domain.ParseRoomKey(payload.RoomKey)
	if err != nil {
		return err
	}
	_, err = g.replay.Resume(ctx, session, key, payload.Since)
	return err
}
