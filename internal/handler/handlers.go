package handler

import (
	"realtime_chat/internal/config"
	"realtime_chat/internal/events"
	"realtime_chat/internal/hub"
	"realtime_chat/internal/service"
	"realtime_chat/pkg/logger"
)

type Handlers struct {
	Health      *HealthHandler
	Chat        *ChatHandler
	Presence    *PresenceHandler
	GroupEvents *GroupEventsHandler
	Audit       *AuditHandler
	WebSocket   *WebSocketHandler
}

func NewHandlers(services *service.Services, presence *hub.Presence, consumer *events.MembershipConsumer, checks map[string]Pinger, cfg *config.Config, log logger.Logger) *Handlers {
	return &Handlers{
		Health:      NewHealthHandler(checks, log),
		Chat:        NewChatHandler(services.Messages, services.Replay, log),
		Presence:    NewPresenceHandler(presence),
		GroupEvents: NewGroupEventsHandler(consumer, log),
		Audit:       NewAuditHandler(services.Audit, services.Groups, log),
		WebSocket:   NewWebSocketHandler(services.Gateway, services.Identity, cfg.Gateway, cfg.Server.AllowedOrigins, log),
	}
}
