package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"realtime_chat/internal/config"
	"realtime_chat/internal/hub"
	"realtime_chat/internal/middleware"
	"realtime_chat/internal/service"
	apperrors "realtime_chat/pkg/errors"
	"realtime_chat/pkg/logger"
)

// CloseUnauthorized - код закрытия для соединения без валидного токена
const CloseUnauthorized = 4401

type WebSocketHandler struct {
	gateway  service.Gateway
	identity service.IdentityResolver
	upgrader websocket.Upgrader
	cfg      config.GatewayConfig
	log      logger.Logger
}

func NewWebSocketHandler(gateway service.Gateway, identity service.IdentityResolver, cfg config.GatewayConfig, allowedOrigins []string, log logger.Logger) *WebSocketHandler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[strings.TrimRight(origin, "/")] = struct{}{}
	}

	return &WebSocketHandler{
		gateway:  gateway,
		identity: identity,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// не браузерные клиенты Origin не шлют
				return origin == "" || middleware.OriginAllowed(allowed, origin)
			},
		},
		cfg: cfg,
		log: log,
	}
}

func credentialFrom(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		return header
	}
	return c.Query("token")
}

// Serve поднимает сокет. Токен берется из заголовка, из ?token= или из первого кадра authenticate.
func (h *WebSocketHandler) Serve(c *gin.Context) {
	ctx := c.Request.Context()

	var userID string
	if credential := credentialFrom(c); credential != "" {
		resolved, err := h.identity.Resolve(ctx, credential)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token", "code": apperrors.CodeUnauthorized})
			return
		}
		userID = resolved
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("Failed to upgrade connection", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(h.cfg.MaxMessageBytes)

	if userID == "" {
		userID, err = h.authenticate(ctx, conn)
		if err != nil {
			h.log.Debug("Socket authentication failed", "error", err, "remote", conn.RemoteAddr().String())
			deadline := time.Now().Add(h.cfg.WriteWait)
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(CloseUnauthorized, "unauthorized"), deadline)
			return
		}
	}

	session := hub.NewSession(uuid.NewString(), userID,
		hub.WithOutboxSize(h.cfg.OutboxSize),
		hub.WithRateLimit(h.cfg.EventsPerSecond, h.cfg.EventBurst),
	)
	h.gateway.Connect(ctx, session)

	go h.writePump(conn, session)
	h.readPump(ctx, conn, session)

	h.gateway.Disconnect(session)
}

func (h *WebSocketHandler) authenticate(ctx context.Context, conn *websocket.Conn) (string, error) {
	if err := conn.SetReadDeadline(time.Now().Add(h.cfg.AuthTimeout)); err != nil {
		return "", err
	}
	_, frame, err := conn.ReadMessage()
	if err != nil {
		return "", apperrors.ErrUnauthorized
	}
	return h.gateway.Authenticate(ctx, frame)
}

// readPump - единственный читатель соединения. Кадры сессии обрабатываются строго по одному.
func (h *WebSocketHandler) readPump(ctx context.Context, conn *websocket.Conn, session *hub.Session) {
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		messageType, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.log.Debug("Socket read failed", "error", err, "session_id", session.ID)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		h.gateway.Handle(ctx, session, frame)
	}
}

// writePump отправляет очередь сессии и пинги. Закрытие сессии закрывает и сокет.
func (h *WebSocketHandler) writePump(conn *websocket.Conn, session *hub.Session) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame := <-session.Outbox():
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.log.Debug("Socket write failed", "error", err, "session_id", session.ID)
				session.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				session.Close()
				return
			}
		case <-session.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(h.cfg.WriteWait))
			return
		}
	}
}
