package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"realtime_chat/internal/domain"
	"realtime_chat/internal/middleware"
	"realtime_chat/internal/service"
	apperrors "realtime_chat/pkg/errors"
	"realtime_chat/pkg/logger"
)

type ChatHandler struct {
	messages service.MessageService
	replay   service.ReplayService
	log      logger.Logger
}

func NewChatHandler(messages service.MessageService, replay service.ReplayService, log logger.Logger) *ChatHandler {
	return &ChatHandler{
		messages: messages,
		replay:   replay,
		log:      log,
	}
}

type SendMessageRequest struct {
	RoomKey       string             `json:"roomKey" binding:"required"`
	Content       string             `json:"content" binding:"max=10000"`
	Kind          domain.MessageKind `json:"kind" binding:"omitempty,oneof=text image video audio file"`
	ProvisionalID string             `json:"provisionalId" binding:"max=128"`
	ReplyToID     string             `json:"replyToId"`
	File          *domain.FileRef    `json:"file"`
}

type SendMessageResponse struct {
	domain.MessageAckData
	Duplicate bool            `json:"duplicate"`
	Message   *domain.Message `json:"message"`
}

type ReactRequest struct {
	Emoji string `json:"emoji" binding:"required,max=32"`
}

func currentUser(c *gin.Context) (string, bool) {
	userID, ok := middleware.UserID(c)
	if !ok {
		_ = c.Error(apperrors.ErrUnauthorized)
	}
	return userID, ok
}

func bindError(c *gin.Context, err error) {
	_ = c.Error(apperrors.Validation("invalid request body: %v", err))
}

// SendMessage - тот же путь отправки, что и у сокета. Повтор по provisionalId отдает 200 и duplicate.
func (h *ChatHandler) SendMessage(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	key, err := domain.ParseRoomKey(req.RoomKey)
	if err != nil {
		_ = c.Error(err)
		return
	}

	result, err := h.messages.Send(c.Request.Context(), service.SendInput{
		SenderID:      userID,
		RoomKey:       key,
		Content:       req.Content,
		Kind:          req.Kind,
		ProvisionalID: req.ProvisionalID,
		ReplyToID:     req.ReplyToID,
		File:          req.File,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, SendMessageResponse{
		MessageAckData: result.Ack(),
		Duplicate:      result.Duplicate,
		Message:        result.Message,
	})
}

func (h *ChatHandler) GetMessages(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	key, err := domain.ParseRoomKey(c.Param("roomKey"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	var since *time.Time
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			_ = c.Error(apperrors.Validation("since must be RFC3339"))
			return
		}
		since = &parsed
	}

	messages, err := h.replay.History(c.Request.Context(), userID, key, since)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"roomKey": key, "messages": messages})
}

func (h *ChatHandler) React(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req ReactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	change, err := h.messages.React(c.Request.Context(), userID, c.Param("id"), req.Emoji)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, change)
}

func (h *ChatHandler) MarkRead(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	update, err := h.messages.MarkRead(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	if update == nil {
		// статус уже был seen или сообщение удалено
		c.JSON(http.StatusOK, gin.H{"messageId": c.Param("id"), "changed": false})
		return
	}

	c.JSON(http.StatusOK, gin.H{"messageId": update.MessageID, "status": update.Status, "changed": true})
}

func (h *ChatHandler) Unsend(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	message, err := h.messages.Unsend(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, message)
}

func (h *ChatHandler) Hide(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	if err := h.messages.HideForMe(c.Request.Context(), userID, c.Param("id")); err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"messageId": c.Param("id"), "hidden": true})
}
