package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"realtime_chat/internal/domain"
	"realtime_chat/internal/events"
	apperrors "realtime_chat/pkg/errors"
	"realtime_chat/pkg/logger"
)

// GroupEventsHandler - HTTP-вход для событий членства, если брокер не настроен
type GroupEventsHandler struct {
	consumer *events.MembershipConsumer
	log      logger.Logger
}

func NewGroupEventsHandler(consumer *events.MembershipConsumer, log logger.Logger) *GroupEventsHandler {
	return &GroupEventsHandler{
		consumer: consumer,
		log:      log,
	}
}

func (h *GroupEventsHandler) Apply(c *gin.Context) {
	var event domain.MembershipEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		_ = c.Error(apperrors.Validation("invalid membership event: %v", err))
		return
	}

	if err := h.consumer.Apply(c.Request.Context(), event); err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"type": event.Type, "groupId": event.GroupID})
}
