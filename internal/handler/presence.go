package handler

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"realtime_chat/internal/hub"
)

type PresenceHandler struct {
	presence *hub.Presence
}

func NewPresenceHandler(presence *hub.Presence) *PresenceHandler {
	return &PresenceHandler{presence: presence}
}

func (h *PresenceHandler) Online(c *gin.Context) {
	online := h.presence.Online()
	sort.Strings(online)

	c.JSON(http.StatusOK, gin.H{
		"userIds":  online,
		"sessions": h.presence.SessionCount(),
	})
}
