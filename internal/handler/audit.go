package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"realtime_chat/internal/domain"
	"realtime_chat/internal/service"
	apperrors "realtime_chat/pkg/errors"
	"realtime_chat/pkg/logger"
)

const maxAuditLimit = 200

type AuditHandler struct {
	audit  service.AuditService
	groups service.GroupService
	log    logger.Logger
}

func NewAuditHandler(audit service.AuditService, groups service.GroupService, log logger.Logger) *AuditHandler {
	return &AuditHandler{
		audit:  audit,
		groups: groups,
		log:    log,
	}
}

// RoomLog отдает журнал комнаты. Журнал группы видят только админ и соадмины.
func (h *AuditHandler) RoomLog(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	key, err := domain.ParseRoomKey(c.Param("roomKey"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > maxAuditLimit {
		limit = 50
	}

	ctx := c.Request.Context()
	if err := h.groups.Authorize(ctx, userID, key); err != nil {
		_ = c.Error(err)
		return
	}
	if key.IsGroup() {
		snapshot, err := h.groups.Snapshot(ctx, key.GroupID())
		if err != nil {
			_ = c.Error(err)
			return
		}
		if !snapshot.IsModerator(userID) {
			_ = c.Error(apperrors.Forbidden("audit log is available to group admins only"))
			return
		}
	}

	entries, err := h.audit.RoomLog(ctx, key, limit)
	if err != nil {
		_ = c.Error(apperrors.Persistence("load audit log", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"roomKey": key, "entries": entries})
}
