package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"realtime_chat/internal/service"
	apperrors "realtime_chat/pkg/errors"
	"realtime_chat/pkg/logger"
)

const ContextUserID = "user_id"

type AuthMiddleware struct {
	identity service.IdentityResolver
	log      logger.Logger
}

func NewAuthMiddleware(identity service.IdentityResolver, log logger.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		identity: identity,
		log:      log,
	}
}

func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortWithError(c, apperrors.NewAPIError("Authorization header required", http.StatusUnauthorized), apperrors.ErrUnauthorized)
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			abortWithError(c, apperrors.NewAPIError("Invalid authorization header format", http.StatusUnauthorized), apperrors.ErrUnauthorized)
			return
		}

		userID, err := m.identity.Resolve(c.Request.Context(), parts[1])
		if err != nil {
			m.log.Debug("Rejected token", "error", err, "path", c.FullPath())
			abortWithError(c, apperrors.NewAPIError("Invalid or expired token", http.StatusUnauthorized), err)
			return
		}

		c.Set(ContextUserID, userID)
		c.Next()
	}
}

// UserID достает пользователя, положенного RequireAuth
func UserID(c *gin.Context) (string, bool) {
	v, ok := c.Get(ContextUserID)
	if !ok {
		return "", false
	}
	userID, ok := v.(string)
	return userID, ok && userID != ""
}

func abortWithError(c *gin.Context, apiErr *apperrors.APIError, err error) {
	c.AbortWithStatusJSON(apperrors.HTTPStatusFromError(err), gin.H{
		"error": apiErr.Message,
		"code":  apperrors.Code(err),
	})
}
