package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"realtime_chat/pkg/errors"
)

const HeaderInternalToken = "X-Internal-Token"

// RequireInternalToken закрывает служебные маршруты. Пустой токен в конфиге закрывает их полностью.
func RequireInternalToken(token string) gin.HandlerFunc {
	expected := []byte(token)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader(HeaderInternalToken))
		if len(expected) == 0 || subtle.ConstantTimeCompare(got, expected) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid internal token",
				"code":  errors.CodeUnauthorized,
			})
			return
		}
		c.Next()
	}
}
