package middleware

import (
	"github.com/gin-gonic/gin"
	"realtime_chat/pkg/errors"
	"realtime_chat/pkg/logger"
)

// ErrorHandler превращает ошибку, положенную обработчиком через c.Error, в JSON-ответ
func ErrorHandler(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Проверяем есть ли ошибки
		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err

		statusCode := errors.HTTPStatusFromError(err)
		message := err.Error()
		switch errors.Code(err) {
		case errors.CodeInternal:
			log.Error("Request failed", "error", err, "path", c.FullPath())
			message = errors.ErrInternalServer.Error()
		case errors.CodePersistence:
			log.Warn("Request failed on storage", "error", err, "path", c.FullPath())
			message = errors.ErrPersistence.Error()
		}

		c.JSON(statusCode, gin.H{
			"error":     message,
			"code":      errors.Code(err),
			"retryable": errors.Retryable(err),
		})
	}
}
