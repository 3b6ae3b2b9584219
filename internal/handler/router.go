package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"realtime_chat/internal/config"
	"realtime_chat/internal/middleware"
	"realtime_chat/pkg/logger"
)

func NewRouter(
	handlers *Handlers,
	authMiddleware *middleware.AuthMiddleware,
	rateLimitMiddleware *middleware.RateLimitMiddleware,
	metricsHandler http.Handler,
	cfg *config.Config,
	log logger.Logger,
) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CORS(cfg.Server.AllowedOrigins))
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.ErrorHandler(log))

	router.GET("/health", handlers.Health.Check)
	router.GET("/ready", handlers.Health.Ready)
	if metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(metricsHandler))
	}

	// Сокет: токен проверяется внутри, до или сразу после апгрейда
	router.GET("/ws", handlers.WebSocket.Serve)

	v1 := router.Group("/api/v1")
	protected := v1.Group("")
	protected.Use(authMiddleware.RequireAuth())
	if cfg.RateLimit.Enabled {
		protected.Use(rateLimitMiddleware.Limit())
	}
	{
		protected.POST("/messages", handlers.Chat.SendMessage)
		protected.POST("/messages/:id/reactions", handlers.Chat.React)
		protected.POST("/messages/:id/read", handlers.Chat.MarkRead)
		protected.PUT("/messages/:id/unsend", handlers.Chat.Unsend)
		protected.POST("/messages/:id/hide", handlers.Chat.Hide)

		protected.GET("/rooms/:roomKey/messages", handlers.Chat.GetMessages)
		protected.GET("/rooms/:roomKey/audit", handlers.Audit.RoomLog)

		protected.GET("/presence/online", handlers.Presence.Online)
	}

	// Вход для сервиса групп
	internal := router.Group("/internal")
	internal.Use(middleware.RequireInternalToken(cfg.Internal.Token))
	{
		internal.POST("/groups/events", handlers.GroupEvents.Apply)
	}

	return router
}
