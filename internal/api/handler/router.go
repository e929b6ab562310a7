package handler

import (
	"context"
	"net/http"
	"time"

	"dmchat/backend/internal/api/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// NewRouter mounts every route on a fresh gin engine.
func NewRouter(h *Handler, limiter *middleware.IPRateLimiter) *gin.Engine {
	if limiter == nil {
		limiter = middleware.NewIPRateLimiter(rate.Limit(h.Cfg.RateLimitRPS), h.Cfg.RateLimitBurst)
	}

	r := gin.New()
	r.Use(
		middleware.ErrorHandlerMiddleware(),
		middleware.LoggingMiddleware(),
		middleware.MetricsMiddleware(),
		middleware.CORSMiddleware(h.Cfg),
	)

	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	requireAuth := middleware.AuthMiddleware(h.Auth, false)

	authGroup := r.Group("/auth", middleware.RateLimitMiddleware(limiter))
	{
		authGroup.POST("/register", h.Register)
		authGroup.POST("/login", h.Login)
		authGroup.GET("/me", requireAuth, h.Me)
	}

	api := r.Group("/api/chat", requireAuth, middleware.RateLimitMiddleware(limiter))
	{
		api.POST("/room", h.ResolveRoom)
		api.GET("/rooms", h.ListRooms)
		api.POST("/rooms/group", h.CreateGroup)
		api.DELETE("/rooms/:roomId", h.DeleteRoom)
		api.GET("/messages/:roomId", h.ListMessages)
		api.POST("/messages", h.SendMessage)
		api.PUT("/messages/:messageId/read", h.MarkRead)
	}

	r.GET("/ws", middleware.AuthMiddleware(h.Auth, true), h.ServeWebSocket)

	return r
}

func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	db := "ok"
	if err := h.Store.Ping(ctx); err != nil {
		status = http.StatusServiceUnavailable
		db = "unavailable"
	}
	c.JSON(status, gin.H{
		"status":      db,
		"connections": h.Hub.ClientCount(),
	})
}
