package handler

import (
	"net/http"

	"dmchat/backend/internal/api/middleware"
	"dmchat/backend/internal/chathub"
	"dmchat/backend/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func (h *Handler) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return h.Cfg.OriginAllowed(r.Header.Get("Origin"))
		},
	}
}

// ServeWebSocket upgrades an authenticated request to the push channel.
func (h *Handler) ServeWebSocket(c *gin.Context) {
	userID := middleware.UserID(c)

	conn, err := h.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the error response
		logger.Warn().Err(err).Str("user_id", userID).Msg("websocket upgrade failed")
		return
	}

	client := chathub.NewWebSocketClient(h.Hub, conn, userID, h.Cfg.ClientBuffer)
	h.Hub.Register(client)
	client.Run()
}
