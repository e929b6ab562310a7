package handler

import (
	"strconv"

	"dmchat/backend/internal/apperr"
	"dmchat/backend/internal/auth"
	"dmchat/backend/internal/chat"
	"dmchat/backend/internal/chathub"
	"dmchat/backend/internal/config"
	"dmchat/backend/internal/storage"

	"github.com/gin-gonic/gin"
)

// Handler holds what the HTTP and websocket endpoints need.
type Handler struct {
	Chat  *chat.Service
	Hub   *chathub.ManagerService
	Auth  *auth.Service
	Store storage.Storage
	Cfg   *config.Config
}

func NewHandler(chatSvc *chat.Service, hub *chathub.ManagerService, authSvc *auth.Service, store storage.Storage, cfg *config.Config) *Handler {
	return &Handler{Chat: chatSvc, Hub: hub, Auth: authSvc, Store: store, Cfg: cfg}
}

// queryInt returns def when the parameter is absent.
func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw, ok := c.GetQuery(key)
	if !ok || raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.InvalidArgument("Invalid " + key)
	}
	return n, nil
}
