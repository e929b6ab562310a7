// Package apitest runs the full HTTP stack over an in-memory database.
package apitest

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"dmchat/backend/internal/api/handler"
	"dmchat/backend/internal/auth"
	"dmchat/backend/internal/chat"
	"dmchat/backend/internal/chathub"
	"dmchat/backend/internal/config"
	"dmchat/backend/internal/logger"
	"dmchat/backend/internal/storage"
	"dmchat/backend/internal/storage/storagetest"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

var quietLogs sync.Once

type Server struct {
	*httptest.Server
	Store *storage.Service
	Hub   *chathub.ManagerService
	Subs  *chathub.Registry
	Chat  *chat.Service
	Auth  *auth.Service
	Cfg   *config.Config
}

// Config returns settings suitable for tests.
func Config() *config.Config {
	return &config.Config{
		Env:             "test",
		JWTSecret:       "test-secret",
		FrontendURL:     "http://localhost:3000",
		AllowedOrigins:  []string{"http://localhost:3000"},
		TokenTTL:        time.Hour,
		RequestTimeout:  5 * time.Second,
		FanoutBackend:   config.FanoutLocal,
		ClientBuffer:    64,
		DefaultPageSize: config.DefaultPageSize,
		MaxPageSize:     config.MaxPageSize,
		RateLimitRPS:    1000,
		RateLimitBurst:  1000,
	}
}

// NewServer starts the router with a local fanout hub. Everything is torn
// down with the test.
func NewServer(t testing.TB) *Server {
	t.Helper()
	quietLogs.Do(func() { logger.Init("test", "") })
	gin.SetMode(gin.TestMode)

	cfg := Config()
	store := storagetest.NewService(t)

	subs := chathub.NewRegistry()
	hub := chathub.NewManagerService(subs, nil)
	chatSvc := chat.NewService(store, hub, chat.Options{
		RequestTimeout:  cfg.RequestTimeout,
		DefaultPageSize: cfg.DefaultPageSize,
		MaxPageSize:     cfg.MaxPageSize,
	})
	hub.SetGateway(chatSvc)
	hub.SetPresence(store)
	authSvc := auth.NewService(store, auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL))

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	h := handler.NewHandler(chatSvc, hub, authSvc, store, cfg)
	srv := httptest.NewServer(handler.NewRouter(h, nil))

	t.Cleanup(func() {
		hub.Shutdown()
		cancel()
		srv.Close()
	})

	return &Server{Server: srv, Store: store, Hub: hub, Subs: subs, Chat: chatSvc, Auth: authSvc, Cfg: cfg}
}

// Register creates a user and returns its session.
func (s *Server) Register(t testing.TB, username string) *auth.Session {
	t.Helper()
	session, err := s.Auth.Register(context.Background(), username, username+"@example.com", "password1")
	require.NoError(t, err)
	return session
}

// WSURL is the push channel url for the server.
func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
}
