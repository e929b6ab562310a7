package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"dmchat/backend/internal/api/handler"
	"dmchat/backend/internal/api/middleware"
	"dmchat/backend/internal/auth"
	"dmchat/backend/internal/chat"
	"dmchat/backend/internal/chathub"
	"dmchat/backend/internal/config"
	"dmchat/backend/internal/logger"
	"dmchat/backend/internal/storage"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

func setupDependencies(cfg *config.Config) *gorm.DB {
	db, err := storage.OpenPostgres(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect PostgreSQL")
	}
	if err := storage.Migrate(db); err != nil {
		logger.Fatal().Err(err).Msg("failed to run migrations")
	}
	logger.Info().Msg("database connected, migrations complete")
	return db
}

func setupBroker(ctx context.Context, cfg *config.Config, db *gorm.DB) chathub.Broker {
	switch cfg.FanoutBackend {
	case config.FanoutRedis:
		broker, err := chathub.NewRedisBroker(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect Redis")
		}
		return broker
	case config.FanoutPostgres:
		return chathub.NewPGBroker(db, cfg.DatabaseURL)
	default:
		return nil
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	logger.Init(cfg.Env, cfg.LogLevel)
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	logger.Info().Str("env", cfg.Env).Str("fanout", cfg.FanoutBackend).Msg("starting dmchat backend")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db := setupDependencies(cfg)
	store := storage.NewStorageService(db)

	broker := setupBroker(ctx, cfg, db)
	hub := chathub.NewManagerService(chathub.NewRegistry(), broker)
	chatSvc := chat.NewService(store, hub, chat.Options{
		RequestTimeout:  cfg.RequestTimeout,
		DefaultPageSize: cfg.DefaultPageSize,
		MaxPageSize:     cfg.MaxPageSize,
	})
	hub.SetGateway(chatSvc)
	hub.SetPresence(store)
	authSvc := auth.NewService(store, auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL))

	go hub.Run(ctx)

	limiter := middleware.NewIPRateLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	go limiter.Cleanup(ctx.Done())

	h := handler.NewHandler(chatSvc, hub, authSvc, store, cfg)
	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler.NewRouter(h, limiter),
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		logger.Info().Str("addr", server.Addr).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	hub.Shutdown()
	if broker != nil {
		if err := broker.Close(); err != nil {
			logger.Warn().Err(err).Msg("broker close")
		}
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
