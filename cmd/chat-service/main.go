package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ayemish/kindnessconnect/internal/app"
	"github.com/ayemish/kindnessconnect/internal/client"
	"github.com/ayemish/kindnessconnect/internal/config"
	"github.com/ayemish/kindnessconnect/internal/handler"
	"github.com/ayemish/kindnessconnect/internal/hub"
	"github.com/ayemish/kindnessconnect/internal/identity"
	"github.com/ayemish/kindnessconnect/internal/inbox"
	"github.com/ayemish/kindnessconnect/internal/lookup"
	"github.com/ayemish/kindnessconnect/internal/room"
	"github.com/ayemish/kindnessconnect/pkg/jwt"
	pkglog "github.com/ayemish/kindnessconnect/pkg/log"
	"github.com/ayemish/kindnessconnect/pkg/middleware"
)

func main() {
	// Load configuration
	cfg, err := config.LoadWatched(func(next *config.Config) {
		pkglog.SetLevel(next.Log.Level)
		l := pkglog.L()
		l.Info().Str("level", next.Log.Level).Msg("config reloaded")
	})
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}

	// Initialize structured logger
	pkglog.Init(pkglog.Config{
		Level:       cfg.Log.Level,
		Pretty:      cfg.Log.Pretty,
		ServiceName: "chat-service",
	})
	logger := pkglog.L()

	// Token validation
	tokens, err := jwt.NewManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenLifetime)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create token manager")
	}

	// Platform REST API
	api := client.NewAPIClient(cfg.API)
	logger.Info().Str("base_url", cfg.API.BaseURL).Msg("api client configured")

	// Realtime store
	st, closeStore, err := app.OpenStore(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer closeStore()

	// Lookup cache
	lookupCache, err := app.OpenCache(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer lookupCache.Close()

	// Services
	resolver := lookup.NewResolver(api, st, lookupCache, cfg.Cache.TTL, lookup.WithFetchTimeout(cfg.API.Timeout))
	sessions := identity.NewProvider(tokens, api, cfg.Auth.RequireVerified)
	aggregator := inbox.NewAggregator(st, resolver, cfg.Inbox.Concurrency)
	rooms := room.NewService(st, st, resolver)

	wsHub := hub.NewHub()
	go wsHub.Run()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cleanupRevocations(ctx, tokens, cfg.Auth.TokenLifetime)

	// Handlers
	authMiddleware := middleware.NewAuthMiddleware(sessions)
	httpHandler := handler.NewHandler(aggregator, rooms, api, sessions, wsHub, authMiddleware)
	wsHandler := handler.NewWSHandler(wsHub, aggregator, rooms, sessions, cfg.WebSocket)

	// Setup Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(pkglog.GinMiddleware(logger))
	httpHandler.RegisterRoutes(r)
	wsHandler.RegisterRoutes(r)

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", server.Addr).Str("store", cfg.Store.Driver).Msg("chat-service starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down chat-service")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("server forced to shutdown")
	}
	wsHub.Shutdown()

	logger.Info().Msg("chat-service stopped")
}

// cleanupRevocations drops revocations that can no longer match a live token.
func cleanupRevocations(ctx context.Context, tokens *jwt.Manager, every time.Duration) {
	if every <= 0 {
		every = time.Hour
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tokens.CleanupExpiredRevocations()
		}
	}
}
