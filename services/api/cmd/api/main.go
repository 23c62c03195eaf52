package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sophiasocial/internal/util"
	"sophiasocial/pkg/store"
	"sophiasocial/services/api/internal/app"
	"sophiasocial/services/api/internal/config"
	"sophiasocial/services/api/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	sessionTTL, err := config.ParseSessionTTL(cfg.SessionTTL)
	if err != nil {
		log.Fatalf("failed to parse session TTL: %v", err)
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)
	ctx := context.Background()

	appCore, err := app.New(ctx, app.Config{
		StoreOptions: store.Options{
			Backend:       cfg.Backend,
			DataDir:       cfg.DataDir,
			MongoURI:      cfg.MongoURI,
			MongoDatabase: cfg.MongoDatabase,
			DatabaseURL:   cfg.DatabaseURL,
		},
		RedisAddr:         cfg.RedisAddr,
		RedisPassword:     cfg.RedisPassword,
		JWTSecret:         cfg.JWTSecret,
		JWTIssuer:         cfg.JWTIssuer,
		JWTAudience:       cfg.JWTAudience,
		SessionTTL:        sessionTTL,
		DriftQueueEnabled: cfg.DriftQueueEnabled,
		DriftStream:       cfg.DriftStream,
		Logger:            logger,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:                     appCore,
		RedisAddr:               cfg.RedisAddr,
		RedisPassword:           cfg.RedisPassword,
		LoginRateLimitPerMinute: cfg.LoginRateLimitPerMinute,
		TrustedProxies:          trusted,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	counts, err := appCore.Counts(ctx)
	if err != nil {
		logger.Warn("count collections failed", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "err", err)
		}
	}()

	logger.Info("api server listening",
		"addr", addr,
		"backend", appCore.Backend(),
		"users", counts["users"],
		"clubs", counts["clubs"],
		"books", counts["books"],
		"movies", counts["movies"],
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
	_ = httpServer.Close()
	if err := appCore.Close(context.Background()); err != nil {
		logger.Error("close app", "err", err)
	}
}
