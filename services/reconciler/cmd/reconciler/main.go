package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"sophiasocial/internal/util"
	"sophiasocial/pkg/club"
	"sophiasocial/pkg/domain"
	"sophiasocial/pkg/queue"
	"sophiasocial/pkg/store"
	"sophiasocial/services/reconciler/internal/config"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dataStore, err := store.Open(ctx, store.Options{
		Backend:       cfg.Backend,
		DataDir:       cfg.DataDir,
		MongoURI:      cfg.MongoURI,
		MongoDatabase: cfg.MongoDatabase,
		DatabaseURL:   cfg.DatabaseURL,
		Logger:        logger,
	})
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer dataStore.Close(context.Background())

	q, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Addr:       cfg.RedisAddr,
		Password:   cfg.RedisPassword,
		Stream:     cfg.DriftStream,
		Group:      cfg.ConsumerGroup,
		MaxRetries: cfg.MaxRetries,
		Logger:     logger,
	})
	if err != nil {
		log.Fatalf("failed to init drift queue: %v", err)
	}
	defer q.Close()

	reconciler := club.NewReconciler(
		dataStore.Collection(domain.EntityClubs.String()),
		dataStore.Collection(domain.EntityUsers.String()),
		logger,
	)
	q.Start(ctx, cfg.Concurrency, reconciler.HandleJob)
	logger.Info("reconciler started", "stream", cfg.DriftStream, "backend", dataStore.Backend(), "concurrency", cfg.Concurrency)

	<-ctx.Done()
	logger.Info("reconciler stopping")
}
