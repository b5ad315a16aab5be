// Package app wires the storage and resilience substrate together: logger,
// redis cache facade, mongo document store behind its breaker, pending write
// queue, answer batcher, recovery worker, session recovery service, event
// hub, and the ops HTTP server.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rtquiz/quizcore/internal/alert"
	"github.com/rtquiz/quizcore/internal/batcher"
	"github.com/rtquiz/quizcore/internal/breaker"
	"github.com/rtquiz/quizcore/internal/cache"
	"github.com/rtquiz/quizcore/internal/config"
	"github.com/rtquiz/quizcore/internal/hub"
	"github.com/rtquiz/quizcore/internal/metrics"
	"github.com/rtquiz/quizcore/internal/quiz"
	"github.com/rtquiz/quizcore/internal/recovery"
	"github.com/rtquiz/quizcore/internal/store"
	"github.com/rtquiz/quizcore/internal/web"
)

// NewLogger builds the process logger at the configured level.
func NewLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// Run constructs every component from cfg and blocks until ctx is cancelled,
// then shuts everything down in dependency order.
func Run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	m := metrics.New()
	alerts := alert.New(logger)

	// Cache tier.
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	cacheFacade := cache.New(client, logger, alerts, m)
	cacheFacade.StartSweeper()

	// Durable tier.
	connectCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.MongoConnectTimeout)*time.Second+5*time.Second)
	mongo, err := store.Connect(connectCtx, cfg.MongoURI, cfg.MongoDatabase,
		time.Duration(cfg.MongoConnectTimeout)*time.Second,
		time.Duration(cfg.MongoSocketTimeout)*time.Second)
	cancel()
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := mongo.Disconnect(shutdownCtx); err != nil {
			logger.Warn("mongo disconnect failed", zap.Error(err))
		}
	}()

	if err := mongo.EnsureIndexes(ctx); err != nil {
		logger.Warn("failed to ensure indexes", zap.Error(err))
	}

	pending := store.NewPendingQueue(cacheFacade, m)

	storeFacade := store.New(mongo, pending, logger, m,
		breaker.WithTuning(cfg.BreakerThreshold, time.Duration(cfg.BreakerResetSec)*time.Second))

	// Answer write path.
	bt := batcher.New(storeFacade, logger, alerts, m, batcher.Config{
		BatchSize:     cfg.BatchSize,
		FlushInterval: time.Duration(cfg.FlushIntervalMs) * time.Millisecond,
		MaxRetries:    cfg.BatchMaxRetries,
	})
	bt.Start()

	// Outage recovery.
	worker := recovery.New(mongo, pending, logger, alerts, m, recovery.Config{
		CheckInterval: time.Duration(cfg.RecoveryCheckSec) * time.Second,
		BatchSize:     cfg.RecoveryBatchSize,
	})
	worker.Start(ctx)

	recoveryService := quiz.NewRecoveryService(cacheFacade, storeFacade, logger, m)

	// Event fan-out: degraded-mode alerts are published so connected
	// transports can tell participants the platform is limping.
	eventHub := hub.New()
	unregister := alerts.Register(func(a alert.Alert) {
		if a.Level == alert.Info {
			return
		}
		eventHub.Publish(hub.Event{
			Type:      hub.EventDegraded,
			SessionID: "_system",
			Payload: map[string]any{
				"level":     string(a.Level),
				"component": a.Component,
				"message":   a.Message,
			},
		})
	})
	defer unregister()

	server := web.New(cfg.OpsPort, logger, m, web.Components{
		Store:    storeFacade,
		Cache:    cacheFacade,
		Pending:  pending,
		Batcher:  bt,
		Recovery: worker,
		Quiz:     recoveryService,
		Hub:      eventHub,
	})
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	logger.Info("quizcore started",
		zap.String("version", config.Version),
		zap.Int("opsPort", cfg.OpsPort))

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("ops server: %w", err)
		}
	}

	logger.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ops server shutdown failed", zap.Error(err))
	}

	// Drain in dependency order: buffered answers first, then stop the
	// replay worker, then the cache sweeper and connections.
	bt.Stop(shutdownCtx)
	worker.Stop()
	cacheFacade.StopSweeper()
	if err := cacheFacade.Close(); err != nil {
		logger.Warn("cache close failed", zap.Error(err))
	}

	return nil
}
