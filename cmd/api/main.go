package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"planwise/api/internal/app"
	"planwise/api/internal/config"
	"planwise/api/internal/convo"
	"planwise/api/internal/promptguard"
	"planwise/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}
	dataStore := store.NewPostgresStore(db)

	redisStore, err := convo.NewRedisStore(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis connection failed", zap.Error(err))
	}
	defer redisStore.Close()

	// One manager per process; a second instance would hold separate buffers.
	convos := convo.NewManager(redisStore, cfg.ConversationCap, logger)

	guard := promptguard.NewDefault()
	if strings.TrimSpace(cfg.PromptRulesPath) != "" {
		rules, err := promptguard.LoadRules(cfg.PromptRulesPath)
		if err != nil {
			logger.Fatal("prompt rules load failed", zap.String("path", cfg.PromptRulesPath), zap.Error(err))
		}
		guard, err = promptguard.New(rules)
		if err != nil {
			logger.Fatal("prompt rules compile failed", zap.String("path", cfg.PromptRulesPath), zap.Error(err))
		}
		logger.Info("loaded prompt security rules", zap.String("version", guard.Version()))
	}

	service := app.New(cfg, dataStore, convos, guard, logger)
	if err := service.Ping(ctx); err != nil {
		logger.Warn("storage ping failed at startup", zap.Error(err))
	}

	flushCtx, stopFlush := context.WithCancel(ctx)
	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		ticker := time.NewTicker(cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-flushCtx.Done():
				return
			case <-ticker.C:
				if err := convos.FlushAll(flushCtx); err != nil {
					logger.Warn("conversation flush cycle failed", zap.Error(err))
				}
			}
		}
	}()

	logger.Info("planwise engine ready", zap.String("addr", cfg.Addr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	stopFlush()
	<-flushDone

	// Drain remaining buffered turns before exit.
	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := convos.FlushAll(drainCtx); err != nil {
		logger.Error("shutdown drain failed", zap.Error(err))
	}
}
