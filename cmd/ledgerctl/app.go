package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"ledger-service/internal/config"
	"ledger-service/internal/repository"
	"ledger-service/internal/services"
)

// app holds the services a command needs, without the HTTP layer
type app struct {
	cfg    *config.Config
	repo   *repository.Repository
	redis  *redis.Client
	rates  *services.ExchangeRateService
	ledger *services.LedgerService
	recon  *services.ReconciliationService
	logger *logrus.Logger
}

func newApp(v *viper.Viper) (*app, error) {
	cfg := config.Load()
	if dsn := v.GetString("database-url"); dsn != "" {
		cfg.DatabaseURL = dsn
	}
	if redisURL := v.GetString("redis-url"); redisURL != "" {
		cfg.RedisURL = redisURL
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.WarnLevel)

	db, err := config.InitDB(cfg)
	if err != nil {
		return nil, err
	}
	repo := repository.NewRepository(db, repository.WithSerializableWrites(cfg.SerializableWrites))

	a := &app{cfg: cfg, repo: repo, logger: logger}

	var locker services.QuoteLocker = services.NewLocalQuoteLocker()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		client := redis.NewClient(opts)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis unavailable: %w", err)
		}
		a.redis = client
		locker = services.NewRedisQuoteLocker(client, cfg.QuoteLockTTL, cfg.QuoteLockWait)
	}

	a.rates = services.NewExchangeRateService(repo, a.redis, cfg.RateCacheTTL, logger)
	projector := services.NewPaymentStatusProjector(cfg.PaymentStatusTolerance)
	a.ledger = services.NewLedgerService(repo, projector, a.rates, nil, nil, logger)
	a.recon = services.NewReconciliationService(repo, a.ledger, locker, cfg.MatchPolicy(), nil, logger)
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if sqlDB, err := a.repo.DB().DB(); err == nil {
		_ = sqlDB.Close()
	}
}
