package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"cat-engine/internal/cache"
	"cat-engine/internal/catalogue"
	"cat-engine/internal/config"
	"cat-engine/internal/database"
	"cat-engine/internal/events"
	"cat-engine/internal/httpapi"
	"cat-engine/internal/logger"
	"cat-engine/internal/repository"
	"cat-engine/internal/rules"
	"cat-engine/internal/session"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Logging)

	log.Info("starting cat-engine")

	db, err := database.NewConnection(cfg.Database, log)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to database")
	}
	defer db.Pool.Close()

	redisClient, err := cache.NewRedisClient(cfg.Redis.URL, cfg.Redis.DB, cfg.Redis.MaxRetries, cfg.Redis.PoolSize)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to redis")
	}
	defer redisClient.Close()

	var publisher events.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = events.NewKafkaEventPublisher(cfg.Kafka, log)
	} else {
		log.Warn("no kafka brokers configured, session lifecycle events will not be published")
		publisher = events.NewNoOpEventPublisher()
	}
	defer publisher.Close()

	sessionRepo := repository.NewSessionRepository(db.Pool)
	ctrl := session.New(db.Pool, sessionRepo, redisClient, cfg.Redis.AbilityTTL, cfg.Redis.RuleCacheTTL, publisher, log, cfg.IRT.PriorVariance)

	router := httpapi.NewRouter(ctrl, log)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.HTTPPort,
		Handler: router,
	}

	go func() {
		log.WithField("port", cfg.Server.HTTPPort).Info("starting http server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	shutdownCtx, stopRefresher := context.WithCancel(context.Background())
	go runRuleCacheRefresher(shutdownCtx, db.Pool, redisClient, cfg.Redis.RuleCacheTTL, cfg.Redis.RuleCacheRefresh, log)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	stopRefresher()

	log.Info("shutting down cat-engine")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("error during http server shutdown")
	}

	log.Info("cat-engine stopped")
}

// runRuleCacheRefresher keeps the active rule set warm in cache on a fixed
// interval, independent of request traffic, so a rule evaluation rarely
// pays for a cold cache read from Postgres. It runs until ctx is canceled.
func runRuleCacheRefresher(ctx context.Context, pool *pgxpool.Pool, cacheClient cache.Interface, ttl, interval time.Duration, log *logger.Logger) {
	evaluator := rules.NewCached(pool, catalogue.New(pool), log, cacheClient, ttl)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := evaluator.RefreshCache(ctx); err != nil {
		log.WithError(err).Warn("initial rule cache refresh failed")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := evaluator.RefreshCache(ctx); err != nil {
				log.WithError(err).Warn("rule cache refresh failed")
			}
		}
	}
}
