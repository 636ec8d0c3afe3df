// Package database wires the pgx connection pool used by internal/catalogue,
// internal/ability, internal/rules, and internal/repository.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"cat-engine/internal/config"
	"cat-engine/internal/logger"
	"cat-engine/internal/metrics"
)

type DB struct {
	Pool *pgxpool.Pool

	stopMetrics chan struct{}
}

// NewConnection opens a pooled connection per cfg, pings once to fail fast,
// and starts a background goroutine reporting pool occupancy to metrics.
func NewConnection(cfg config.DatabaseConfig, log *logger.Logger) (*DB, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pc.MaxConns = cfg.MaxConns
	pc.MinConns = cfg.MinConns
	pc.MaxConnLifetime = cfg.MaxConnLifetime
	pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	pc.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(context.Background(), pc)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{Pool: pool, stopMetrics: make(chan struct{})}
	go db.collectMetrics()

	log.Info("database connection established")
	return db, nil
}

func (db *DB) Close() {
	if db.stopMetrics != nil {
		close(db.stopMetrics)
	}
	if db.Pool != nil {
		db.Pool.Close()
	}
}

func (db *DB) collectMetrics() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stat := db.Pool.Stat()
			metrics.SetActiveConnections(int(stat.TotalConns()))
		case <-db.stopMetrics:
			return
		}
	}
}
