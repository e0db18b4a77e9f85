// Package storage is the PostgreSQL system of record for entities, runs and
// approval decisions.
//
// Queries go through a pgxpool. An optional dedicated connection, opened
// directly against Postgres, carries LISTEN/NOTIFY so dashboards can follow
// run completions without polling.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a pgxpool.Pool for queries and an optional pgx.Conn for LISTEN.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	retry  RetryPolicy

	// Notify state. After New only the listening goroutine touches it.
	notifyDSN  string
	notifyConn *pgx.Conn
	listening  []string
}

// New connects to poolDSN and, when notifyDSN is set, opens the listen connection.
func New(ctx context.Context, poolDSN, notifyDSN string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(poolDSN)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 30 * time.Second
	if poolCfg.ConnConfig.RuntimeParams["application_name"] == "" {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = "atelier"
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	db := &DB{
		pool:      pool,
		logger:    logger.With("component", "storage"),
		retry:     DefaultRetryPolicy,
		notifyDSN: notifyDSN,
	}
	if notifyDSN != "" {
		if db.notifyConn, err = pgx.Connect(ctx, notifyDSN); err != nil {
			pool.Close()
			return nil, fmt.Errorf("storage: connect notify: %w", err)
		}
	}
	return db, nil
}

// Pool returns the underlying connection pool.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// HasNotifyConn reports whether LISTEN/NOTIFY is configured.
func (db *DB) HasNotifyConn() bool {
	return db.notifyDSN != ""
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the pool and the notify connection.
func (db *DB) Close(ctx context.Context) {
	db.pool.Close()
	if db.notifyConn != nil {
		if err := db.notifyConn.Close(ctx); err != nil {
			db.logger.Warn("storage: close notify connection", "error", err)
		}
	}
}
