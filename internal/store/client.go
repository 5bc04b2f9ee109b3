// Package store is the persistent layer: Postgres with pgvector columns
// over episodic turns, document chunks, structured facts, procedural
// workflows and lessons, plus the durable extraction queue.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Config holds database configuration.
type Config struct {
	DatabaseURL     string
	MaxConnections  int
	IdleConnections int
	ConnMaxLifetime time.Duration
}

// Client manages database connections and typed operations.
type Client struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewClient opens the connection pool and verifies connectivity.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 25
	}
	if cfg.IdleConnections == 0 {
		cfg.IdleConnections = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	db, err := sqlx.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.IdleConnections)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}

	logger.Info("Database client initialized",
		zap.Int("max_connections", cfg.MaxConnections),
	)
	return &Client{db: db, logger: logger}, nil
}

// NewClientFromDB wraps an existing connection; used by tests.
func NewClientFromDB(db *sql.DB, logger *zap.Logger) *Client {
	return &Client{db: sqlx.NewDb(db, "postgres"), logger: logger}
}

// Migrate applies the schema idempotently.
func (c *Client) Migrate(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}
	c.logger.Info("Schema applied")
	return nil
}

// Close shuts down the pool.
func (c *Client) Close() error {
	return c.db.Close()
}

// WithTx runs fn inside a transaction, rolling back on error or panic.
func (c *Client) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("store: rollback failed: %v, original error: %w", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// AcquireAdvisoryLock takes a session-level advisory lock keyed by key and
// returns a release func. Used to serialize workflow upserts per trigger
// cluster.
func (c *Client) AcquireAdvisoryLock(ctx context.Context, key int64) (func(), error) {
	conn, err := c.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: acquire connection: %w", err)
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, key); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: advisory lock: %w", err)
	}
	release := func() {
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, key); err != nil {
			c.logger.Warn("Advisory unlock failed", zap.Int64("key", key), zap.Error(err))
		}
		conn.Close()
	}
	return release, nil
}
