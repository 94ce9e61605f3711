package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"minewatch/internal/config"
)

// PostgresClient wraps the Postgres connection pool.
type PostgresClient struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresClient opens a connection pool and verifies connectivity.
func NewPostgresClient(cfg config.PostgresConfig, logger *slog.Logger) (*PostgresClient, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	logger.Info("postgres client initialized",
		"host", cfg.Host,
		"database", cfg.Database,
		"max_open_conns", cfg.MaxOpenConns,
	)

	return &PostgresClient{db: db, logger: logger}, nil
}

// DB returns the underlying pool.
func (c *PostgresClient) DB() *sql.DB { return c.db }

// Ping checks if the connection is alive.
func (c *PostgresClient) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close closes the connection pool.
func (c *PostgresClient) Close() error { return c.db.Close() }

// Migrate creates the schema if it does not exist.
func (c *PostgresClient) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migration %d: %w", i, err)
		}
	}
	c.logger.Info("database migrations applied", "count", len(migrations))
	return nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS hosts (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		labels      JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_seen   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id       UUID PRIMARY KEY,
		host_id  TEXT NOT NULL REFERENCES hosts(id),
		kind     TEXT NOT NULL DEFAULT 'unknown',
		payload  JSONB NOT NULL,
		ts       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_host_ts ON events (host_id, ts DESC)`,
	`CREATE TABLE IF NOT EXISTS rules (
		id          UUID PRIMARY KEY,
		type        TEXT NOT NULL,
		pattern     TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		enabled     BOOLEAN NOT NULL DEFAULT true,
		tags        TEXT[] NOT NULL DEFAULT '{}',
		vendor      TEXT NOT NULL DEFAULT '',
		sid         BIGINT NOT NULL DEFAULT 0,
		name        TEXT NOT NULL DEFAULT '',
		body        TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rules_enabled_created ON rules (enabled, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id          UUID PRIMARY KEY,
		event_id    UUID NOT NULL REFERENCES events(id),
		severity    TEXT NOT NULL,
		reason      JSONB NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts (created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_event ON alerts (event_id)`,
}

// NewPostgresStore builds the per-entity stores on one client.
func NewPostgresStore(client *PostgresClient) *Store {
	return &Store{
		Hosts:  &pgHostStore{db: client.db},
		Events: &pgEventStore{db: client.db},
		Rules:  &pgRuleStore{db: client.db},
		Alerts: &pgAlertStore{db: client.db},
	}
}
