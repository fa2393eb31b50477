package chunkstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/evochora/evochora-sub008/internal/codec"
)

// ErrInvalidDSN is returned when the configuration has no connection
// string.
var ErrInvalidDSN = errors.New("chunkstore: DSN is required")

// Config holds Postgres sink connection configuration.
type Config struct {
	// DSN is the database connection string.
	DSN string

	// MaxOpenConns caps open connections. The sink is written to by a
	// single worker, so this stays small.
	MaxOpenConns int

	// ConnMaxLifetime is the maximum amount of time a connection may be
	// reused.
	ConnMaxLifetime time.Duration

	// RetryAttempts is the number of times to retry connecting on failure.
	RetryAttempts int

	// RetryDelay is the initial delay between retry attempts (exponential
	// backoff).
	RetryDelay time.Duration
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig(dsn string) *Config {
	return &Config{
		DSN:             dsn,
		MaxOpenConns:    4,
		ConnMaxLifetime: 5 * time.Minute,
		RetryAttempts:   3,
		RetryDelay:      1 * time.Second,
	}
}

// Validate checks the configuration, filling defaults for zero values.
func (c *Config) Validate() error {
	if c.DSN == "" {
		return ErrInvalidDSN
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 4
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
	if c.RetryAttempts < 0 {
		c.RetryAttempts = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 1 * time.Second
	}
	return nil
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS chunks (
    simulation_run_id TEXT        NOT NULL,
    first_tick        BIGINT      NOT NULL,
    last_tick         BIGINT      NOT NULL,
    tick_count        INTEGER     NOT NULL,
    payload           JSONB       NOT NULL,
    stored_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (simulation_run_id, first_tick)
)`

const insertChunkSQL = `
INSERT INTO chunks (simulation_run_id, first_tick, last_tick, tick_count, payload)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (simulation_run_id, first_tick) DO NOTHING`

// PostgresSink appends wire-encoded chunks to a single append-only table.
type PostgresSink struct {
	db *sql.DB
}

// OpenPostgres dials Postgres with retry and exponential backoff, ensures
// the chunks table exists, and returns the sink.
func OpenPostgres(ctx context.Context, config *Config) (*PostgresSink, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("chunkstore: invalid config: %w", err)
	}

	var db *sql.DB
	var err error
	delay := config.RetryDelay
	for attempt := 0; attempt <= config.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
				delay *= 2
			}
		}

		db, err = sql.Open("pgx", config.DSN)
		if err != nil {
			continue
		}
		db.SetMaxOpenConns(config.MaxOpenConns)
		db.SetConnMaxLifetime(config.ConnMaxLifetime)

		if err = db.PingContext(ctx); err != nil {
			db.Close()
			continue
		}
		break
	}
	if err != nil {
		return nil, fmt.Errorf("chunkstore: connect after %d attempts: %w", config.RetryAttempts+1, err)
	}

	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("chunkstore: ensure chunks table: %w", err)
	}
	return &PostgresSink{db: db}, nil
}

// Store appends one sealed chunk. Re-storing the same (runId, firstTick) is
// a no-op, so a retried flush after a crash never duplicates rows.
func (s *PostgresSink) Store(ctx context.Context, chunk *codec.Chunk) error {
	payload, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("chunkstore: encode chunk [%d,%d]: %w", chunk.FirstTick, chunk.LastTick, err)
	}
	_, err = s.db.ExecContext(ctx, insertChunkSQL,
		chunk.SimulationRunID, int64(chunk.FirstTick), int64(chunk.LastTick), int64(chunk.TickCount), payload)
	if err != nil {
		return fmt.Errorf("chunkstore: store chunk [%d,%d]: %w", chunk.FirstTick, chunk.LastTick, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresSink) Close() error {
	return s.db.Close()
}
