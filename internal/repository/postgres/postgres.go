// Package postgres implements the repository interfaces on pgx.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pool and verifies it with a ping.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS source_configs (
		name               TEXT PRIMARY KEY,
		kind               TEXT NOT NULL,
		is_active          BOOLEAN NOT NULL DEFAULT TRUE,
		adapter_params     JSONB NOT NULL DEFAULT '{}',
		schedule           JSONB NOT NULL DEFAULT '{}',
		filters            JSONB NOT NULL DEFAULT '{}',
		max_papers_per_run INTEGER NOT NULL DEFAULT 50,
		fan_out            BOOLEAN NOT NULL DEFAULT FALSE,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS schedule_states (
		source_name      TEXT PRIMARY KEY REFERENCES source_configs(name) ON DELETE CASCADE,
		last_run_at      TIMESTAMPTZ,
		next_run_at      TIMESTAMPTZ NOT NULL,
		last_run_outcome TEXT,
		last_error       TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS discovery_results (
		id                      UUID PRIMARY KEY,
		source_name             TEXT NOT NULL,
		started_at              TIMESTAMPTZ NOT NULL,
		finished_at             TIMESTAMPTZ,
		candidates_fetched      INTEGER NOT NULL DEFAULT 0,
		candidates_after_dedup  INTEGER NOT NULL DEFAULT 0,
		candidates_after_filter INTEGER NOT NULL DEFAULT 0,
		outcome                 TEXT,
		errors_json             JSONB NOT NULL DEFAULT '[]',
		partial                 BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_discovery_results_source
		ON discovery_results (source_name, started_at DESC)`,
	`CREATE TABLE IF NOT EXISTS corpus_papers (
		id         UUID PRIMARY KEY,
		title      TEXT NOT NULL,
		abstract   TEXT NOT NULL DEFAULT '',
		tags       TEXT[] NOT NULL DEFAULT '{}',
		authors    TEXT[] NOT NULL DEFAULT '{}',
		year       INTEGER,
		cited_ids  TEXT[] NOT NULL DEFAULT '{}',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Migrate creates the tables if they do not exist yet.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}
