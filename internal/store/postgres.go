package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ashureev/agentweb/internal/shared"
	_ "github.com/lib/pq"
)

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS payment_sessions (
		session_id TEXT PRIMARY KEY,
		agent_address TEXT NOT NULL,
		website_address TEXT NOT NULL,
		amount BIGINT NOT NULL CHECK (amount > 0),
		asset_id BIGINT NOT NULL DEFAULT 0,
		escrow_address TEXT NOT NULL,
		status TEXT NOT NULL,
		escrow_tx_id TEXT,
		confirmed_round BIGINT NOT NULL DEFAULT 0,
		refund_owed BOOLEAN NOT NULL DEFAULT FALSE,
		platform_fee BIGINT NOT NULL DEFAULT 0,
		website_payout BIGINT NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		expires_at BIGINT NOT NULL,
		completed_at BIGINT
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status_expires ON payment_sessions(status, expires_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_refund ON payment_sessions(refund_owed, updated_at);

	CREATE TABLE IF NOT EXISTS websites (
		domain TEXT PRIMARY KEY,
		owner_address TEXT NOT NULL,
		asset_id BIGINT NOT NULL DEFAULT 0,
		subname TEXT NOT NULL,
		verified BOOLEAN NOT NULL DEFAULT FALSE,
		base_payment_amount BIGINT NOT NULL DEFAULT 0,
		payment_required BOOLEAN NOT NULL DEFAULT TRUE,
		supported_query_types TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agents (
		agent_id TEXT PRIMARY KEY,
		address TEXT NOT NULL,
		metadata_hash TEXT NOT NULL DEFAULT '',
		reputation INTEGER NOT NULL DEFAULT 100,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	);
	`

// PostgresStore implements Repository on PostgreSQL.
type PostgresStore struct {
	*sqlStore
}

// OpenPostgres connects to databaseURL and ensures the schema exists.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := NewPostgres(db)
	if err := store.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

// NewPostgres wraps an open *sql.DB. The schema is not created.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{&sqlStore{
		db:      db,
		dialect: dialect{schema: postgresSchema, numbered: true},
		retry:   shared.DefaultRetryPolicy,
	}}
}
