package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/agentweb/internal/shared"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS payment_sessions (
		session_id TEXT PRIMARY KEY,
		agent_address TEXT NOT NULL,
		website_address TEXT NOT NULL,
		amount INTEGER NOT NULL CHECK (amount > 0),
		asset_id INTEGER NOT NULL DEFAULT 0,
		escrow_address TEXT NOT NULL,
		status TEXT NOT NULL,
		escrow_tx_id TEXT,
		confirmed_round INTEGER NOT NULL DEFAULT 0,
		refund_owed INTEGER NOT NULL DEFAULT 0,
		platform_fee INTEGER NOT NULL DEFAULT 0,
		website_payout INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		completed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status_expires ON payment_sessions(status, expires_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_refund ON payment_sessions(refund_owed, updated_at);

	CREATE TABLE IF NOT EXISTS websites (
		domain TEXT PRIMARY KEY,
		owner_address TEXT NOT NULL,
		asset_id INTEGER NOT NULL DEFAULT 0,
		subname TEXT NOT NULL,
		verified INTEGER NOT NULL DEFAULT 0,
		base_payment_amount INTEGER NOT NULL DEFAULT 0,
		payment_required INTEGER NOT NULL DEFAULT 1,
		supported_query_types TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agents (
		agent_id TEXT PRIMARY KEY,
		address TEXT NOT NULL,
		metadata_hash TEXT NOT NULL DEFAULT '',
		reputation INTEGER NOT NULL DEFAULT 100,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	*sqlStore
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Pragmas are applied to every pooled connection.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{&sqlStore{
		db:      db,
		dialect: dialect{schema: sqliteSchema},
		retry:   shared.DefaultRetryPolicy,
	}}
	if err := store.initSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}
