package repository

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// InitDB opens (or creates) a SQLite database at the given path and ensures
// all required tables exist. Pass ":memory:" for an in-memory database.
func InitDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// An in-memory database exists per connection; pin the pool to one so
	// every caller sees the same data.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return db, nil
}

func createTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transactions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			payer TEXT NOT NULL,
			origin_chain TEXT NOT NULL,
			total_payment INTEGER NOT NULL,
			shop_owner TEXT NOT NULL,
			payment_token TEXT NOT NULL,
			tax_amount INTEGER NOT NULL,
			shop_owner_amount INTEGER NOT NULL,
			is_paid INTEGER NOT NULL DEFAULT 0,
			is_refunded INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_payer ON transactions(payer)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_shop_owner ON transactions(shop_owner)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_payment_token ON transactions(payment_token)`,

		`CREATE TABLE IF NOT EXISTS participant_index (
			address TEXT NOT NULL,
			role TEXT NOT NULL,
			position INTEGER NOT NULL,
			transaction_id INTEGER NOT NULL,
			PRIMARY KEY (address, role, position),
			FOREIGN KEY (transaction_id) REFERENCES transactions(id)
		)`,

		`CREATE TABLE IF NOT EXISTS allowed_assets (
			asset TEXT PRIMARY KEY,
			allowed_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS ledger_config (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			owner TEXT NOT NULL,
			tax_address TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			transaction_id INTEGER,
			attributes TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(type)`,
		`CREATE INDEX IF NOT EXISTS idx_events_transaction ON events(transaction_id)`,

		`CREATE TABLE IF NOT EXISTS balances (
			account TEXT NOT NULL,
			asset TEXT NOT NULL,
			balance INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (account, asset)
		)`,

		`CREATE TABLE IF NOT EXISTS allowances (
			owner TEXT NOT NULL,
			spender TEXT NOT NULL,
			asset TEXT NOT NULL,
			remaining INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (owner, spender, asset)
		)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:60], err)
		}
	}

	return nil
}
