package repository

import (
	"database/sql"
	"fmt"
)

// LedgerConfig is the single-row ownership and tax configuration. The owner
// is fixed at bootstrap; the tax address is mutable by the owner.
type LedgerConfig struct {
	Owner      string `json:"owner"`
	TaxAddress string `json:"tax_address"`
}

type ConfigRepo struct {
	db *sql.DB
}

func NewConfigRepo(db *sql.DB) *ConfigRepo {
	return &ConfigRepo{db: db}
}

// Ensure writes the initial config row if none exists yet. An existing row
// wins: ownership survives restarts regardless of the environment.
func (r *ConfigRepo) Ensure(owner, taxAddress string) (*LedgerConfig, error) {
	_, err := r.db.Exec(
		"INSERT OR IGNORE INTO ledger_config (id, owner, tax_address) VALUES (1, ?, ?)",
		owner, taxAddress,
	)
	if err != nil {
		return nil, fmt.Errorf("ensure config: %w", err)
	}
	return r.Get()
}

func (r *ConfigRepo) Get() (*LedgerConfig, error) {
	return configRow(r.db)
}

// GetTx reads the config through the caller's database transaction.
func (r *ConfigRepo) GetTx(tx *sql.Tx) (*LedgerConfig, error) {
	return configRow(tx)
}

func (r *ConfigRepo) UpdateTaxAddress(tx *sql.Tx, addr string) error {
	_, err := tx.Exec("UPDATE ledger_config SET tax_address = ? WHERE id = 1", addr)
	if err != nil {
		return fmt.Errorf("update tax address: %w", err)
	}
	return nil
}

func configRow(q queryRower) (*LedgerConfig, error) {
	var cfg LedgerConfig
	err := q.QueryRow("SELECT owner, tax_address FROM ledger_config WHERE id = 1").
		Scan(&cfg.Owner, &cfg.TaxAddress)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return &cfg, nil
}
