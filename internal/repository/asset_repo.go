package repository

import (
	"database/sql"
	"fmt"
	"time"
)

// AssetRepo stores the allowed-asset registry. The native sentinel is never
// stored here; it is implicitly always valid.
type AssetRepo struct {
	db *sql.DB
}

func NewAssetRepo(db *sql.DB) *AssetRepo {
	return &AssetRepo{db: db}
}

func (r *AssetRepo) IsAllowed(asset string) (bool, error) {
	return assetAllowed(r.db, asset)
}

// IsAllowedTx checks membership through the caller's database transaction.
// Payment-time re-checks must see the same snapshot the mutation commits.
func (r *AssetRepo) IsAllowedTx(tx *sql.Tx, asset string) (bool, error) {
	return assetAllowed(tx, asset)
}

func (r *AssetRepo) Add(tx *sql.Tx, asset string) error {
	_, err := tx.Exec(
		"INSERT INTO allowed_assets (asset, allowed_at) VALUES (?, ?)",
		asset, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("add allowed asset: %w", err)
	}
	return nil
}

func (r *AssetRepo) Remove(tx *sql.Tx, asset string) error {
	_, err := tx.Exec("DELETE FROM allowed_assets WHERE asset = ?", asset)
	if err != nil {
		return fmt.Errorf("remove allowed asset: %w", err)
	}
	return nil
}

// ListAllowed returns every asset currently in the registry.
func (r *AssetRepo) ListAllowed() ([]string, error) {
	rows, err := r.db.Query("SELECT asset FROM allowed_assets ORDER BY allowed_at")
	if err != nil {
		return nil, fmt.Errorf("query allowed assets: %w", err)
	}
	defer rows.Close()

	assets := []string{}
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

type queryRower interface {
	QueryRow(query string, args ...any) *sql.Row
}

func assetAllowed(q queryRower, asset string) (bool, error) {
	var one int
	err := q.QueryRow("SELECT 1 FROM allowed_assets WHERE asset = ?", asset).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check allowed asset: %w", err)
	}
	return true, nil
}
