package repository

import (
	"database/sql"
	"fmt"
)

// Index roles. Each address carries one append-only id sequence per role.
const (
	RolePayer     = "payer"
	RoleShopOwner = "shop_owner"
)

// IndexRepo maintains the payer and shop-owner secondary indices: an
// ordered, append-only sequence of transaction ids per address. Entries are
// never removed, even when the payer of record changes.
type IndexRepo struct {
	db *sql.DB
}

func NewIndexRepo(db *sql.DB) *IndexRepo {
	return &IndexRepo{db: db}
}

// Append adds a transaction id to the end of an address's sequence.
func (r *IndexRepo) Append(tx *sql.Tx, address, role string, txnID uint64) error {
	_, err := tx.Exec(
		`INSERT INTO participant_index (address, role, position, transaction_id)
		VALUES (?, ?,
			COALESCE((SELECT MAX(position) + 1 FROM participant_index
			          WHERE address = ? AND role = ?), 0),
			?)`,
		address, role, address, role, txnID,
	)
	if err != nil {
		return fmt.Errorf("append index %s/%s: %w", role, address, err)
	}
	return nil
}

// TransactionIDs returns the id sequence for an address in insertion order.
// An unknown address yields an empty slice.
func (r *IndexRepo) TransactionIDs(address, role string) ([]uint64, error) {
	rows, err := r.db.Query(
		`SELECT transaction_id FROM participant_index
		 WHERE address = ? AND role = ? ORDER BY position`,
		address, role,
	)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}
	defer rows.Close()

	ids := []uint64{}
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
