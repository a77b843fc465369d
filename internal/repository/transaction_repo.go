package repository

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/core-pay23/ledger/internal/domain"
)

type TransactionRepo struct {
	db *sql.DB
}

func NewTransactionRepo(db *sql.DB) *TransactionRepo {
	return &TransactionRepo{db: db}
}

// Insert stores a new transaction inside tx and returns the allocated id.
// The AUTOINCREMENT column guarantees ids are strictly increasing and never
// reused; an id is only ever allocated by a successful insert.
func (r *TransactionRepo) Insert(tx *sql.Tx, t *domain.Transaction) (uint64, error) {
	res, err := tx.Exec(
		`INSERT INTO transactions
		(payer, origin_chain, total_payment, shop_owner, payment_token,
		 tax_amount, shop_owner_amount, is_paid, is_refunded, created_at)
		VALUES (?,?,?,?,?,?,?,0,0,?)`,
		t.Payer, t.OriginChain, t.TotalPayment, t.ShopOwner, t.PaymentToken,
		t.TaxAmount, t.ShopOwnerAmount, t.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("insert transaction: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return uint64(id), nil
}

func (r *TransactionRepo) GetByID(id uint64) (*domain.Transaction, error) {
	row := r.db.QueryRow(transactionSelect+" WHERE id = ?", id)
	return scanTransactionRow(row)
}

// GetForUpdate loads a transaction through the caller's database
// transaction so the read joins the mutating call's atomic unit.
func (r *TransactionRepo) GetForUpdate(tx *sql.Tx, id uint64) (*domain.Transaction, error) {
	row := tx.QueryRow(transactionSelect+" WHERE id = ?", id)
	return scanTransactionRow(row)
}

// UpdatePayer overwrites the payer of record.
func (r *TransactionRepo) UpdatePayer(tx *sql.Tx, id uint64, payer string) error {
	_, err := tx.Exec("UPDATE transactions SET payer = ? WHERE id = ?", payer, id)
	if err != nil {
		return fmt.Errorf("update payer: %w", err)
	}
	return nil
}

func (r *TransactionRepo) MarkPaid(tx *sql.Tx, id uint64) error {
	_, err := tx.Exec("UPDATE transactions SET is_paid = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("mark paid: %w", err)
	}
	return nil
}

func (r *TransactionRepo) MarkRefunded(tx *sql.Tx, id uint64) error {
	_, err := tx.Exec("UPDATE transactions SET is_refunded = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("mark refunded: %w", err)
	}
	return nil
}

// Counter returns the highest allocated transaction id, 0 when none exist.
func (r *TransactionRepo) Counter() (uint64, error) {
	var counter uint64
	err := r.db.QueryRow("SELECT COALESCE(MAX(id), 0) FROM transactions").Scan(&counter)
	return counter, err
}

type TransactionFilter struct {
	Payer        string
	ShopOwner    string
	PaymentToken string
	IsPaid       *bool
	IsRefunded   *bool
	Page         int
	Limit        int
}

func (r *TransactionRepo) List(f TransactionFilter) ([]domain.Transaction, int, error) {
	where, args := buildTransactionWhere(f)

	var total int
	countSQL := "SELECT COUNT(*) FROM transactions" + where
	if err := r.db.QueryRow(countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count: %w", err)
	}

	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	offset := (f.Page - 1) * f.Limit

	querySQL := transactionSelect + where + " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, offset)

	rows, err := r.db.Query(querySQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var txns []domain.Transaction
	for rows.Next() {
		t, err := scanTransactionRow(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan: %w", err)
		}
		txns = append(txns, *t)
	}
	return txns, total, rows.Err()
}

// LedgerStats holds aggregate transaction statistics for the dashboard.
type LedgerStats struct {
	Total          int    `json:"total"`
	Paid           int    `json:"paid"`
	Refunded       int    `json:"refunded"`
	Pending        int    `json:"pending"`
	TotalVolume    uint64 `json:"total_volume"`
	SettledVolume  uint64 `json:"settled_volume"`
	TaxCollected   uint64 `json:"tax_collected"`
	RefundedVolume uint64 `json:"refunded_volume"`
}

func (r *TransactionRepo) GetLedgerStats() (*LedgerStats, error) {
	s := &LedgerStats{}
	err := r.db.QueryRow(`
		SELECT
			COUNT(*),
			COALESCE(SUM(is_paid), 0),
			COALESCE(SUM(is_refunded), 0),
			COALESCE(SUM(CASE WHEN is_paid = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(total_payment), 0),
			COALESCE(SUM(CASE WHEN is_paid = 1 THEN total_payment ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN is_paid = 1 THEN tax_amount ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN is_refunded = 1 THEN shop_owner_amount ELSE 0 END), 0)
		FROM transactions
	`).Scan(&s.Total, &s.Paid, &s.Refunded, &s.Pending,
		&s.TotalVolume, &s.SettledVolume, &s.TaxCollected, &s.RefundedVolume)
	return s, err
}

// TokenVolume aggregates settled volume per payment token.
type TokenVolume struct {
	PaymentToken  string `json:"payment_token"`
	Count         int    `json:"count"`
	SettledVolume uint64 `json:"settled_volume"`
}

func (r *TransactionRepo) GetVolumeByToken() ([]TokenVolume, error) {
	rows, err := r.db.Query(`
		SELECT payment_token, COUNT(*),
			COALESCE(SUM(CASE WHEN is_paid = 1 THEN total_payment ELSE 0 END), 0)
		FROM transactions GROUP BY payment_token
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []TokenVolume
	for rows.Next() {
		var tv TokenVolume
		if err := rows.Scan(&tv.PaymentToken, &tv.Count, &tv.SettledVolume); err != nil {
			return nil, err
		}
		result = append(result, tv)
	}
	return result, rows.Err()
}

// --- helpers ---

const transactionSelect = `SELECT id, payer, origin_chain, total_payment,
	shop_owner, payment_token, tax_amount, shop_owner_amount, is_paid,
	is_refunded, created_at FROM transactions`

func buildTransactionWhere(f TransactionFilter) (string, []any) {
	var clauses []string
	var args []any

	if f.Payer != "" {
		clauses = append(clauses, "payer = ?")
		args = append(args, f.Payer)
	}
	if f.ShopOwner != "" {
		clauses = append(clauses, "shop_owner = ?")
		args = append(args, f.ShopOwner)
	}
	if f.PaymentToken != "" {
		clauses = append(clauses, "payment_token = ?")
		args = append(args, f.PaymentToken)
	}
	if f.IsPaid != nil {
		clauses = append(clauses, "is_paid = ?")
		args = append(args, boolToInt(*f.IsPaid))
	}
	if f.IsRefunded != nil {
		clauses = append(clauses, "is_refunded = ?")
		args = append(args, boolToInt(*f.IsRefunded))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransactionRow(s rowScanner) (*domain.Transaction, error) {
	var t domain.Transaction
	var isPaid, isRefunded int
	var createdAt string

	err := s.Scan(
		&t.ID, &t.Payer, &t.OriginChain, &t.TotalPayment, &t.ShopOwner,
		&t.PaymentToken, &t.TaxAmount, &t.ShopOwnerAmount,
		&isPaid, &isRefunded, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	t.IsPaid = isPaid == 1
	t.IsRefunded = isRefunded == 1
	t.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	return &t, nil
}
