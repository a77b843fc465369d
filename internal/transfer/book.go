package transfer

import (
	"database/sql"
	"fmt"
)

// Book is a SQLite-backed balance and allowance book implementing Engine.
// It stands in for the platform's real value-transfer primitive so the
// service is operable end to end; balances live in the same database as the
// ledger state, which is what makes per-call atomicity possible.
type Book struct {
	db *sql.DB
}

func NewBook(db *sql.DB) *Book {
	return &Book{db: db}
}

func (b *Book) Transfer(tx *sql.Tx, asset, from, to string, amount uint64) error {
	if amount == 0 {
		return nil
	}

	res, err := tx.Exec(
		`UPDATE balances SET balance = balance - ?
		 WHERE account = ? AND asset = ? AND balance >= ?`,
		amount, from, asset, amount,
	)
	if err != nil {
		return fmt.Errorf("debit %s: %w", from, err)
	}
	if ra, _ := res.RowsAffected(); ra == 0 {
		return fmt.Errorf("debit %s: %w", from, ErrInsufficient)
	}

	if err := credit(tx, asset, to, amount); err != nil {
		return err
	}
	return nil
}

func (b *Book) TransferFrom(tx *sql.Tx, asset, owner, spender, to string, amount uint64) error {
	if amount == 0 {
		return nil
	}

	res, err := tx.Exec(
		`UPDATE allowances SET remaining = remaining - ?
		 WHERE owner = ? AND spender = ? AND asset = ? AND remaining >= ?`,
		amount, owner, spender, asset, amount,
	)
	if err != nil {
		return fmt.Errorf("consume allowance %s->%s: %w", owner, spender, err)
	}
	if ra, _ := res.RowsAffected(); ra == 0 {
		return fmt.Errorf("allowance %s->%s: %w", owner, spender, ErrInsufficient)
	}

	return b.Transfer(tx, asset, owner, to, amount)
}

func (b *Book) BalanceOf(asset, account string) (uint64, error) {
	return scanBalance(b.db.QueryRow(
		"SELECT balance FROM balances WHERE account = ? AND asset = ?",
		account, asset,
	), account)
}

func (b *Book) BalanceOfTx(tx *sql.Tx, asset, account string) (uint64, error) {
	return scanBalance(tx.QueryRow(
		"SELECT balance FROM balances WHERE account = ? AND asset = ?",
		account, asset,
	), account)
}

func scanBalance(row *sql.Row, account string) (uint64, error) {
	var bal uint64
	err := row.Scan(&bal)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("balance of %s: %w", account, err)
	}
	return bal, nil
}

func (b *Book) AllowanceOf(owner, spender, asset string) (uint64, error) {
	var rem uint64
	err := b.db.QueryRow(
		"SELECT remaining FROM allowances WHERE owner = ? AND spender = ? AND asset = ?",
		owner, spender, asset,
	).Scan(&rem)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("allowance of %s: %w", owner, err)
	}
	return rem, nil
}

// Approve sets (not adds to) the allowance owner grants spender for asset.
func (b *Book) Approve(owner, spender, asset string, amount uint64) error {
	_, err := b.db.Exec(
		`INSERT INTO allowances (owner, spender, asset, remaining)
		 VALUES (?,?,?,?)
		 ON CONFLICT(owner, spender, asset) DO UPDATE SET remaining = excluded.remaining`,
		owner, spender, asset, amount,
	)
	if err != nil {
		return fmt.Errorf("approve: %w", err)
	}
	return nil
}

// Send is Transfer in a transaction of its own, for callers that are not
// part of a ledger operation.
func (b *Book) Send(asset, from, to string, amount uint64) error {
	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := b.Transfer(tx, asset, from, to, amount); err != nil {
		return err
	}
	return tx.Commit()
}

// Deposit credits an account out of thin air. This is the faucet for local
// runs and tests; a real transfer engine would not have it.
func (b *Book) Deposit(account, asset string, amount uint64) error {
	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := credit(tx, asset, account, amount); err != nil {
		return err
	}
	return tx.Commit()
}

func credit(tx *sql.Tx, asset, account string, amount uint64) error {
	_, err := tx.Exec(
		`INSERT INTO balances (account, asset, balance) VALUES (?,?,?)
		 ON CONFLICT(account, asset) DO UPDATE SET balance = balance + excluded.balance`,
		account, asset, amount,
	)
	if err != nil {
		return fmt.Errorf("credit %s: %w", account, err)
	}
	return nil
}
