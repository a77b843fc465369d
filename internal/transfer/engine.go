// Package transfer models the asset-transfer capability the ledger settles
// through. The ledger never moves value itself; it asks an Engine to, and
// the engine's legs join the ledger call's database transaction so a failed
// leg rolls the whole operation back.
package transfer

import (
	"database/sql"
	"errors"
)

// ErrInsufficient is returned when the source account cannot cover the
// requested amount, either in balance or in granted allowance.
var ErrInsufficient = errors.New("insufficient funds or allowance")

// Engine is the transfer collaborator consumed by the ledger.
type Engine interface {
	// Transfer moves amount of asset between accounts as part of tx.
	Transfer(tx *sql.Tx, asset, from, to string, amount uint64) error

	// TransferFrom moves amount of asset out of owner's account on the
	// strength of an allowance previously granted to spender. The
	// allowance is consumed by the transfer.
	TransferFrom(tx *sql.Tx, asset, owner, spender, to string, amount uint64) error

	// BalanceOf reports an account's current balance of an asset.
	BalanceOf(asset, account string) (uint64, error)

	// BalanceOfTx reports the balance as seen inside tx, so a caller
	// about to move the whole balance reads and moves it atomically.
	BalanceOfTx(tx *sql.Tx, asset, account string) (uint64, error)
}
