// Package ledger implements the custodial transaction ledger: transaction
// creation, tax-splitting settlement, shop-owner refunds, and the owner
// controls that gate them.
package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/core-pay23/ledger/internal/domain"
	"github.com/core-pay23/ledger/internal/repository"
	"github.com/core-pay23/ledger/internal/transfer"
)

// CustodyAccount is the ledger's own account on the transfer engine. Native
// payments pass through it on their way to the tax collector and the shop
// owner.
const CustodyAccount = "ledger:custody"

// Service owns the transaction table, the participant indices, the
// allowed-asset registry and the tax configuration. Every mutating
// operation runs behind a process-wide try-lock and inside one database
// transaction, so each call either fully applies (state flips, transfer
// legs and audit events together) or leaves no trace.
type Service struct {
	db        *sql.DB
	txnRepo   *repository.TransactionRepo
	idxRepo   *repository.IndexRepo
	assetRepo *repository.AssetRepo
	eventRepo *repository.EventRepo
	cfgRepo   *repository.ConfigRepo
	engine    transfer.Engine

	busy atomic.Bool
}

func NewService(
	db *sql.DB,
	txnRepo *repository.TransactionRepo,
	idxRepo *repository.IndexRepo,
	assetRepo *repository.AssetRepo,
	eventRepo *repository.EventRepo,
	cfgRepo *repository.ConfigRepo,
	engine transfer.Engine,
) *Service {
	return &Service{
		db:        db,
		txnRepo:   txnRepo,
		idxRepo:   idxRepo,
		assetRepo: assetRepo,
		eventRepo: eventRepo,
		cfgRepo:   cfgRepo,
		engine:    engine,
	}
}

// lock acquires the process-wide mutation guard, failing immediately when
// it is already held. A transfer engine calling back into the ledger
// mid-operation lands here before touching any state.
func (s *Service) lock() error {
	if !s.busy.CompareAndSwap(false, true) {
		return domain.Conflictf("ledger busy: mutating call already in progress")
	}
	return nil
}

func (s *Service) unlock() {
	s.busy.Store(false)
}

// CreateTransaction registers a new payment intent. The caller becomes the
// payer of record. Non-native payment tokens must be on the allow-list.
func (s *Service) CreateTransaction(caller, originChain string, totalPayment uint64, shopOwner, paymentToken string) (uint64, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.unlock()

	return s.create(caller, originChain, totalPayment, shopOwner, paymentToken, true)
}

// CreateTransactionFor registers a payment intent on behalf of a designated
// payer, skipping the allow-list check. Reserved for trusted integration
// flows; the API only exposes it on a loopback-guarded route.
func (s *Service) CreateTransactionFor(payer, originChain string, totalPayment uint64, shopOwner, paymentToken string) (uint64, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.unlock()

	return s.create(payer, originChain, totalPayment, shopOwner, paymentToken, false)
}

func (s *Service) create(payer, originChain string, totalPayment uint64, shopOwner, paymentToken string, checkAllowList bool) (uint64, error) {
	payer = domain.NormalizeAddress(payer)
	shopOwner = domain.NormalizeAddress(shopOwner)
	paymentToken = domain.NormalizeToken(paymentToken)

	if domain.IsZeroAddress(payer) {
		return 0, domain.Validationf("payer must not be the zero address")
	}
	if domain.IsZeroAddress(shopOwner) {
		return 0, domain.Validationf("shop owner must not be the zero address")
	}
	if totalPayment == 0 {
		return 0, domain.Validationf("total payment must be positive")
	}
	if originChain == "" {
		return 0, domain.Validationf("origin chain must not be empty")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if checkAllowList && paymentToken != domain.NativeToken {
		allowed, err := s.assetRepo.IsAllowedTx(tx, paymentToken)
		if err != nil {
			return 0, err
		}
		if !allowed {
			return 0, domain.Validationf("payment token %s is not allowed", paymentToken)
		}
	}

	t := &domain.Transaction{
		Payer:           payer,
		OriginChain:     originChain,
		TotalPayment:    totalPayment,
		ShopOwner:       shopOwner,
		PaymentToken:    paymentToken,
		TaxAmount:       domain.TaxAmountFor(totalPayment),
		ShopOwnerAmount: domain.ShopOwnerAmountFor(totalPayment),
		CreatedAt:       time.Now().UTC(),
	}

	id, err := s.txnRepo.Insert(tx, t)
	if err != nil {
		return 0, err
	}

	if err := s.idxRepo.Append(tx, shopOwner, repository.RoleShopOwner, id); err != nil {
		return 0, err
	}
	if err := s.idxRepo.Append(tx, payer, repository.RolePayer, id); err != nil {
		return 0, err
	}

	err = s.eventRepo.Emit(tx, domain.EventTransactionCreated, id, map[string]any{
		"shop_owner":    shopOwner,
		"total_payment": totalPayment,
		"origin_chain":  originChain,
		"payment_token": paymentToken,
	})
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	log.Printf("[ledger] Created transaction %d: %s -> %s, total=%d (tax=%d)",
		id, payer, shopOwner, totalPayment, t.TaxAmount)

	return id, nil
}

// PayTransaction settles a native-asset transaction. The supplied amount
// must equal the total payment exactly; it is pulled from the caller into
// custody and immediately split between the tax collector and the shop
// owner. The caller becomes the payer of record even when a different
// address created the transaction.
func (s *Service) PayTransaction(id uint64, caller string, suppliedAmount uint64) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.unlock()

	caller = domain.NormalizeAddress(caller)
	if domain.IsZeroAddress(caller) {
		return domain.Validationf("payer must not be the zero address")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	t, err := s.loadForUpdate(tx, id)
	if err != nil {
		return err
	}
	if t.IsPaid {
		return domain.Conflictf("transaction %d is already paid", id)
	}
	if !t.IsNative() {
		return domain.Validationf("transaction %d is token-denominated; use the token payment operation", id)
	}
	if suppliedAmount != t.TotalPayment {
		return domain.Validationf("supplied amount %d must equal total payment %d", suppliedAmount, t.TotalPayment)
	}

	if err := s.becomePayerOfRecord(tx, t, caller); err != nil {
		return err
	}

	// Mark paid before the transfer legs: a reentrant attempt that somehow
	// got past the guard would still fail the not-yet-paid precondition.
	if err := s.txnRepo.MarkPaid(tx, id); err != nil {
		return err
	}

	cfg, err := s.cfgRepo.GetTx(tx)
	if err != nil {
		return err
	}

	if err := s.engine.Transfer(tx, domain.NativeToken, caller, CustodyAccount, t.TotalPayment); err != nil {
		return transferErr(err, "collect payment from %s", caller)
	}
	if err := s.engine.Transfer(tx, domain.NativeToken, CustodyAccount, cfg.TaxAddress, t.TaxAmount); err != nil {
		return transferErr(err, "forward tax to %s", cfg.TaxAddress)
	}
	if err := s.engine.Transfer(tx, domain.NativeToken, CustodyAccount, t.ShopOwner, t.ShopOwnerAmount); err != nil {
		return transferErr(err, "forward payment to %s", t.ShopOwner)
	}

	err = s.eventRepo.Emit(tx, domain.EventTransactionPaid, id, map[string]any{
		"payer":             caller,
		"shop_owner":        t.ShopOwner,
		"payment_token":     domain.NativeToken,
		"payment_amount":    t.TotalPayment,
		"shop_owner_amount": t.ShopOwnerAmount,
		"tax_amount":        t.TaxAmount,
	})
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	log.Printf("[ledger] Paid transaction %d: payer=%s, shop_owner=%d, tax=%d",
		id, caller, t.ShopOwnerAmount, t.TaxAmount)

	return nil
}

// PayTransactionWithToken settles a token-denominated transaction. The
// token must still be on the allow-list at payment time, and the caller
// must have approved the ledger custody account for the total payment.
func (s *Service) PayTransactionWithToken(id uint64, caller string) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.unlock()

	caller = domain.NormalizeAddress(caller)
	if domain.IsZeroAddress(caller) {
		return domain.Validationf("payer must not be the zero address")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	t, err := s.loadForUpdate(tx, id)
	if err != nil {
		return err
	}
	if t.IsPaid {
		return domain.Conflictf("transaction %d is already paid", id)
	}
	if t.IsNative() {
		return domain.Validationf("transaction %d is native-denominated; use the native payment operation", id)
	}

	// Re-check the registry: a token removed after creation can no longer
	// be used to pay.
	allowed, err := s.assetRepo.IsAllowedTx(tx, t.PaymentToken)
	if err != nil {
		return err
	}
	if !allowed {
		return domain.Validationf("payment token %s is no longer allowed", t.PaymentToken)
	}

	if err := s.becomePayerOfRecord(tx, t, caller); err != nil {
		return err
	}

	if err := s.txnRepo.MarkPaid(tx, id); err != nil {
		return err
	}

	cfg, err := s.cfgRepo.GetTx(tx)
	if err != nil {
		return err
	}

	if err := s.engine.TransferFrom(tx, t.PaymentToken, caller, CustodyAccount, CustodyAccount, t.TotalPayment); err != nil {
		return transferErr(err, "collect payment from %s", caller)
	}
	if err := s.engine.Transfer(tx, t.PaymentToken, CustodyAccount, cfg.TaxAddress, t.TaxAmount); err != nil {
		return transferErr(err, "forward tax to %s", cfg.TaxAddress)
	}
	if err := s.engine.Transfer(tx, t.PaymentToken, CustodyAccount, t.ShopOwner, t.ShopOwnerAmount); err != nil {
		return transferErr(err, "forward payment to %s", t.ShopOwner)
	}

	// The token event carries no payment_amount; the source behaved this
	// way and the audit log preserves it.
	err = s.eventRepo.Emit(tx, domain.EventTransactionPaid, id, map[string]any{
		"payer":             caller,
		"shop_owner":        t.ShopOwner,
		"payment_token":     t.PaymentToken,
		"shop_owner_amount": t.ShopOwnerAmount,
		"tax_amount":        t.TaxAmount,
	})
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	log.Printf("[ledger] Paid transaction %d with token %s: payer=%s, shop_owner=%d, tax=%d",
		id, t.PaymentToken, caller, t.ShopOwnerAmount, t.TaxAmount)

	return nil
}

// RefundTransaction returns the shop-owner share to the payer of record.
// Only the transaction's shop owner may refund, only after payment, and at
// most once. Tax is not refunded: the amount is the post-tax share.
func (s *Service) RefundTransaction(id uint64, caller string, suppliedAmount uint64) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.unlock()

	caller = domain.NormalizeAddress(caller)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	t, err := s.loadForUpdate(tx, id)
	if err != nil {
		return err
	}
	if !t.IsPaid {
		return domain.Conflictf("transaction %d is not paid yet", id)
	}
	if t.IsRefunded {
		return domain.Conflictf("transaction %d is already refunded", id)
	}
	if caller != t.ShopOwner {
		return domain.Unauthorizedf("only the shop owner may refund transaction %d", id)
	}
	if t.IsNative() && suppliedAmount != t.ShopOwnerAmount {
		return domain.Validationf("refund amount %d must equal shop owner amount %d", suppliedAmount, t.ShopOwnerAmount)
	}

	if err := s.txnRepo.MarkRefunded(tx, id); err != nil {
		return err
	}

	if t.IsNative() {
		if err := s.engine.Transfer(tx, domain.NativeToken, caller, CustodyAccount, t.ShopOwnerAmount); err != nil {
			return transferErr(err, "collect refund from %s", caller)
		}
		if err := s.engine.Transfer(tx, domain.NativeToken, CustodyAccount, t.Payer, t.ShopOwnerAmount); err != nil {
			return transferErr(err, "forward refund to %s", t.Payer)
		}
	} else {
		// Token refunds move shop owner -> payer directly; the ledger
		// holds no token custody between calls. Requires an allowance from
		// the shop owner to the custody account.
		if err := s.engine.TransferFrom(tx, t.PaymentToken, caller, CustodyAccount, t.Payer, t.ShopOwnerAmount); err != nil {
			return transferErr(err, "refund %s to %s", t.PaymentToken, t.Payer)
		}
	}

	err = s.eventRepo.Emit(tx, domain.EventTransactionRefunded, id, map[string]any{
		"payer":         t.Payer,
		"refund_amount": t.ShopOwnerAmount,
	})
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	log.Printf("[ledger] Refunded transaction %d: %d to %s", id, t.ShopOwnerAmount, t.Payer)

	return nil
}

// AddAllowedAsset puts a token on the allow-list. Owner only.
func (s *Service) AddAllowedAsset(caller, asset string) error {
	if err := s.requireOwner(caller); err != nil {
		return err
	}
	if err := s.lock(); err != nil {
		return err
	}
	defer s.unlock()

	asset = domain.NormalizeAddress(asset)
	if domain.IsZeroAddress(asset) {
		return domain.Validationf("asset must not be the zero address")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	allowed, err := s.assetRepo.IsAllowedTx(tx, asset)
	if err != nil {
		return err
	}
	if allowed {
		return domain.Conflictf("asset %s is already allowed", asset)
	}

	if err := s.assetRepo.Add(tx, asset); err != nil {
		return err
	}
	if err := s.eventRepo.Emit(tx, domain.EventTokenAllowed, 0, map[string]any{"asset": asset}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	log.Printf("[ledger] Allowed asset %s", asset)
	return nil
}

// RemoveAllowedAsset takes a token off the allow-list. Owner only. Existing
// transactions in that token become unpayable until it is re-added.
func (s *Service) RemoveAllowedAsset(caller, asset string) error {
	if err := s.requireOwner(caller); err != nil {
		return err
	}
	if err := s.lock(); err != nil {
		return err
	}
	defer s.unlock()

	asset = domain.NormalizeAddress(asset)
	if domain.IsZeroAddress(asset) {
		return domain.Validationf("asset must not be the zero address")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	allowed, err := s.assetRepo.IsAllowedTx(tx, asset)
	if err != nil {
		return err
	}
	if !allowed {
		return domain.Conflictf("asset %s is not allowed", asset)
	}

	if err := s.assetRepo.Remove(tx, asset); err != nil {
		return err
	}
	if err := s.eventRepo.Emit(tx, domain.EventTokenRemoved, 0, map[string]any{"asset": asset}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	log.Printf("[ledger] Removed asset %s", asset)
	return nil
}

// UpdateTaxAddress changes the tax collector. Owner only.
func (s *Service) UpdateTaxAddress(caller, newAddress string) error {
	if err := s.requireOwner(caller); err != nil {
		return err
	}
	if err := s.lock(); err != nil {
		return err
	}
	defer s.unlock()

	newAddress = domain.NormalizeAddress(newAddress)
	if domain.IsZeroAddress(newAddress) {
		return domain.Validationf("tax address must not be the zero address")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	cfg, err := s.cfgRepo.GetTx(tx)
	if err != nil {
		return err
	}

	if err := s.cfgRepo.UpdateTaxAddress(tx, newAddress); err != nil {
		return err
	}
	err = s.eventRepo.Emit(tx, domain.EventTaxAddressUpdated, 0, map[string]any{
		"old": cfg.TaxAddress,
		"new": newAddress,
	})
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	log.Printf("[ledger] Tax address updated: %s -> %s", cfg.TaxAddress, newAddress)
	return nil
}

// EmergencyWithdraw sweeps the custody account's entire native balance to
// the owner. A recovery tool for stuck funds, not part of normal flow.
func (s *Service) EmergencyWithdraw(caller string) (uint64, error) {
	if err := s.requireOwner(caller); err != nil {
		return 0, err
	}
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	// Read the balance inside the sweep transaction so a deposit landing
	// concurrently is either included in the sweep or left untouched,
	// never stranded between the read and the transfer.
	balance, err := s.engine.BalanceOfTx(tx, domain.NativeToken, CustodyAccount)
	if err != nil {
		return 0, err
	}
	if balance == 0 {
		return 0, domain.Conflictf("no native balance to withdraw")
	}

	cfg, err := s.cfgRepo.GetTx(tx)
	if err != nil {
		return 0, err
	}

	if err := s.engine.Transfer(tx, domain.NativeToken, CustodyAccount, cfg.Owner, balance); err != nil {
		return 0, transferErr(err, "sweep custody to %s", cfg.Owner)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	log.Printf("[ledger] Emergency withdraw: %d native to %s", balance, cfg.Owner)
	return balance, nil
}

// --- reads (never take the guard) ---

func (s *Service) GetTransaction(id uint64) (*domain.Transaction, error) {
	t, err := s.txnRepo.GetByID(id)
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundf("transaction %d does not exist", id)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) GetPayerTransactions(address string) ([]uint64, error) {
	return s.idxRepo.TransactionIDs(domain.NormalizeAddress(address), repository.RolePayer)
}

func (s *Service) GetShopOwnerTransactions(address string) ([]uint64, error) {
	return s.idxRepo.TransactionIDs(domain.NormalizeAddress(address), repository.RoleShopOwner)
}

func (s *Service) GetTransactionCounter() (uint64, error) {
	return s.txnRepo.Counter()
}

func (s *Service) IsAssetAllowed(asset string) (bool, error) {
	asset = domain.NormalizeToken(asset)
	if asset == domain.NativeToken {
		return true, nil
	}
	return s.assetRepo.IsAllowed(asset)
}

func (s *Service) Config() (*repository.LedgerConfig, error) {
	return s.cfgRepo.Get()
}

// --- helpers ---

func (s *Service) loadForUpdate(tx *sql.Tx, id uint64) (*domain.Transaction, error) {
	t, err := s.txnRepo.GetForUpdate(tx, id)
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundf("transaction %d does not exist", id)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// becomePayerOfRecord appends the settling payer to the payer index and
// overwrites the transaction's payer field when the settler differs from
// the creator. The creator's index entry stays.
func (s *Service) becomePayerOfRecord(tx *sql.Tx, t *domain.Transaction, caller string) error {
	if caller == t.Payer {
		return nil
	}
	if err := s.idxRepo.Append(tx, caller, repository.RolePayer, t.ID); err != nil {
		return err
	}
	if err := s.txnRepo.UpdatePayer(tx, t.ID, caller); err != nil {
		return err
	}
	t.Payer = caller
	return nil
}

func (s *Service) requireOwner(caller string) error {
	cfg, err := s.cfgRepo.Get()
	if err != nil {
		return err
	}
	if domain.NormalizeAddress(caller) != cfg.Owner {
		return domain.Unauthorizedf("caller is not the ledger owner")
	}
	return nil
}

func transferErr(err error, format string, args ...any) error {
	if errors.Is(err, transfer.ErrInsufficient) {
		return domain.TransferFailed(err, format, args...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
