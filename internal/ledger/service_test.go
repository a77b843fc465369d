package ledger_test

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/core-pay23/ledger/internal/domain"
	"github.com/core-pay23/ledger/internal/ledger"
	"github.com/core-pay23/ledger/internal/repository"
	"github.com/core-pay23/ledger/internal/transfer"
)

const (
	owner      = "0xowner"
	taxAddr    = "0xtaxcollector"
	creator    = "0xcreator"
	payer      = "0xpayer"
	shopOwner  = "0xshopowner"
	tokenAsset = "0xtoken"
)

type env struct {
	db        *sql.DB
	svc       *ledger.Service
	book      *transfer.Book
	txnRepo   *repository.TransactionRepo
	idxRepo   *repository.IndexRepo
	eventRepo *repository.EventRepo
}

func newEnv(t *testing.T) *env {
	t.Helper()

	db, err := repository.InitDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	txnRepo := repository.NewTransactionRepo(db)
	idxRepo := repository.NewIndexRepo(db)
	assetRepo := repository.NewAssetRepo(db)
	eventRepo := repository.NewEventRepo(db)
	cfgRepo := repository.NewConfigRepo(db)

	_, err = cfgRepo.Ensure(owner, taxAddr)
	require.NoError(t, err)

	book := transfer.NewBook(db)
	svc := ledger.NewService(db, txnRepo, idxRepo, assetRepo, eventRepo, cfgRepo, book)

	return &env{db: db, svc: svc, book: book, txnRepo: txnRepo, idxRepo: idxRepo, eventRepo: eventRepo}
}

func (e *env) balance(t *testing.T, asset, account string) uint64 {
	t.Helper()
	bal, err := e.book.BalanceOf(asset, account)
	require.NoError(t, err)
	return bal
}

func (e *env) eventTypes(t *testing.T, txnID uint64) []domain.EventType {
	t.Helper()
	events, err := e.eventRepo.ByTransaction(txnID)
	require.NoError(t, err)
	types := make([]domain.EventType, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

func TestCreateTransaction(t *testing.T) {
	e := newEnv(t)

	id, err := e.svc.CreateTransaction(creator, "base", 1000000, shopOwner, "")
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)

	txn, err := e.svc.GetTransaction(1)
	require.NoError(t, err)
	require.Equal(t, creator, txn.Payer)
	require.Equal(t, shopOwner, txn.ShopOwner)
	require.Equal(t, uint64(1000000), txn.TotalPayment)
	require.Equal(t, uint64(5000), txn.TaxAmount)
	require.Equal(t, uint64(995000), txn.ShopOwnerAmount)
	require.Equal(t, domain.NativeToken, txn.PaymentToken)
	require.False(t, txn.IsPaid)
	require.False(t, txn.IsRefunded)

	payerIDs, err := e.svc.GetPayerTransactions(creator)
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, payerIDs)

	shopIDs, err := e.svc.GetShopOwnerTransactions(shopOwner)
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, shopIDs)

	require.Equal(t, []domain.EventType{domain.EventTransactionCreated}, e.eventTypes(t, 1))
}

func TestCreateTransactionIDsIncrease(t *testing.T) {
	e := newEnv(t)

	for want := uint64(1); want <= 3; want++ {
		id, err := e.svc.CreateTransaction(creator, "base", 100, shopOwner, "")
		require.NoError(t, err)
		require.Equal(t, want, id)
	}

	counter, err := e.svc.GetTransactionCounter()
	require.NoError(t, err)
	require.Equal(t, uint64(3), counter)
}

func TestCreateTransactionValidation(t *testing.T) {
	e := newEnv(t)

	cases := []struct {
		name         string
		payer, chain string
		total        uint64
		shop, token  string
	}{
		{"zero total", creator, "base", 0, shopOwner, ""},
		{"empty chain", creator, "", 100, shopOwner, ""},
		{"zero shop owner", creator, "base", 100, domain.ZeroAddress, ""},
		{"zero payer", "", "base", 100, shopOwner, ""},
		{"unallowed token", creator, "base", 100, shopOwner, tokenAsset},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := e.svc.CreateTransaction(c.payer, c.chain, c.total, c.shop, c.token)
			require.Equal(t, domain.KindValidation, domain.KindOf(err))
		})
	}

	// No id was consumed by any failed create.
	counter, err := e.svc.GetTransactionCounter()
	require.NoError(t, err)
	require.Equal(t, uint64(0), counter)
}

func TestCreateTransactionForSkipsAllowList(t *testing.T) {
	e := newEnv(t)

	// tokenAsset was never allow-listed; the trusted variant accepts it.
	id, err := e.svc.CreateTransactionFor(payer, "base", 100, shopOwner, tokenAsset)
	require.NoError(t, err)

	txn, err := e.svc.GetTransaction(id)
	require.NoError(t, err)
	require.Equal(t, payer, txn.Payer)
	require.Equal(t, tokenAsset, txn.PaymentToken)
}

func TestPayTransaction(t *testing.T) {
	e := newEnv(t)

	id, err := e.svc.CreateTransaction(payer, "base", 1000000, shopOwner, "")
	require.NoError(t, err)
	require.NoError(t, e.book.Deposit(payer, domain.NativeToken, 1000000))

	require.NoError(t, e.svc.PayTransaction(id, payer, 1000000))

	txn, err := e.svc.GetTransaction(id)
	require.NoError(t, err)
	require.True(t, txn.IsPaid)

	require.Equal(t, uint64(0), e.balance(t, domain.NativeToken, payer))
	require.Equal(t, uint64(5000), e.balance(t, domain.NativeToken, taxAddr))
	require.Equal(t, uint64(995000), e.balance(t, domain.NativeToken, shopOwner))
	require.Equal(t, uint64(0), e.balance(t, domain.NativeToken, ledger.CustodyAccount))

	require.Equal(t,
		[]domain.EventType{domain.EventTransactionCreated, domain.EventTransactionPaid},
		e.eventTypes(t, id))
}

func TestPayTransactionExactAmountOnly(t *testing.T) {
	e := newEnv(t)

	id, err := e.svc.CreateTransaction(payer, "base", 1000, shopOwner, "")
	require.NoError(t, err)
	require.NoError(t, e.book.Deposit(payer, domain.NativeToken, 2000))

	err = e.svc.PayTransaction(id, payer, 999)
	require.Equal(t, domain.KindValidation, domain.KindOf(err))

	err = e.svc.PayTransaction(id, payer, 1001)
	require.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestPayTransactionAlreadyPaid(t *testing.T) {
	e := newEnv(t)

	id, err := e.svc.CreateTransaction(payer, "base", 1000, shopOwner, "")
	require.NoError(t, err)
	require.NoError(t, e.book.Deposit(payer, domain.NativeToken, 2000))

	require.NoError(t, e.svc.PayTransaction(id, payer, 1000))

	err = e.svc.PayTransaction(id, payer, 1000)
	require.Equal(t, domain.KindStateConflict, domain.KindOf(err))
}

func TestPayTransactionNotFound(t *testing.T) {
	e := newEnv(t)

	err := e.svc.PayTransaction(42, payer, 1000)
	require.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestPayerOfRecordOverride(t *testing.T) {
	e := newEnv(t)

	id, err := e.svc.CreateTransaction(creator, "base", 1000, shopOwner, "")
	require.NoError(t, err)
	require.NoError(t, e.book.Deposit(payer, domain.NativeToken, 1000))

	// A different address settles: it becomes the payer of record.
	require.NoError(t, e.svc.PayTransaction(id, payer, 1000))

	txn, err := e.svc.GetTransaction(id)
	require.NoError(t, err)
	require.Equal(t, payer, txn.Payer)

	// Both index entries survive.
	creatorIDs, err := e.svc.GetPayerTransactions(creator)
	require.NoError(t, err)
	require.Equal(t, []uint64{id}, creatorIDs)

	payerIDs, err := e.svc.GetPayerTransactions(payer)
	require.NoError(t, err)
	require.Equal(t, []uint64{id}, payerIDs)
}

func TestPayTransactionInsufficientFundsRollsBack(t *testing.T) {
	e := newEnv(t)

	id, err := e.svc.CreateTransaction(payer, "base", 1000, shopOwner, "")
	require.NoError(t, err)

	err = e.svc.PayTransaction(id, payer, 1000)
	require.Equal(t, domain.KindTransfer, domain.KindOf(err))

	// The failed settlement left no trace: not paid, no event, no funds moved.
	txn, err := e.svc.GetTransaction(id)
	require.NoError(t, err)
	require.False(t, txn.IsPaid)
	require.Equal(t, []domain.EventType{domain.EventTransactionCreated}, e.eventTypes(t, id))
	require.Equal(t, uint64(0), e.balance(t, domain.NativeToken, shopOwner))

	// The transaction is still payable once funded.
	require.NoError(t, e.book.Deposit(payer, domain.NativeToken, 1000))
	require.NoError(t, e.svc.PayTransaction(id, payer, 1000))
}

func TestPayTokenTransaction(t *testing.T) {
	e := newEnv(t)

	require.NoError(t, e.svc.AddAllowedAsset(owner, tokenAsset))

	id, err := e.svc.CreateTransaction(payer, "base", 1000000, shopOwner, tokenAsset)
	require.NoError(t, err)

	require.NoError(t, e.book.Deposit(payer, tokenAsset, 1000000))
	require.NoError(t, e.book.Approve(payer, ledger.CustodyAccount, tokenAsset, 1000000))

	require.NoError(t, e.svc.PayTransactionWithToken(id, payer))

	require.Equal(t, uint64(0), e.balance(t, tokenAsset, payer))
	require.Equal(t, uint64(5000), e.balance(t, tokenAsset, taxAddr))
	require.Equal(t, uint64(995000), e.balance(t, tokenAsset, shopOwner))

	txn, err := e.svc.GetTransaction(id)
	require.NoError(t, err)
	require.True(t, txn.IsPaid)
}

func TestPayTokenWithoutAllowanceFails(t *testing.T) {
	e := newEnv(t)

	require.NoError(t, e.svc.AddAllowedAsset(owner, tokenAsset))

	id, err := e.svc.CreateTransaction(payer, "base", 1000, shopOwner, tokenAsset)
	require.NoError(t, err)
	require.NoError(t, e.book.Deposit(payer, tokenAsset, 1000))

	err = e.svc.PayTransactionWithToken(id, payer)
	require.Equal(t, domain.KindTransfer, domain.KindOf(err))
}

func TestPayTokenRemovedFromAllowListFails(t *testing.T) {
	e := newEnv(t)

	require.NoError(t, e.svc.AddAllowedAsset(owner, tokenAsset))

	id, err := e.svc.CreateTransaction(payer, "base", 1000, shopOwner, tokenAsset)
	require.NoError(t, err)

	// Allowed at creation, removed before payment: no longer payable.
	require.NoError(t, e.svc.RemoveAllowedAsset(owner, tokenAsset))

	require.NoError(t, e.book.Deposit(payer, tokenAsset, 1000))
	require.NoError(t, e.book.Approve(payer, ledger.CustodyAccount, tokenAsset, 1000))

	err = e.svc.PayTransactionWithToken(id, payer)
	require.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestPayWrongKindRejected(t *testing.T) {
	e := newEnv(t)

	require.NoError(t, e.svc.AddAllowedAsset(owner, tokenAsset))

	nativeID, err := e.svc.CreateTransaction(payer, "base", 1000, shopOwner, "")
	require.NoError(t, err)
	tokenID, err := e.svc.CreateTransaction(payer, "base", 1000, shopOwner, tokenAsset)
	require.NoError(t, err)

	err = e.svc.PayTransactionWithToken(nativeID, payer)
	require.Equal(t, domain.KindValidation, domain.KindOf(err))

	err = e.svc.PayTransaction(tokenID, payer, 1000)
	require.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestRefundNative(t *testing.T) {
	e := newEnv(t)

	id, err := e.svc.CreateTransaction(payer, "base", 1000000, shopOwner, "")
	require.NoError(t, err)
	require.NoError(t, e.book.Deposit(payer, domain.NativeToken, 1000000))
	require.NoError(t, e.svc.PayTransaction(id, payer, 1000000))

	// The refund is the post-tax amount; tax stays with the collector.
	require.NoError(t, e.svc.RefundTransaction(id, shopOwner, 995000))

	txn, err := e.svc.GetTransaction(id)
	require.NoError(t, err)
	require.True(t, txn.IsRefunded)

	require.Equal(t, uint64(995000), e.balance(t, domain.NativeToken, payer))
	require.Equal(t, uint64(0), e.balance(t, domain.NativeToken, shopOwner))
	require.Equal(t, uint64(5000), e.balance(t, domain.NativeToken, taxAddr))

	// A second refund fails.
	err = e.svc.RefundTransaction(id, shopOwner, 995000)
	require.Equal(t, domain.KindStateConflict, domain.KindOf(err))
}

func TestRefundPreconditions(t *testing.T) {
	e := newEnv(t)

	id, err := e.svc.CreateTransaction(payer, "base", 1000, shopOwner, "")
	require.NoError(t, err)

	// Not paid yet.
	err = e.svc.RefundTransaction(id, shopOwner, 995)
	require.Equal(t, domain.KindStateConflict, domain.KindOf(err))

	require.NoError(t, e.book.Deposit(payer, domain.NativeToken, 1000))
	require.NoError(t, e.svc.PayTransaction(id, payer, 1000))

	// Only the shop owner may refund.
	err = e.svc.RefundTransaction(id, payer, 995)
	require.Equal(t, domain.KindAuthorization, domain.KindOf(err))

	// The refund amount must be the shop-owner share exactly.
	err = e.svc.RefundTransaction(id, shopOwner, 1000)
	require.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestRefundToken(t *testing.T) {
	e := newEnv(t)

	require.NoError(t, e.svc.AddAllowedAsset(owner, tokenAsset))

	id, err := e.svc.CreateTransaction(payer, "base", 1000000, shopOwner, tokenAsset)
	require.NoError(t, err)
	require.NoError(t, e.book.Deposit(payer, tokenAsset, 1000000))
	require.NoError(t, e.book.Approve(payer, ledger.CustodyAccount, tokenAsset, 1000000))
	require.NoError(t, e.svc.PayTransactionWithToken(id, payer))

	// Token refunds move shop owner -> payer via a fresh allowance.
	require.NoError(t, e.book.Approve(shopOwner, ledger.CustodyAccount, tokenAsset, 995000))
	require.NoError(t, e.svc.RefundTransaction(id, shopOwner, 0))

	require.Equal(t, uint64(995000), e.balance(t, tokenAsset, payer))
	require.Equal(t, uint64(0), e.balance(t, tokenAsset, shopOwner))
}

func TestRefundGoesToPayerOfRecord(t *testing.T) {
	e := newEnv(t)

	id, err := e.svc.CreateTransaction(creator, "base", 1000, shopOwner, "")
	require.NoError(t, err)
	require.NoError(t, e.book.Deposit(payer, domain.NativeToken, 1000))
	require.NoError(t, e.svc.PayTransaction(id, payer, 1000))

	require.NoError(t, e.svc.RefundTransaction(id, shopOwner, 995))

	// The settler, not the creator, receives the refund.
	require.Equal(t, uint64(995), e.balance(t, domain.NativeToken, payer))
	require.Equal(t, uint64(0), e.balance(t, domain.NativeToken, creator))
}

func TestAllowListManagement(t *testing.T) {
	e := newEnv(t)

	// Owner only.
	err := e.svc.AddAllowedAsset(payer, tokenAsset)
	require.Equal(t, domain.KindAuthorization, domain.KindOf(err))

	// Zero address rejected.
	err = e.svc.AddAllowedAsset(owner, domain.ZeroAddress)
	require.Equal(t, domain.KindValidation, domain.KindOf(err))

	require.NoError(t, e.svc.AddAllowedAsset(owner, tokenAsset))

	allowed, err := e.svc.IsAssetAllowed(tokenAsset)
	require.NoError(t, err)
	require.True(t, allowed)

	// Double add conflicts.
	err = e.svc.AddAllowedAsset(owner, tokenAsset)
	require.Equal(t, domain.KindStateConflict, domain.KindOf(err))

	require.NoError(t, e.svc.RemoveAllowedAsset(owner, tokenAsset))

	allowed, err = e.svc.IsAssetAllowed(tokenAsset)
	require.NoError(t, err)
	require.False(t, allowed)

	// Removing an absent asset conflicts.
	err = e.svc.RemoveAllowedAsset(owner, tokenAsset)
	require.Equal(t, domain.KindStateConflict, domain.KindOf(err))
}

func TestNativeAlwaysAllowed(t *testing.T) {
	e := newEnv(t)

	allowed, err := e.svc.IsAssetAllowed("")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = e.svc.IsAssetAllowed(domain.NativeToken)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestUpdateTaxAddress(t *testing.T) {
	e := newEnv(t)

	err := e.svc.UpdateTaxAddress(payer, "0xnewtax")
	require.Equal(t, domain.KindAuthorization, domain.KindOf(err))

	err = e.svc.UpdateTaxAddress(owner, domain.ZeroAddress)
	require.Equal(t, domain.KindValidation, domain.KindOf(err))

	require.NoError(t, e.svc.UpdateTaxAddress(owner, "0xnewtax"))

	cfg, err := e.svc.Config()
	require.NoError(t, err)
	require.Equal(t, "0xnewtax", cfg.TaxAddress)

	// Subsequent settlements pay the new collector.
	id, err := e.svc.CreateTransaction(payer, "base", 1000000, shopOwner, "")
	require.NoError(t, err)
	require.NoError(t, e.book.Deposit(payer, domain.NativeToken, 1000000))
	require.NoError(t, e.svc.PayTransaction(id, payer, 1000000))
	require.Equal(t, uint64(5000), e.balance(t, domain.NativeToken, "0xnewtax"))
}

func TestEmergencyWithdraw(t *testing.T) {
	e := newEnv(t)

	_, err := e.svc.EmergencyWithdraw(payer)
	require.Equal(t, domain.KindAuthorization, domain.KindOf(err))

	// Nothing in custody yet.
	_, err = e.svc.EmergencyWithdraw(owner)
	require.Equal(t, domain.KindStateConflict, domain.KindOf(err))

	// Simulate stuck funds in custody.
	require.NoError(t, e.book.Deposit(ledger.CustodyAccount, domain.NativeToken, 7777))

	amount, err := e.svc.EmergencyWithdraw(owner)
	require.NoError(t, err)
	require.Equal(t, uint64(7777), amount)
	require.Equal(t, uint64(7777), e.balance(t, domain.NativeToken, owner))
	require.Equal(t, uint64(0), e.balance(t, domain.NativeToken, ledger.CustodyAccount))
}

// sweepEngine records which transaction each engine call ran under.
type sweepEngine struct {
	*transfer.Book
	balanceTx  *sql.Tx
	transferTx *sql.Tx
}

func (e *sweepEngine) BalanceOfTx(tx *sql.Tx, asset, account string) (uint64, error) {
	e.balanceTx = tx
	return e.Book.BalanceOfTx(tx, asset, account)
}

func (e *sweepEngine) Transfer(tx *sql.Tx, asset, from, to string, amount uint64) error {
	e.transferTx = tx
	return e.Book.Transfer(tx, asset, from, to, amount)
}

func TestEmergencyWithdrawReadsBalanceInSweepTransaction(t *testing.T) {
	db, err := repository.InitDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	txnRepo := repository.NewTransactionRepo(db)
	idxRepo := repository.NewIndexRepo(db)
	assetRepo := repository.NewAssetRepo(db)
	eventRepo := repository.NewEventRepo(db)
	cfgRepo := repository.NewConfigRepo(db)
	_, err = cfgRepo.Ensure(owner, taxAddr)
	require.NoError(t, err)

	book := transfer.NewBook(db)
	engine := &sweepEngine{Book: book}
	svc := ledger.NewService(db, txnRepo, idxRepo, assetRepo, eventRepo, cfgRepo, engine)

	require.NoError(t, book.Deposit(ledger.CustodyAccount, domain.NativeToken, 4242))

	amount, err := svc.EmergencyWithdraw(owner)
	require.NoError(t, err)
	require.Equal(t, uint64(4242), amount)

	// The balance read and the sweep share one transaction, so a deposit
	// landing mid-sweep can never be stranded between them.
	require.NotNil(t, engine.balanceTx)
	require.Same(t, engine.balanceTx, engine.transferTx)
}

// reentrantEngine wraps the real book and attacks the ledger during the
// first transfer leg, the way a hostile token callback would.
type reentrantEngine struct {
	*transfer.Book
	svc       *ledger.Service
	attacked  bool
	attackErr error
}

func (e *reentrantEngine) Transfer(tx *sql.Tx, asset, from, to string, amount uint64) error {
	if !e.attacked {
		e.attacked = true
		e.attackErr = e.svc.PayTransaction(1, "0xmallory", 1000)
	}
	return e.Book.Transfer(tx, asset, from, to, amount)
}

func TestReentrantCallRejected(t *testing.T) {
	db, err := repository.InitDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	txnRepo := repository.NewTransactionRepo(db)
	idxRepo := repository.NewIndexRepo(db)
	assetRepo := repository.NewAssetRepo(db)
	eventRepo := repository.NewEventRepo(db)
	cfgRepo := repository.NewConfigRepo(db)
	_, err = cfgRepo.Ensure(owner, taxAddr)
	require.NoError(t, err)

	book := transfer.NewBook(db)
	engine := &reentrantEngine{Book: book}
	svc := ledger.NewService(db, txnRepo, idxRepo, assetRepo, eventRepo, cfgRepo, engine)
	engine.svc = svc

	id, err := svc.CreateTransaction(payer, "base", 1000, shopOwner, "")
	require.NoError(t, err)
	require.NoError(t, book.Deposit(payer, domain.NativeToken, 1000))

	// The outer settlement succeeds; the nested attack bounced off the guard.
	require.NoError(t, svc.PayTransaction(id, payer, 1000))
	require.True(t, engine.attacked)
	require.Equal(t, domain.KindStateConflict, domain.KindOf(engine.attackErr))

	txn, err := svc.GetTransaction(id)
	require.NoError(t, err)
	require.True(t, txn.IsPaid)
}

func TestGetTransactionNotFound(t *testing.T) {
	e := newEnv(t)

	_, err := e.svc.GetTransaction(1)
	require.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestIndicesEmptyForUnknownAddress(t *testing.T) {
	e := newEnv(t)

	ids, err := e.svc.GetPayerTransactions("0xnobody")
	require.NoError(t, err)
	require.Empty(t, ids)

	ids, err = e.svc.GetShopOwnerTransactions("0xnobody")
	require.NoError(t, err)
	require.Empty(t, ids)
}
