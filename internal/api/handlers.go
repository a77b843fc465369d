package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/core-pay23/ledger/internal/domain"
	"github.com/core-pay23/ledger/internal/ledger"
	"github.com/core-pay23/ledger/internal/repository"
	"github.com/core-pay23/ledger/internal/transfer"
)

// CallerHeader carries the caller's address on every mutating request. The
// platform in front of this service authenticates the address; here it is
// an opaque identity.
const CallerHeader = "X-Caller"

var validate = validator.New()

// Handlers groups all HTTP handler methods and their dependencies.
type Handlers struct {
	svc       *ledger.Service
	txnRepo   *repository.TransactionRepo
	eventRepo *repository.EventRepo
	assetRepo *repository.AssetRepo
	book      *transfer.Book
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeLedgerError maps the ledger's error taxonomy onto HTTP statuses.
func writeLedgerError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch domain.KindOf(err) {
	case domain.KindValidation:
		status = http.StatusBadRequest
	case domain.KindAuthorization:
		status = http.StatusForbidden
	case domain.KindNotFound:
		status = http.StatusNotFound
	case domain.KindStateConflict:
		status = http.StatusConflict
	case domain.KindTransfer:
		status = http.StatusUnprocessableEntity
	}
	writeError(w, status, err.Error())
}

// caller extracts the caller address from the request header. Empty means
// the request carries no identity and mutating handlers reject it.
func caller(r *http.Request) string {
	return domain.NormalizeAddress(r.Header.Get(CallerHeader))
}

func requireCaller(w http.ResponseWriter, r *http.Request) (string, bool) {
	c := caller(r)
	if c == "" {
		writeError(w, http.StatusBadRequest, CallerHeader+" header is required")
		return "", false
	}
	return c, true
}

func decodeValid(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	if err := validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return false
	}
	return true
}

func parseID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid transaction id")
		return 0, false
	}
	return id, true
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return def
	}
	return v
}

func parseBoolFilter(s string) *bool {
	if s == "" {
		return nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return nil
	}
	return &b
}

// --- transactions ---

type createTransactionRequest struct {
	OriginChain  string `json:"origin_chain" validate:"required"`
	TotalPayment uint64 `json:"total_payment" validate:"required,gt=0"`
	ShopOwner    string `json:"shop_owner" validate:"required"`
	PaymentToken string `json:"payment_token"`
}

func (h *Handlers) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	c, ok := requireCaller(w, r)
	if !ok {
		return
	}

	var req createTransactionRequest
	if !decodeValid(w, r, &req) {
		return
	}

	id, err := h.svc.CreateTransaction(c, req.OriginChain, req.TotalPayment, req.ShopOwner, req.PaymentToken)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"transaction_id": id})
}

type createTransactionForRequest struct {
	Payer        string `json:"payer" validate:"required"`
	OriginChain  string `json:"origin_chain" validate:"required"`
	TotalPayment uint64 `json:"total_payment" validate:"required,gt=0"`
	ShopOwner    string `json:"shop_owner" validate:"required"`
	PaymentToken string `json:"payment_token"`
}

func (h *Handlers) CreateTransactionFor(w http.ResponseWriter, r *http.Request) {
	var req createTransactionForRequest
	if !decodeValid(w, r, &req) {
		return
	}

	id, err := h.svc.CreateTransactionFor(req.Payer, req.OriginChain, req.TotalPayment, req.ShopOwner, req.PaymentToken)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"transaction_id": id})
}

func (h *Handlers) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.TransactionFilter{
		Payer:        domain.NormalizeAddress(q.Get("payer")),
		ShopOwner:    domain.NormalizeAddress(q.Get("shop_owner")),
		PaymentToken: q.Get("payment_token"),
		IsPaid:       parseBoolFilter(q.Get("is_paid")),
		IsRefunded:   parseBoolFilter(q.Get("is_refunded")),
		Page:         parseIntDefault(q.Get("page"), 1),
		Limit:        parseIntDefault(q.Get("limit"), 50),
	}

	txns, total, err := h.txnRepo.List(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": txns,
		"total":        total,
		"page":         filter.Page,
		"limit":        filter.Limit,
	})
}

func (h *Handlers) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	txn, err := h.svc.GetTransaction(id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	events, err := h.eventRepo.ByTransaction(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"transaction": txn,
		"events":      events,
	})
}

func (h *Handlers) GetTransactionCounter(w http.ResponseWriter, r *http.Request) {
	counter, err := h.svc.GetTransactionCounter()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"counter": counter})
}

type payRequest struct {
	Amount uint64 `json:"amount"`
}

func (h *Handlers) PayTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	c, ok := requireCaller(w, r)
	if !ok {
		return
	}

	var req payRequest
	if !decodeValid(w, r, &req) {
		return
	}

	if err := h.svc.PayTransaction(id, c, req.Amount); err != nil {
		writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "transaction_id": id})
}

func (h *Handlers) PayTransactionWithToken(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	c, ok := requireCaller(w, r)
	if !ok {
		return
	}

	if err := h.svc.PayTransactionWithToken(id, c); err != nil {
		writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "transaction_id": id})
}

type refundRequest struct {
	Amount uint64 `json:"amount"`
}

func (h *Handlers) RefundTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	c, ok := requireCaller(w, r)
	if !ok {
		return
	}

	var req refundRequest
	if !decodeValid(w, r, &req) {
		return
	}

	if err := h.svc.RefundTransaction(id, c, req.Amount); err != nil {
		writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "transaction_id": id})
}

// --- participant indices ---

func (h *Handlers) GetPayerTransactions(w http.ResponseWriter, r *http.Request) {
	ids, err := h.svc.GetPayerTransactions(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction_ids": ids})
}

func (h *Handlers) GetShopOwnerTransactions(w http.ResponseWriter, r *http.Request) {
	ids, err := h.svc.GetShopOwnerTransactions(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction_ids": ids})
}

// --- allowed-asset registry ---

type assetRequest struct {
	Asset string `json:"asset" validate:"required"`
}

func (h *Handlers) AddAllowedAsset(w http.ResponseWriter, r *http.Request) {
	c, ok := requireCaller(w, r)
	if !ok {
		return
	}

	var req assetRequest
	if !decodeValid(w, r, &req) {
		return
	}

	if err := h.svc.AddAllowedAsset(c, req.Asset); err != nil {
		writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"asset": domain.NormalizeAddress(req.Asset), "allowed": true})
}

func (h *Handlers) RemoveAllowedAsset(w http.ResponseWriter, r *http.Request) {
	c, ok := requireCaller(w, r)
	if !ok {
		return
	}

	asset := chi.URLParam(r, "asset")
	if err := h.svc.RemoveAllowedAsset(c, asset); err != nil {
		writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"asset": domain.NormalizeAddress(asset), "allowed": false})
}

func (h *Handlers) IsAssetAllowed(w http.ResponseWriter, r *http.Request) {
	allowed, err := h.svc.IsAssetAllowed(chi.URLParam(r, "asset"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"allowed": allowed})
}

func (h *Handlers) ListAllowedAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := h.assetRepo.ListAllowed()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"assets": assets})
}

// --- tax ---

// GetTaxQuote exposes the pure tax calculators: the split for a
// hypothetical amount, without touching any state.
func (h *Handlers) GetTaxQuote(w http.ResponseWriter, r *http.Request) {
	amount, err := strconv.ParseUint(r.URL.Query().Get("amount"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "amount query parameter must be a non-negative integer")
		return
	}

	writeJSON(w, http.StatusOK, map[string]uint64{
		"amount":            amount,
		"tax_amount":        domain.TaxAmountFor(amount),
		"shop_owner_amount": domain.ShopOwnerAmountFor(amount),
	})
}

type taxAddressRequest struct {
	Address string `json:"address" validate:"required"`
}

func (h *Handlers) UpdateTaxAddress(w http.ResponseWriter, r *http.Request) {
	c, ok := requireCaller(w, r)
	if !ok {
		return
	}

	var req taxAddressRequest
	if !decodeValid(w, r, &req) {
		return
	}

	if err := h.svc.UpdateTaxAddress(c, req.Address); err != nil {
		writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"tax_address": domain.NormalizeAddress(req.Address)})
}

// --- owner recovery ---

func (h *Handlers) EmergencyWithdraw(w http.ResponseWriter, r *http.Request) {
	c, ok := requireCaller(w, r)
	if !ok {
		return
	}

	amount, err := h.svc.EmergencyWithdraw(c)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]uint64{"withdrawn": amount})
}

// --- audit log and dashboard ---

func (h *Handlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var txnID uint64
	if s := q.Get("transaction_id"); s != "" {
		txnID, _ = strconv.ParseUint(s, 10, 64)
	}

	filter := repository.EventFilter{
		Type:          q.Get("type"),
		TransactionID: txnID,
		Page:          parseIntDefault(q.Get("page"), 1),
		Limit:         parseIntDefault(q.Get("limit"), 50),
	}

	events, total, err := h.eventRepo.List(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"total":  total,
		"page":   filter.Page,
		"limit":  filter.Limit,
	})
}

func (h *Handlers) GetDashboard(w http.ResponseWriter, r *http.Request) {
	stats, err := h.txnRepo.GetLedgerStats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	volumes, err := h.txnRepo.GetVolumeByToken()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	cfg, err := h.svc.Config()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"stats":        stats,
		"by_token":     volumes,
		"tax_address":  cfg.TaxAddress,
		"tax_rate_bps": domain.TaxBasisPoints,
	})
}

// --- transfer-engine stand-in ---

type depositRequest struct {
	Account string `json:"account" validate:"required"`
	Asset   string `json:"asset"`
	Amount  uint64 `json:"amount" validate:"required,gt=0"`
}

func (h *Handlers) BankDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !decodeValid(w, r, &req) {
		return
	}

	account := domain.NormalizeAddress(req.Account)
	asset := domain.NormalizeToken(req.Asset)

	if err := h.book.Deposit(account, asset, req.Amount); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"account": account, "asset": asset})
}

type approveRequest struct {
	Spender string `json:"spender"`
	Asset   string `json:"asset"`
	Amount  uint64 `json:"amount"`
}

func (h *Handlers) BankApprove(w http.ResponseWriter, r *http.Request) {
	c, ok := requireCaller(w, r)
	if !ok {
		return
	}

	var req approveRequest
	if !decodeValid(w, r, &req) {
		return
	}

	// The usual spender is the ledger custody account.
	spender := domain.NormalizeAddress(req.Spender)
	if spender == "" {
		spender = ledger.CustodyAccount
	}
	asset := domain.NormalizeToken(req.Asset)

	if err := h.book.Approve(c, spender, asset, req.Amount); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"owner":   c,
		"spender": spender,
		"asset":   asset,
		"amount":  req.Amount,
	})
}

type bankTransferRequest struct {
	To     string `json:"to" validate:"required"`
	Asset  string `json:"asset"`
	Amount uint64 `json:"amount" validate:"required,gt=0"`
}

func (h *Handlers) BankTransfer(w http.ResponseWriter, r *http.Request) {
	c, ok := requireCaller(w, r)
	if !ok {
		return
	}

	var req bankTransferRequest
	if !decodeValid(w, r, &req) {
		return
	}

	to := domain.NormalizeAddress(req.To)

	// No implicit deposit semantics: value only enters custody through a
	// payment or refund operation.
	if to == ledger.CustodyAccount {
		writeError(w, http.StatusBadRequest, "direct transfers to the ledger are not accepted")
		return
	}

	if err := h.book.Send(domain.NormalizeToken(req.Asset), c, to, req.Amount); err != nil {
		writeLedgerError(w, domain.TransferFailed(err, "transfer to %s", to))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"from": c, "to": to, "amount": req.Amount})
}

func (h *Handlers) BankBalance(w http.ResponseWriter, r *http.Request) {
	account := domain.NormalizeAddress(chi.URLParam(r, "address"))
	asset := domain.NormalizeToken(r.URL.Query().Get("asset"))

	balance, err := h.book.BalanceOf(asset, account)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"account": account,
		"asset":   asset,
		"balance": balance,
	})
}
