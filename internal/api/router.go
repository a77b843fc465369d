package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/core-pay23/ledger/internal/ledger"
	"github.com/core-pay23/ledger/internal/repository"
	"github.com/core-pay23/ledger/internal/transfer"
)

// NewRouter creates the Chi router with all API routes mounted.
func NewRouter(
	svc *ledger.Service,
	txnRepo *repository.TransactionRepo,
	eventRepo *repository.EventRepo,
	assetRepo *repository.AssetRepo,
	book *transfer.Book,
) http.Handler {
	h := &Handlers{
		svc:       svc,
		txnRepo:   txnRepo,
		eventRepo: eventRepo,
		assetRepo: assetRepo,
		book:      book,
	}

	r := chi.NewRouter()

	// Middleware.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.SetHeader("Content-Type", "application/json"))

	// The ledger has no default acceptance behavior: anything that is not
	// a recognized operation is rejected explicitly.
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, http.StatusNotFound, "unknown operation")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "unknown operation")
	})

	r.Route("/api/v1", func(r chi.Router) {
		// Transactions.
		r.Post("/transactions", h.CreateTransaction)
		r.Get("/transactions", h.ListTransactions)
		r.Get("/transactions/counter", h.GetTransactionCounter)
		r.Get("/transactions/{id}", h.GetTransaction)
		r.Post("/transactions/{id}/pay", h.PayTransaction)
		r.Post("/transactions/{id}/pay-token", h.PayTransactionWithToken)
		r.Post("/transactions/{id}/refund", h.RefundTransaction)

		// Participant indices.
		r.Get("/payers/{address}/transactions", h.GetPayerTransactions)
		r.Get("/shop-owners/{address}/transactions", h.GetShopOwnerTransactions)

		// Allowed-asset registry.
		r.Get("/assets", h.ListAllowedAssets)
		r.Post("/assets", h.AddAllowedAsset)
		r.Delete("/assets/{asset}", h.RemoveAllowedAsset)
		r.Get("/assets/{asset}/allowed", h.IsAssetAllowed)

		// Tax.
		r.Get("/tax/quote", h.GetTaxQuote)
		r.Put("/tax/address", h.UpdateTaxAddress)

		// Owner recovery.
		r.Post("/withdraw", h.EmergencyWithdraw)

		// Audit log and dashboard.
		r.Get("/events", h.ListEvents)
		r.Get("/dashboard", h.GetDashboard)

		// Transfer-engine stand-in (faucet, approvals, direct transfers).
		r.Post("/bank/deposit", h.BankDeposit)
		r.Post("/bank/approve", h.BankApprove)
		r.Post("/bank/transfer", h.BankTransfer)
		r.Get("/bank/accounts/{address}/balance", h.BankBalance)
	})

	// Trusted integration flows only: create on behalf of a designated
	// payer, skipping the allow-list check.
	r.Route("/internal", func(r chi.Router) {
		r.Use(LocalOnly)
		r.Post("/transactions", h.CreateTransactionFor)
	})

	return r
}
