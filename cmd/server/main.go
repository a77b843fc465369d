package main

import (
	"log"
	"net/http"
	"os"

	"github.com/core-pay23/ledger/internal/api"
	"github.com/core-pay23/ledger/internal/domain"
	"github.com/core-pay23/ledger/internal/ledger"
	"github.com/core-pay23/ledger/internal/repository"
	"github.com/core-pay23/ledger/internal/transfer"
)

func main() {
	port := getenv("PORT", "8080")
	dbPath := getenv("DB_PATH", "corepay.db")

	owner := domain.NormalizeAddress(os.Getenv("LEDGER_OWNER"))
	if owner == "" {
		log.Fatal("LEDGER_OWNER is required")
	}
	taxAddress := domain.NormalizeAddress(os.Getenv("TAX_ADDRESS"))
	if taxAddress == "" {
		log.Fatal("TAX_ADDRESS is required")
	}

	log.Printf("Initializing database at %s", dbPath)
	db, err := repository.InitDB(dbPath)
	if err != nil {
		log.Fatalf("Failed to init DB: %v", err)
	}
	defer db.Close()

	// Create repositories.
	txnRepo := repository.NewTransactionRepo(db)
	idxRepo := repository.NewIndexRepo(db)
	assetRepo := repository.NewAssetRepo(db)
	eventRepo := repository.NewEventRepo(db)
	cfgRepo := repository.NewConfigRepo(db)

	// Ownership and tax config persist across restarts; an existing row wins.
	cfg, err := cfgRepo.Ensure(owner, taxAddress)
	if err != nil {
		log.Fatalf("Failed to init config: %v", err)
	}
	if cfg.Owner != owner {
		log.Printf("WARNING: LEDGER_OWNER=%s ignored, ledger already owned by %s", owner, cfg.Owner)
	}

	// Transfer engine and the ledger itself.
	book := transfer.NewBook(db)
	svc := ledger.NewService(db, txnRepo, idxRepo, assetRepo, eventRepo, cfgRepo, book)

	// Create router.
	router := api.NewRouter(svc, txnRepo, eventRepo, assetRepo, book)

	log.Printf("CorePay Tax-Split Transaction Ledger")
	log.Printf("Owner: %s, tax collector: %s, tax rate: %d bps", cfg.Owner, cfg.TaxAddress, domain.TaxBasisPoints)
	log.Printf("Listening on http://localhost:%s", port)
	log.Printf("API base: http://localhost:%s/api/v1", port)
	log.Printf("")
	log.Printf("Endpoints:")
	log.Printf("  POST   /api/v1/transactions")
	log.Printf("  POST   /api/v1/transactions/{id}/pay")
	log.Printf("  POST   /api/v1/transactions/{id}/pay-token")
	log.Printf("  POST   /api/v1/transactions/{id}/refund")
	log.Printf("  GET    /api/v1/transactions")
	log.Printf("  GET    /api/v1/transactions/{id}")
	log.Printf("  GET    /api/v1/payers/{address}/transactions")
	log.Printf("  GET    /api/v1/shop-owners/{address}/transactions")
	log.Printf("  POST   /api/v1/assets")
	log.Printf("  GET    /api/v1/events")
	log.Printf("  GET    /api/v1/dashboard")

	if err := http.ListenAndServe(":"+port, router); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
