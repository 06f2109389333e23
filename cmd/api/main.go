package main

import (
	"context"
	"log"
	"os"

	"escrowflow/agreement"
	"escrowflow/arbitration"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/ledger"
	"escrowflow/payout"
	"escrowflow/relay"
)

func main() {
	ctx := context.Background()

	connString := os.Getenv("DATABASE_URL")
	pool, err := db.NewPool(ctx, connString)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	jwtSecret := os.Getenv("RELAY_JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("RELAY_JWT_SECRET is required")
	}

	rail := payout.NewMemoryRail()
	ledgerRepo := ledger.NewRepository(pool)

	agreements := agreement.NewService(pool, ledgerRepo, rail)
	ledgers := ledger.NewService(pool, ledgerRepo, rail)
	disputes := dispute.NewService(pool, nil, ledgerRepo)
	executor := arbitration.NewService(pool, nil, nil, ledgerRepo, rail, arbitration.Config{})
	relays := relay.NewService(pool, relay.NewRepository(pool), executor, jwtSecret)

	log.Printf("escrow engine ready: agreements=%v ledger=%v disputes=%v executor=%v relay=%v",
		agreements != nil, ledgers != nil, disputes != nil, executor != nil, relays != nil)
}
