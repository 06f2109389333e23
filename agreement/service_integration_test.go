package agreement

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/ledger"
	"escrowflow/payout"
)

// TestAgreementLifecycle_Integration connects to a real PostgreSQL via
// DATABASE_URL and walks an agreement from draft through early termination.
func TestAgreementLifecycle_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if !tableExists(ctx, t, pool, "agreements") || !tableExists(ctx, t, pool, "party_accounts") {
		t.Skip("database schema missing; apply migrations/001_core.sql first")
	}

	var executorID string
	if err := pool.QueryRow(ctx, `INSERT INTO executors (owner_account) VALUES ('0xcourt') RETURNING id`).Scan(&executorID); err != nil {
		t.Fatalf("seed executor: %v", err)
	}

	rail := payout.NewMemoryRail()
	ledgerRepo := ledger.NewRepository(pool)
	svc := NewService(pool, ledgerRepo, rail)
	ledgers := ledger.NewService(pool, ledgerRepo, rail)

	rec, err := svc.Create(ctx, CreateParams{
		Template:       TemplateRental,
		PartyA:         "0xalice",
		PartyB:         "0xbob",
		ExecutorID:     executorID,
		TerminationFee: 100_000,
	})
	if err != nil {
		t.Fatalf("create agreement: %v", err)
	}
	if rec.Status != StatusDraft {
		t.Fatalf("expected draft status, got %s", rec.Status)
	}

	// Both counterparties get zero-balance accounts at creation.
	accounts, err := ledgers.Accounts(ctx, rec.ID)
	if err != nil {
		t.Fatalf("list accounts: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(accounts))
	}
	for _, acct := range accounts {
		if acct.Deposit != 0 || acct.Debt != 0 || acct.Withdrawable != 0 {
			t.Fatalf("expected zero balances, got %+v", acct)
		}
	}

	// Termination requires an active agreement.
	if err := svc.TerminateEarly(ctx, rec.ID, "0xalice"); !errors.Is(err, ErrBadStatus) {
		t.Fatalf("expected ErrBadStatus terminating a draft, got %v", err)
	}

	if err := svc.Activate(ctx, rec.ID, "0xalice"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	// Illegal transition is rejected by the shared validation function.
	err = svc.Transition(ctx, TransitionParams{AgreementID: rec.ID, Actor: "0xalice", NextStatus: StatusDraft})
	if !errors.Is(err, ErrBadStatus) {
		t.Fatalf("expected ErrBadStatus for active -> draft, got %v", err)
	}

	if err := ledgers.Deposit(ctx, rec.ID, "0xalice", 500_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// An outsider cannot terminate.
	if err := svc.TerminateEarly(ctx, rec.ID, "0xmallory"); !errors.Is(err, ErrNotParty) {
		t.Fatalf("expected ErrNotParty, got %v", err)
	}

	if err := svc.TerminateEarly(ctx, rec.ID, "0xalice"); err != nil {
		t.Fatalf("terminate early: %v", err)
	}

	got, err := svc.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusTerminated {
		t.Fatalf("expected terminated, got %s", got.Status)
	}

	// Fee left alice's deposit and reached bob over the rail.
	alice, err := ledgers.Account(ctx, rec.ID, "0xalice")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if alice.Deposit != 400_000 {
		t.Fatalf("expected deposit 400000 after fee, got %d", alice.Deposit)
	}
	if delivered := rail.Delivered("0xbob"); delivered != 100_000 {
		t.Fatalf("expected fee 100000 delivered to bob, got %d", delivered)
	}

	// Timeline seq is assigned by the trigger, gap-free from 1.
	var count, maxSeq int
	if err := pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(MAX(seq), 0) FROM timeline_events WHERE agreement_id = $1`,
		rec.ID).Scan(&count, &maxSeq); err != nil {
		t.Fatalf("verify timeline: %v", err)
	}
	if count == 0 || count != maxSeq {
		t.Fatalf("expected dense timeline seq, count=%d max=%d", count, maxSeq)
	}

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		// Registry tables are append-only; only the outbox is prunable.
		pool.Exec(ctx2, `DELETE FROM outbox WHERE payload->>'agreement_id' = $1`, rec.ID)
	})
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}
