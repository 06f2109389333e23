package arbitration

import (
	"context"
	"crypto/sha256"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/agreement"
	"escrowflow/dispute"
	"escrowflow/ledger"
	"escrowflow/payout"
)

type settlementEnv struct {
	ctx        context.Context
	pool       *pgxpool.Pool
	rail       *payout.MemoryRail
	ledgerRepo *ledger.Repository
	agreements *agreement.Service
	ledgers    *ledger.Service
	disputes   *dispute.Service
	svc        *Service
	executorID string
	owner      string
}

func newSettlementEnv(t *testing.T, cfg Config) *settlementEnv {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	t.Cleanup(cancel)

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	t.Cleanup(pool.Close)

	var exists bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'executors')`).Scan(&exists); err != nil {
		t.Fatalf("check schema: %v", err)
	}
	if !exists {
		t.Skip("database schema missing; apply migrations/001_core.sql first")
	}

	rail := payout.NewMemoryRail()
	ledgerRepo := ledger.NewRepository(pool)
	env := &settlementEnv{
		ctx:        ctx,
		pool:       pool,
		rail:       rail,
		ledgerRepo: ledgerRepo,
		agreements: agreement.NewService(pool, ledgerRepo, rail),
		ledgers:    ledger.NewService(pool, ledgerRepo, rail),
		disputes:   dispute.NewService(pool, nil, ledgerRepo),
		svc:        NewService(pool, nil, nil, ledgerRepo, rail, cfg),
		owner:      "0xcourt",
	}

	exec, err := env.svc.CreateExecutor(ctx, env.owner)
	if err != nil {
		t.Fatalf("create executor: %v", err)
	}
	env.executorID = exec.ID
	return env
}

// newCase creates an active agreement between alice and bob, funds bob's
// deposit, and has alice report a dispute of the requested amount. Bob is the
// debtor for every case created here.
func (env *settlementEnv) newCase(t *testing.T, depositAmount, requested int64) (agreementID string, caseNo int) {
	t.Helper()

	rec, err := env.agreements.Create(env.ctx, agreement.CreateParams{
		Template:   agreement.TemplateRental,
		PartyA:     "0xalice",
		PartyB:     "0xbob",
		ExecutorID: env.executorID,
	})
	if err != nil {
		t.Fatalf("create agreement: %v", err)
	}
	if err := env.agreements.Activate(env.ctx, rec.ID, "0xalice"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if depositAmount > 0 {
		if err := env.ledgers.Deposit(env.ctx, rec.ID, "0xbob", depositAmount); err != nil {
			t.Fatalf("deposit: %v", err)
		}
	}

	digest := sha256.Sum256([]byte("evidence for " + rec.ID))
	c, err := env.disputes.Report(env.ctx, dispute.ReportParams{
		AgreementID:     rec.ID,
		Reporter:        "0xalice",
		Type:            dispute.TypeDamage,
		RequestedAmount: requested,
		EvidenceDigest:  digest[:],
		BondValue:       dispute.RequiredBond(requested),
	})
	if err != nil {
		t.Fatalf("report: %v", err)
	}

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		// Registry tables are append-only; only the outbox is prunable.
		env.pool.Exec(ctx2, `DELETE FROM outbox WHERE payload->>'agreement_id' = $1`, rec.ID)
	})
	return rec.ID, c.CaseNo
}

func (env *settlementEnv) ledgerEntryCount(t *testing.T, agreementID string) int {
	t.Helper()
	var n int
	if err := env.pool.QueryRow(env.ctx, `SELECT COUNT(*) FROM ledger_entries WHERE agreement_id = $1`, agreementID).Scan(&n); err != nil {
		t.Fatalf("count ledger entries: %v", err)
	}
	return n
}

func TestResolveFinal_Approve_Integration(t *testing.T) {
	env := newSettlementEnv(t, Config{})
	agreementID, caseNo := env.newCase(t, 1_000_000, 500_000)
	bond := dispute.RequiredBond(500_000)

	err := env.svc.ResolveFinal(env.ctx, env.executorID, agreementID, caseNo, Decision{
		Approve:       true,
		AppliedAmount: 500_000,
		Beneficiary:   "0xalice",
		Rationale:     "damage substantiated",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	bob, err := env.ledgerRepo.Account(env.ctx, agreementID, "0xbob")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if bob.Deposit != 500_000 || bob.Debt != 0 {
		t.Fatalf("unexpected debtor balances: deposit=%d debt=%d", bob.Deposit, bob.Debt)
	}

	// The beneficiary received the applied amount plus the refunded bond.
	if delivered := env.rail.Delivered("0xalice"); delivered != 500_000+bond {
		t.Fatalf("expected %d delivered to alice, got %d", 500_000+bond, delivered)
	}

	c, err := env.disputes.Get(env.ctx, agreementID, caseNo)
	if err != nil {
		t.Fatalf("get case: %v", err)
	}
	if !c.Resolved || !c.Approved || c.AppliedAmount != 500_000 {
		t.Fatalf("unexpected case state: %+v", c)
	}
	if c.ResolvedAt == nil {
		t.Fatalf("expected resolved_at to be set")
	}

	// The last open case settled, so the agreement reopens.
	rec, err := env.agreements.Get(env.ctx, agreementID)
	if err != nil {
		t.Fatalf("get agreement: %v", err)
	}
	if rec.Status != agreement.StatusActive {
		t.Fatalf("expected agreement active again, got %s", rec.Status)
	}

	// Replay settles nothing: the first resolution stands.
	entries := env.ledgerEntryCount(t, agreementID)
	err = env.svc.ResolveFinal(env.ctx, env.executorID, agreementID, caseNo, Decision{
		Approve:       true,
		AppliedAmount: 500_000,
		Beneficiary:   "0xalice",
	})
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
	if after := env.ledgerEntryCount(t, agreementID); after != entries {
		t.Fatalf("replay mutated the ledger: %d -> %d entries", entries, after)
	}
}

func TestResolveFinal_StrictInsufficiency_Integration(t *testing.T) {
	env := newSettlementEnv(t, Config{})
	agreementID, caseNo := env.newCase(t, 100_000, 500_000)
	entries := env.ledgerEntryCount(t, agreementID)

	err := env.svc.ResolveFinal(env.ctx, env.executorID, agreementID, caseNo, Decision{
		Approve:       true,
		AppliedAmount: 500_000,
		Beneficiary:   "0xalice",
	})
	var insufficient *InsufficientDepositError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientDepositError, got %v", err)
	}
	if insufficient.Available != 100_000 || insufficient.Requested != 500_000 {
		t.Fatalf("unexpected amounts: %+v", insufficient)
	}

	// The whole settlement rolled back.
	bob, err := env.ledgerRepo.Account(env.ctx, agreementID, "0xbob")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if bob.Deposit != 100_000 || bob.Debt != 0 {
		t.Fatalf("strict failure mutated balances: %+v", bob)
	}
	c, err := env.disputes.Get(env.ctx, agreementID, caseNo)
	if err != nil {
		t.Fatalf("get case: %v", err)
	}
	if c.Resolved {
		t.Fatalf("expected case to stay open")
	}
	if after := env.ledgerEntryCount(t, agreementID); after != entries {
		t.Fatalf("strict failure wrote ledger entries: %d -> %d", entries, after)
	}
	rec, err := env.agreements.Get(env.ctx, agreementID)
	if err != nil {
		t.Fatalf("get agreement: %v", err)
	}
	if rec.Status != agreement.StatusDisputed {
		t.Fatalf("expected agreement still disputed, got %s", rec.Status)
	}
}

func TestResolveFinal_PartialSettlement_Integration(t *testing.T) {
	env := newSettlementEnv(t, Config{AllowPartialSettlement: true})
	agreementID, caseNo := env.newCase(t, 300_000, 500_000)

	err := env.svc.ResolveFinal(env.ctx, env.executorID, agreementID, caseNo, Decision{
		Approve:       true,
		AppliedAmount: 500_000,
		Beneficiary:   "0xalice",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	bob, err := env.ledgerRepo.Account(env.ctx, agreementID, "0xbob")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if bob.Deposit != 0 {
		t.Fatalf("expected deposit drained, got %d", bob.Deposit)
	}
	if bob.Debt != 200_000 {
		t.Fatalf("expected shortfall 200000 recorded as debt, got %d", bob.Debt)
	}

	c, err := env.disputes.Get(env.ctx, agreementID, caseNo)
	if err != nil {
		t.Fatalf("get case: %v", err)
	}
	if c.DebtRecorded != 200_000 {
		t.Fatalf("expected case debt_recorded 200000, got %d", c.DebtRecorded)
	}

	// Only the covered portion was paid out, plus the bond refund.
	want := int64(300_000) + dispute.RequiredBond(500_000)
	if delivered := env.rail.Delivered("0xalice"); delivered != want {
		t.Fatalf("expected %d delivered, got %d", want, delivered)
	}
}

func TestResolveFinal_PayoutFallback_Integration(t *testing.T) {
	env := newSettlementEnv(t, Config{})
	env.rail.Reject("0xalice")
	agreementID, caseNo := env.newCase(t, 1_000_000, 500_000)
	bond := dispute.RequiredBond(500_000)

	err := env.svc.ResolveFinal(env.ctx, env.executorID, agreementID, caseNo, Decision{
		Approve:       true,
		AppliedAmount: 500_000,
		Beneficiary:   "0xalice",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// Rejected pushes become withdrawable credits instead of failing the
	// settlement.
	alice, err := env.ledgerRepo.Account(env.ctx, agreementID, "0xalice")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if alice.Withdrawable != 500_000+bond {
		t.Fatalf("expected withdrawable %d, got %d", 500_000+bond, alice.Withdrawable)
	}
	if delivered := env.rail.Delivered("0xalice"); delivered != 0 {
		t.Fatalf("expected nothing delivered while rejecting, got %d", delivered)
	}

	c, err := env.disputes.Get(env.ctx, agreementID, caseNo)
	if err != nil {
		t.Fatalf("get case: %v", err)
	}
	if !c.Resolved {
		t.Fatalf("expected case resolved despite rail rejection")
	}
}

func TestResolveFinal_Reject_Integration(t *testing.T) {
	env := newSettlementEnv(t, Config{})
	agreementID, caseNo := env.newCase(t, 1_000_000, 500_000)
	bond := dispute.RequiredBond(500_000)

	err := env.svc.ResolveFinal(env.ctx, env.executorID, agreementID, caseNo, Decision{
		Approve:   false,
		Rationale: "claim unsubstantiated",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// The bond is forfeited to the executor owner; the debtor is untouched.
	if delivered := env.rail.Delivered(env.owner); delivered != bond {
		t.Fatalf("expected bond %d forfeited to owner, got %d", bond, delivered)
	}
	if delivered := env.rail.Delivered("0xalice"); delivered != 0 {
		t.Fatalf("expected no refund to reporter, got %d", delivered)
	}
	bob, err := env.ledgerRepo.Account(env.ctx, agreementID, "0xbob")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if bob.Deposit != 1_000_000 {
		t.Fatalf("rejection touched debtor deposit: %d", bob.Deposit)
	}

	c, err := env.disputes.Get(env.ctx, agreementID, caseNo)
	if err != nil {
		t.Fatalf("get case: %v", err)
	}
	if !c.Resolved || c.Approved || c.AppliedAmount != 0 {
		t.Fatalf("unexpected case state: %+v", c)
	}
}

func TestResolveFinal_WrongExecutor_Integration(t *testing.T) {
	env := newSettlementEnv(t, Config{})
	agreementID, caseNo := env.newCase(t, 1_000_000, 500_000)

	intruder, err := env.svc.CreateExecutor(env.ctx, "0xother-court")
	if err != nil {
		t.Fatalf("create executor: %v", err)
	}

	err = env.svc.ResolveFinal(env.ctx, intruder.ID, agreementID, caseNo, Decision{
		Approve:       true,
		AppliedAmount: 500_000,
		Beneficiary:   "0xalice",
	})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	c, err := env.disputes.Get(env.ctx, agreementID, caseNo)
	if err != nil {
		t.Fatalf("get case: %v", err)
	}
	if c.Resolved {
		t.Fatalf("unauthorized executor settled the case")
	}
}

func TestApplyToTarget_OwnerGate_Integration(t *testing.T) {
	env := newSettlementEnv(t, Config{})
	agreementID, caseNo := env.newCase(t, 1_000_000, 500_000)
	d := Decision{Approve: true, AppliedAmount: 500_000, Beneficiary: "0xalice"}

	err := env.svc.ApplyToTarget(env.ctx, env.executorID, "0xmallory", agreementID, caseNo, d)
	if !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}

	if err := env.svc.ApplyToTarget(env.ctx, env.executorID, env.owner, agreementID, caseNo, d); err != nil {
		t.Fatalf("apply as owner: %v", err)
	}
}

func TestApplyFromTransport_AllowList_Integration(t *testing.T) {
	env := newSettlementEnv(t, Config{})
	agreementID, caseNo := env.newCase(t, 1_000_000, 500_000)
	d := Decision{Approve: true, AppliedAmount: 500_000, Beneficiary: "0xalice"}

	// Unknown transport fails closed.
	err := env.svc.ApplyFromTransport(env.ctx, env.executorID, "bridge-1", "chain-9", agreementID, caseNo, d)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	// Only the owner mutates the allow-list.
	err = env.svc.SetTransportAllowed(env.ctx, env.executorID, "0xmallory", "bridge-1", "chain-9", true)
	if !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := env.svc.SetTransportAllowed(env.ctx, env.executorID, env.owner, "bridge-1", "chain-9", true); err != nil {
		t.Fatalf("allow transport: %v", err)
	}

	if err := env.svc.ApplyFromTransport(env.ctx, env.executorID, "bridge-1", "chain-9", agreementID, caseNo, d); err != nil {
		t.Fatalf("apply from transport: %v", err)
	}

	// Revocation closes the gate again.
	if err := env.svc.SetTransportAllowed(env.ctx, env.executorID, env.owner, "bridge-1", "chain-9", false); err != nil {
		t.Fatalf("revoke transport: %v", err)
	}
	err = env.svc.ApplyFromTransport(env.ctx, env.executorID, "bridge-1", "chain-9", agreementID, caseNo, d)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized after revocation, got %v", err)
	}
}
