package arbitration

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/dispute"
	"escrowflow/events"
	"escrowflow/ledger"
	"escrowflow/payout"
)

var (
	// ErrUnauthorized signals a settlement attempt by anything other than the
	// executor bound to the agreement.
	ErrUnauthorized = errors.New("arbitration: caller is not the agreement's executor")
	// ErrNotOwner signals an allow-list mutation by a non-owner.
	ErrNotOwner = errors.New("arbitration: caller is not the executor owner")
	// ErrAlreadyResolved signals a replayed resolution; the first settlement
	// stands and nothing is mutated.
	ErrAlreadyResolved = errors.New("arbitration: case already resolved")
	// ErrZeroApplied rejects approvals with a non-positive applied amount.
	ErrZeroApplied = errors.New("arbitration: applied amount must be positive")
	// ErrNoBeneficiary rejects approvals without a payout target.
	ErrNoBeneficiary = errors.New("arbitration: beneficiary required for approval")
)

// InsufficientDepositError is raised under the strict settlement policy when
// the debtor's deposit cannot cover the applied amount. The enclosing
// transaction rolls back, so no partial ledger mutation survives.
type InsufficientDepositError struct {
	Available int64
	Requested int64
}

func (e *InsufficientDepositError) Error() string {
	return fmt.Sprintf("arbitration: insufficient deposit for resolution: available %d, requested %d", e.Available, e.Requested)
}

// Service is the resolution executor: the only component allowed to settle a
// dispute against an agreement's escrow ledger.
type Service struct {
	pool     *pgxpool.Pool
	repo     *Repository
	disputes *dispute.Repository
	ledger   *ledger.Repository
	rail     payout.Rail
	cfg      Config
	idGen    func() string
	timeline events.Timeline
	outbox   events.Outbox
}

func NewService(pool *pgxpool.Pool, repo *Repository, disputes *dispute.Repository, ledgerRepo *ledger.Repository, rail payout.Rail, cfg Config) *Service {
	if repo == nil {
		repo = NewRepository(pool)
	}
	if disputes == nil {
		disputes = dispute.NewRepository(pool)
	}
	if ledgerRepo == nil {
		ledgerRepo = ledger.NewRepository(pool)
	}
	return &Service{
		pool:     pool,
		repo:     repo,
		disputes: disputes,
		ledger:   ledgerRepo,
		rail:     rail,
		cfg:      cfg,
		idGen:    func() string { return uuid.NewString() },
	}
}

// CreateExecutor registers a settlement authority owned by ownerAccount.
func (s *Service) CreateExecutor(ctx context.Context, ownerAccount string) (Executor, error) {
	return s.repo.CreateExecutor(ctx, s.idGen(), ownerAccount)
}

// SetTransportAllowed mutates the executor's transport allow-list. Only the
// executor owner may call it.
func (s *Service) SetTransportAllowed(ctx context.Context, executorID, caller, transportID, chainID string, allowed bool) error {
	exec, err := s.repo.GetExecutor(ctx, executorID)
	if err != nil {
		return err
	}
	if caller != exec.OwnerAccount {
		return ErrNotOwner
	}
	if allowed {
		return s.repo.AllowTransport(ctx, executorID, transportID, chainID)
	}
	return s.repo.RevokeTransport(ctx, executorID, transportID, chainID)
}

// ResolveFinal is the single settlement entry point. executorID is the
// caller's capability: it must match the executor bound to the agreement.
// The entire settlement (case mutation, ledger debits, payouts, bond
// resolution, emitted records) commits or rolls back as one unit.
func (s *Service) ResolveFinal(ctx context.Context, executorID, agreementID string, caseNo int, d Decision) error {
	if d.Approve {
		if d.AppliedAmount <= 0 {
			return ErrZeroApplied
		}
		if d.Beneficiary == "" {
			return ErrNoBeneficiary
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("arbitration: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	boundExecutor, ownerAccount, err := lockAgreementExecutor(ctx, tx, agreementID)
	if err != nil {
		return err
	}
	if executorID != boundExecutor {
		return ErrUnauthorized
	}

	c, err := s.disputes.CaseForUpdate(ctx, tx, agreementID, caseNo)
	if err != nil {
		return err
	}
	if c.Resolved {
		return ErrAlreadyResolved
	}

	resolution := dispute.ResolutionParams{
		Approved:        d.Approve,
		Rationale:       d.Rationale,
		RationaleDetail: d.RationaleDetail,
	}

	if d.Approve {
		debtor, err := s.ledger.AccountForUpdate(ctx, tx, agreementID, c.Debtor)
		if err != nil {
			return err
		}

		debit := d.AppliedAmount
		var shortfall int64
		if debtor.Deposit < d.AppliedAmount {
			if !s.cfg.AllowPartialSettlement {
				return &InsufficientDepositError{Available: debtor.Deposit, Requested: d.AppliedAmount}
			}
			debit = debtor.Deposit
			shortfall = d.AppliedAmount - debtor.Deposit
		}

		if debit > 0 {
			if err := s.ledger.DebitDeposit(ctx, tx, agreementID, c.Debtor, debit); err != nil {
				return err
			}
			if err := s.ledger.RecordEntry(ctx, tx, agreementID, c.Debtor, ledger.EntrySettlementDebit, debit, &caseNo); err != nil {
				return err
			}
			if _, err := s.ledger.PushWithFallback(ctx, tx, s.rail, agreementID, d.Beneficiary, debit, ledger.EntryPayout, &caseNo); err != nil {
				return err
			}
		}
		if shortfall > 0 {
			if err := s.ledger.AddDebt(ctx, tx, agreementID, c.Debtor, shortfall); err != nil {
				return err
			}
		}

		// Approved: the bond goes back to the reporter.
		if _, err := s.ledger.PushWithFallback(ctx, tx, s.rail, agreementID, c.Reporter, c.BondAmount, ledger.EntryBondRefund, &caseNo); err != nil {
			return err
		}

		resolution.AppliedAmount = d.AppliedAmount
		resolution.Beneficiary = d.Beneficiary
		resolution.DebtRecorded = shortfall
	} else {
		// Rejected: the bond is forfeited to the executor owner as the
		// deterrent against frivolous disputes.
		if _, err := s.ledger.PushWithFallback(ctx, tx, s.rail, agreementID, ownerAccount, c.BondAmount, ledger.EntryBondForfeit, &caseNo); err != nil {
			return err
		}
	}

	if err := s.disputes.MarkResolved(ctx, tx, agreementID, caseNo, resolution); err != nil {
		return err
	}
	if err := reopenAgreementIfClear(ctx, tx, agreementID); err != nil {
		return err
	}

	if err := s.timeline.Append(ctx, tx, agreementID, "DISPUTE_RESOLVED", executorID, map[string]any{
		"case_no":        caseNo,
		"approved":       d.Approve,
		"applied_amount": resolution.AppliedAmount,
		"beneficiary":    resolution.Beneficiary,
	}); err != nil {
		return err
	}
	if err := s.outbox.Enqueue(ctx, tx, events.TopicDisputeResolved, map[string]any{
		"agreement_id":   agreementID,
		"case_no":        caseNo,
		"approved":       d.Approve,
		"applied_amount": resolution.AppliedAmount,
		"beneficiary":    resolution.Beneficiary,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("arbitration: commit resolution: %w", err)
	}
	return nil
}

// ApplyToTarget forwards a decision into the target agreement's settlement
// entry point on behalf of the executor owner.
func (s *Service) ApplyToTarget(ctx context.Context, executorID, caller, agreementID string, caseNo int, d Decision) error {
	exec, err := s.repo.GetExecutor(ctx, executorID)
	if err != nil {
		return err
	}
	if caller != exec.OwnerAccount {
		return ErrNotOwner
	}
	return s.ResolveFinal(ctx, executorID, agreementID, caseNo, d)
}

// ApplyFromTransport forwards a decision delivered by an allow-listed
// transport. Unauthorized transports fail closed with no side effect.
func (s *Service) ApplyFromTransport(ctx context.Context, executorID, transportID, chainID, agreementID string, caseNo int, d Decision) error {
	allowed, err := s.repo.TransportAllowed(ctx, executorID, transportID, chainID)
	if err != nil {
		return err
	}
	if !allowed {
		return ErrUnauthorized
	}
	return s.ResolveFinal(ctx, executorID, agreementID, caseNo, d)
}

func lockAgreementExecutor(ctx context.Context, tx pgx.Tx, agreementID string) (executorID, ownerAccount string, err error) {
	const q = `
		SELECT a.executor_id, e.owner_account
		FROM agreements a
		JOIN executors e ON e.id = a.executor_id
		WHERE a.id = $1
		FOR UPDATE OF a
	`
	if err := tx.QueryRow(ctx, q, agreementID).Scan(&executorID, &ownerAccount); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", fmt.Errorf("arbitration: agreement %s not found", agreementID)
		}
		return "", "", fmt.Errorf("arbitration: lock agreement: %w", err)
	}
	return executorID, ownerAccount, nil
}

// reopenAgreementIfClear flips a disputed agreement back to active once its
// last open case settles.
func reopenAgreementIfClear(ctx context.Context, tx pgx.Tx, agreementID string) error {
	const q = `
		UPDATE agreements
		SET status = 'active', status_updated_at = get_tx_timestamp(), updated_at = get_tx_timestamp()
		WHERE id = $1
		  AND status = 'disputed'
		  AND NOT EXISTS (SELECT 1 FROM disputes WHERE agreement_id = $1 AND NOT resolved)
	`
	if _, err := tx.Exec(ctx, q, agreementID); err != nil {
		return fmt.Errorf("arbitration: reopen agreement: %w", err)
	}
	return nil
}
