package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/events"
	"escrowflow/ledger"
)

var (
	// ErrInsufficientBond signals the attached bond is below the required amount.
	ErrInsufficientBond = errors.New("dispute: insufficient bond")
	// ErrBondExcess signals the attached bond exceeds the required amount.
	// The bond ledger is exact-match to stay auditable.
	ErrBondExcess = errors.New("dispute: bond exceeds required amount")
	// ErrZeroAmount rejects non-positive requested amounts.
	ErrZeroAmount = errors.New("dispute: requested amount must be positive")
	// ErrBadEvidenceDigest rejects digests that are not 32 bytes.
	ErrBadEvidenceDigest = errors.New("dispute: evidence digest must be 32 bytes")
	// ErrNotParty signals the caller is not a counterparty of the agreement.
	ErrNotParty = errors.New("dispute: caller is not a counterparty")
	// ErrNotDebtor signals a case top-up from an account other than the debtor.
	ErrNotDebtor = errors.New("dispute: only the case debtor may fund it")
	// ErrCaseResolved signals a top-up against an already settled case.
	ErrCaseResolved = errors.New("dispute: case already resolved")
	// ErrAgreementNotActive signals the agreement is not in a disputable state.
	ErrAgreementNotActive = errors.New("dispute: agreement not active")
)

// Service owns the dispute registry and the bond module for every contract
// instance.
type Service struct {
	pool     *pgxpool.Pool
	repo     *Repository
	ledger   *ledger.Repository
	timeline events.Timeline
	outbox   events.Outbox
}

func NewService(pool *pgxpool.Pool, repo *Repository, ledgerRepo *ledger.Repository) *Service {
	if repo == nil {
		repo = NewRepository(pool)
	}
	if ledgerRepo == nil {
		ledgerRepo = ledger.NewRepository(pool)
	}
	return &Service{pool: pool, repo: repo, ledger: ledgerRepo}
}

// ReportParams carries a reportDispute call. BondValue is the value the
// reporter attached; it must equal RequiredBond(RequestedAmount) exactly.
type ReportParams struct {
	AgreementID     string
	Reporter        string
	Type            Type
	RequestedAmount int64
	EvidenceDigest  []byte
	BondValue       int64
}

// Report opens a new dispute case. The debtor is the counterparty opposite
// the reporter; the bond is escrowed on the case and the agreement flips to
// disputed, all in one transaction.
func (s *Service) Report(ctx context.Context, params ReportParams) (Case, error) {
	if params.RequestedAmount <= 0 {
		return Case{}, ErrZeroAmount
	}
	if len(params.EvidenceDigest) != 32 {
		return Case{}, ErrBadEvidenceDigest
	}
	required := RequiredBond(params.RequestedAmount)
	if params.BondValue < required {
		return Case{}, fmt.Errorf("%w: need %d, got %d", ErrInsufficientBond, required, params.BondValue)
	}
	if params.BondValue > required {
		return Case{}, fmt.Errorf("%w: need %d, got %d", ErrBondExcess, required, params.BondValue)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Case{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	partyA, partyB, status, err := lockAgreementParties(ctx, tx, params.AgreementID)
	if err != nil {
		return Case{}, err
	}
	if status != "active" && status != "disputed" {
		return Case{}, fmt.Errorf("%w (status=%s)", ErrAgreementNotActive, status)
	}

	var debtor string
	switch params.Reporter {
	case partyA:
		debtor = partyB
	case partyB:
		debtor = partyA
	default:
		return Case{}, ErrNotParty
	}

	caseNo, err := s.repo.NextCaseNo(ctx, tx, params.AgreementID)
	if err != nil {
		return Case{}, err
	}

	c := Case{
		AgreementID:     params.AgreementID,
		CaseNo:          caseNo,
		Type:            params.Type,
		Reporter:        params.Reporter,
		Debtor:          debtor,
		RequestedAmount: params.RequestedAmount,
		EvidenceDigest:  params.EvidenceDigest,
		BondAmount:      required,
	}
	if err := s.repo.Insert(ctx, tx, c); err != nil {
		return Case{}, err
	}

	if err := s.ledger.RecordEntry(ctx, tx, params.AgreementID, params.Reporter, ledger.EntryBondEscrow, required, &caseNo); err != nil {
		return Case{}, err
	}

	if status == "active" {
		if _, err := tx.Exec(ctx, `
			UPDATE agreements
			SET status = 'disputed', status_updated_at = get_tx_timestamp(), updated_at = get_tx_timestamp()
			WHERE id = $1
		`, params.AgreementID); err != nil {
			return Case{}, fmt.Errorf("dispute: tag agreement disputed: %w", err)
		}
	}

	if err := s.timeline.Append(ctx, tx, params.AgreementID, "DISPUTE_REPORTED", params.Reporter, map[string]any{
		"case_no":          caseNo,
		"dispute_type":     params.Type,
		"requested_amount": params.RequestedAmount,
		"bond_amount":      required,
	}); err != nil {
		return Case{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, events.TopicDisputeReported, map[string]any{
		"agreement_id":     params.AgreementID,
		"case_no":          caseNo,
		"reporter":         params.Reporter,
		"debtor":           debtor,
		"requested_amount": params.RequestedAmount,
	}); err != nil {
		return Case{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Case{}, fmt.Errorf("dispute: commit report: %w", err)
	}
	return c, nil
}

// DepositForCase is the case-scoped alias of the general deposit top-up: the
// debtor funds their escrow deposit ahead of settlement. Over-funding is
// allowed.
func (s *Service) DepositForCase(ctx context.Context, agreementID string, caseNo int, account string, amount int64) error {
	if amount <= 0 {
		return ledger.ErrZeroAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, _, _, err := lockAgreementParties(ctx, tx, agreementID); err != nil {
		return err
	}
	c, err := s.repo.CaseForUpdate(ctx, tx, agreementID, caseNo)
	if err != nil {
		return err
	}
	if c.Resolved {
		return ErrCaseResolved
	}
	if account != c.Debtor {
		return ErrNotDebtor
	}

	if err := s.ledger.CreditDeposit(ctx, tx, agreementID, account, amount); err != nil {
		return err
	}
	if err := s.ledger.RecordEntry(ctx, tx, agreementID, account, ledger.EntryDeposit, amount, &caseNo); err != nil {
		return err
	}
	if err := s.outbox.Enqueue(ctx, tx, events.TopicLedgerDeposited, map[string]any{
		"agreement_id": agreementID,
		"case_no":      caseNo,
		"account":      account,
		"amount":       amount,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit case deposit: %w", err)
	}
	return nil
}

// Get returns a single case.
func (s *Service) Get(ctx context.Context, agreementID string, caseNo int) (Case, error) {
	return s.repo.Get(ctx, agreementID, caseNo)
}

// GetBond returns the bond escrowed for a case.
func (s *Service) GetBond(ctx context.Context, agreementID string, caseNo int) (int64, error) {
	c, err := s.repo.Get(ctx, agreementID, caseNo)
	if err != nil {
		return 0, err
	}
	return c.BondAmount, nil
}

// List returns the agreement's full case history.
func (s *Service) List(ctx context.Context, agreementID string) ([]Case, error) {
	return s.repo.List(ctx, agreementID)
}

func lockAgreementParties(ctx context.Context, tx pgx.Tx, agreementID string) (partyA, partyB, status string, err error) {
	const q = `SELECT party_a, party_b, status::text FROM agreements WHERE id = $1 FOR UPDATE`
	if err := tx.QueryRow(ctx, q, agreementID).Scan(&partyA, &partyB, &status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", "", fmt.Errorf("dispute: agreement %s not found", agreementID)
		}
		return "", "", "", fmt.Errorf("dispute: lock agreement: %w", err)
	}
	return partyA, partyB, status, nil
}
