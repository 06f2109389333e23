package agreement

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/events"
	"escrowflow/ledger"
	"escrowflow/payout"
)

var (
	// ErrNotFound is returned when no agreement row exists for the identifier.
	ErrNotFound = errors.New("agreement: not found")
	// ErrNotParty signals the actor is not a counterparty of the agreement.
	ErrNotParty = errors.New("agreement: actor is not a counterparty")
	// ErrBadStatus signals an illegal lifecycle transition.
	ErrBadStatus = errors.New("agreement: invalid status transition")
)

// Service manages contract instances: creation, lifecycle transitions, and
// early termination with its fee settlement.
type Service struct {
	pool     *pgxpool.Pool
	ledger   *ledger.Repository
	rail     payout.Rail
	timeline events.Timeline
	outbox   events.Outbox
}

func NewService(pool *pgxpool.Pool, ledgerRepo *ledger.Repository, rail payout.Rail) *Service {
	if ledgerRepo == nil {
		ledgerRepo = ledger.NewRepository(pool)
	}
	return &Service{pool: pool, ledger: ledgerRepo, rail: rail}
}

// Create instantiates a contract from a template and opens zero-balance
// escrow accounts for both counterparties in the same transaction.
func (s *Service) Create(ctx context.Context, params CreateParams) (Agreement, error) {
	if params.Template != TemplateRental && params.Template != TemplateNDA {
		return Agreement{}, fmt.Errorf("agreement: unknown template %q", params.Template)
	}
	if params.PartyA == "" || params.PartyB == "" {
		return Agreement{}, fmt.Errorf("agreement: both counterparties are required")
	}
	if params.PartyA == params.PartyB {
		return Agreement{}, fmt.Errorf("agreement: counterparties must differ")
	}
	if params.ExecutorID == "" {
		return Agreement{}, fmt.Errorf("agreement: executor id required")
	}
	if params.TerminationFee < 0 {
		return Agreement{}, fmt.Errorf("agreement: invalid termination fee")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSQL = `
		INSERT INTO agreements (template, party_a, party_b, executor_id, termination_fee)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, template, party_a, party_b, executor_id, status, termination_fee,
		          status_updated_at, created_at, updated_at
	`
	rec, err := scanAgreement(tx.QueryRow(ctx, insertSQL,
		params.Template, params.PartyA, params.PartyB, params.ExecutorID, params.TerminationFee))
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: insert: %w", err)
	}

	for _, account := range []string{params.PartyA, params.PartyB} {
		if err := s.ledger.EnsureAccount(ctx, tx, rec.ID, account); err != nil {
			return Agreement{}, err
		}
	}

	if err := s.timeline.Append(ctx, tx, rec.ID, "AGREEMENT_CREATED", "", map[string]any{
		"template":        params.Template,
		"party_a":         params.PartyA,
		"party_b":         params.PartyB,
		"termination_fee": params.TerminationFee,
	}); err != nil {
		return Agreement{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, events.TopicAgreementCreated, map[string]any{
		"agreement_id": rec.ID,
		"template":     params.Template,
	}); err != nil {
		return Agreement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("agreement: commit: %w", err)
	}
	return rec, nil
}

// Activate moves a draft agreement into force.
func (s *Service) Activate(ctx context.Context, agreementID, actor string) error {
	return s.Transition(ctx, TransitionParams{
		AgreementID: agreementID,
		Actor:       actor,
		NextStatus:  StatusActive,
	})
}

// TerminateEarly ends an active agreement at the actor's request. The agreed
// early-termination fee is debited from the terminating party's deposit and
// paid to the counterparty through the transfer-with-fallback policy.
func (s *Service) TerminateEarly(ctx context.Context, agreementID, actor string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := lockAgreement(ctx, tx, agreementID)
	if err != nil {
		return err
	}
	if rec.Status != StatusActive {
		return fmt.Errorf("%w: %s -> %s", ErrBadStatus, rec.Status, StatusTerminated)
	}

	var counterparty string
	switch actor {
	case rec.PartyA:
		counterparty = rec.PartyB
	case rec.PartyB:
		counterparty = rec.PartyA
	default:
		return ErrNotParty
	}

	fellBack := false
	if rec.TerminationFee > 0 {
		if err := s.ledger.DebitDeposit(ctx, tx, agreementID, actor, rec.TerminationFee); err != nil {
			return err
		}
		if err := s.ledger.RecordEntry(ctx, tx, agreementID, actor, ledger.EntryTerminationFee, rec.TerminationFee, nil); err != nil {
			return err
		}
		res, err := s.ledger.PushWithFallback(ctx, tx, s.rail, agreementID, counterparty, rec.TerminationFee, ledger.EntryPayout, nil)
		if err != nil {
			return err
		}
		fellBack = res.FellBack
	}

	if _, err := tx.Exec(ctx, `
		UPDATE agreements
		SET status = 'terminated', status_updated_at = get_tx_timestamp(), updated_at = get_tx_timestamp()
		WHERE id = $1
	`, agreementID); err != nil {
		return fmt.Errorf("agreement: mark terminated: %w", err)
	}

	if err := s.timeline.Append(ctx, tx, agreementID, "EARLY_TERMINATION", actor, map[string]any{
		"fee":          rec.TerminationFee,
		"counterparty": counterparty,
		"deferred":     fellBack,
	}); err != nil {
		return err
	}
	if rec.TerminationFee > 0 {
		if err := s.outbox.Enqueue(ctx, tx, events.TopicEarlyTerminationFee, map[string]any{
			"agreement_id": agreementID,
			"payer":        actor,
			"payee":        counterparty,
			"amount":       rec.TerminationFee,
		}); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("agreement: commit termination: %w", err)
	}
	return nil
}

// Get loads one agreement.
func (s *Service) Get(ctx context.Context, agreementID string) (Agreement, error) {
	const q = `
		SELECT id, template, party_a, party_b, executor_id, status, termination_fee,
		       status_updated_at, created_at, updated_at
		FROM agreements
		WHERE id = $1
	`
	rec, err := scanAgreement(s.pool.QueryRow(ctx, q, agreementID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, ErrNotFound
		}
		return Agreement{}, fmt.Errorf("agreement: get: %w", err)
	}
	return rec, nil
}

func lockAgreement(ctx context.Context, tx pgx.Tx, agreementID string) (Agreement, error) {
	const q = `
		SELECT id, template, party_a, party_b, executor_id, status, termination_fee,
		       status_updated_at, created_at, updated_at
		FROM agreements
		WHERE id = $1
		FOR UPDATE
	`
	rec, err := scanAgreement(tx.QueryRow(ctx, q, agreementID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, ErrNotFound
		}
		return Agreement{}, fmt.Errorf("agreement: lock: %w", err)
	}
	return rec, nil
}

func scanAgreement(row pgx.Row) (Agreement, error) {
	var rec Agreement
	err := row.Scan(
		&rec.ID,
		&rec.Template,
		&rec.PartyA,
		&rec.PartyB,
		&rec.ExecutorID,
		&rec.Status,
		&rec.TerminationFee,
		&rec.StatusUpdatedAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return Agreement{}, err
	}
	return rec, nil
}
