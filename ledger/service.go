package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/events"
	"escrowflow/payout"
)

var (
	// ErrZeroAmount rejects deposits and transfers of zero or negative value.
	ErrZeroAmount = errors.New("ledger: amount must be positive")
	// ErrNothingWithdrawable signals an empty pull-payment balance.
	ErrNothingWithdrawable = errors.New("ledger: nothing withdrawable")
)

// Service exposes the escrow ledger entry points. Every mutation runs inside
// one transaction holding the agreement row lock, which serializes writers
// per contract instance.
type Service struct {
	pool     *pgxpool.Pool
	repo     *Repository
	rail     payout.Rail
	timeline events.Timeline
	outbox   events.Outbox
}

func NewService(pool *pgxpool.Pool, repo *Repository, rail payout.Rail) *Service {
	if repo == nil {
		repo = NewRepository(pool)
	}
	return &Service{pool: pool, repo: repo, rail: rail}
}

// Repo exposes the row-level repository for components that compose ledger
// mutations into their own transactions.
func (s *Service) Repo() *Repository {
	return s.repo
}

// Deposit credits the account's escrow deposit. Over-funding is allowed;
// there is no upper bound.
func (s *Service) Deposit(ctx context.Context, agreementID, account string, amount int64) error {
	if amount <= 0 {
		return ErrZeroAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockAgreement(ctx, tx, agreementID); err != nil {
		return err
	}
	if err := s.repo.CreditDeposit(ctx, tx, agreementID, account, amount); err != nil {
		return err
	}
	if err := s.repo.RecordEntry(ctx, tx, agreementID, account, EntryDeposit, amount, nil); err != nil {
		return err
	}
	if err := s.timeline.Append(ctx, tx, agreementID, "DEPOSIT_RECEIVED", account, map[string]any{
		"account": account,
		"amount":  amount,
	}); err != nil {
		return err
	}
	if err := s.outbox.Enqueue(ctx, tx, events.TopicLedgerDeposited, map[string]any{
		"agreement_id": agreementID,
		"account":      account,
		"amount":       amount,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: commit deposit: %w", err)
	}
	return nil
}

// Withdraw claims the account's entire withdrawable balance over the payout
// rail. A rail failure aborts the claim; the balance stays intact for a
// later attempt.
func (s *Service) Withdraw(ctx context.Context, agreementID, account string) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockAgreement(ctx, tx, agreementID); err != nil {
		return 0, err
	}
	amount, err := s.repo.ClearWithdrawable(ctx, tx, agreementID, account)
	if err != nil {
		return 0, err
	}
	if amount == 0 {
		return 0, ErrNothingWithdrawable
	}
	if err := s.rail.Push(ctx, account, amount); err != nil {
		return 0, fmt.Errorf("ledger: withdrawal push: %w", err)
	}
	if err := s.repo.RecordEntry(ctx, tx, agreementID, account, EntryWithdrawal, amount, nil); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("ledger: commit withdrawal: %w", err)
	}
	return amount, nil
}

// Account returns the current balances for one account.
func (s *Service) Account(ctx context.Context, agreementID, account string) (PartyAccount, error) {
	return s.repo.Account(ctx, agreementID, account)
}

// Accounts returns every account under the agreement.
func (s *Service) Accounts(ctx context.Context, agreementID string) ([]PartyAccount, error) {
	return s.repo.Accounts(ctx, agreementID)
}

// lockAgreement takes the per-instance writer lock for the duration of the
// transaction.
func lockAgreement(ctx context.Context, tx pgx.Tx, agreementID string) error {
	var id string
	err := tx.QueryRow(ctx, `SELECT id FROM agreements WHERE id = $1 FOR UPDATE`, agreementID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("ledger: agreement %s not found", agreementID)
		}
		return fmt.Errorf("ledger: lock agreement: %w", err)
	}
	return nil
}
