package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNoSuchAccount signals the account has no ledger row under the agreement.
	ErrNoSuchAccount = errors.New("ledger: no such account")
	// ErrInsufficientDeposit signals a debit larger than the current deposit.
	ErrInsufficientDeposit = errors.New("ledger: insufficient deposit")
)

// Repository provides row-level access to party accounts and the audit log.
// Mutating methods operate inside the caller's transaction so a whole
// settlement commits or rolls back as one unit.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// EnsureAccount creates a zero-balance row if the account has none yet.
// Beneficiaries outside the two counterparties gain rows this way when a
// push transfer falls back to a withdrawable credit.
func (r *Repository) EnsureAccount(ctx context.Context, tx pgx.Tx, agreementID, account string) error {
	const q = `
		INSERT INTO party_accounts (agreement_id, account)
		VALUES ($1, $2)
		ON CONFLICT (agreement_id, account) DO NOTHING
	`
	if _, err := tx.Exec(ctx, q, agreementID, account); err != nil {
		return fmt.Errorf("ledger: ensure account: %w", err)
	}
	return nil
}

// AccountForUpdate loads an account row under FOR UPDATE.
func (r *Repository) AccountForUpdate(ctx context.Context, tx pgx.Tx, agreementID, account string) (PartyAccount, error) {
	const q = `
		SELECT agreement_id, account, deposit, debt, withdrawable, updated_at
		FROM party_accounts
		WHERE agreement_id = $1 AND account = $2
		FOR UPDATE
	`
	return scanAccount(tx.QueryRow(ctx, q, agreementID, account))
}

// CreditDeposit increases the deposit balance inside the transaction.
func (r *Repository) CreditDeposit(ctx context.Context, tx pgx.Tx, agreementID, account string, amount int64) error {
	const q = `
		UPDATE party_accounts
		SET deposit = deposit + $3, updated_at = get_tx_timestamp()
		WHERE agreement_id = $1 AND account = $2
	`
	tag, err := tx.Exec(ctx, q, agreementID, account, amount)
	if err != nil {
		return fmt.Errorf("ledger: credit deposit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoSuchAccount
	}
	return nil
}

// DebitDeposit decreases the deposit balance; the WHERE guard makes a debit
// past zero impossible even if the caller's availability check raced.
func (r *Repository) DebitDeposit(ctx context.Context, tx pgx.Tx, agreementID, account string, amount int64) error {
	const q = `
		UPDATE party_accounts
		SET deposit = deposit - $3, updated_at = get_tx_timestamp()
		WHERE agreement_id = $1 AND account = $2 AND deposit >= $3
	`
	tag, err := tx.Exec(ctx, q, agreementID, account, amount)
	if err != nil {
		return fmt.Errorf("ledger: debit deposit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientDeposit
	}
	return nil
}

// CreditWithdrawable adds to the pull-payment balance, creating the account
// row when needed.
func (r *Repository) CreditWithdrawable(ctx context.Context, tx pgx.Tx, agreementID, account string, amount int64) error {
	if err := r.EnsureAccount(ctx, tx, agreementID, account); err != nil {
		return err
	}
	const q = `
		UPDATE party_accounts
		SET withdrawable = withdrawable + $3, updated_at = get_tx_timestamp()
		WHERE agreement_id = $1 AND account = $2
	`
	if _, err := tx.Exec(ctx, q, agreementID, account, amount); err != nil {
		return fmt.Errorf("ledger: credit withdrawable: %w", err)
	}
	return nil
}

// ClearWithdrawable zeroes the pull-payment balance and returns the amount
// that was claimable. The prior value is read under the row lock because
// RETURNING on an UPDATE only sees the new row.
func (r *Repository) ClearWithdrawable(ctx context.Context, tx pgx.Tx, agreementID, account string) (int64, error) {
	acct, err := r.AccountForUpdate(ctx, tx, agreementID, account)
	if err != nil {
		return 0, err
	}
	const q = `
		UPDATE party_accounts
		SET withdrawable = 0, updated_at = get_tx_timestamp()
		WHERE agreement_id = $1 AND account = $2
	`
	if _, err := tx.Exec(ctx, q, agreementID, account); err != nil {
		return 0, fmt.Errorf("ledger: clear withdrawable: %w", err)
	}
	return acct.Withdrawable, nil
}

// AddDebt records a settlement shortfall on the account.
func (r *Repository) AddDebt(ctx context.Context, tx pgx.Tx, agreementID, account string, amount int64) error {
	const q = `
		UPDATE party_accounts
		SET debt = debt + $3, updated_at = get_tx_timestamp()
		WHERE agreement_id = $1 AND account = $2
	`
	tag, err := tx.Exec(ctx, q, agreementID, account, amount)
	if err != nil {
		return fmt.Errorf("ledger: add debt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoSuchAccount
	}
	return nil
}

// RecordEntry appends one row to the immutable audit log.
func (r *Repository) RecordEntry(ctx context.Context, tx pgx.Tx, agreementID, account string, entryType EntryType, amount int64, caseNo *int) error {
	const q = `
		INSERT INTO ledger_entries (agreement_id, account, entry_type, amount, case_no)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := tx.Exec(ctx, q, agreementID, account, entryType, amount, caseNo); err != nil {
		return fmt.Errorf("ledger: record %s entry: %w", entryType, err)
	}
	return nil
}

// Account reads one account outside any transaction.
func (r *Repository) Account(ctx context.Context, agreementID, account string) (PartyAccount, error) {
	const q = `
		SELECT agreement_id, account, deposit, debt, withdrawable, updated_at
		FROM party_accounts
		WHERE agreement_id = $1 AND account = $2
	`
	return scanAccount(r.pool.QueryRow(ctx, q, agreementID, account))
}

// Accounts lists every account under the agreement.
func (r *Repository) Accounts(ctx context.Context, agreementID string) ([]PartyAccount, error) {
	const q = `
		SELECT agreement_id, account, deposit, debt, withdrawable, updated_at
		FROM party_accounts
		WHERE agreement_id = $1
		ORDER BY account
	`
	rows, err := r.pool.Query(ctx, q, agreementID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list accounts: %w", err)
	}
	defer rows.Close()

	out := make([]PartyAccount, 0, 2)
	for rows.Next() {
		var acct PartyAccount
		if err := rows.Scan(&acct.AgreementID, &acct.Account, &acct.Deposit, &acct.Debt, &acct.Withdrawable, &acct.UpdatedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan account: %w", err)
		}
		out = append(out, acct)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate accounts: %w", err)
	}
	return out, nil
}

func scanAccount(row pgx.Row) (PartyAccount, error) {
	var acct PartyAccount
	err := row.Scan(&acct.AgreementID, &acct.Account, &acct.Deposit, &acct.Debt, &acct.Withdrawable, &acct.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PartyAccount{}, ErrNoSuchAccount
		}
		return PartyAccount{}, fmt.Errorf("ledger: scan account: %w", err)
	}
	return acct, nil
}
