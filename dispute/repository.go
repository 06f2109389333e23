package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoSuchCase signals the (agreement, case) pair does not exist.
var ErrNoSuchCase = errors.New("dispute: no such case")

const caseColumns = `
	agreement_id, case_no, dispute_type, reporter, debtor, requested_amount,
	evidence_digest, bond_amount, resolved, approved, applied_amount,
	beneficiary, rationale, rationale_detail, debt_recorded, created_at, resolved_at
`

// Repository provides access to the append-only dispute registry.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// NextCaseNo assigns the next case number for the agreement. The caller must
// hold the agreement row lock, which serializes the MAX+1 assignment.
func (r *Repository) NextCaseNo(ctx context.Context, tx pgx.Tx, agreementID string) (int, error) {
	var next int
	const q = `SELECT COALESCE(MAX(case_no), 0) + 1 FROM disputes WHERE agreement_id = $1`
	if err := tx.QueryRow(ctx, q, agreementID).Scan(&next); err != nil {
		return 0, fmt.Errorf("dispute: next case no: %w", err)
	}
	return next, nil
}

// Insert appends a new open case to the registry.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, c Case) error {
	const q = `
		INSERT INTO disputes (agreement_id, case_no, dispute_type, reporter, debtor,
		                      requested_amount, evidence_digest, bond_amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if _, err := tx.Exec(ctx, q, c.AgreementID, c.CaseNo, c.Type, c.Reporter, c.Debtor,
		c.RequestedAmount, c.EvidenceDigest, c.BondAmount); err != nil {
		return fmt.Errorf("dispute: insert case: %w", err)
	}
	return nil
}

// CaseForUpdate loads a case under FOR UPDATE inside the caller's transaction.
func (r *Repository) CaseForUpdate(ctx context.Context, tx pgx.Tx, agreementID string, caseNo int) (Case, error) {
	q := `SELECT ` + caseColumns + ` FROM disputes WHERE agreement_id = $1 AND case_no = $2 FOR UPDATE`
	return scanCase(tx.QueryRow(ctx, q, agreementID, caseNo))
}

// ResolutionParams captures the single mutation a case undergoes.
type ResolutionParams struct {
	Approved        bool
	AppliedAmount   int64
	Beneficiary     string
	Rationale       string
	RationaleDetail string
	DebtRecorded    int64
}

// MarkResolved flips the case to resolved exactly once. A database trigger
// rejects any second update as a final backstop.
func (r *Repository) MarkResolved(ctx context.Context, tx pgx.Tx, agreementID string, caseNo int, p ResolutionParams) error {
	const q = `
		UPDATE disputes
		SET resolved = true,
		    approved = $3,
		    applied_amount = $4,
		    beneficiary = NULLIF($5, ''),
		    rationale = NULLIF($6, ''),
		    rationale_detail = NULLIF($7, ''),
		    debt_recorded = $8,
		    resolved_at = get_tx_timestamp()
		WHERE agreement_id = $1 AND case_no = $2 AND NOT resolved
	`
	tag, err := tx.Exec(ctx, q, agreementID, caseNo, p.Approved, p.AppliedAmount,
		p.Beneficiary, p.Rationale, p.RationaleDetail, p.DebtRecorded)
	if err != nil {
		return fmt.Errorf("dispute: mark resolved: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoSuchCase
	}
	return nil
}

// Get loads a case outside any transaction.
func (r *Repository) Get(ctx context.Context, agreementID string, caseNo int) (Case, error) {
	q := `SELECT ` + caseColumns + ` FROM disputes WHERE agreement_id = $1 AND case_no = $2`
	return scanCase(r.pool.QueryRow(ctx, q, agreementID, caseNo))
}

// List returns the agreement's full case history in report order.
func (r *Repository) List(ctx context.Context, agreementID string) ([]Case, error) {
	q := `SELECT ` + caseColumns + ` FROM disputes WHERE agreement_id = $1 ORDER BY case_no`
	rows, err := r.pool.Query(ctx, q, agreementID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list cases: %w", err)
	}
	defer rows.Close()

	out := make([]Case, 0, 4)
	for rows.Next() {
		c, err := scanCaseRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate cases: %w", err)
	}
	return out, nil
}

func scanCase(row pgx.Row) (Case, error) {
	c, err := scanCaseFrom(row.Scan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, ErrNoSuchCase
		}
		return Case{}, fmt.Errorf("dispute: scan case: %w", err)
	}
	return c, nil
}

func scanCaseRows(rows pgx.Rows) (Case, error) {
	c, err := scanCaseFrom(rows.Scan)
	if err != nil {
		return Case{}, fmt.Errorf("dispute: scan case: %w", err)
	}
	return c, nil
}

func scanCaseFrom(scan func(...any) error) (Case, error) {
	var (
		c          Case
		resolvedAt *time.Time
	)
	err := scan(
		&c.AgreementID,
		&c.CaseNo,
		&c.Type,
		&c.Reporter,
		&c.Debtor,
		&c.RequestedAmount,
		&c.EvidenceDigest,
		&c.BondAmount,
		&c.Resolved,
		&c.Approved,
		&c.AppliedAmount,
		&c.Beneficiary,
		&c.Rationale,
		&c.RationaleDetail,
		&c.DebtRecorded,
		&c.CreatedAt,
		&resolvedAt,
	)
	if err != nil {
		return Case{}, err
	}
	c.ResolvedAt = resolvedAt
	return c, nil
}
