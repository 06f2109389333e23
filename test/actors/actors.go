package actors

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/arbitration"
	"escrowflow/dispute"
	"escrowflow/ledger"
	"escrowflow/payout"
)

// Depositor keeps topping up an account's escrow deposit.
func Depositor(ctx context.Context, ledgers *ledger.Service, agreementID, account string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		amount := int64(10_000 + rand.Intn(90_000))
		if err := ledgers.Deposit(ctx, agreementID, account, amount); err != nil && !transient(err) {
			return fmt.Errorf("depositor: %w", err)
		}
		time.Sleep(jitter(10, 20))
	}
}

// Reporter files dispute cases with exact bonds at random amounts.
func Reporter(ctx context.Context, disputes *dispute.Service, agreementID, reporter string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		requested := int64(100_000 + rand.Intn(400_000))
		digest := sha256.Sum256([]byte(fmt.Sprintf("evidence-%d", rand.Int63())))
		_, err := disputes.Report(ctx, dispute.ReportParams{
			AgreementID:     agreementID,
			Reporter:        reporter,
			Type:            dispute.TypeDamage,
			RequestedAmount: requested,
			EvidenceDigest:  digest[:],
			BondValue:       dispute.RequiredBond(requested),
		})
		switch {
		case err == nil:
		case errors.Is(err, dispute.ErrAgreementNotActive), transient(err):
			// expected under contention
		default:
			return fmt.Errorf("reporter: %w", err)
		}
		time.Sleep(jitter(100, 200))
	}
}

// Resolver settles whatever open cases it finds, approving most and rejecting
// some. Racing another resolver on the same case is expected and harmless.
func Resolver(ctx context.Context, svc *arbitration.Service, disputes *dispute.Service, executorID, agreementID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		cases, err := disputes.List(ctx, agreementID)
		if err != nil {
			if transient(err) {
				time.Sleep(jitter(50, 100))
				continue
			}
			return fmt.Errorf("resolver list: %w", err)
		}
		for _, c := range cases {
			if c.Resolved {
				continue
			}
			var d arbitration.Decision
			if rand.Intn(4) == 0 {
				d.Rationale = "claim unsubstantiated"
			} else {
				d.Approve = true
				d.AppliedAmount = 1 + rand.Int63n(c.RequestedAmount)
				d.Beneficiary = c.Reporter
				d.Rationale = "claim upheld"
			}
			err := svc.ResolveFinal(ctx, executorID, agreementID, c.CaseNo, d)
			var insufficient *arbitration.InsufficientDepositError
			switch {
			case err == nil:
			case errors.Is(err, arbitration.ErrAlreadyResolved), errors.As(err, &insufficient), transient(err):
				// expected under contention
			default:
				return fmt.Errorf("resolver: %w", err)
			}
		}
		time.Sleep(jitter(50, 100))
	}
}

// Withdrawer keeps claiming whatever became withdrawable for an account.
func Withdrawer(ctx context.Context, ledgers *ledger.Service, agreementID, account string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := ledgers.Withdraw(ctx, agreementID, account)
		switch {
		case err == nil:
		case errors.Is(err, ledger.ErrNothingWithdrawable), errors.Is(err, ledger.ErrNoSuchAccount),
			errors.Is(err, payout.ErrPushRejected), transient(err):
		default:
			return fmt.Errorf("withdrawer: %w", err)
		}
		time.Sleep(jitter(80, 120))
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks
// them processed, or dead after repeated simulated failures.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			if transient(err) {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status = 'pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			// simulate random delivery failure
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1, status = CASE WHEN attempts + 1 >= 5 THEN 'dead' ELSE status END WHERE id = $1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status = 'processed' WHERE id = $1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}

func jitter(base, spread int) time.Duration {
	return time.Duration(base+rand.Intn(spread)) * time.Millisecond
}

// transient reports errors that the chaos backend killer or plain contention
// can produce on a healthy system.
func transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "57P01", "08006":
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "conn closed") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "unexpected EOF")
}
