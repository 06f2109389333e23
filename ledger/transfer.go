package ledger

import (
	"context"

	"github.com/jackc/pgx/v5"

	"escrowflow/payout"
)

// PushResult reports which branch of the transfer-with-fallback policy ran.
type PushResult struct {
	FellBack bool
	// RailErr holds the push failure that triggered the fallback; it is
	// informational only and never propagated to the caller.
	RailErr error
}

// PushWithFallback attempts a push transfer over the rail and, if the
// recipient refuses it, credits the amount to the recipient's withdrawable
// balance inside the same transaction. The enclosing settlement therefore
// never fails merely because a recipient is uncooperative: value is deferred,
// not lost. pushEntry tags the audit row written on the successful-push
// branch; the fallback branch always records a withdrawable_credit.
func (r *Repository) PushWithFallback(ctx context.Context, tx pgx.Tx, rail payout.Rail, agreementID, account string, amount int64, pushEntry EntryType, caseNo *int) (PushResult, error) {
	if railErr := rail.Push(ctx, account, amount); railErr != nil {
		if err := r.CreditWithdrawable(ctx, tx, agreementID, account, amount); err != nil {
			return PushResult{}, err
		}
		if err := r.RecordEntry(ctx, tx, agreementID, account, EntryWithdrawableCredit, amount, caseNo); err != nil {
			return PushResult{}, err
		}
		return PushResult{FellBack: true, RailErr: railErr}, nil
	}

	if err := r.RecordEntry(ctx, tx, agreementID, account, pushEntry, amount, caseNo); err != nil {
		return PushResult{}, err
	}
	return PushResult{}, nil
}
