package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariants checked against a live database while the actors
// hammer it. Each query returns rows only when the invariant is violated.
func All() []Oracle {
	return []Oracle{
		{
			// Every deposit balance equals credits minus the debits that may
			// touch it. Bond escrow rides on the case, not the deposit.
			Name: "O1_deposit_conservation",
			SQL: `WITH flows AS (
                      SELECT agreement_id, account,
                             SUM(CASE WHEN entry_type = 'deposit' THEN amount ELSE 0 END) AS credits,
                             SUM(CASE WHEN entry_type IN ('settlement_debit','termination_fee') THEN amount ELSE 0 END) AS debits
                      FROM ledger_entries
                      GROUP BY agreement_id, account)
                  SELECT pa.agreement_id, pa.account, pa.deposit, COALESCE(f.credits,0) AS credits, COALESCE(f.debits,0) AS debits
                  FROM party_accounts pa
                  LEFT JOIN flows f ON f.agreement_id = pa.agreement_id AND f.account = pa.account
                  WHERE pa.deposit <> COALESCE(f.credits,0) - COALESCE(f.debits,0)`,
		},
		{
			Name: "O2_withdrawable_conservation",
			SQL: `WITH flows AS (
                      SELECT agreement_id, account,
                             SUM(CASE WHEN entry_type = 'withdrawable_credit' THEN amount ELSE 0 END) AS credits,
                             SUM(CASE WHEN entry_type = 'withdrawal' THEN amount ELSE 0 END) AS claimed
                      FROM ledger_entries
                      GROUP BY agreement_id, account)
                  SELECT pa.agreement_id, pa.account, pa.withdrawable, COALESCE(f.credits,0) AS credits, COALESCE(f.claimed,0) AS claimed
                  FROM party_accounts pa
                  LEFT JOIN flows f ON f.agreement_id = pa.agreement_id AND f.account = pa.account
                  WHERE pa.withdrawable <> COALESCE(f.credits,0) - COALESCE(f.claimed,0)`,
		},
		{
			Name: "O3_debt_matches_registry",
			SQL: `WITH owed AS (
                      SELECT agreement_id, debtor AS account, SUM(debt_recorded) AS total
                      FROM disputes
                      WHERE resolved
                      GROUP BY agreement_id, debtor)
                  SELECT pa.agreement_id, pa.account, pa.debt, COALESCE(o.total,0) AS recorded
                  FROM party_accounts pa
                  LEFT JOIN owed o ON o.agreement_id = pa.agreement_id AND o.account = pa.account
                  WHERE pa.debt <> COALESCE(o.total,0)`,
		},
		{
			Name: "O4_no_negative_balances",
			SQL: `SELECT agreement_id, account, deposit, debt, withdrawable
                  FROM party_accounts
                  WHERE deposit < 0 OR debt < 0 OR withdrawable < 0`,
		},
		{
			Name: "O5_timeline_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT agreement_id, seq,
                             LAG(seq) OVER (PARTITION BY agreement_id ORDER BY seq) AS prev
                      FROM timeline_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			// Resolution fields only ever appear together, exactly once.
			Name: "O6_resolution_all_or_nothing",
			SQL: `SELECT agreement_id, case_no, resolved, applied_amount, resolved_at
                  FROM disputes
                  WHERE (resolved AND resolved_at IS NULL)
                     OR (NOT resolved AND (resolved_at IS NOT NULL OR applied_amount > 0 OR approved OR debt_recorded > 0))`,
		},
		{
			// Bond money moves only when its case settles.
			Name: "O7_open_case_bond_untouched",
			SQL: `SELECT le.agreement_id, le.case_no, le.entry_type
                  FROM ledger_entries le
                  JOIN disputes d ON d.agreement_id = le.agreement_id AND d.case_no = le.case_no
                  WHERE le.entry_type IN ('bond_refund','bond_forfeit') AND NOT d.resolved`,
		},
		{
			// An active agreement cannot carry an open case.
			Name: "O8_open_case_flags_agreement",
			SQL: `SELECT a.id, a.status
                  FROM agreements a
                  WHERE a.status = 'active'
                    AND EXISTS (SELECT 1 FROM disputes d WHERE d.agreement_id = a.id AND NOT d.resolved)`,
		},
		{
			Name: "O9_append_only_guards_present",
			SQL: `SELECT 'missing_no_delete_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'no_delete_disputes')
                     OR NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'no_delete_ledger_entries')
                     OR NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'no_delete_timeline_events')`,
		},
		{
			Name: "O10_outbox_not_stuck",
			SQL: `SELECT id::text, topic, status, attempts FROM outbox
                  WHERE status NOT IN ('processed','dead')
                    AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
