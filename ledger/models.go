package ledger

import "time"

// Amounts are int64 counts of micro-units: 1.000000 unit == 1_000_000.

// PartyAccount mirrors the party_accounts table. deposit holds funds
// available to satisfy future settlements, debt records a shortfall left by a
// partial settlement, withdrawable is the pull-payment balance credited when
// a push transfer was refused. All three are non-negative.
type PartyAccount struct {
	AgreementID  string
	Account      string
	Deposit      int64
	Debt         int64
	Withdrawable int64
	UpdatedAt    time.Time
}

// EntryType tags a row in the append-only ledger_entries audit table.
type EntryType string

const (
	EntryDeposit            EntryType = "deposit"
	EntrySettlementDebit    EntryType = "settlement_debit"
	EntryPayout             EntryType = "payout"
	EntryWithdrawableCredit EntryType = "withdrawable_credit"
	EntryWithdrawal         EntryType = "withdrawal"
	EntryBondEscrow         EntryType = "bond_escrow"
	EntryBondRefund         EntryType = "bond_refund"
	EntryBondForfeit        EntryType = "bond_forfeit"
	EntryTerminationFee     EntryType = "termination_fee"
)

// Entry is one immutable value movement.
type Entry struct {
	ID          int64
	AgreementID string
	Account     string
	Type        EntryType
	Amount      int64
	CaseNo      *int
	TS          time.Time
}
