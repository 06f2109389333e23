package dispute

import "time"

// Type distinguishes the dispute clauses the contract templates expose.
type Type string

const (
	TypeDamage     Type = "damage"      // rental template: property damage claim
	TypeUnpaidRent Type = "unpaid_rent" // rental template: missed payment claim
	TypeBreach     Type = "breach"      // nda template: confidentiality breach claim
)

// Case mirrors the disputes table. Cases are append-only: a row is created by
// Report, mutated exactly once when the resolution executor settles it, and
// never deleted.
type Case struct {
	AgreementID     string
	CaseNo          int
	Type            Type
	Reporter        string
	Debtor          string
	RequestedAmount int64
	EvidenceDigest  []byte
	BondAmount      int64
	Resolved        bool
	Approved        bool
	AppliedAmount   int64
	Beneficiary     *string
	Rationale       *string
	RationaleDetail *string
	DebtRecorded    int64
	CreatedAt       time.Time
	ResolvedAt      *time.Time
}
