package arbitration

import "time"

// Executor is the singleton settlement authority a contract instance binds
// at creation. Many agreements share one executor; the executor never owns
// their ledgers, it only calls into them.
type Executor struct {
	ID           string
	OwnerAccount string
	CreatedAt    time.Time
}

// Decision is the resolved verdict delivered by the arbitration authority.
// How it was computed (LLM heuristics, human arbitration) is upstream's
// concern; here it is just data.
type Decision struct {
	Approve         bool
	AppliedAmount   int64
	Beneficiary     string
	Rationale       string
	RationaleDetail string
}

// Config selects the settlement policy for approved decisions whose debtor
// deposit cannot cover the applied amount.
//
// Strict (default): the whole settlement fails with
// InsufficientDepositError and nothing is mutated. Lenient: the deposit is
// drained, the shortfall is recorded as debt for later recovery, and the
// case still resolves. The product default is strict.
type Config struct {
	AllowPartialSettlement bool
}
