package agreement

import "time"

// Template names the on-file contract templates that embed the dispute
// engine.
type Template string

const (
	TemplateRental Template = "rental"
	TemplateNDA    Template = "nda"
)

// Status represents the lifecycle of a contract instance.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusActive     Status = "active"
	StatusDisputed   Status = "disputed"
	StatusTerminated Status = "terminated"
	StatusClosed     Status = "closed"
)

// Agreement mirrors the agreements table. Each instance is created once and
// is the sole owner of its escrow ledger and dispute registry for its entire
// lifetime; ExecutorID is the settlement capability it trusts.
type Agreement struct {
	ID              string
	Template        Template
	PartyA          string
	PartyB          string
	ExecutorID      string
	Status          Status
	TerminationFee  int64
	StatusUpdatedAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CreateParams enumerates what a factory supplies when instantiating a
// contract.
type CreateParams struct {
	Template       Template
	PartyA         string
	PartyB         string
	ExecutorID     string
	TerminationFee int64
}
