package relay

import (
	"time"

	"escrowflow/arbitration"
)

// Transport is a registered cross-chain message relay or off-chain oracle
// bridge permitted to deliver decisions. Its shared secret is stored hashed;
// identity at call time is proven with a signed token.
type Transport struct {
	ID         string
	ChainID    string
	SecretHash string
	CreatedAt  time.Time
}

// ReceiveDecisionParams carries one authenticated decision message. The
// upstream transport has already verified the message's origin; Token proves
// which transport is calling.
type ReceiveDecisionParams struct {
	MessageID   string
	Token       string
	AgreementID string
	CaseNo      int
	Decision    arbitration.Decision
}
