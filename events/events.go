package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Outbox topics consumed by the indexing and frontend collaborators.
const (
	TopicAgreementCreated       = "agreement.created"
	TopicEarlyTerminationFee    = "agreement.early_termination_fee_paid"
	TopicLedgerDeposited        = "ledger.deposited"
	TopicDisputeReported        = "dispute.reported"
	TopicDisputeResolved        = "dispute.resolved"
	TopicArbitrationForwardFail = "arbitration.forward_failed"
)

// Timeline appends immutable business events to an agreement's history.
// The seq column is assigned by a database trigger so concurrent writers
// cannot produce gaps or duplicates.
type Timeline struct{}

// Append inserts a timeline event inside the caller's transaction.
func (Timeline) Append(ctx context.Context, tx pgx.Tx, agreementID, eventType, actor string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: marshal timeline payload: %w", err)
	}
	var actorVal any
	if actor != "" {
		actorVal = actor
	}
	const q = `INSERT INTO timeline_events (agreement_id, type, actor, payload) VALUES ($1, $2, $3, $4::jsonb)`
	if _, err := tx.Exec(ctx, q, agreementID, eventType, actorVal, body); err != nil {
		return fmt.Errorf("events: insert timeline event: %w", err)
	}
	return nil
}

// Outbox enqueues records for downstream delivery in the same transaction
// as the state change they describe.
type Outbox struct{}

// Enqueue inserts an outbox message inside the caller's transaction.
func (Outbox) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: marshal outbox payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("events: enqueue outbox: %w", err)
	}
	return nil
}
