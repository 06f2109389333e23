package agreement

import (
	"context"
	"fmt"
)

// TransitionParams describes a lifecycle transition request.
type TransitionParams struct {
	AgreementID string
	Actor       string
	NextStatus  Status
	Payload     map[string]any
}

// Transition validates and applies a status change, capturing the timeline
// record in the same transaction. Legal transitions are encoded in the
// agreement_validate_transition database function so every writer shares one
// definition.
func (s *Service) Transition(ctx context.Context, params TransitionParams) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := lockAgreement(ctx, tx, params.AgreementID)
	if err != nil {
		return err
	}

	var ok bool
	if err := tx.QueryRow(ctx,
		`SELECT agreement_validate_transition($1::agreement_status, $2::agreement_status)`,
		rec.Status, params.NextStatus).Scan(&ok); err != nil {
		return fmt.Errorf("agreement: validate transition: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrBadStatus, rec.Status, params.NextStatus)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE agreements
		SET status = $1::agreement_status,
		    status_updated_at = get_tx_timestamp(),
		    updated_at = get_tx_timestamp()
		WHERE id = $2
	`, params.NextStatus, params.AgreementID); err != nil {
		return fmt.Errorf("agreement: update status: %w", err)
	}

	payload := map[string]any{
		"previous_status": rec.Status,
		"next_status":     params.NextStatus,
	}
	for k, v := range params.Payload {
		payload[k] = v
	}
	if err := s.timeline.Append(ctx, tx, params.AgreementID, "AGREEMENT_STATUS_CHANGED", params.Actor, payload); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("agreement: commit transition: %w", err)
	}
	return nil
}
