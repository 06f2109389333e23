package arbitration

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrExecutorNotFound signals the executor id is unknown.
var ErrExecutorNotFound = errors.New("arbitration: executor not found")

// Repository persists executors and their transport allow-lists.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateExecutor registers a new settlement authority. An empty id falls back
// to a database-generated one.
func (r *Repository) CreateExecutor(ctx context.Context, id, ownerAccount string) (Executor, error) {
	if ownerAccount == "" {
		return Executor{}, fmt.Errorf("arbitration: owner account required")
	}
	const q = `
		INSERT INTO executors (id, owner_account)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2)
		RETURNING id, owner_account, created_at
	`
	var e Executor
	if err := r.pool.QueryRow(ctx, q, id, ownerAccount).Scan(&e.ID, &e.OwnerAccount, &e.CreatedAt); err != nil {
		return Executor{}, fmt.Errorf("arbitration: create executor: %w", err)
	}
	return e, nil
}

// GetExecutor loads an executor by id.
func (r *Repository) GetExecutor(ctx context.Context, id string) (Executor, error) {
	const q = `SELECT id, owner_account, created_at FROM executors WHERE id = $1`
	var e Executor
	if err := r.pool.QueryRow(ctx, q, id).Scan(&e.ID, &e.OwnerAccount, &e.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Executor{}, ErrExecutorNotFound
		}
		return Executor{}, fmt.Errorf("arbitration: get executor: %w", err)
	}
	return e, nil
}

// AllowTransport adds a transport/chain pair to the executor's allow-list.
func (r *Repository) AllowTransport(ctx context.Context, executorID, transportID, chainID string) error {
	const q = `
		INSERT INTO executor_transports (executor_id, transport_id, chain_id)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`
	if _, err := r.pool.Exec(ctx, q, executorID, transportID, chainID); err != nil {
		return fmt.Errorf("arbitration: allow transport: %w", err)
	}
	return nil
}

// RevokeTransport removes a transport/chain pair from the allow-list.
func (r *Repository) RevokeTransport(ctx context.Context, executorID, transportID, chainID string) error {
	const q = `
		DELETE FROM executor_transports
		WHERE executor_id = $1 AND transport_id = $2 AND chain_id = $3
	`
	if _, err := r.pool.Exec(ctx, q, executorID, transportID, chainID); err != nil {
		return fmt.Errorf("arbitration: revoke transport: %w", err)
	}
	return nil
}

// TransportAllowed reports whether the transport/chain pair may deliver
// decisions to this executor.
func (r *Repository) TransportAllowed(ctx context.Context, executorID, transportID, chainID string) (bool, error) {
	const q = `
		SELECT EXISTS (
			SELECT 1 FROM executor_transports
			WHERE executor_id = $1 AND transport_id = $2 AND chain_id = $3
		)
	`
	var allowed bool
	if err := r.pool.QueryRow(ctx, q, executorID, transportID, chainID).Scan(&allowed); err != nil {
		return false, fmt.Errorf("arbitration: check transport: %w", err)
	}
	return allowed, nil
}
