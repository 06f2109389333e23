package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrTransportNotFound signals an unknown transport id.
	ErrTransportNotFound = errors.New("relay: transport not found")
	// ErrDuplicateTransport signals the transport id is already registered.
	ErrDuplicateTransport = errors.New("relay: transport already registered")
	// ErrDuplicateMessage signals the message id was already recorded.
	ErrDuplicateMessage = errors.New("relay: duplicate message id")
)

// Repository persists transport credentials and relayed message ids.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateTransport stores a transport with its hashed shared secret.
func (r *Repository) CreateTransport(ctx context.Context, transportID, chainID, secretHash string) (Transport, error) {
	const q = `
		INSERT INTO transports (transport_id, chain_id, secret_hash)
		VALUES ($1, $2, $3)
		RETURNING transport_id, chain_id, secret_hash, created_at
	`
	var t Transport
	err := r.pool.QueryRow(ctx, q, transportID, chainID, secretHash).
		Scan(&t.ID, &t.ChainID, &t.SecretHash, &t.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Transport{}, ErrDuplicateTransport
		}
		return Transport{}, fmt.Errorf("relay: create transport: %w", err)
	}
	return t, nil
}

// GetTransport loads a transport by id.
func (r *Repository) GetTransport(ctx context.Context, transportID string) (Transport, error) {
	const q = `SELECT transport_id, chain_id, secret_hash, created_at FROM transports WHERE transport_id = $1`
	var t Transport
	err := r.pool.QueryRow(ctx, q, transportID).Scan(&t.ID, &t.ChainID, &t.SecretHash, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transport{}, ErrTransportNotFound
		}
		return Transport{}, fmt.Errorf("relay: get transport: %w", err)
	}
	return t, nil
}

// InsertMessageID reserves the message id inside the active transaction.
func (r *Repository) InsertMessageID(ctx context.Context, tx pgx.Tx, messageID string) error {
	if messageID == "" {
		return fmt.Errorf("relay: empty message id")
	}
	if _, err := tx.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1)`, messageID); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("relay: insert message id: %w", err)
	}
	return nil
}

// AgreementExecutor resolves the executor bound to the target agreement.
func (r *Repository) AgreementExecutor(ctx context.Context, agreementID string) (string, error) {
	var executorID string
	err := r.pool.QueryRow(ctx, `SELECT executor_id FROM agreements WHERE id = $1`, agreementID).Scan(&executorID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("relay: agreement %s not found", agreementID)
		}
		return "", fmt.Errorf("relay: resolve executor: %w", err)
	}
	return executorID, nil
}
