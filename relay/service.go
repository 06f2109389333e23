package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	"escrowflow/arbitration"
	"escrowflow/events"
)

var (
	// ErrInvalidCredentials signals a wrong transport id or shared secret.
	ErrInvalidCredentials = errors.New("relay: invalid transport credentials")
	// ErrWeakSecret signals a shared secret that doesn't meet requirements.
	ErrWeakSecret = errors.New("relay: secret must be at least 16 characters")
	// ErrTransportNotAllowed signals the transport/chain pair is not on the
	// target executor's allow-list. The call fails closed with no side effect.
	ErrTransportNotAllowed = errors.New("relay: transport not allowed for executor")
)

// Settler is the downstream settlement surface the adapter forwards into.
type Settler interface {
	ApplyFromTransport(ctx context.Context, executorID, transportID, chainID, agreementID string, caseNo int, d arbitration.Decision) error
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the data access the adapter requires.
type Store interface {
	CreateTransport(ctx context.Context, transportID, chainID, secretHash string) (Transport, error)
	GetTransport(ctx context.Context, transportID string) (Transport, error)
	InsertMessageID(ctx context.Context, tx pgx.Tx, messageID string) error
	AgreementExecutor(ctx context.Context, agreementID string) (string, error)
}

// Service is the decision relay adapter. It turns an authenticated decision
// message into a settlement call, and keeps "message delivery succeeded"
// separate from "settlement succeeded": a downstream failure is recorded as
// an auditable event, never propagated to the transport.
type Service struct {
	pool      TxBeginner
	repo      Store
	executor  Settler
	jwtSecret []byte
	outbox    events.Outbox
	now       func() time.Time
}

func NewService(pool TxBeginner, repo Store, executor Settler, jwtSecret string) *Service {
	return &Service{
		pool:      pool,
		repo:      repo,
		executor:  executor,
		jwtSecret: []byte(jwtSecret),
		now:       time.Now,
	}
}

// WithClock overrides the token clock, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Register stores a new transport with a hashed shared secret.
func (s *Service) Register(ctx context.Context, transportID, chainID, secret string) (Transport, error) {
	if transportID == "" || chainID == "" {
		return Transport{}, fmt.Errorf("relay: transport id and chain id are required")
	}
	if len(secret) < 16 {
		return Transport{}, ErrWeakSecret
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return Transport{}, fmt.Errorf("relay: hash secret: %w", err)
	}
	return s.repo.CreateTransport(ctx, transportID, chainID, string(hash))
}

// Authenticate verifies a transport's shared secret and issues a signed
// token carrying its identity.
func (s *Service) Authenticate(ctx context.Context, transportID, secret string) (string, error) {
	t, err := s.repo.GetTransport(ctx, transportID)
	if err != nil {
		if errors.Is(err, ErrTransportNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(t.SecretHash), []byte(secret)); err != nil {
		return "", ErrInvalidCredentials
	}

	claims := jwt.MapClaims{
		"transport_id": t.ID,
		"chain_id":     t.ChainID,
		"exp":          s.now().Add(24 * time.Hour).Unix(),
		"iat":          s.now().Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("relay: sign token: %w", err)
	}
	return token, nil
}

// VerifyToken validates a transport token and returns the transport and
// chain identity it carries.
func (s *Service) VerifyToken(tokenString string) (transportID, chainID string, err error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return "", "", fmt.Errorf("relay: parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", "", fmt.Errorf("relay: invalid token")
	}
	transportID, ok = claims["transport_id"].(string)
	if !ok || transportID == "" {
		return "", "", fmt.Errorf("relay: invalid transport_id in token")
	}
	chainID, ok = claims["chain_id"].(string)
	if !ok || chainID == "" {
		return "", "", fmt.Errorf("relay: invalid chain_id in token")
	}
	return transportID, chainID, nil
}

// ReceiveDecision processes one relayed decision message.
//
// Authorization failures and infrastructure errors abort the call with no
// side effect. Once the message is accepted, the call succeeds even when the
// downstream settlement does not: the failure is converted into an
// arbitration.forward_failed record so the transport's delivery guarantee is
// preserved. A replayed message id is a recorded no-op.
func (s *Service) ReceiveDecision(ctx context.Context, params ReceiveDecisionParams) error {
	transportID, chainID, err := s.VerifyToken(params.Token)
	if err != nil {
		return err
	}

	executorID, err := s.repo.AgreementExecutor(ctx, params.AgreementID)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("relay: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.InsertMessageID(ctx, tx, params.MessageID); err != nil {
		if errors.Is(err, ErrDuplicateMessage) {
			return nil
		}
		return err
	}

	// The settlement runs in its own transaction; the allow-list gate inside
	// ApplyFromTransport fails closed for unknown transports.
	fwdErr := s.executor.ApplyFromTransport(ctx, executorID, transportID, chainID, params.AgreementID, params.CaseNo, params.Decision)
	if fwdErr != nil {
		if errors.Is(fwdErr, arbitration.ErrUnauthorized) {
			// Authorization failure: drop the message reservation too.
			return ErrTransportNotAllowed
		}
		if err := s.outbox.Enqueue(ctx, tx, events.TopicArbitrationForwardFail, map[string]any{
			"message_id":   params.MessageID,
			"agreement_id": params.AgreementID,
			"case_no":      params.CaseNo,
			"transport_id": transportID,
			"chain_id":     chainID,
			"reason":       fwdErr.Error(),
		}); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("relay: commit message record: %w", err)
	}
	return nil
}
