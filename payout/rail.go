package payout

import (
	"context"
	"errors"
	"sync"
)

// ErrPushRejected signals the recipient refused a push transfer. Callers are
// expected to fall back to a withdrawable credit rather than propagate it.
var ErrPushRejected = errors.New("payout: push rejected by recipient")

// Rail attempts a synchronous push transfer of escrowed value to an account.
// A Rail implementation must not touch the escrow ledger; it only moves value
// out of the system. Failure is a normal outcome: recipients are free to
// refuse delivery.
type Rail interface {
	Push(ctx context.Context, account string, amount int64) error
}

// MemoryRail delivers pushes in process and records them per account. It is
// the default rail for the api binary and for tests; accounts registered via
// Reject refuse every push.
type MemoryRail struct {
	mu        sync.Mutex
	delivered map[string]int64
	rejecting map[string]bool
}

func NewMemoryRail() *MemoryRail {
	return &MemoryRail{
		delivered: make(map[string]int64),
		rejecting: make(map[string]bool),
	}
}

// Reject marks an account as refusing push transfers.
func (r *MemoryRail) Reject(account string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejecting[account] = true
}

// Push credits the in-process delivery record, or fails if the account rejects.
func (r *MemoryRail) Push(_ context.Context, account string, amount int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rejecting[account] {
		return ErrPushRejected
	}
	r.delivered[account] += amount
	return nil
}

// Delivered reports the total amount pushed to an account so far.
func (r *MemoryRail) Delivered(account string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delivered[account]
}
