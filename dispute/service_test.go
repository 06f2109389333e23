package dispute

import (
	"context"
	"errors"
	"testing"
)

// Validation failures must reject the report before any transaction begins,
// so a service without a database is sufficient here.
func newValidationService() *Service {
	return &Service{}
}

func validReport() ReportParams {
	return ReportParams{
		AgreementID:     "agreement-1",
		Reporter:        "0xreporter",
		Type:            TypeDamage,
		RequestedAmount: 500_000,
		EvidenceDigest:  make([]byte, 32),
		BondValue:       RequiredBond(500_000),
	}
}

func TestReport_ZeroAmount(t *testing.T) {
	svc := newValidationService()
	params := validReport()
	params.RequestedAmount = 0

	_, err := svc.Report(context.Background(), params)
	if !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("expected ErrZeroAmount, got %v", err)
	}
}

func TestReport_BadEvidenceDigest(t *testing.T) {
	svc := newValidationService()
	params := validReport()
	params.EvidenceDigest = []byte("short")

	_, err := svc.Report(context.Background(), params)
	if !errors.Is(err, ErrBadEvidenceDigest) {
		t.Fatalf("expected ErrBadEvidenceDigest, got %v", err)
	}
}

func TestReport_InsufficientBond(t *testing.T) {
	svc := newValidationService()
	params := validReport()
	params.BondValue--

	_, err := svc.Report(context.Background(), params)
	if !errors.Is(err, ErrInsufficientBond) {
		t.Fatalf("expected ErrInsufficientBond, got %v", err)
	}
}

func TestReport_BondExcessRejected(t *testing.T) {
	svc := newValidationService()
	params := validReport()
	params.BondValue++

	_, err := svc.Report(context.Background(), params)
	if !errors.Is(err, ErrBondExcess) {
		t.Fatalf("expected ErrBondExcess, got %v", err)
	}
}

func TestReport_ExactBondPassesValidation(t *testing.T) {
	svc := newValidationService()
	params := validReport()

	// With a nil pool the exact bond gets past validation and fails at
	// Begin; any bond error would surface before that.
	defer func() { _ = recover() }()
	_, err := svc.Report(context.Background(), params)
	if errors.Is(err, ErrInsufficientBond) || errors.Is(err, ErrBondExcess) {
		t.Fatalf("exact bond rejected: %v", err)
	}
}
