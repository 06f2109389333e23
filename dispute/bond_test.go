package dispute

import "testing"

func TestRequiredBond_Percentage(t *testing.T) {
	// 0.5% of 1.0 unit
	if got := RequiredBond(1_000_000); got != 5_000 {
		t.Fatalf("expected 5000, got %d", got)
	}
	// 0.5% of 0.5 unit
	if got := RequiredBond(500_000); got != 2_500 {
		t.Fatalf("expected 2500, got %d", got)
	}
}

func TestRequiredBond_MinimumFloor(t *testing.T) {
	// 0.5% of 0.1 unit is 500, below the 1000 floor
	if got := RequiredBond(100_000); got != MinimumBond {
		t.Fatalf("expected minimum bond %d, got %d", MinimumBond, got)
	}
	if got := RequiredBond(1); got != MinimumBond {
		t.Fatalf("expected minimum bond %d, got %d", MinimumBond, got)
	}
}

func TestRequiredBond_FloorBoundary(t *testing.T) {
	// 200_000 * 50 / 10000 == 1000 exactly: the percentage meets the floor
	if got := RequiredBond(200_000); got != MinimumBond {
		t.Fatalf("expected %d at the boundary, got %d", MinimumBond, got)
	}
	if got := RequiredBond(200_001); got != MinimumBond {
		t.Fatalf("expected flooring just above the boundary, got %d", got)
	}
	if got := RequiredBond(220_000); got != 1_100 {
		t.Fatalf("expected 1100 above the boundary, got %d", got)
	}
}
