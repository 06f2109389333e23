package dispute

// Anti-spam bond: 0.5% of the requested amount, floored at a fixed minimum.
const (
	bondRateBps = 50
	// MinimumBond is 0.001 unit in micro-units.
	MinimumBond = 1000
)

// RequiredBond computes the exact bond a reporter must attach when opening a
// dispute. The bond ledger is exact-match: anything below fails with
// ErrInsufficientBond, anything above with ErrBondExcess.
func RequiredBond(requestedAmount int64) int64 {
	bond := requestedAmount * bondRateBps / 10000
	if bond < MinimumBond {
		bond = MinimumBond
	}
	return bond
}
