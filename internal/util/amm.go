package util

import "math/big"

// CalculateDiscountBps computes ((a-b)*10000)/b using integer division,
// the way the planner compares an L2 quote against its L1 reference. It
// never panics on b == 0, returning 0 instead.
func CalculateDiscountBps(a, b *big.Int) int64 {
	if b == nil || b.Sign() == 0 {
		return 0
	}
	diff := new(big.Int).Sub(a, b)
	diff.Mul(diff, big.NewInt(10000))
	diff.Quo(diff, b)
	return diff.Int64()
}

// RescaleDecimals converts amount expressed with fromDecimals into the
// equivalent amount expressed with toDecimals, as an integer re-scale
// (never a floating point division).
func RescaleDecimals(amount *big.Int, fromDecimals, toDecimals uint8) *big.Int {
	if amount == nil {
		return big.NewInt(0)
	}
	out := new(big.Int).Set(amount)
	if toDecimals > fromDecimals {
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(toDecimals-fromDecimals)), nil)
		return out.Mul(out, scale)
	}
	if fromDecimals > toDecimals {
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(fromDecimals-toDecimals)), nil)
		return out.Quo(out, scale)
	}
	return out
}

// ApplyBpsTolerance returns amount reduced by toleranceBps/10000, used both
// for the bridge arrival tolerance and the balance-check tolerance in
// recovery. toleranceBps must be in [0, 10000].
func ApplyBpsTolerance(amount *big.Int, toleranceBps int64) *big.Int {
	if amount == nil {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, big.NewInt(10000-toleranceBps))
	return out.Quo(out, big.NewInt(10000))
}

// WithinTolerance reports whether observed is at least expected reduced by
// toleranceBps — the idempotency rule's "balance already reflects the
// completed effect" check.
func WithinTolerance(observed, expected *big.Int, toleranceBps int64) bool {
	if expected == nil || expected.Sign() == 0 {
		return true
	}
	floor := ApplyBpsTolerance(expected, toleranceBps)
	return observed.Cmp(floor) >= 0
}
