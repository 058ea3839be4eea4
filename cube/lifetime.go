package cube

import "math"

// LifetimeParams calibrates the block-lifetime function used by eviction.
// Two (days, difficulty) points define a log-linear curve relating a
// block's mined difficulty to how long it is allowed to live before the
// eviction sweep removes it. These are configuration, not protocol
// constants; nodes on the same network should agree on them.
type LifetimeParams struct {
	D1, C1 float64
	D2, C2 float64
}

// DefaultLifetimeParams gives a 30-day lifetime at difficulty 20 and a
// 180-day lifetime at difficulty 28.
func DefaultLifetimeParams() LifetimeParams {
	return LifetimeParams{D1: 30, C1: 20, D2: 180, C2: 28}
}

// LifetimeDays evaluates the calibrated lifetime curve at challenge level
// x (a block's trailing-zero-bit count): the log-linear interpolation
// through (C1, D1) and (C2, D2). Monotonic increasing in x for D1 < D2,
// C1 < C2.
func (p LifetimeParams) LifetimeDays(x float64) float64 {
	logC1 := math.Log2(p.C1)
	logC2 := math.Log2(p.C2)
	logX := math.Log2(x)
	return p.D1 + (p.D2-p.D1)*(logX-logC1)/(logC2-logC1)
}
