package lending

import "math/big"

var (
	basisPoints = big.NewInt(10_000)
	ray         = mustBigInt("1000000000000000000000000000") // 1e27 precision
	halfRay     = new(big.Int).Rsh(ray, 1)
	maxAmount   = new(big.Int).SetUint64(^uint64(0)) // amounts are 64-bit native units
)

const secondsPerYear = 31_536_000

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

func rayMul(a, b *big.Int) *big.Int {
	if a == nil || b == nil {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	product.Add(product, halfRay)
	product.Quo(product, ray)
	return product
}

// rayPow raises a ray-scaled base to an integer power by squaring. Each rayMul
// rounds half-up, so compounding Δt once versus Δt/2 twice agrees to within one
// ray unit per multiplication step.
func rayPow(base *big.Int, exp uint64) *big.Int {
	result := new(big.Int).Set(ray)
	if base == nil || exp == 0 {
		return result
	}
	b := new(big.Int).Set(base)
	for exp > 0 {
		if exp&1 == 1 {
			result = rayMul(result, b)
		}
		exp >>= 1
		if exp > 0 {
			b = rayMul(b, b)
		}
	}
	return result
}

func ratToRay(r *big.Rat) *big.Int {
	if r == nil || r.Sign() <= 0 {
		return big.NewInt(0)
	}
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt(ray))
	num := scaled.Num()
	den := scaled.Denom()
	if den.Sign() == 0 {
		return big.NewInt(0)
	}
	return new(big.Int).Quo(new(big.Int).Add(num, halfUp(den)), den)
}

// perSecondFactor returns (1 + rate/secondsPerYear)^elapsed in ray precision.
// The rate is an annualised fraction, e.g. 0.1 for 10% APR.
func perSecondFactor(rate *big.Rat, elapsed uint64) *big.Int {
	if rate == nil || rate.Sign() <= 0 || elapsed == 0 {
		return new(big.Int).Set(ray)
	}
	perSecond := new(big.Rat).Quo(rate, new(big.Rat).SetUint64(secondsPerYear))
	base := new(big.Rat).Add(big.NewRat(1, 1), perSecond)
	return rayPow(ratToRay(base), elapsed)
}

func scaledFromAmount(amount, index *big.Int) *big.Int {
	if amount == nil || amount.Sign() <= 0 || index == nil || index.Sign() == 0 {
		return big.NewInt(0)
	}
	scaled := new(big.Int).Mul(amount, ray)
	scaled.Add(scaled, halfUp(index))
	scaled.Quo(scaled, index)
	if scaled.Sign() == 0 && amount.Sign() > 0 {
		return big.NewInt(1)
	}
	return scaled
}

func amountFromScaled(scaled, index *big.Int) *big.Int {
	if scaled == nil || scaled.Sign() <= 0 || index == nil || index.Sign() == 0 {
		return big.NewInt(0)
	}
	amount := new(big.Int).Mul(scaled, index)
	amount.Add(amount, halfRay)
	amount.Quo(amount, ray)
	return amount
}

func bpsShare(amount *big.Int, bps uint64) *big.Int {
	if amount == nil || amount.Sign() <= 0 || bps == 0 {
		return big.NewInt(0)
	}
	share := new(big.Int).Mul(amount, new(big.Int).SetUint64(bps))
	share.Quo(share, basisPoints)
	return share
}

func bpsRat(bps uint64) *big.Rat {
	return new(big.Rat).SetFrac(new(big.Int).SetUint64(bps), basisPoints)
}

func halfUp(x *big.Int) *big.Int {
	if x == nil || x.Sign() <= 0 {
		return big.NewInt(0)
	}
	half := new(big.Int).Add(x, big.NewInt(1))
	half.Rsh(half, 1)
	return half
}
