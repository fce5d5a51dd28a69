package lending

import "math/big"

// InterestModel encapsulates the kinked borrow rate curve. It carries no state
// of its own; both rates are pure functions of utilisation.
type InterestModel struct {
	// BaseRate is the borrow APR applied at zero utilisation.
	BaseRate *big.Rat
	// Slope1 is the full APR increase accumulated between zero utilisation
	// and the kink.
	Slope1 *big.Rat
	// Slope2 is the additional APR accumulated between the kink and full
	// utilisation.
	Slope2 *big.Rat
	// Kink is the optimal utilisation ratio where the curve steepens.
	Kink *big.Rat
}

// NewInterestModel builds the rate curve from basis-point risk parameters.
func NewInterestModel(params RiskParams) *InterestModel {
	return &InterestModel{
		BaseRate: bpsRat(params.BaseRateBps),
		Slope1:   bpsRat(params.Slope1Bps),
		Slope2:   bpsRat(params.Slope2Bps),
		Kink:     bpsRat(params.OptimalUtilisationBps),
	}
}

// Utilisation computes U = totalBorrowed / totalSupplied clamped to [0, 1].
// A pool with no supplied liquidity has zero utilisation.
func Utilisation(totalBorrowed, totalSupplied *big.Int) *big.Rat {
	if totalBorrowed == nil || totalBorrowed.Sign() <= 0 {
		return new(big.Rat)
	}
	if totalSupplied == nil || totalSupplied.Sign() <= 0 {
		return new(big.Rat)
	}
	u := new(big.Rat).SetFrac(totalBorrowed, totalSupplied)
	if u.Cmp(big.NewRat(1, 1)) > 0 {
		return big.NewRat(1, 1)
	}
	return u
}

// BorrowRate derives the annualised borrow rate at the given utilisation.
// Below the kink the rate climbs linearly to BaseRate+Slope1; above it the
// remaining headroom is traversed on Slope2 so rates spike as the pool drains.
// The result is never negative and saturates at BaseRate+Slope1+Slope2.
func (m *InterestModel) BorrowRate(utilisation *big.Rat) *big.Rat {
	if m == nil {
		return new(big.Rat)
	}
	u := clampRatio(utilisation)
	rate := cloneRat(m.BaseRate)
	kink := cloneRat(m.Kink)
	if kink.Sign() <= 0 || u.Cmp(kink) <= 0 {
		if kink.Sign() <= 0 {
			return nonNegative(rate)
		}
		// base + slope1 * (U / kink)
		scaled := new(big.Rat).Quo(u, kink)
		rate.Add(rate, new(big.Rat).Mul(cloneRat(m.Slope1), scaled))
		return nonNegative(rate)
	}
	rate.Add(rate, cloneRat(m.Slope1))
	headroom := new(big.Rat).Sub(big.NewRat(1, 1), kink)
	if headroom.Sign() <= 0 {
		rate.Add(rate, cloneRat(m.Slope2))
		return nonNegative(rate)
	}
	excess := new(big.Rat).Sub(u, kink)
	rate.Add(rate, new(big.Rat).Mul(cloneRat(m.Slope2), new(big.Rat).Quo(excess, headroom)))
	return nonNegative(rate)
}

// LendRate derives the annualised supply rate: the borrow rate weighted by
// utilisation, less the reserve-factor skim. The reserve factor is the only
// difference between what borrowers pay and what lenders receive in aggregate.
func (m *InterestModel) LendRate(utilisation *big.Rat, reserveFactorBps uint64) *big.Rat {
	if m == nil {
		return new(big.Rat)
	}
	u := clampRatio(utilisation)
	borrow := m.BorrowRate(u)
	if borrow.Sign() <= 0 || u.Sign() <= 0 {
		return new(big.Rat)
	}
	oneMinusReserve := new(big.Rat).Sub(big.NewRat(1, 1), bpsRat(reserveFactorBps))
	if oneMinusReserve.Sign() < 0 {
		oneMinusReserve.SetInt64(0)
	}
	rate := new(big.Rat).Mul(borrow, u)
	rate.Mul(rate, oneMinusReserve)
	return rate
}

func clampRatio(r *big.Rat) *big.Rat {
	if r == nil || r.Sign() < 0 {
		return new(big.Rat)
	}
	if r.Cmp(big.NewRat(1, 1)) > 0 {
		return big.NewRat(1, 1)
	}
	return new(big.Rat).Set(r)
}

func nonNegative(r *big.Rat) *big.Rat {
	if r == nil || r.Sign() < 0 {
		return new(big.Rat)
	}
	return r
}

func cloneRat(r *big.Rat) *big.Rat {
	if r == nil {
		return new(big.Rat)
	}
	return new(big.Rat).Set(r)
}
