package lending

import "math/big"

// Accrue rolls the pool's indexes forward to now. It is invoked on entry into
// every pool-touching operation, so no background process ever walks
// positions: any individual position is correct once its own pool's indexes
// are current. The call is O(1) regardless of how many users share the pool.
//
// Borrow growth compounds per second: borrowIndex *= (1+r/secPerYear)^Δt.
// TotalBorrowed is re-recorded (not merely implied by the index) because it
// feeds the next utilisation computation. TotalSupplied grows only by the
// supplier share of actually-collected borrower interest; the reserve-factor
// share accumulates in Reserves.
func (p *Pool) Accrue(now int64) {
	if p == nil {
		return
	}
	p.ensureDefaults()
	if now <= p.LastAccrual {
		return
	}
	elapsed := uint64(now - p.LastAccrual)
	p.LastAccrual = now
	if p.TotalBorrowed.Sign() == 0 {
		return
	}

	model := NewInterestModel(p.Params)
	utilisation := Utilisation(p.TotalBorrowed, p.TotalSupplied)
	borrowRate := model.BorrowRate(utilisation)
	if borrowRate.Sign() == 0 {
		return
	}
	lendRate := model.LendRate(utilisation, p.Params.ReserveFactorBps)

	borrowFactor := perSecondFactor(borrowRate, elapsed)
	supplyFactor := perSecondFactor(lendRate, elapsed)

	p.BorrowIndex = rayMul(p.BorrowIndex, borrowFactor)
	p.SupplyIndex = rayMul(p.SupplyIndex, supplyFactor)

	grownBorrowed := rayMul(p.TotalBorrowed, borrowFactor)
	interest := new(big.Int).Sub(grownBorrowed, p.TotalBorrowed)
	if interest.Sign() <= 0 {
		return
	}
	reserveShare := bpsShare(interest, p.Params.ReserveFactorBps)
	supplierShare := new(big.Int).Sub(interest, reserveShare)

	p.TotalBorrowed = grownBorrowed
	p.TotalSupplied = new(big.Int).Add(p.TotalSupplied, supplierShare)
	p.Reserves = new(big.Int).Add(p.Reserves, reserveShare)
}

// CurrentBorrowRate reports the annualised borrow rate at the pool's present
// utilisation.
func (p *Pool) CurrentBorrowRate() *big.Rat {
	if p == nil {
		return new(big.Rat)
	}
	model := NewInterestModel(p.Params)
	return model.BorrowRate(Utilisation(p.TotalBorrowed, p.TotalSupplied))
}

// CurrentLendRate reports the annualised supply rate at the pool's present
// utilisation.
func (p *Pool) CurrentLendRate() *big.Rat {
	if p == nil {
		return new(big.Rat)
	}
	model := NewInterestModel(p.Params)
	return model.LendRate(Utilisation(p.TotalBorrowed, p.TotalSupplied), p.Params.ReserveFactorBps)
}
