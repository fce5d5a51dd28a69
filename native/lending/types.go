package lending

import (
	"math/big"
)

// RiskParams groups the per-pool risk limits fixed at initialisation. All
// ratios are expressed in basis points for deterministic accounting. Pools are
// immutable and admin-less: no mutation path exists after InitPool.
type RiskParams struct {
	OptimalUtilisationBps   uint64 `json:"optimalUtilisationBps" toml:"OptimalUtilisationBps"`
	BaseRateBps             uint64 `json:"baseRateBps" toml:"BaseRateBps"`
	Slope1Bps               uint64 `json:"slope1Bps" toml:"Slope1Bps"`
	Slope2Bps               uint64 `json:"slope2Bps" toml:"Slope2Bps"`
	LoanToValueBps          uint64 `json:"loanToValueBps" toml:"LoanToValueBps"`
	LiquidationThresholdBps uint64 `json:"liquidationThresholdBps" toml:"LiquidationThresholdBps"`
	LiquidationBonusBps     uint64 `json:"liquidationBonusBps" toml:"LiquidationBonusBps"`
	ReserveFactorBps        uint64 `json:"reserveFactorBps" toml:"ReserveFactorBps"`
	CloseFactorBps          uint64 `json:"closeFactorBps" toml:"CloseFactorBps"`
}

// Validate checks the internal consistency required of every pool.
func (p RiskParams) Validate() error {
	if p.LiquidationThresholdBps <= p.LoanToValueBps {
		return errInvalidParams("liquidation threshold must exceed loan-to-value")
	}
	if p.LiquidationThresholdBps > 10_000 || p.LoanToValueBps == 0 {
		return errInvalidParams("loan-to-value and liquidation threshold must be within (0, 100%]")
	}
	if p.OptimalUtilisationBps == 0 || p.OptimalUtilisationBps >= 10_000 {
		return errInvalidParams("optimal utilisation must be within (0%, 100%)")
	}
	if p.ReserveFactorBps >= 10_000 {
		return errInvalidParams("reserve factor must be below 100%")
	}
	if p.CloseFactorBps == 0 || p.CloseFactorBps > 10_000 {
		return errInvalidParams("close factor must be within (0%, 100%]")
	}
	return nil
}

// Pool is the per-asset ledger of record: aggregate supplied and borrowed
// amounts plus the cumulative indexes that carry compounded interest. One pool
// exists per asset; the pool identifier is the asset symbol.
type Pool struct {
	Asset string `json:"asset"`
	// TotalSupplied aggregates deposits plus the supplier share of accrued
	// borrower interest, in native units.
	TotalSupplied *big.Int `json:"totalSupplied"`
	// TotalBorrowed is the outstanding debt including accrued interest; it is
	// re-recorded on every accrual because it feeds the next utilisation.
	TotalBorrowed *big.Int `json:"totalBorrowed"`
	// Reserves holds the reserve-factor share of collected borrower interest.
	Reserves *big.Int `json:"reserves"`
	// SupplyIndex and BorrowIndex are ray-scaled accumulators, initialised to
	// 1.0 and monotonically non-decreasing.
	SupplyIndex *big.Int `json:"supplyIndex"`
	BorrowIndex *big.Int `json:"borrowIndex"`
	// LastAccrual is the unix timestamp of the most recent index refresh.
	LastAccrual int64      `json:"lastAccrual"`
	Params      RiskParams `json:"params"`
	Paused      bool       `json:"paused"`
}

// Clone returns a deep copy of the pool.
func (p *Pool) Clone() *Pool {
	if p == nil {
		return nil
	}
	clone := *p
	clone.TotalSupplied = cloneInt(p.TotalSupplied)
	clone.TotalBorrowed = cloneInt(p.TotalBorrowed)
	clone.Reserves = cloneInt(p.Reserves)
	clone.SupplyIndex = cloneInt(p.SupplyIndex)
	clone.BorrowIndex = cloneInt(p.BorrowIndex)
	return &clone
}

func (p *Pool) ensureDefaults() {
	if p.TotalSupplied == nil {
		p.TotalSupplied = big.NewInt(0)
	}
	if p.TotalBorrowed == nil {
		p.TotalBorrowed = big.NewInt(0)
	}
	if p.Reserves == nil {
		p.Reserves = big.NewInt(0)
	}
	if p.SupplyIndex == nil || p.SupplyIndex.Sign() == 0 {
		p.SupplyIndex = new(big.Int).Set(ray)
	}
	if p.BorrowIndex == nil || p.BorrowIndex.Sign() == 0 {
		p.BorrowIndex = new(big.Int).Set(ray)
	}
}

// AvailableLiquidity returns supplied minus borrowed, floored at zero.
func (p *Pool) AvailableLiquidity() *big.Int {
	if p == nil {
		return big.NewInt(0)
	}
	liquidity := new(big.Int).Sub(p.TotalSupplied, p.TotalBorrowed)
	if liquidity.Sign() < 0 {
		return big.NewInt(0)
	}
	return liquidity
}

// CollateralEntry records one owner's deposit in one pool. ScaledSupply is the
// deposit divided by the supply index at deposit time; multiplying by the
// current index recovers the redeemable amount including accrued yield.
type CollateralEntry struct {
	PoolID       string   `json:"poolId"`
	ScaledSupply *big.Int `json:"scaledSupply"`
	// Principal tracks the deposited base amount; the spread between
	// Principal and the current redeemable value is the claimable yield.
	Principal        *big.Int `json:"principal"`
	UsedAsCollateral bool     `json:"usedAsCollateral"`
	LendingEnabled   bool     `json:"lendingEnabled"`
	DepositedAt      int64    `json:"depositedAt"`
}

// Clone returns a deep copy of the entry.
func (c *CollateralEntry) Clone() *CollateralEntry {
	if c == nil {
		return nil
	}
	clone := *c
	clone.ScaledSupply = cloneInt(c.ScaledSupply)
	clone.Principal = cloneInt(c.Principal)
	return &clone
}

// BorrowEntry records one owner's debt against one pool. ScaledDebt times the
// pool's current borrow index yields the present owed amount. The origination
// rate is informational only; interest is governed by the pool index.
type BorrowEntry struct {
	PoolID            string   `json:"poolId"`
	ScaledDebt        *big.Int `json:"scaledDebt"`
	RateAtOrigination *big.Rat `json:"rateAtOrigination,omitempty"`
}

// Clone returns a deep copy of the entry.
func (b *BorrowEntry) Clone() *BorrowEntry {
	if b == nil {
		return nil
	}
	clone := *b
	clone.ScaledDebt = cloneInt(b.ScaledDebt)
	if b.RateAtOrigination != nil {
		clone.RateAtOrigination = new(big.Rat).Set(b.RateAtOrigination)
	}
	return &clone
}

// MaxPositionEntries bounds the distinct pools a single position may reference
// on each side, keeping per-operation cost independent of portfolio growth.
const MaxPositionEntries = 10

// Position aggregates one owner's collateral and borrow entries across pools.
// Entries are keyed by pool so duplicates merge instead of appending.
type Position struct {
	Owner      string                      `json:"owner"`
	Collateral map[string]*CollateralEntry `json:"collateral"`
	Borrows    map[string]*BorrowEntry     `json:"borrows"`
	// HealthFactor is the last computed value, cached for display only. It is
	// recomputed, never trusted, before any risk-gated action.
	HealthFactor *big.Rat `json:"healthFactor,omitempty"`
}

// NewPosition builds an empty position for the owner.
func NewPosition(owner string) *Position {
	return &Position{
		Owner:      owner,
		Collateral: make(map[string]*CollateralEntry),
		Borrows:    make(map[string]*BorrowEntry),
	}
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	clone := NewPosition(p.Owner)
	for id, entry := range p.Collateral {
		clone.Collateral[id] = entry.Clone()
	}
	for id, entry := range p.Borrows {
		clone.Borrows[id] = entry.Clone()
	}
	if p.HealthFactor != nil {
		clone.HealthFactor = new(big.Rat).Set(p.HealthFactor)
	}
	return clone
}

func (p *Position) ensureDefaults() {
	if p.Collateral == nil {
		p.Collateral = make(map[string]*CollateralEntry)
	}
	if p.Borrows == nil {
		p.Borrows = make(map[string]*BorrowEntry)
	}
}

// Empty reports whether both entry collections are empty; an empty position
// may be reclaimed.
func (p *Position) Empty() bool {
	if p == nil {
		return true
	}
	return len(p.Collateral) == 0 && len(p.Borrows) == 0
}

// hasUsableCollateral reports whether any entry both backs borrows and holds
// a positive scaled balance.
func (p *Position) hasUsableCollateral() bool {
	if p == nil {
		return false
	}
	for _, entry := range p.Collateral {
		if entry.UsedAsCollateral && entry.ScaledSupply != nil && entry.ScaledSupply.Sign() > 0 {
			return true
		}
	}
	return false
}

// Status describes a position's standing relative to liquidation.
type Status string

const (
	StatusHealthy      Status = "healthy"
	StatusAtRisk       Status = "at_risk"
	StatusLiquidatable Status = "liquidatable"
	StatusClosed       Status = "closed"
)

// statusOf maps a health factor to the position state machine. A nil factor
// means the position carries no debt and is always safe.
func statusOf(p *Position, factor *big.Rat, warningThresholdBps uint64) Status {
	if p.Empty() {
		return StatusClosed
	}
	if factor == nil {
		return StatusHealthy
	}
	if factor.Cmp(big.NewRat(1, 1)) < 0 {
		return StatusLiquidatable
	}
	warning := bpsRat(warningThresholdBps)
	if warning.Sign() > 0 && factor.Cmp(warning) < 0 {
		return StatusAtRisk
	}
	return StatusHealthy
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

type paramError struct{ msg string }

func (e paramError) Error() string { return "lending: invalid risk parameters: " + e.msg }

func errInvalidParams(msg string) error { return paramError{msg: msg} }
