package lending

import (
	"fmt"
	"math/big"
	"strings"
)

// LiquidationResult summarises a completed liquidation: what was repaid, what
// was seized and the position's health factor before and after.
type LiquidationResult struct {
	Borrower     string   `json:"borrower"`
	Liquidator   string   `json:"liquidator"`
	DebtPool     string   `json:"debtPool"`
	SeizePool    string   `json:"seizePool"`
	Repaid       *big.Int `json:"repaid"`
	Seized       *big.Int `json:"seized"`
	FactorBefore *big.Rat `json:"factorBefore"`
	FactorAfter  *big.Rat `json:"factorAfter,omitempty"`
}

// Liquidate lets a third party repay part of an unhealthy borrower's debt in
// one pool and seize discounted collateral from another. The repayment is
// capped by the close factor; the seize amount carries the seize pool's
// liquidation bonus. When the borrower's collateral cannot cover the full
// bonus-adjusted seize, the repayment is scaled down proportionally so the
// exchange rate is preserved. The operation commits only if the position's
// health factor strictly improves.
func (e *Engine) Liquidate(liquidator, borrower, debtPool, seizePool string, repay *big.Int) (*LiquidationResult, error) {
	if err := e.checkAmount(repay); err != nil {
		return nil, err
	}
	liquidator = strings.TrimSpace(liquidator)
	if liquidator == "" {
		return nil, errInvalidParams("liquidator identifier required")
	}
	if liquidator == strings.TrimSpace(borrower) {
		return nil, errInvalidParams("borrower cannot self-liquidate")
	}

	var result *LiquidationResult
	err := e.withPosition(borrower, []string{debtPool, seizePool}, func(t *txn, pos *Position, pools map[string]*Pool) error {
		debt := pools[debtPool]
		seize := pools[seizePool]
		if debt == nil || seize == nil {
			return ErrPoolUnavailable
		}
		borrowEntry, ok := pos.Borrows[debtPool]
		if !ok {
			return fmt.Errorf("%w: no debt in %s", ErrNotLiquidatable, debtPool)
		}
		seizeEntry, ok := pos.Collateral[seizePool]
		if !ok || !seizeEntry.UsedAsCollateral {
			return fmt.Errorf("%w: no seizable collateral in %s", ErrNotLiquidatable, seizePool)
		}

		prices, err := e.gatherPrices(pos, pools)
		if err != nil {
			return err
		}
		factorBefore, err := e.healthFactor(pos, pools, prices)
		if err != nil {
			return err
		}
		one := big.NewRat(1, 1)
		if factorBefore == nil || factorBefore.Cmp(one) >= 0 {
			return ErrNotLiquidatable
		}

		owed := amountFromScaled(borrowEntry.ScaledDebt, debt.BorrowIndex)
		maxRepay := bpsShare(owed, debt.Params.CloseFactorBps)
		if maxRepay.Sign() == 0 && owed.Sign() > 0 {
			// A close factor rounding to zero on dust debt would make the
			// position permanently unliquidatable.
			maxRepay = big.NewInt(1)
		}
		if repay.Cmp(maxRepay) > 0 {
			return fmt.Errorf("%w: max %s", ErrExceedsCloseFactor, maxRepay)
		}

		debtPrice := prices[debt.Asset]
		seizePrice := prices[seize.Asset]
		if debtPrice == nil || seizePrice == nil {
			return ErrStalePrice
		}

		actualRepay := new(big.Int).Set(repay)
		seized := seizeAmount(actualRepay, debtPrice, seizePrice, seize.Params.LiquidationBonusBps)
		available := e.entryValue(seizeEntry, seize)
		if available.Sign() == 0 {
			return fmt.Errorf("%w: %s", ErrInsufficientCollateral, seizePool)
		}
		if seized.Cmp(available) > 0 {
			// Scale the repayment down so the seize fits the entry while the
			// bonus-adjusted exchange rate stays intact.
			actualRepay = repayForSeize(available, debtPrice, seizePrice, seize.Params.LiquidationBonusBps)
			if actualRepay.Sign() == 0 {
				return fmt.Errorf("%w: collateral too small to seize", ErrNotLiquidatable)
			}
			seized = new(big.Int).Set(available)
		}

		if err := t.move(e.state, liquidator, e.vaultAccount, debt.Asset, actualRepay); err != nil {
			return err
		}
		if actualRepay.Cmp(owed) >= 0 {
			borrowEntry.ScaledDebt = big.NewInt(0)
		} else {
			borrowEntry.ScaledDebt = flooredSub(borrowEntry.ScaledDebt, scaledFromAmount(actualRepay, debt.BorrowIndex))
		}
		debt.TotalBorrowed = flooredSub(debt.TotalBorrowed, actualRepay)

		e.reduceSupply(seizeEntry, seize, seized, available)
		seize.TotalSupplied = flooredSub(seize.TotalSupplied, seized)
		if err := t.move(e.state, e.vaultAccount, liquidator, seize.Asset, seized); err != nil {
			return err
		}

		factorAfter, err := e.healthFactor(pos, pools, prices)
		if err != nil {
			return err
		}
		if factorAfter != nil && factorAfter.Cmp(factorBefore) < 0 {
			// Fail closed: a liquidation that does not improve the position
			// must not commit.
			return fmt.Errorf("%w: health factor did not improve", ErrNotLiquidatable)
		}
		pos.HealthFactor = factorAfter
		e.pruneEntries(t, pos)

		result = &LiquidationResult{
			Borrower:     pos.Owner,
			Liquidator:   liquidator,
			DebtPool:     debtPool,
			SeizePool:    seizePool,
			Repaid:       actualRepay,
			Seized:       seized,
			FactorBefore: factorBefore,
			FactorAfter:  factorAfter,
		}
		t.stageEvent(EventLiquidation, map[string]string{
			"borrower":   pos.Owner,
			"liquidator": liquidator,
			"debtPool":   debtPool,
			"seizePool":  seizePool,
			"repaid":     actualRepay.String(),
			"seized":     seized.String(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// seizeAmount converts a debt repayment into seize-pool units and applies the
// liquidation bonus, rounding half up.
func seizeAmount(repay *big.Int, debtPrice, seizePrice *big.Rat, bonusBps uint64) *big.Int {
	value := new(big.Rat).Mul(new(big.Rat).SetInt(repay), debtPrice)
	value.Mul(value, new(big.Rat).Add(big.NewRat(1, 1), bpsRat(bonusBps)))
	value.Quo(value, seizePrice)
	num := new(big.Int).Mul(value.Num(), big.NewInt(2))
	num.Add(num, value.Denom())
	den := new(big.Int).Mul(value.Denom(), big.NewInt(2))
	return num.Quo(num, den)
}

// repayForSeize inverts seizeAmount: the largest repayment whose
// bonus-adjusted seize does not exceed the available collateral. Rounds down.
func repayForSeize(available *big.Int, debtPrice, seizePrice *big.Rat, bonusBps uint64) *big.Int {
	value := new(big.Rat).Mul(new(big.Rat).SetInt(available), seizePrice)
	value.Quo(value, new(big.Rat).Add(big.NewRat(1, 1), bpsRat(bonusBps)))
	value.Quo(value, debtPrice)
	return new(big.Int).Quo(value.Num(), value.Denom())
}
