package lending

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
)

// priceSheet holds the fresh oracle quotes gathered for one risk evaluation.
// All prices are snapshotted before any arithmetic so the evaluation is
// internally consistent even if the oracle updates mid-flight.
type priceSheet map[string]*big.Rat

// gatherPrices fetches a fresh quote for every asset referenced by the
// position. A single stale or missing quote fails the whole evaluation; risk
// checks never run on partial price data.
func (e *Engine) gatherPrices(pos *Position, pools map[string]*Pool) (priceSheet, error) {
	if e.prices == nil {
		return nil, fmt.Errorf("%w: no price source configured", ErrStalePrice)
	}
	assets := make(map[string]struct{})
	for id, entry := range pos.Collateral {
		if !entry.UsedAsCollateral {
			continue
		}
		pool, ok := pools[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrPoolUnavailable, id)
		}
		assets[pool.Asset] = struct{}{}
	}
	for id := range pos.Borrows {
		pool, ok := pools[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrPoolUnavailable, id)
		}
		assets[pool.Asset] = struct{}{}
	}
	ordered := make([]string, 0, len(assets))
	for asset := range assets {
		ordered = append(ordered, asset)
	}
	sort.Strings(ordered)

	sheet := make(priceSheet, len(ordered))
	now := e.clock()
	for _, asset := range ordered {
		quote, err := e.prices.GetPrice(asset)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrStalePrice, asset, err)
		}
		if quote.Price == nil || quote.Price.Sign() <= 0 {
			return nil, fmt.Errorf("%w: %s: non-positive price", ErrStalePrice, asset)
		}
		if e.maxPriceAge > 0 && quote.Age(now) > e.maxPriceAge {
			return nil, fmt.Errorf("%w: %s: quote %s old", ErrStalePrice, asset, quote.Age(now))
		}
		sheet[asset] = new(big.Rat).Set(quote.Price)
	}
	return sheet, nil
}

// healthFactor computes the cross-asset ratio of liquidation-threshold
// weighted collateral value to total debt value. A nil result means the
// position carries no debt and is unconditionally safe.
func (e *Engine) healthFactor(pos *Position, pools map[string]*Pool, prices priceSheet) (*big.Rat, error) {
	debt := new(big.Rat)
	for id, entry := range pos.Borrows {
		pool, ok := pools[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrPoolUnavailable, id)
		}
		owed := amountFromScaled(entry.ScaledDebt, pool.BorrowIndex)
		if owed.Sign() == 0 {
			continue
		}
		price, ok := prices[pool.Asset]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrStalePrice, pool.Asset)
		}
		debt.Add(debt, new(big.Rat).Mul(new(big.Rat).SetInt(owed), price))
	}
	if debt.Sign() == 0 {
		return nil, nil
	}

	weighted := new(big.Rat)
	for id, entry := range pos.Collateral {
		if !entry.UsedAsCollateral {
			continue
		}
		pool, ok := pools[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrPoolUnavailable, id)
		}
		value := e.entryValue(entry, pool)
		if value.Sign() == 0 {
			continue
		}
		price, ok := prices[pool.Asset]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrStalePrice, pool.Asset)
		}
		term := new(big.Rat).Mul(new(big.Rat).SetInt(value), price)
		term.Mul(term, bpsRat(pool.Params.LiquidationThresholdBps))
		weighted.Add(weighted, term)
	}
	return new(big.Rat).Quo(weighted, debt), nil
}

// requireHealthy validates the staged position and fails the enclosing
// operation with ErrHealthFactorBreach when the factor would drop below one.
func (e *Engine) requireHealthy(pos *Position, pools map[string]*Pool) error {
	prices, err := e.gatherPrices(pos, pools)
	if err != nil {
		return err
	}
	factor, err := e.healthFactor(pos, pools, prices)
	if err != nil {
		return err
	}
	pos.HealthFactor = factor
	if factor != nil && factor.Cmp(big.NewRat(1, 1)) < 0 {
		return fmt.Errorf("%w: factor %s", ErrHealthFactorBreach, factor.FloatString(6))
	}
	return nil
}

// PositionHealth is the externally visible risk summary of a position.
type PositionHealth struct {
	Owner           string   `json:"owner"`
	HealthFactor    *big.Rat `json:"healthFactor,omitempty"`
	Status          Status   `json:"status"`
	CollateralValue *big.Rat `json:"collateralValue"`
	DebtValue       *big.Rat `json:"debtValue"`
}

// HealthFactor evaluates the owner's position against fresh prices and
// returns the risk summary. A position with no debt reports a nil factor and
// StatusHealthy.
func (e *Engine) HealthFactor(owner string) (*PositionHealth, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, errInvalidParams("owner identifier required")
	}
	release, err := e.lockRecords([]string{positionLockKey(owner)})
	if err != nil {
		return nil, err
	}
	defer release()

	pos, err := e.loadPosition(owner)
	if err != nil {
		return nil, err
	}
	pools, err := e.poolsFor(pos)
	if err != nil {
		return nil, err
	}
	prices, err := e.gatherPrices(pos, pools)
	if err != nil {
		return nil, err
	}
	factor, err := e.healthFactor(pos, pools, prices)
	if err != nil {
		return nil, err
	}
	collateral, debt := e.positionValues(pos, pools, prices)
	return &PositionHealth{
		Owner:           owner,
		HealthFactor:    factor,
		Status:          statusOf(pos, factor, e.warningThresholdBps),
		CollateralValue: collateral,
		DebtValue:       debt,
	}, nil
}

// MaxBorrow reports the largest additional amount of the pool's asset the
// owner could borrow without breaching loan-to-value limits.
func (e *Engine) MaxBorrow(owner, poolID string) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	release, err := e.lockRecords([]string{positionLockKey(owner)})
	if err != nil {
		return nil, err
	}
	defer release()

	pos, err := e.loadPosition(owner)
	if err != nil {
		return nil, err
	}
	target, err := e.loadPool(poolID)
	if err != nil {
		return nil, err
	}
	target.Accrue(e.now())

	pools, err := e.poolsFor(pos)
	if err != nil {
		return nil, err
	}
	pools[poolID] = target

	prices, err := e.gatherPrices(pos, pools)
	if err != nil {
		return nil, err
	}
	targetPrice, err := e.assetPrice(target.Asset, prices)
	if err != nil {
		return nil, err
	}

	// Borrow capacity uses loan-to-value weights; the liquidation threshold
	// only governs when an existing position becomes seizable.
	capacity := new(big.Rat)
	for id, entry := range pos.Collateral {
		if !entry.UsedAsCollateral {
			continue
		}
		pool, ok := pools[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrPoolUnavailable, id)
		}
		price, ok := prices[pool.Asset]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrStalePrice, pool.Asset)
		}
		term := new(big.Rat).Mul(new(big.Rat).SetInt(e.entryValue(entry, pool)), price)
		term.Mul(term, bpsRat(pool.Params.LoanToValueBps))
		capacity.Add(capacity, term)
	}
	for id, entry := range pos.Borrows {
		pool, ok := pools[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrPoolUnavailable, id)
		}
		price, ok := prices[pool.Asset]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrStalePrice, pool.Asset)
		}
		owed := amountFromScaled(entry.ScaledDebt, pool.BorrowIndex)
		capacity.Sub(capacity, new(big.Rat).Mul(new(big.Rat).SetInt(owed), price))
	}
	if capacity.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	headroom := new(big.Rat).Quo(capacity, targetPrice)
	max := new(big.Int).Quo(headroom.Num(), headroom.Denom())
	if liquidity := target.AvailableLiquidity(); max.Cmp(liquidity) > 0 {
		max = liquidity
	}
	return max, nil
}

func (e *Engine) poolsFor(pos *Position) (map[string]*Pool, error) {
	now := e.now()
	pools := make(map[string]*Pool)
	for _, id := range e.referencedPools(pos, nil) {
		pool, err := e.loadPool(id)
		if err != nil {
			return nil, err
		}
		pool.Accrue(now)
		pools[id] = pool
	}
	return pools, nil
}

func (e *Engine) positionValues(pos *Position, pools map[string]*Pool, prices priceSheet) (collateral, debt *big.Rat) {
	collateral = new(big.Rat)
	debt = new(big.Rat)
	for id, entry := range pos.Collateral {
		if !entry.UsedAsCollateral {
			continue
		}
		pool := pools[id]
		if pool == nil {
			continue
		}
		if price, ok := prices[pool.Asset]; ok {
			collateral.Add(collateral, new(big.Rat).Mul(new(big.Rat).SetInt(e.entryValue(entry, pool)), price))
		}
	}
	for id, entry := range pos.Borrows {
		pool := pools[id]
		if pool == nil {
			continue
		}
		if price, ok := prices[pool.Asset]; ok {
			owed := amountFromScaled(entry.ScaledDebt, pool.BorrowIndex)
			debt.Add(debt, new(big.Rat).Mul(new(big.Rat).SetInt(owed), price))
		}
	}
	return collateral, debt
}

func (e *Engine) assetPrice(asset string, prices priceSheet) (*big.Rat, error) {
	if price, ok := prices[asset]; ok {
		return price, nil
	}
	if e.prices == nil {
		return nil, fmt.Errorf("%w: no price source configured", ErrStalePrice)
	}
	quote, err := e.prices.GetPrice(asset)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStalePrice, asset, err)
	}
	if quote.Price == nil || quote.Price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s: non-positive price", ErrStalePrice, asset)
	}
	if e.maxPriceAge > 0 && quote.Age(e.clock()) > e.maxPriceAge {
		return nil, fmt.Errorf("%w: %s: quote stale", ErrStalePrice, asset)
	}
	return new(big.Rat).Set(quote.Price), nil
}
