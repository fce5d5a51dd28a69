package lending

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	nativecommon "oxylend/native/common"
	"oxylend/native/oracle"
)

const moduleName = "lending"

// defaultVaultAccount holds pooled deposits and seized collateral in the
// balance ledger until they are released back to users.
const defaultVaultAccount = "lending-vault"

// Engine orchestrates the primary state transitions for the lending core.
// Every state-changing request is an atomic unit: accrual, ledger mutation and
// health validation either all commit or none do. Conflicting concurrent
// requests on the same pool or position fail fast with ErrConflict instead of
// queueing; the caller retries the whole operation.
type Engine struct {
	state               engineState
	prices              oracle.PriceSource
	pauses              nativecommon.PauseView
	vaultAccount        string
	maxPriceAge         time.Duration
	warningThresholdBps uint64
	clock               func() time.Time
	feed                *Feed

	mu        sync.Mutex
	recordsMu map[string]*sync.Mutex

	quotaMu    sync.Mutex
	quota      nativecommon.Quota
	quotaUsage map[string]nativecommon.QuotaNow
}

// NewEngine constructs a lending engine wired to the given state store and
// price source.
func NewEngine(state engineState, prices oracle.PriceSource) *Engine {
	return &Engine{
		state:               state,
		prices:              prices,
		vaultAccount:        defaultVaultAccount,
		maxPriceAge:         5 * time.Minute,
		warningThresholdBps: 11_000,
		clock:               time.Now,
		feed:                NewFeed(),
		recordsMu:           make(map[string]*sync.Mutex),
		quotaUsage:          make(map[string]nativecommon.QuotaNow),
	}
}

// SetQuota configures the per-owner borrow quota. A zero EpochSeconds
// disables enforcement.
func (e *Engine) SetQuota(q nativecommon.Quota) {
	if e == nil {
		return
	}
	e.quotaMu.Lock()
	e.quota = q
	e.quotaMu.Unlock()
}

// consumeBorrowQuota charges amount against the owner's per-epoch borrow
// allowance. Callers must hold the owner's position lock so usage updates
// stay serialized.
func (e *Engine) consumeBorrowQuota(owner string, amount *big.Int) error {
	e.quotaMu.Lock()
	defer e.quotaMu.Unlock()
	if e.quota.EpochSeconds == 0 {
		return nil
	}
	if !amount.IsUint64() {
		return nativecommon.ErrQuotaValueExceeded
	}
	epoch := uint64(e.now()) / uint64(e.quota.EpochSeconds)
	next, err := nativecommon.CheckQuota(e.quota, epoch, e.quotaUsage[owner], 1, amount.Uint64())
	if err != nil {
		return err
	}
	e.quotaUsage[owner] = next
	return nil
}

// SetPauses wires the module pause switches checked on every entry point.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetMaxPriceAge configures the oracle freshness window; prices older than
// this block the risk-gated operations that need them.
func (e *Engine) SetMaxPriceAge(age time.Duration) {
	if e == nil {
		return
	}
	e.maxPriceAge = age
}

// SetWarningThreshold configures the at-risk boundary of the position state
// machine, in basis points of health factor.
func (e *Engine) SetWarningThreshold(bps uint64) {
	if e == nil {
		return
	}
	e.warningThresholdBps = bps
}

// SetClock overrides the time source; tests use this to drive accrual.
func (e *Engine) SetClock(clock func() time.Time) {
	if e == nil || clock == nil {
		return
	}
	e.clock = clock
}

// Events exposes the engine's event feed.
func (e *Engine) Events() *Feed {
	if e == nil {
		return nil
	}
	return e.feed
}

// VaultAccount returns the ledger account holding pooled funds.
func (e *Engine) VaultAccount() string {
	if e == nil {
		return ""
	}
	return e.vaultAccount
}

func (e *Engine) now() int64 { return e.clock().Unix() }

// lockRecords acquires the mutexes for the given lock keys in sorted order
// using TryLock. On contention every acquired lock is released and ErrConflict
// is returned; nothing ever blocks waiting for another operation.
func (e *Engine) lockRecords(keys []string) (func(), error) {
	unique := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if key = strings.TrimSpace(key); key != "" {
			unique[key] = struct{}{}
		}
	}
	ordered := make([]string, 0, len(unique))
	for key := range unique {
		ordered = append(ordered, key)
	}
	sort.Strings(ordered)

	acquired := make([]*sync.Mutex, 0, len(ordered))
	release := func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			acquired[i].Unlock()
		}
	}
	for _, key := range ordered {
		mu := e.recordMutex(key)
		if !mu.TryLock() {
			release()
			return nil, ErrConflict
		}
		acquired = append(acquired, mu)
	}
	return release, nil
}

func (e *Engine) recordMutex(key string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	mu, ok := e.recordsMu[key]
	if !ok {
		mu = &sync.Mutex{}
		e.recordsMu[key] = mu
	}
	return mu
}

func poolLockKey(id string) string     { return "pool/" + id }
func positionLockKey(owner string) string { return "position/" + owner }

// InitPool creates the one pool of record for an asset. Risk parameters are
// fixed thereafter: no mutation entry point exists, which is how the
// "immutable, admin-less" guarantee is enforced.
func (e *Engine) InitPool(asset string, params RiskParams) (*Pool, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	asset = strings.TrimSpace(asset)
	if asset == "" {
		return nil, errInvalidParams("asset identifier required")
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	release, err := e.lockRecords([]string{poolLockKey(asset)})
	if err != nil {
		return nil, err
	}
	defer release()

	existing, err := e.state.GetPool(asset)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrPoolExists
	}
	pool := &Pool{
		Asset:       asset,
		LastAccrual: e.now(),
		Params:      params,
	}
	pool.ensureDefaults()
	if err := e.state.PutPool(pool); err != nil {
		return nil, err
	}
	e.feed.publish(EventPoolInitialized, map[string]string{
		"asset": asset,
	})
	return pool.Clone(), nil
}

// Deposit adds funds to a pool, creating or topping up the owner's collateral
// entry. The scaled supply increment is the amount divided by the pool's
// current supply index, so the entry's redeemable value tracks accrued yield
// without any per-account bookkeeping.
func (e *Engine) Deposit(owner, poolID string, amount *big.Int, asCollateral, enableLending bool) error {
	if err := e.checkAmount(amount); err != nil {
		return err
	}
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return errInvalidParams("owner identifier required")
	}
	release, err := e.lockRecords([]string{poolLockKey(poolID), positionLockKey(owner)})
	if err != nil {
		return err
	}
	defer release()

	pool, err := e.loadPool(poolID)
	if err != nil {
		return err
	}
	pool.Accrue(e.now())

	pos, err := e.loadPosition(owner)
	if err != nil {
		return err
	}

	entry, ok := pos.Collateral[poolID]
	if !ok {
		if len(pos.Collateral) >= MaxPositionEntries {
			return ErrEntryLimit
		}
		entry = &CollateralEntry{
			PoolID:       poolID,
			ScaledSupply: big.NewInt(0),
			Principal:    big.NewInt(0),
			DepositedAt:  e.now(),
		}
		pos.Collateral[poolID] = entry
	}

	t := newTxn()
	if err := t.move(e.state, owner, e.vaultAccount, pool.Asset, amount); err != nil {
		return err
	}

	entry.ScaledSupply = new(big.Int).Add(entry.ScaledSupply, scaledFromAmount(amount, pool.SupplyIndex))
	entry.Principal = new(big.Int).Add(entry.Principal, amount)
	if asCollateral {
		entry.UsedAsCollateral = true
	}
	if enableLending {
		entry.LendingEnabled = true
	}
	pool.TotalSupplied = new(big.Int).Add(pool.TotalSupplied, amount)

	t.stagePool(pool)
	t.stagePosition(pos)
	if err := t.commit(e.state); err != nil {
		return err
	}
	e.feed.publish(EventDeposit, map[string]string{
		"owner":        owner,
		"pool":         poolID,
		"amount":       amount.String(),
		"asCollateral": fmt.Sprintf("%t", entry.UsedAsCollateral),
		"lending":      fmt.Sprintf("%t", entry.LendingEnabled),
	})
	return nil
}

// Withdraw redeems part of the owner's deposit. When the entry is flagged as
// collateral the post-withdrawal health factor is validated and the whole
// operation rejected on a breach.
func (e *Engine) Withdraw(owner, poolID string, amount *big.Int) error {
	if err := e.checkAmount(amount); err != nil {
		return err
	}
	return e.withPosition(owner, []string{poolID}, func(t *txn, pos *Position, pools map[string]*Pool) error {
		pool := pools[poolID]
		if pool == nil {
			return ErrPoolUnavailable
		}
		entry, ok := pos.Collateral[poolID]
		if !ok {
			return ErrEntryNotFound
		}
		redeemable := e.entryValue(entry, pool)
		if amount.Cmp(redeemable) > 0 {
			return ErrInsufficientBalance
		}
		if pool.AvailableLiquidity().Cmp(amount) < 0 {
			return ErrInsufficientLiquidity
		}

		e.reduceSupply(entry, pool, amount, redeemable)
		pool.TotalSupplied = flooredSub(pool.TotalSupplied, amount)

		if entry.UsedAsCollateral && len(pos.Borrows) > 0 {
			if err := e.requireHealthy(pos, pools); err != nil {
				return err
			}
		}
		e.pruneEntries(t, pos)

		if err := t.move(e.state, e.vaultAccount, owner, pool.Asset, amount); err != nil {
			return err
		}
		t.stageEvent(EventWithdraw, map[string]string{
			"owner":  owner,
			"pool":   poolID,
			"amount": amount.String(),
		})
		return nil
	})
}

// Borrow draws funds from a pool against the owner's cross-asset collateral.
// The debt is staged first and the resulting health factor validated; on a
// breach the whole operation is discarded.
func (e *Engine) Borrow(owner, poolID string, amount *big.Int) error {
	if err := e.checkAmount(amount); err != nil {
		return err
	}
	return e.withPosition(owner, []string{poolID}, func(t *txn, pos *Position, pools map[string]*Pool) error {
		pool := pools[poolID]
		if pool == nil {
			return ErrPoolUnavailable
		}
		if pool.AvailableLiquidity().Cmp(amount) < 0 {
			return ErrInsufficientLiquidity
		}
		if !pos.hasUsableCollateral() {
			return ErrInsufficientCollateral
		}
		entry, ok := pos.Borrows[poolID]
		if !ok {
			if len(pos.Borrows) >= MaxPositionEntries {
				return ErrEntryLimit
			}
			entry = &BorrowEntry{
				PoolID:            poolID,
				ScaledDebt:        big.NewInt(0),
				RateAtOrigination: pool.CurrentBorrowRate(),
			}
			pos.Borrows[poolID] = entry
		}
		entry.ScaledDebt = new(big.Int).Add(entry.ScaledDebt, scaledFromAmount(amount, pool.BorrowIndex))
		pool.TotalBorrowed = new(big.Int).Add(pool.TotalBorrowed, amount)

		if err := e.requireHealthy(pos, pools); err != nil {
			return err
		}
		if err := t.move(e.state, e.vaultAccount, owner, pool.Asset, amount); err != nil {
			return err
		}
		// Charged last: a borrow rejected by any earlier check leaves the
		// owner's allowance untouched.
		if err := e.consumeBorrowQuota(owner, amount); err != nil {
			return err
		}
		t.stageEvent(EventBorrow, map[string]string{
			"owner":  owner,
			"pool":   poolID,
			"amount": amount.String(),
		})
		return nil
	})
}

// Repay settles part of the owner's debt in one pool. Overpaying is rejected
// with ErrExcessRepayment rather than silently clamped so client bugs surface.
func (e *Engine) Repay(owner, poolID string, amount *big.Int) (*big.Int, error) {
	if err := e.checkAmount(amount); err != nil {
		return nil, err
	}
	return e.repay(owner, poolID, amount, false)
}

// RepayFull settles the owner's entire debt in one pool. The amount is
// resolved from the scaled debt at execution time so no residual dust survives
// rounding; the scaled debt is zeroed exactly.
func (e *Engine) RepayFull(owner, poolID string) (*big.Int, error) {
	return e.repay(owner, poolID, nil, true)
}

func (e *Engine) repay(owner, poolID string, amount *big.Int, full bool) (*big.Int, error) {
	var repaid *big.Int
	err := e.withPosition(owner, []string{poolID}, func(t *txn, pos *Position, pools map[string]*Pool) error {
		pool := pools[poolID]
		if pool == nil {
			return ErrPoolUnavailable
		}
		entry, ok := pos.Borrows[poolID]
		if !ok {
			return ErrEntryNotFound
		}
		owed := amountFromScaled(entry.ScaledDebt, pool.BorrowIndex)
		if full {
			amount = owed
		}
		if amount == nil || amount.Sign() <= 0 {
			return ErrZeroAmount
		}
		if amount.Cmp(owed) > 0 {
			return ErrExcessRepayment
		}
		if err := t.move(e.state, owner, e.vaultAccount, pool.Asset, amount); err != nil {
			return err
		}
		if full || amount.Cmp(owed) == 0 {
			entry.ScaledDebt = big.NewInt(0)
		} else {
			entry.ScaledDebt = flooredSub(entry.ScaledDebt, scaledFromAmount(amount, pool.BorrowIndex))
		}
		pool.TotalBorrowed = flooredSub(pool.TotalBorrowed, amount)
		e.pruneEntries(t, pos)
		repaid = new(big.Int).Set(amount)
		t.stageEvent(EventRepay, map[string]string{
			"owner":  owner,
			"pool":   poolID,
			"amount": amount.String(),
			"full":   fmt.Sprintf("%t", full || entry.ScaledDebt.Sign() == 0),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return repaid, nil
}

// ClaimYield realises the spread between an entry's redeemable value and its
// principal. With reinvest the yield folds into principal instead of paying
// out. Lending-disabled entries earn no yield share; their index growth is
// skimmed to pool reserves.
func (e *Engine) ClaimYield(owner, poolID string, reinvest bool) (*big.Int, error) {
	var claimed *big.Int
	err := e.withPosition(owner, []string{poolID}, func(t *txn, pos *Position, pools map[string]*Pool) error {
		pool := pools[poolID]
		if pool == nil {
			return ErrPoolUnavailable
		}
		entry, ok := pos.Collateral[poolID]
		if !ok {
			return ErrEntryNotFound
		}
		indexValue := amountFromScaled(entry.ScaledSupply, pool.SupplyIndex)
		spread := flooredSub(indexValue, entry.Principal)
		if !entry.LendingEnabled {
			// Forgone yield of a non-lending entry stays with the pool.
			if spread.Sign() > 0 {
				entry.ScaledSupply = scaledFromAmount(entry.Principal, pool.SupplyIndex)
				pool.TotalSupplied = flooredSub(pool.TotalSupplied, spread)
				pool.Reserves = new(big.Int).Add(pool.Reserves, spread)
				t.stagePool(pool)
				t.stagePosition(pos)
			}
			claimed = big.NewInt(0)
			return nil
		}
		if spread.Sign() == 0 {
			claimed = big.NewInt(0)
			return nil
		}
		if reinvest {
			entry.Principal = indexValue
			claimed = spread
			t.stageEvent(EventYieldClaimed, map[string]string{
				"owner": owner, "pool": poolID, "amount": spread.String(), "reinvested": "true",
			})
			return nil
		}
		// Rebase the entry so it again redeems to exactly the principal.
		entry.ScaledSupply = scaledFromAmount(entry.Principal, pool.SupplyIndex)
		pool.TotalSupplied = flooredSub(pool.TotalSupplied, spread)

		if entry.UsedAsCollateral && len(pos.Borrows) > 0 {
			if err := e.requireHealthy(pos, pools); err != nil {
				return err
			}
		}
		if err := t.move(e.state, e.vaultAccount, owner, pool.Asset, spread); err != nil {
			return err
		}
		claimed = spread
		t.stageEvent(EventYieldClaimed, map[string]string{
			"owner": owner, "pool": poolID, "amount": spread.String(), "reinvested": "false",
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// SetCollateral toggles whether an entry backs the owner's borrows. Turning
// the flag off is risk-gated the same way a withdrawal is.
func (e *Engine) SetCollateral(owner, poolID string, used bool) error {
	return e.withPosition(owner, []string{poolID}, func(t *txn, pos *Position, pools map[string]*Pool) error {
		entry, ok := pos.Collateral[poolID]
		if !ok {
			return ErrEntryNotFound
		}
		if entry.UsedAsCollateral == used {
			return nil
		}
		entry.UsedAsCollateral = used
		if !used && len(pos.Borrows) > 0 {
			if err := e.requireHealthy(pos, pools); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetLendingEnabled toggles yield participation for an entry. Disabling skims
// any accrued spread to pool reserves so the entry redeems to its principal.
func (e *Engine) SetLendingEnabled(owner, poolID string, enabled bool) error {
	return e.withPosition(owner, []string{poolID}, func(t *txn, pos *Position, pools map[string]*Pool) error {
		pool := pools[poolID]
		if pool == nil {
			return ErrPoolUnavailable
		}
		entry, ok := pos.Collateral[poolID]
		if !ok {
			return ErrEntryNotFound
		}
		if entry.LendingEnabled == enabled {
			return nil
		}
		if !enabled {
			indexValue := amountFromScaled(entry.ScaledSupply, pool.SupplyIndex)
			spread := flooredSub(indexValue, entry.Principal)
			if spread.Sign() > 0 {
				entry.ScaledSupply = scaledFromAmount(entry.Principal, pool.SupplyIndex)
				pool.TotalSupplied = flooredSub(pool.TotalSupplied, spread)
				pool.Reserves = new(big.Int).Add(pool.Reserves, spread)
			}
			t.stageEvent(EventLendingDisabled, map[string]string{"owner": owner, "pool": poolID})
		} else {
			t.stageEvent(EventLendingEnabled, map[string]string{"owner": owner, "pool": poolID})
		}
		entry.LendingEnabled = enabled
		return nil
	})
}

// WithdrawReserves releases accumulated reserve-factor interest to a
// recipient account. The caller is authenticated at the RPC boundary; the
// engine only enforces reserve sufficiency.
func (e *Engine) WithdrawReserves(poolID, recipient string, amount *big.Int) (*big.Int, error) {
	if err := e.checkAmount(amount); err != nil {
		return nil, err
	}
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	release, err := e.lockRecords([]string{poolLockKey(poolID)})
	if err != nil {
		return nil, err
	}
	defer release()

	pool, err := e.loadPool(poolID)
	if err != nil {
		return nil, err
	}
	pool.Accrue(e.now())
	if pool.Reserves.Cmp(amount) < 0 {
		return nil, ErrInsufficientLiquidity
	}
	t := newTxn()
	if err := t.move(e.state, e.vaultAccount, recipient, pool.Asset, amount); err != nil {
		return nil, err
	}
	pool.Reserves = new(big.Int).Sub(pool.Reserves, amount)
	t.stagePool(pool)
	if err := t.commit(e.state); err != nil {
		return nil, err
	}
	return new(big.Int).Set(amount), nil
}

// GetPool returns a snapshot of the pool with indexes accrued to now. The
// accrual is persisted so subsequent reads observe current indexes.
func (e *Engine) GetPool(poolID string) (*Pool, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	release, err := e.lockRecords([]string{poolLockKey(poolID)})
	if err != nil {
		return nil, err
	}
	defer release()
	pool, err := e.loadPool(poolID)
	if err != nil {
		return nil, err
	}
	pool.Accrue(e.now())
	if err := e.state.PutPool(pool); err != nil {
		return nil, err
	}
	return pool.Clone(), nil
}

// ListPools returns snapshots of every pool without forcing accrual.
func (e *Engine) ListPools() ([]*Pool, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	pools, err := e.state.ListPools()
	if err != nil {
		return nil, err
	}
	out := make([]*Pool, 0, len(pools))
	for _, pool := range pools {
		clone := pool.Clone()
		clone.ensureDefaults()
		out = append(out, clone)
	}
	return out, nil
}

// GetPosition returns a snapshot of the owner's position.
func (e *Engine) GetPosition(owner string) (*Position, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	release, err := e.lockRecords([]string{positionLockKey(owner)})
	if err != nil {
		return nil, err
	}
	defer release()
	pos, err := e.state.GetPosition(owner)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return NewPosition(owner), nil
	}
	clone := pos.Clone()
	clone.ensureDefaults()
	return clone, nil
}

// Balance reports the ledger balance of an account for an asset.
func (e *Engine) Balance(account, asset string) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	value, err := e.state.GetBalance(account, asset)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return big.NewInt(0), nil
	}
	return value, nil
}

// Credit adds funds to an account's ledger balance. This is the entry point
// for the external asset-transfer collaborator reporting an inbound transfer.
func (e *Engine) Credit(account, asset string, amount *big.Int) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if err := e.checkAmount(amount); err != nil {
		return err
	}
	current, err := e.state.GetBalance(account, asset)
	if err != nil {
		return err
	}
	if current == nil {
		current = big.NewInt(0)
	}
	return e.state.PutBalance(account, asset, new(big.Int).Add(current, amount))
}

// withPosition is the shared harness for position-touching operations: it
// guards pauses, locks the position plus every pool it references (and the
// extra pools), accrues them, runs fn against cloned records, and commits the
// staged transaction only when fn succeeds.
func (e *Engine) withPosition(owner string, extraPools []string, fn func(t *txn, pos *Position, pools map[string]*Pool) error) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return errInvalidParams("owner identifier required")
	}

	// The pool set is only known once the position is read, so the position
	// lock is taken first and the pools after; TryLock with full backout
	// keeps the scheme deadlock-free.
	release, err := e.lockRecords([]string{positionLockKey(owner)})
	if err != nil {
		return err
	}
	defer release()

	pos, err := e.loadPosition(owner)
	if err != nil {
		return err
	}
	poolIDs := e.referencedPools(pos, extraPools)
	lockKeys := make([]string, 0, len(poolIDs))
	for _, id := range poolIDs {
		lockKeys = append(lockKeys, poolLockKey(id))
	}
	releasePools, err := e.lockRecords(lockKeys)
	if err != nil {
		return err
	}
	defer releasePools()

	now := e.now()
	pools := make(map[string]*Pool, len(poolIDs))
	for _, id := range poolIDs {
		pool, err := e.loadPool(id)
		if err != nil {
			return err
		}
		pool.Accrue(now)
		pools[id] = pool
	}

	t := newTxn()
	if err := fn(t, pos, pools); err != nil {
		return err
	}
	for _, pool := range pools {
		t.stagePool(pool)
	}
	if _, deleted := t.deletePositions[owner]; !deleted {
		t.stagePosition(pos)
	}
	if err := t.commit(e.state); err != nil {
		return err
	}
	for _, evt := range t.events {
		e.feed.publish(evt.eventType, evt.attributes)
	}
	return nil
}

func (e *Engine) referencedPools(pos *Position, extra []string) []string {
	set := make(map[string]struct{})
	for id := range pos.Collateral {
		set[id] = struct{}{}
	}
	for id := range pos.Borrows {
		set[id] = struct{}{}
	}
	for _, id := range extra {
		if id = strings.TrimSpace(id); id != "" {
			set[id] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) loadPool(id string) (*Pool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrPoolUnavailable
	}
	pool, err := e.state.GetPool(id)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, fmt.Errorf("%w: %s not initialised", ErrPoolUnavailable, id)
	}
	if pool.Paused {
		return nil, fmt.Errorf("%w: %s paused", ErrPoolUnavailable, id)
	}
	clone := pool.Clone()
	clone.ensureDefaults()
	return clone, nil
}

func (e *Engine) loadPosition(owner string) (*Position, error) {
	pos, err := e.state.GetPosition(owner)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return NewPosition(owner), nil
	}
	clone := pos.Clone()
	clone.ensureDefaults()
	return clone, nil
}

// entryValue is the amount an entry currently redeems for. Lending-disabled
// entries are capped at principal; their index growth belongs to the pool.
func (e *Engine) entryValue(entry *CollateralEntry, pool *Pool) *big.Int {
	indexValue := amountFromScaled(entry.ScaledSupply, pool.SupplyIndex)
	if entry.LendingEnabled {
		return indexValue
	}
	if indexValue.Cmp(entry.Principal) > 0 {
		return new(big.Int).Set(entry.Principal)
	}
	return indexValue
}

// reduceSupply burns scaled supply for a withdrawal of amount out of the
// entry's current redeemable value. A full redemption zeroes the scaled value
// exactly so no dust survives rounding. For lending-disabled entries the
// redeemable value is capped at principal; a full redemption skims the index
// growth above it to pool reserves, the same destination ClaimYield and
// SetLendingEnabled use.
func (e *Engine) reduceSupply(entry *CollateralEntry, pool *Pool, amount, redeemable *big.Int) {
	if amount.Cmp(redeemable) == 0 {
		indexValue := amountFromScaled(entry.ScaledSupply, pool.SupplyIndex)
		spread := flooredSub(indexValue, redeemable)
		if spread.Sign() > 0 {
			pool.TotalSupplied = flooredSub(pool.TotalSupplied, spread)
			pool.Reserves = new(big.Int).Add(pool.Reserves, spread)
		}
		entry.ScaledSupply = big.NewInt(0)
		entry.Principal = big.NewInt(0)
		return
	}
	entry.ScaledSupply = flooredSub(entry.ScaledSupply, scaledFromAmount(amount, pool.SupplyIndex))
	remaining := new(big.Int).Sub(redeemable, amount)
	if entry.Principal.Cmp(remaining) > 0 {
		entry.Principal = remaining
	}
}

// pruneEntries removes exhausted entries and stages position reclamation when
// both collections empty out.
func (e *Engine) pruneEntries(t *txn, pos *Position) {
	for id, entry := range pos.Collateral {
		if entry.ScaledSupply.Sign() == 0 {
			delete(pos.Collateral, id)
		}
	}
	for id, entry := range pos.Borrows {
		if entry.ScaledDebt.Sign() == 0 {
			delete(pos.Borrows, id)
		}
	}
	if pos.Empty() {
		t.stageDeletePosition(pos.Owner)
	}
}

func (e *Engine) checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	if amount.Cmp(maxAmount) > 0 {
		return ErrOverflow
	}
	return nil
}

func flooredSub(a, b *big.Int) *big.Int {
	out := new(big.Int).Sub(a, b)
	if out.Sign() < 0 {
		return big.NewInt(0)
	}
	return out
}
