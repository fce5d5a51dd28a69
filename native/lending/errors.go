package lending

import "errors"

var (
	// ErrZeroAmount rejects operations that carry a zero or negative amount.
	ErrZeroAmount = errors.New("lending: amount must be positive")
	// ErrPoolUnavailable covers paused and uninitialised pools.
	ErrPoolUnavailable = errors.New("lending: pool unavailable")
	// ErrPoolExists guards the one-time pool initialisation.
	ErrPoolExists = errors.New("lending: pool already initialised")
	// ErrInsufficientLiquidity signals that the pool cannot fund a borrow or
	// withdrawal without dipping into outstanding debt.
	ErrInsufficientLiquidity = errors.New("lending: insufficient liquidity")
	// ErrInsufficientCollateral signals a seize attempt against collateral
	// with zero value.
	ErrInsufficientCollateral = errors.New("lending: insufficient collateral")
	// ErrInsufficientBalance signals the caller cannot cover the transfer.
	ErrInsufficientBalance = errors.New("lending: insufficient balance")
	// ErrHealthFactorBreach rejects any mutation that would leave the owner's
	// health factor below 1.
	ErrHealthFactorBreach = errors.New("lending: health factor below 1")
	// ErrExceedsCloseFactor rejects liquidation repayments above the
	// close-factor cap for the nominated debt pool.
	ErrExceedsCloseFactor = errors.New("lending: repay amount exceeds close factor")
	// ErrNotLiquidatable rejects liquidation of a healthy position.
	ErrNotLiquidatable = errors.New("lending: position not eligible for liquidation")
	// ErrExcessRepayment rejects repaying more than is owed; the excess is
	// never silently clamped.
	ErrExcessRepayment = errors.New("lending: repayment exceeds outstanding debt")
	// ErrStalePrice blocks risk-gated operations when the oracle quote for a
	// required asset is older than the configured maximum age.
	ErrStalePrice = errors.New("lending: oracle price stale")
	// ErrOverflow is a hard failure on fixed-point or amount conversion
	// overflow; truncating silently would misstate solvency.
	ErrOverflow = errors.New("lending: arithmetic overflow")
	// ErrConflict is returned when a concurrent operation holds the pool or
	// position record; callers retry the whole operation.
	ErrConflict = errors.New("lending: conflicting concurrent operation")
	// ErrUnauthorized rejects privileged calls without the proper credential.
	// The engine itself never returns it; both transports authenticate before
	// dispatch. It is part of the error surface for embedders that wrap
	// engine calls with their own credential checks.
	ErrUnauthorized = errors.New("lending: unauthorized")
	// ErrEntryNotFound signals the owner holds no entry for the pool.
	ErrEntryNotFound = errors.New("lending: no entry for pool")
	// ErrEntryLimit bounds the number of distinct pools one position may
	// reference on each side.
	ErrEntryLimit = errors.New("lending: position entry limit reached")
	// ErrNilState signals the engine was not wired to a state store.
	ErrNilState = errors.New("lending: state not configured")
)
