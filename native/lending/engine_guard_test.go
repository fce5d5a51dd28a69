package lending

import (
	"errors"
	"math/big"
	"testing"

	nativecommon "oxylend/native/common"
	"oxylend/native/oracle"
)

type stubPauses struct {
	paused map[string]bool
}

func (s stubPauses) IsPaused(module string) bool {
	return s.paused[module]
}

func TestGuardRejectsWhenModulePaused(t *testing.T) {
	engine, state, prices, clock := newTestEngine(t)
	if _, err := engine.InitPool("USDX", testParams()); err != nil {
		t.Fatalf("init pool: %v", err)
	}
	setPrice(prices, clock, "USDX", 1, 1)
	state.fund("alice", "USDX", 1000)

	engine.SetPauses(stubPauses{paused: map[string]bool{"lending": true}})
	if err := engine.Deposit("alice", "USDX", big.NewInt(100), true, true); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if _, err := engine.InitPool("OTHER", testParams()); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused on init, got %v", err)
	}

	engine.SetPauses(stubPauses{})
	if err := engine.Deposit("alice", "USDX", big.NewInt(100), true, true); err != nil {
		t.Fatalf("deposit after unpause: %v", err)
	}
}

func TestPausedPoolUnavailable(t *testing.T) {
	engine, state, prices, clock := newTestEngine(t)
	if _, err := engine.InitPool("USDX", testParams()); err != nil {
		t.Fatalf("init pool: %v", err)
	}
	setPrice(prices, clock, "USDX", 1, 1)
	state.fund("alice", "USDX", 1000)

	state.pools["USDX"].Paused = true
	if err := engine.Deposit("alice", "USDX", big.NewInt(100), true, true); !errors.Is(err, ErrPoolUnavailable) {
		t.Fatalf("expected ErrPoolUnavailable, got %v", err)
	}
}

func TestUnknownPoolUnavailable(t *testing.T) {
	engine, state, _, _ := newTestEngine(t)
	state.fund("alice", "USDX", 1000)
	if err := engine.Deposit("alice", "USDX", big.NewInt(100), true, true); !errors.Is(err, ErrPoolUnavailable) {
		t.Fatalf("expected ErrPoolUnavailable, got %v", err)
	}
}

func TestDuplicatePoolRejected(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	if _, err := engine.InitPool("USDX", testParams()); err != nil {
		t.Fatalf("init pool: %v", err)
	}
	if _, err := engine.InitPool("USDX", testParams()); !errors.Is(err, ErrPoolExists) {
		t.Fatalf("expected ErrPoolExists, got %v", err)
	}
}

func TestInvalidRiskParamsRejected(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)

	bad := testParams()
	bad.LiquidationThresholdBps = bad.LoanToValueBps
	if _, err := engine.InitPool("USDX", bad); err == nil {
		t.Fatalf("threshold at loan-to-value must be rejected")
	}

	bad = testParams()
	bad.CloseFactorBps = 0
	if _, err := engine.InitPool("USDX", bad); err == nil {
		t.Fatalf("zero close factor must be rejected")
	}
}

func TestConflictingOperationsFailFast(t *testing.T) {
	engine, state, prices, clock := newTestEngine(t)
	if _, err := engine.InitPool("USDX", testParams()); err != nil {
		t.Fatalf("init pool: %v", err)
	}
	setPrice(prices, clock, "USDX", 1, 1)
	state.fund("alice", "USDX", 1000)

	// Simulate an in-flight operation holding the pool record.
	mu := engine.recordMutex(poolLockKey("USDX"))
	mu.Lock()
	err := engine.Deposit("alice", "USDX", big.NewInt(100), true, true)
	mu.Unlock()
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if len(state.positions) != 0 {
		t.Fatalf("conflicted operation left state behind")
	}

	// Holding the position record blocks position-touching operations.
	mu = engine.recordMutex(positionLockKey("alice"))
	mu.Lock()
	err = engine.Deposit("alice", "USDX", big.NewInt(100), true, true)
	mu.Unlock()
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on position lock, got %v", err)
	}

	// The lock is free again afterwards.
	if err := engine.Deposit("alice", "USDX", big.NewInt(100), true, true); err != nil {
		t.Fatalf("deposit after release: %v", err)
	}
}

func TestNilStateRejected(t *testing.T) {
	engine := NewEngine(nil, nil)
	if _, err := engine.InitPool("USDX", testParams()); !errors.Is(err, ErrNilState) {
		t.Fatalf("expected ErrNilState, got %v", err)
	}
}

func TestOverflowAmountRejected(t *testing.T) {
	engine, _, _, _ := twoPoolFixture(t)

	over := new(big.Int).Add(maxAmount, big.NewInt(1))
	if err := engine.Deposit("alice", "COLL", over, true, true); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}

func TestEventsPublishedOnCommitOnly(t *testing.T) {
	engine, state, prices, clock := newTestEngine(t)
	if _, err := engine.InitPool("USDX", testParams()); err != nil {
		t.Fatalf("init pool: %v", err)
	}
	setPrice(prices, clock, "USDX", 1, 1)
	state.fund("alice", "USDX", 500)

	events, cancel := engine.Events().Subscribe(8)
	defer cancel()

	// A failing deposit publishes nothing.
	if err := engine.Deposit("alice", "USDX", big.NewInt(600), true, true); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	select {
	case evt := <-events:
		t.Fatalf("event published for failed operation: %+v", evt)
	default:
	}

	if err := engine.Deposit("alice", "USDX", big.NewInt(500), true, true); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	select {
	case evt := <-events:
		if evt.Type != EventDeposit {
			t.Fatalf("unexpected event type: %s", evt.Type)
		}
		if evt.ID == "" {
			t.Fatalf("event missing identifier")
		}
		if evt.Attributes["amount"] != "500" {
			t.Fatalf("unexpected event attributes: %v", evt.Attributes)
		}
	default:
		t.Fatalf("no event for committed deposit")
	}
}

// faultyEngineState injects storage failures at commit time.
type faultyEngineState struct {
	*mockEngineState
	putPositionErr error
}

func (f *faultyEngineState) PutPosition(pos *Position) error {
	if f.putPositionErr != nil {
		return f.putPositionErr
	}
	return f.mockEngineState.PutPosition(pos)
}

func TestNoEventWhenCommitFails(t *testing.T) {
	state := newMockEngineState()
	faulty := &faultyEngineState{mockEngineState: state}
	prices := oracle.NewManual()
	engine := NewEngine(faulty, prices)
	clock := &testClock{now: 1_700_000_000}
	engine.SetClock(clock.fn)

	if _, err := engine.InitPool("USDX", testParams()); err != nil {
		t.Fatalf("init pool: %v", err)
	}
	setPrice(prices, clock, "USDX", 1, 1)
	state.fund("alice", "USDX", 500)
	if err := engine.Deposit("alice", "USDX", big.NewInt(500), true, true); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	events, cancel := engine.Events().Subscribe(8)
	defer cancel()
	recentBefore := len(engine.Events().Recent(0))

	errDiskFull := errors.New("disk full")
	faulty.putPositionErr = errDiskFull
	if err := engine.Withdraw("alice", "USDX", big.NewInt(100)); !errors.Is(err, errDiskFull) {
		t.Fatalf("expected storage error, got %v", err)
	}
	select {
	case evt := <-events:
		t.Fatalf("event published for failed commit: %+v", evt)
	default:
	}
	if got := len(engine.Events().Recent(0)); got != recentBefore {
		t.Fatalf("failed commit appended to history: %d -> %d", recentBefore, got)
	}

	faulty.putPositionErr = nil
	if err := engine.Withdraw("alice", "USDX", big.NewInt(100)); err != nil {
		t.Fatalf("withdraw after fault cleared: %v", err)
	}
	select {
	case evt := <-events:
		if evt.Type != EventWithdraw {
			t.Fatalf("unexpected event type: %s", evt.Type)
		}
		if evt.Attributes["amount"] != "100" {
			t.Fatalf("unexpected event attributes: %v", evt.Attributes)
		}
	default:
		t.Fatalf("no event for committed withdrawal")
	}
}
