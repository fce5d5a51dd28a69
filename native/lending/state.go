package lending

import (
	"math/big"
)

// engineState is the persistence boundary for the lending core. Get methods
// return (nil, nil) when the record is absent. Implementations must hand back
// values the engine may mutate freely; the storage-backed Store satisfies this
// by cloning on read.
type engineState interface {
	GetPool(id string) (*Pool, error)
	PutPool(pool *Pool) error
	ListPools() ([]*Pool, error)
	GetPosition(owner string) (*Position, error)
	PutPosition(pos *Position) error
	DeletePosition(owner string) error
	GetBalance(account, asset string) (*big.Int, error)
	PutBalance(account, asset string, amount *big.Int) error
}

// txn stages every mutation of one operation so that validation failures leave
// no partial application behind. Nothing reaches the state store until commit.
// Events are staged alongside the records and published by the caller only
// after commit succeeds.
type txn struct {
	pools           map[string]*Pool
	positions       map[string]*Position
	deletePositions map[string]struct{}
	balances        map[balanceKey]*big.Int
	events          []stagedEvent
}

type stagedEvent struct {
	eventType  string
	attributes map[string]string
}

type balanceKey struct {
	account string
	asset   string
}

func newTxn() *txn {
	return &txn{
		pools:           make(map[string]*Pool),
		positions:       make(map[string]*Position),
		deletePositions: make(map[string]struct{}),
		balances:        make(map[balanceKey]*big.Int),
	}
}

func (t *txn) stagePool(pool *Pool) {
	if pool != nil {
		t.pools[pool.Asset] = pool
	}
}

func (t *txn) stagePosition(pos *Position) {
	if pos != nil {
		t.positions[pos.Owner] = pos
		delete(t.deletePositions, pos.Owner)
	}
}

func (t *txn) stageDeletePosition(owner string) {
	delete(t.positions, owner)
	t.deletePositions[owner] = struct{}{}
}

func (t *txn) stageBalance(account, asset string, amount *big.Int) {
	t.balances[balanceKey{account: account, asset: asset}] = amount
}

func (t *txn) stageEvent(eventType string, attributes map[string]string) {
	t.events = append(t.events, stagedEvent{eventType: eventType, attributes: attributes})
}

// balance reads through the staged set so sequential moves within one
// operation observe each other.
func (t *txn) balance(state engineState, account, asset string) (*big.Int, error) {
	if staged, ok := t.balances[balanceKey{account: account, asset: asset}]; ok {
		return new(big.Int).Set(staged), nil
	}
	value, err := state.GetBalance(account, asset)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return big.NewInt(0), nil
	}
	return value, nil
}

// move stages an asset transfer between two accounts, failing with
// ErrInsufficientBalance before anything is staged when the sender cannot
// cover the amount.
func (t *txn) move(state engineState, from, to, asset string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	fromBal, err := t.balance(state, from, asset)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	toBal, err := t.balance(state, to, asset)
	if err != nil {
		return err
	}
	t.stageBalance(from, asset, new(big.Int).Sub(fromBal, amount))
	t.stageBalance(to, asset, new(big.Int).Add(toBal, amount))
	return nil
}

func (t *txn) commit(state engineState) error {
	for _, pool := range t.pools {
		if err := state.PutPool(pool); err != nil {
			return err
		}
	}
	for _, pos := range t.positions {
		if err := state.PutPosition(pos); err != nil {
			return err
		}
	}
	for owner := range t.deletePositions {
		if err := state.DeletePosition(owner); err != nil {
			return err
		}
	}
	for key, amount := range t.balances {
		if err := state.PutBalance(key.account, key.asset, amount); err != nil {
			return err
		}
	}
	return nil
}
