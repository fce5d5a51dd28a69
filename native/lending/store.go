package lending

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"oxylend/storage"
)

const (
	poolKeyPrefix     = "lending/pool/"
	positionKeyPrefix = "lending/position/"
	balanceKeyPrefix  = "lending/balance/"
)

// Store persists lending state in a key-value database as JSON records. It
// satisfies engineState; reads return deep clones so callers can mutate
// freely before committing.
type Store struct {
	db storage.Database
}

func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

func poolKey(id string) []byte {
	return []byte(poolKeyPrefix + id)
}

func positionKey(owner string) []byte {
	return []byte(positionKeyPrefix + owner)
}

func balanceKeyBytes(account, asset string) []byte {
	return []byte(balanceKeyPrefix + account + "/" + asset)
}

func (s *Store) GetPool(id string) (*Pool, error) {
	raw, err := s.db.Get(poolKey(id))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lending: load pool %s: %w", id, err)
	}
	var pool Pool
	if err := json.Unmarshal(raw, &pool); err != nil {
		return nil, fmt.Errorf("lending: decode pool %s: %w", id, err)
	}
	pool.ensureDefaults()
	return &pool, nil
}

func (s *Store) PutPool(pool *Pool) error {
	if pool == nil || strings.TrimSpace(pool.Asset) == "" {
		return errInvalidParams("pool requires an asset identifier")
	}
	raw, err := json.Marshal(pool)
	if err != nil {
		return fmt.Errorf("lending: encode pool %s: %w", pool.Asset, err)
	}
	return s.db.Put(poolKey(pool.Asset), raw)
}

func (s *Store) ListPools() ([]*Pool, error) {
	var pools []*Pool
	err := s.db.IteratePrefix([]byte(poolKeyPrefix), func(_, value []byte) error {
		var pool Pool
		if err := json.Unmarshal(value, &pool); err != nil {
			return fmt.Errorf("lending: decode pool record: %w", err)
		}
		pool.ensureDefaults()
		pools = append(pools, &pool)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pools, nil
}

func (s *Store) GetPosition(owner string) (*Position, error) {
	raw, err := s.db.Get(positionKey(owner))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lending: load position %s: %w", owner, err)
	}
	var pos Position
	if err := json.Unmarshal(raw, &pos); err != nil {
		return nil, fmt.Errorf("lending: decode position %s: %w", owner, err)
	}
	pos.ensureDefaults()
	return &pos, nil
}

func (s *Store) PutPosition(pos *Position) error {
	if pos == nil || strings.TrimSpace(pos.Owner) == "" {
		return errInvalidParams("position requires an owner")
	}
	raw, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("lending: encode position %s: %w", pos.Owner, err)
	}
	return s.db.Put(positionKey(pos.Owner), raw)
}

func (s *Store) DeletePosition(owner string) error {
	return s.db.Delete(positionKey(owner))
}

func (s *Store) GetBalance(account, asset string) (*big.Int, error) {
	raw, err := s.db.Get(balanceKeyBytes(account, asset))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lending: load balance %s/%s: %w", account, asset, err)
	}
	value := new(big.Int)
	if err := value.UnmarshalText(raw); err != nil {
		return nil, fmt.Errorf("lending: decode balance %s/%s: %w", account, asset, err)
	}
	return value, nil
}

func (s *Store) PutBalance(account, asset string, amount *big.Int) error {
	if amount == nil {
		amount = big.NewInt(0)
	}
	raw, err := amount.MarshalText()
	if err != nil {
		return err
	}
	return s.db.Put(balanceKeyBytes(account, asset), raw)
}
