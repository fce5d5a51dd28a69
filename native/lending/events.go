package lending

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"oxylend/observability"
)

// Event type identifiers published on the engine feed.
const (
	EventPoolInitialized = "lending.pool.initialized"
	EventDeposit         = "lending.deposit"
	EventWithdraw        = "lending.withdraw"
	EventBorrow          = "lending.borrow"
	EventRepay           = "lending.repay"
	EventYieldClaimed    = "lending.yield.claimed"
	EventLendingEnabled  = "lending.entry.lendingEnabled"
	EventLendingDisabled = "lending.entry.lendingDisabled"
	EventLiquidation     = "lending.liquidation"
)

// Event is an immutable record of a committed state transition. Events are
// published only after the transition has been persisted, so observers never
// see effects of operations that later failed.
type Event struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Timestamp  time.Time         `json:"timestamp"`
	Attributes map[string]string `json:"attributes"`
}

const feedHistoryLimit = 1024

// Feed fans committed events out to subscribers and retains a bounded recent
// history for poll-based consumers.
type Feed struct {
	mu      sync.RWMutex
	history []Event
	subs    map[uint64]chan Event
	nextSub uint64
}

func NewFeed() *Feed {
	return &Feed{subs: make(map[uint64]chan Event)}
}

// Subscribe returns a channel receiving every event published after the call
// and a cancel func releasing the subscription. Slow subscribers drop events
// instead of blocking the publisher.
func (f *Feed) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	f.mu.Lock()
	id := f.nextSub
	f.nextSub++
	f.subs[id] = ch
	f.mu.Unlock()
	cancel := func() {
		f.mu.Lock()
		if existing, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(existing)
		}
		f.mu.Unlock()
	}
	return ch, cancel
}

// Recent returns up to limit most recent events, newest last.
func (f *Feed) Recent(limit int) []Event {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if limit <= 0 || limit > len(f.history) {
		limit = len(f.history)
	}
	out := make([]Event, limit)
	copy(out, f.history[len(f.history)-limit:])
	return out
}

func (f *Feed) publish(eventType string, attributes map[string]string) {
	if f == nil {
		return
	}
	evt := Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		Attributes: attributes,
	}
	f.mu.Lock()
	f.history = append(f.history, evt)
	if len(f.history) > feedHistoryLimit {
		f.history = f.history[len(f.history)-feedHistoryLimit:]
	}
	for _, ch := range f.subs {
		select {
		case ch <- evt:
		default:
			observability.Events().RecordDropped(evt.Type)
		}
	}
	f.mu.Unlock()
}
