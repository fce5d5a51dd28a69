package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"oxylend/observability"
)

// Quote captures a price for one asset along with the timestamp reported by
// the upstream feed and the oracle identifier. Every consumer must judge
// freshness against Timestamp before acting on the price.
type Quote struct {
	Asset      string
	Price      *big.Rat
	Timestamp  time.Time
	Source     string
	Confidence *big.Rat
}

// Clone returns a deep copy of the quote to prevent accidental mutations.
func (q Quote) Clone() Quote {
	clone := Quote{Asset: q.Asset, Timestamp: q.Timestamp, Source: q.Source}
	if q.Price != nil {
		clone.Price = new(big.Rat).Set(q.Price)
	}
	if q.Confidence != nil {
		clone.Confidence = new(big.Rat).Set(q.Confidence)
	}
	return clone
}

// Age reports how old the quote is relative to now.
func (q Quote) Age(now time.Time) time.Duration {
	if q.Timestamp.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(q.Timestamp)
}

// PriceSource resolves the current price for an asset.
type PriceSource interface {
	GetPrice(asset string) (Quote, error)
}

// ErrNoQuote indicates that no registered source produced a usable quote for
// the requested asset.
var ErrNoQuote = errors.New("oracle: no quote available")

// Aggregator consults registered sources in priority order until a fresh quote
// is obtained. Sources that error or report quotes older than maxAge are
// skipped; a zero maxAge disables the freshness filter here and leaves the
// judgement entirely to the consumer.
type Aggregator struct {
	mu       sync.RWMutex
	priority []string
	sources  map[string]PriceSource
	maxAge   time.Duration
	clockNow func() time.Time
}

// NewAggregator constructs an aggregator with the provided priority order and
// freshness window.
func NewAggregator(priority []string, maxAge time.Duration) *Aggregator {
	return &Aggregator{
		priority: append([]string{}, priority...),
		sources:  make(map[string]PriceSource),
		maxAge:   maxAge,
		clockNow: time.Now,
	}
}

// Register adds a source under the given identifier, appending it to the
// priority order when not already present.
func (a *Aggregator) Register(id string, source PriceSource) {
	if a == nil || source == nil {
		return
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.sources[id]; !exists {
		a.priority = append(a.priority, id)
	}
	a.sources[id] = source
}

// SetMaxAge updates the freshness window used when filtering quotes.
func (a *Aggregator) SetMaxAge(maxAge time.Duration) {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.maxAge = maxAge
	a.mu.Unlock()
}

// GetPrice returns the first fresh quote in priority order.
func (a *Aggregator) GetPrice(asset string) (Quote, error) {
	if a == nil {
		return Quote{}, ErrNoQuote
	}
	a.mu.RLock()
	priority := append([]string{}, a.priority...)
	sources := make(map[string]PriceSource, len(a.sources))
	for id, src := range a.sources {
		sources[id] = src
	}
	maxAge := a.maxAge
	now := a.clockNow()
	a.mu.RUnlock()

	var lastErr error
	for _, id := range priority {
		source, ok := sources[id]
		if !ok {
			continue
		}
		quote, err := source.GetPrice(asset)
		if err != nil {
			lastErr = err
			continue
		}
		if quote.Price == nil || quote.Price.Sign() <= 0 {
			continue
		}
		if maxAge > 0 && quote.Age(now) > maxAge {
			continue
		}
		if quote.Source == "" {
			quote.Source = id
		}
		observability.Oracle().RecordFreshness(asset, quote.Age(now))
		return quote.Clone(), nil
	}
	observability.Oracle().RecordFailure(asset)
	if lastErr != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrNoQuote, lastErr)
	}
	return Quote{}, ErrNoQuote
}

// Manual is an in-process source fed by explicit SetPrice calls. It backs
// tests and local deployments where no external feed is wired.
type Manual struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

// NewManual constructs an empty manual source.
func NewManual() *Manual {
	return &Manual{quotes: make(map[string]Quote)}
}

// SetPrice records a price observation for the asset at the given time.
func (m *Manual) SetPrice(asset string, price *big.Rat, asOf time.Time) {
	if m == nil || price == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[asset] = Quote{
		Asset:     asset,
		Price:     new(big.Rat).Set(price),
		Timestamp: asOf,
		Source:    "manual",
	}
}

// GetPrice returns the recorded quote for the asset.
func (m *Manual) GetPrice(asset string) (Quote, error) {
	if m == nil {
		return Quote{}, ErrNoQuote
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	quote, ok := m.quotes[asset]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrNoQuote, asset)
	}
	return quote.Clone(), nil
}
