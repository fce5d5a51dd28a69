package oracle

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type failingSource struct{}

func (failingSource) GetPrice(string) (Quote, error) {
	return Quote{}, errors.New("feed offline")
}

func TestManualSource(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	manual := NewManual()
	manual.SetPrice("USDX", big.NewRat(1, 1), now)

	quote, err := manual.GetPrice("USDX")
	require.NoError(t, err)
	require.Equal(t, 0, quote.Price.Cmp(big.NewRat(1, 1)))
	require.Equal(t, "manual", quote.Source)

	_, err = manual.GetPrice("EURX")
	require.ErrorIs(t, err, ErrNoQuote)
}

func TestAggregatorPriorityOrder(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	primary := NewManual()
	secondary := NewManual()
	secondary.SetPrice("USDX", big.NewRat(2, 1), now)

	agg := NewAggregator([]string{"primary", "secondary"}, 0)
	agg.clockNow = func() time.Time { return now }
	agg.Register("primary", primary)
	agg.Register("secondary", secondary)

	// Primary has no quote, so the secondary answers.
	quote, err := agg.GetPrice("USDX")
	require.NoError(t, err)
	require.Equal(t, 0, quote.Price.Cmp(big.NewRat(2, 1)))

	// Once the primary has a quote it wins.
	primary.SetPrice("USDX", big.NewRat(1, 1), now)
	quote, err = agg.GetPrice("USDX")
	require.NoError(t, err)
	require.Equal(t, 0, quote.Price.Cmp(big.NewRat(1, 1)))
}

func TestAggregatorSkipsStaleQuotes(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	source := NewManual()
	source.SetPrice("USDX", big.NewRat(1, 1), now.Add(-time.Hour))

	agg := NewAggregator([]string{"manual"}, 5*time.Minute)
	agg.clockNow = func() time.Time { return now }
	agg.Register("manual", source)

	_, err := agg.GetPrice("USDX")
	require.ErrorIs(t, err, ErrNoQuote)

	source.SetPrice("USDX", big.NewRat(1, 1), now)
	quote, err := agg.GetPrice("USDX")
	require.NoError(t, err)
	require.Equal(t, "USDX", quote.Asset)
}

func TestAggregatorSurvivesFailingSource(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	healthy := NewManual()
	healthy.SetPrice("USDX", big.NewRat(1, 1), now)

	agg := NewAggregator([]string{"broken", "healthy"}, 0)
	agg.clockNow = func() time.Time { return now }
	agg.Register("broken", failingSource{})
	agg.Register("healthy", healthy)

	quote, err := agg.GetPrice("USDX")
	require.NoError(t, err)
	require.Equal(t, 0, quote.Price.Cmp(big.NewRat(1, 1)))
}

func TestAggregatorRecordsLookupFailures(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	agg := NewAggregator([]string{"manual"}, time.Minute)
	agg.clockNow = func() time.Time { return now }
	agg.Register("manual", NewManual())

	before := failureCount(t, "GHOST")
	_, err := agg.GetPrice("GHOST")
	require.ErrorIs(t, err, ErrNoQuote)
	require.Equal(t, before+1, failureCount(t, "GHOST"))
}

func failureCount(t *testing.T, asset string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != "oxylend_oracle_failures_total" {
			continue
		}
		for _, m := range fam.GetMetric() {
			for _, pair := range m.GetLabel() {
				if pair.GetName() == "asset" && pair.GetValue() == asset {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestQuoteAge(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	quote := Quote{Timestamp: now.Add(-30 * time.Second)}
	require.Equal(t, 30*time.Second, quote.Age(now))

	var zero Quote
	require.Greater(t, zero.Age(now), time.Duration(1<<62))
}
