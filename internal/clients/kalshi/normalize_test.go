package kalshi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeMarket(t *testing.T) {
	closeTime := time.Date(2025, 1, 15, 23, 0, 0, 0, time.UTC)
	market := Market{
		Ticker:       "KXNBA-25JAN15-BOS",
		Title:        "Will the Celtics beat the Knicks?",
		Status:       "active",
		YesBid:       55,
		YesAsk:       58,
		NoBid:        42,
		NoAsk:        45,
		Volume:       12000,
		OpenInterest: 3400,
		CloseTime:    &closeTime,
	}

	normalized := NormalizeMarket(market)

	assert.Equal(t, "kalshi", normalized.Source)
	assert.Equal(t, "KXNBA-25JAN15-BOS", normalized.MarketID)
	require.NotNil(t, normalized.YesBid)
	assert.InDelta(t, 0.55, *normalized.YesBid, 1e-9)
	require.NotNil(t, normalized.ImpliedProbability)
	assert.InDelta(t, 0.565, *normalized.ImpliedProbability, 1e-9, "implied probability is the yes bid/ask midpoint")
	require.NotNil(t, normalized.CloseTime)
	assert.Equal(t, "2025-01-15T23:00:00Z", *normalized.CloseTime)
	assert.Equal(t, int64(12000), normalized.Volume)
}

func TestNormalizeMarketSingleSidedQuote(t *testing.T) {
	normalized := NormalizeMarket(Market{Ticker: "ONE-SIDED", YesBid: 60})

	require.NotNil(t, normalized.ImpliedProbability)
	assert.InDelta(t, 0.60, *normalized.ImpliedProbability, 1e-9, "a lone bid stands in for the midpoint")
	assert.Nil(t, normalized.YesAsk)

	normalized = NormalizeMarket(Market{Ticker: "ASK-ONLY", YesAsk: 40})
	require.NotNil(t, normalized.ImpliedProbability)
	assert.InDelta(t, 0.40, *normalized.ImpliedProbability, 1e-9)
}

func TestNormalizeMarketUnquoted(t *testing.T) {
	normalized := NormalizeMarket(Market{Ticker: "DEAD", Status: "closed"})

	// Zero cents means no quote, not a free contract.
	assert.Nil(t, normalized.YesBid)
	assert.Nil(t, normalized.YesAsk)
	assert.Nil(t, normalized.NoBid)
	assert.Nil(t, normalized.NoAsk)
	assert.Nil(t, normalized.ImpliedProbability)
	assert.Nil(t, normalized.CloseTime)
}
