package oddsapi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAmericanToProbability(t *testing.T) {
	tests := []struct {
		odds     int
		expected float64
	}{
		{100, 0.5},
		{-100, 0.5},
		{150, 0.4},
		{-150, 0.6},
		{200, 1.0 / 3.0},
	}

	for _, tt := range tests {
		assert.InDelta(t, tt.expected, AmericanToProbability(tt.odds), 1e-9, "odds %d", tt.odds)
	}
}

func TestNoVigProbability(t *testing.T) {
	// A symmetric -110/-110 market carries vig; the no-vig split is even.
	home, away := NoVigProbability(-110, -110)
	assert.InDelta(t, 0.5, home, 1e-9)
	assert.InDelta(t, 0.5, away, 1e-9)

	home, away = NoVigProbability(-150, 130)
	assert.InDelta(t, 1.0, home+away, 1e-9, "no-vig probabilities must sum to 1")
	assert.Greater(t, home, away, "the favorite keeps the larger share")
}

func TestNormalizeEventPicksBestOdds(t *testing.T) {
	commence := time.Date(2025, 1, 15, 19, 0, 0, 0, time.UTC)
	event := Event{
		ID:           "e1",
		SportKey:     "basketball_nba",
		SportTitle:   "NBA",
		CommenceTime: commence,
		HomeTeam:     "Boston Celtics",
		AwayTeam:     "New York Knicks",
		Bookmakers: []Bookmaker{
			{
				Key: "book_a",
				Markets: []Market{{
					Key: "h2h",
					Outcomes: []Outcome{
						{Name: "Boston Celtics", Price: -150},
						{Name: "New York Knicks", Price: 130},
					},
				}},
			},
			{
				Key: "book_b",
				Markets: []Market{{
					Key: "h2h",
					Outcomes: []Outcome{
						{Name: "Boston Celtics", Price: -140},
						{Name: "New York Knicks", Price: 125},
					},
				}},
			},
			{
				// Non-h2h markets never contribute odds.
				Key: "book_c",
				Markets: []Market{{
					Key: "spreads",
					Outcomes: []Outcome{
						{Name: "Boston Celtics", Price: 500, Point: -6.5},
					},
				}},
			},
		},
	}

	normalized := NormalizeEvent(event)

	assert.Equal(t, "odds_api", normalized.Source)
	assert.Equal(t, "e1", normalized.EventID)
	assert.Equal(t, "2025-01-15T19:00:00Z", normalized.CommenceTime)
	assert.Equal(t, 3, normalized.BookmakerCount)

	require.NotNil(t, normalized.BestHomeOdds)
	assert.Equal(t, -140, *normalized.BestHomeOdds, "best price for the bettor is the highest")
	require.NotNil(t, normalized.BestAwayOdds)
	assert.Equal(t, 130, *normalized.BestAwayOdds)

	require.NotNil(t, normalized.HomeNoVigProb)
	require.NotNil(t, normalized.AwayNoVigProb)
	assert.InDelta(t, 1.0, *normalized.HomeNoVigProb+*normalized.AwayNoVigProb, 1e-9)
}

func TestNormalizeEventWithoutOdds(t *testing.T) {
	normalized := NormalizeEvent(Event{
		ID:           "e2",
		CommenceTime: time.Date(2025, 1, 15, 19, 0, 0, 0, time.UTC),
		HomeTeam:     "Boston Celtics",
		AwayTeam:     "New York Knicks",
	})

	assert.Nil(t, normalized.BestHomeOdds)
	assert.Nil(t, normalized.BestAwayOdds)
	assert.Nil(t, normalized.HomeNoVigProb)
	assert.Nil(t, normalized.AwayNoVigProb)
	assert.Zero(t, normalized.BookmakerCount)
}

func TestFilterEventsByDate(t *testing.T) {
	est := time.FixedZone("EST", -5*60*60)
	events := []Event{
		{ID: "same-day", CommenceTime: time.Date(2025, 1, 15, 23, 30, 0, 0, time.UTC)},
		{ID: "next-day", CommenceTime: time.Date(2025, 1, 16, 0, 30, 0, 0, time.UTC)},
		// 20:00 EST on the 15th is 01:00 UTC on the 16th.
		{ID: "est-evening", CommenceTime: time.Date(2025, 1, 15, 20, 0, 0, 0, est)},
	}

	filtered := FilterEventsByDate(events, time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC))
	require.Len(t, filtered, 1)
	assert.Equal(t, "same-day", filtered[0].ID)

	filtered = FilterEventsByDate(events, time.Date(2025, 1, 16, 12, 0, 0, 0, time.UTC))
	assert.Len(t, filtered, 2)
}
