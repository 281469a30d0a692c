package services

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketledger/marketledger/internal/clients/kalshi"
	"github.com/marketledger/marketledger/internal/clients/oddsapi"
	"github.com/marketledger/marketledger/internal/domain"
)

func testOddsEvent(id string) oddsapi.Event {
	return oddsapi.Event{
		ID:           id,
		SportKey:     "basketball_nba",
		SportTitle:   "NBA",
		CommenceTime: time.Date(2025, 1, 15, 19, 0, 0, 0, time.UTC),
		HomeTeam:     "Boston Celtics",
		AwayTeam:     "New York Knicks",
		Bookmakers: []oddsapi.Bookmaker{{
			Key: "book_a",
			Markets: []oddsapi.Market{{
				Key: "h2h",
				Outcomes: []oddsapi.Outcome{
					{Name: "Boston Celtics", Price: -150},
					{Name: "New York Knicks", Price: 130},
				},
			}},
		}},
	}
}

func TestCollectAllPersistsSnapshots(t *testing.T) {
	ts := newTestStore(t)
	remaining := 480

	odds := &fakeOddsSource{
		events:    []oddsapi.Event{testOddsEvent("e1"), testOddsEvent("e2")},
		remaining: &remaining,
	}
	kalshiSource := &fakeKalshiSource{
		markets: []kalshi.Market{{
			Ticker: "KXNBA-25JAN15-BOS",
			Title:  "Will the Celtics beat the Knicks?",
			Status: "active",
			YesBid: 55,
			YesAsk: 58,
		}},
	}

	collector := NewCollector(testConfig(), ts.snapshots, odds, kalshiSource, nil, zerolog.Nop())

	result, err := collector.CollectAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Games)
	assert.Len(t, result.Snapshots, 2)
	assert.Zero(t, result.Deduped)
	assert.Zero(t, result.Errors)

	snapshot, err := ts.snapshots.GetLatestByGameID("e1")
	require.NoError(t, err)
	require.NotNil(t, snapshot)

	assert.Equal(t, "kalshi_v2", snapshot.SourceVersions.Kalshi)
	assert.Equal(t, "odds_api_v4", snapshot.SourceVersions.OddsAPI)
	assert.Equal(t, "1.0.0", snapshot.SchemaVersion)

	events := snapshot.NormalizedFields["odds_api_events"].([]any)
	require.Len(t, events, 1)
	event := events[0].(map[string]any)
	assert.Equal(t, "e1", event["event_id"])
	assert.Equal(t, float64(-150), event["best_home_odds"])

	markets := snapshot.NormalizedFields["kalshi_markets"].([]any)
	require.Len(t, markets, 1)
	market := markets[0].(map[string]any)
	assert.Equal(t, "KXNBA-25JAN15-BOS", market["market_id"])
	assert.InDelta(t, 0.565, market["implied_probability"].(float64), 1e-9)

	assert.Equal(t, float64(480), snapshot.NormalizedFields["odds_api_requests_remaining"])
	assert.Contains(t, snapshot.RawPayloads, "odds_api_event")
	assert.Contains(t, snapshot.RawPayloads, "kalshi")
}

func TestCollectSportRecordsKalshiFailureInsideSnapshot(t *testing.T) {
	ts := newTestStore(t)

	odds := &fakeOddsSource{events: []oddsapi.Event{testOddsEvent("e1")}}
	kalshiSource := &fakeKalshiSource{err: assert.AnError}

	collector := NewCollector(testConfig(), ts.snapshots, odds, kalshiSource, nil, zerolog.Nop())

	cfg := testConfig()
	result, err := collector.CollectSport(context.Background(), cfg.Sports[0])
	require.NoError(t, err, "a Kalshi failure must not abort collection")
	require.Len(t, result.Snapshots, 1)

	snapshot := result.Snapshots[0]
	assert.Contains(t, snapshot.RawPayloads, "kalshi_error")
	assert.NotContains(t, snapshot.NormalizedFields, "kalshi_markets")
}

func TestCollectSportWithoutOddsSource(t *testing.T) {
	ts := newTestStore(t)
	collector := NewCollector(testConfig(), ts.snapshots, nil, nil, nil, zerolog.Nop())

	cfg := testConfig()
	result, err := collector.CollectSport(context.Background(), cfg.Sports[0])
	require.NoError(t, err)
	assert.Zero(t, result.Games)
	assert.Empty(t, result.Snapshots)
}

func TestComputeDeltas(t *testing.T) {
	base := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

	event := func(homeOdds, homeProb float64) map[string]any {
		return map[string]any{
			"event_id":         "e1",
			"home_team":        "Boston Celtics",
			"away_team":        "New York Knicks",
			"best_home_odds":   homeOdds,
			"best_away_odds":   float64(130),
			"home_no_vig_prob": homeProb,
		}
	}

	older := domain.InfoSnapshot{
		CollectedAt:      base,
		NormalizedFields: map[string]any{"odds_api_events": []any{event(-150, 0.56)}},
	}
	newer := domain.InfoSnapshot{
		CollectedAt:      base.Add(30 * time.Minute),
		NormalizedFields: map[string]any{"odds_api_events": []any{event(-170, 0.60)}},
	}

	deltas := ComputeDeltas(older, newer)

	assert.Equal(t, float64(1800), deltas.TimeDeltaSeconds)
	require.Len(t, deltas.OddsChanges, 1)
	assert.Equal(t, float64(-150), deltas.OddsChanges[0]["old_home_odds"])
	assert.Equal(t, float64(-170), deltas.OddsChanges[0]["new_home_odds"])

	require.Len(t, deltas.ProbabilityChanges, 1)
	assert.InDelta(t, 0.04, deltas.ProbabilityChanges[0]["delta"].(float64), 1e-9)
}

func TestComputeDeltasIgnoresSmallShifts(t *testing.T) {
	base := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	event := map[string]any{
		"event_id":         "e1",
		"home_team":        "Boston Celtics",
		"best_home_odds":   float64(-150),
		"best_away_odds":   float64(130),
		"home_no_vig_prob": 0.56,
	}
	shifted := map[string]any{
		"event_id":         "e1",
		"home_team":        "Boston Celtics",
		"best_home_odds":   float64(-150),
		"best_away_odds":   float64(130),
		"home_no_vig_prob": 0.565,
	}

	deltas := ComputeDeltas(
		domain.InfoSnapshot{CollectedAt: base, NormalizedFields: map[string]any{"odds_api_events": []any{event}}},
		domain.InfoSnapshot{CollectedAt: base.Add(time.Minute), NormalizedFields: map[string]any{"odds_api_events": []any{shifted}}},
	)

	assert.Empty(t, deltas.OddsChanges)
	assert.Empty(t, deltas.ProbabilityChanges, "shifts under one percent are noise")
}
