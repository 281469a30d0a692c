package services

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/marketledger/marketledger/internal/clients/kalshi"
	"github.com/marketledger/marketledger/internal/clients/oddsapi"
	"github.com/marketledger/marketledger/internal/config"
	"github.com/marketledger/marketledger/internal/database"
	"github.com/marketledger/marketledger/internal/domain"
	"github.com/marketledger/marketledger/internal/store"
)

// testStore bundles the repositories the service tests need.
type testStore struct {
	db          *database.DB
	snapshots   *store.SnapshotRepository
	analyses    *store.AnalysisRepository
	outcomes    *store.OutcomeRepository
	evaluations *store.EvaluationRepository
}

func newTestStore(t *testing.T) *testStore {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "ledger.db"),
		Profile: database.ProfileLedger,
		Name:    "test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	log := zerolog.Nop()
	return &testStore{
		db:          db,
		snapshots:   store.NewSnapshotRepository(db.Conn(), log),
		analyses:    store.NewAnalysisRepository(db.Conn(), log),
		outcomes:    store.NewOutcomeRepository(db.Conn(), log),
		evaluations: store.NewEvaluationRepository(db.Conn(), log),
	}
}

func testConfig() *config.Config {
	return &config.Config{
		SchemaVersion:   "1.0.0",
		AnalysisVersion: "1.0.0",
		CodeVersion:     "test",
		Sports: []config.SportConfig{
			{Key: "basketball_nba", Series: "KXNBA", Enabled: true},
		},
	}
}

// marketSnapshot persists a snapshot whose normalized fields look like a real
// collection: one odds event and optionally one Kalshi market quoting the
// home team at kalshiProb.
func marketSnapshot(t *testing.T, ts *testStore, gameID string, collectedAt time.Time, kalshiProb *float64) domain.InfoSnapshot {
	t.Helper()

	normalized := map[string]any{
		"odds_api_events": []any{map[string]any{
			"event_id":       gameID,
			"home_team":      "Boston Celtics",
			"away_team":      "New York Knicks",
			"commence_time":  "2025-01-15T19:00:00Z",
			"best_home_odds": float64(-150),
			"best_away_odds": float64(130),
		}},
	}
	if kalshiProb != nil {
		normalized["kalshi_markets"] = []any{map[string]any{
			"market_id":           "KXNBA-25JAN15-BOS",
			"title":               "Will the Celtics beat the Knicks?",
			"implied_probability": *kalshiProb,
			"yes_bid":             *kalshiProb - 0.01,
			"yes_ask":             *kalshiProb + 0.01,
			"volume":              float64(12000),
		}}
	}

	snapshot, err := domain.NewInfoSnapshot(
		gameID,
		collectedAt,
		"1.0.0",
		domain.SourceVersions{Kalshi: "kalshi_v2", OddsAPI: "odds_api_v4"},
		map[string]any{"odds_api_event": map[string]any{"id": gameID}},
		normalized,
	)
	require.NoError(t, err)

	saved, err := ts.snapshots.Insert(snapshot)
	require.NoError(t, err)
	return saved
}

// marketEmptySnapshot persists a snapshot with no odds events at all.
func marketEmptySnapshot(t *testing.T, ts *testStore) domain.InfoSnapshot {
	t.Helper()

	snapshot, err := domain.NewInfoSnapshot(
		"empty-game",
		time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC),
		"1.0.0",
		domain.SourceVersions{OddsAPI: "odds_api_v4"},
		map[string]any{},
		map[string]any{},
	)
	require.NoError(t, err)

	saved, err := ts.snapshots.Insert(snapshot)
	require.NoError(t, err)
	return saved
}

// trendSnapshot persists a snapshot whose odds event carries a no-vig home
// probability, the input for probability trend history.
func trendSnapshot(t *testing.T, ts *testStore, gameID string, collectedAt time.Time, homeNoVigProb float64) domain.InfoSnapshot {
	t.Helper()

	snapshot, err := domain.NewInfoSnapshot(
		gameID,
		collectedAt,
		"1.0.0",
		domain.SourceVersions{OddsAPI: "odds_api_v4"},
		map[string]any{},
		map[string]any{
			"odds_api_events": []any{map[string]any{
				"event_id":         gameID,
				"home_team":        "Boston Celtics",
				"away_team":        "New York Knicks",
				"best_home_odds":   float64(-150),
				"best_away_odds":   float64(130),
				"home_no_vig_prob": homeNoVigProb,
			}},
		},
	)
	require.NoError(t, err)

	saved, err := ts.snapshots.Insert(snapshot)
	require.NoError(t, err)
	return saved
}

// fakeOddsSource serves canned events.
type fakeOddsSource struct {
	events    []oddsapi.Event
	remaining *int
	err       error
}

func (f *fakeOddsSource) GetEvents(ctx context.Context, sportKey string) ([]oddsapi.Event, error) {
	return f.events, f.err
}

func (f *fakeOddsSource) RequestsRemaining() *int { return f.remaining }

func (f *fakeOddsSource) Version() string { return "odds_api_v4" }

// fakeKalshiSource serves canned markets.
type fakeKalshiSource struct {
	markets []kalshi.Market
	err     error
}

func (f *fakeKalshiSource) GetMarkets(ctx context.Context, seriesTicker string) ([]kalshi.Market, error) {
	return f.markets, f.err
}

func (f *fakeKalshiSource) Version() string { return "kalshi_v2" }

// fakeScoresSource serves canned score events.
type fakeScoresSource struct {
	scores []oddsapi.ScoreEvent
	err    error
}

func (f *fakeScoresSource) GetScores(ctx context.Context, sportKey string, daysFrom int) ([]oddsapi.ScoreEvent, error) {
	return f.scores, f.err
}

func floatPtr(f float64) *float64 { return &f }
