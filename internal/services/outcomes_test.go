package services

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketledger/marketledger/internal/clients/oddsapi"
	"github.com/marketledger/marketledger/internal/domain"
)

func completedScore(id string, homeScore, awayScore string) oddsapi.ScoreEvent {
	return oddsapi.ScoreEvent{
		ID:           id,
		SportKey:     "basketball_nba",
		SportTitle:   "NBA",
		CommenceTime: time.Date(2025, 1, 15, 19, 0, 0, 0, time.UTC),
		Completed:    true,
		HomeTeam:     "Boston Celtics",
		AwayTeam:     "New York Knicks",
		Scores: []oddsapi.Score{
			{Name: "Boston Celtics", Score: homeScore},
			{Name: "New York Knicks", Score: awayScore},
		},
	}
}

func TestIngestScores(t *testing.T) {
	ts := newTestStore(t)
	marketSnapshot(t, ts, "e1", time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC), nil)

	inProgress := completedScore("e2", "50", "48")
	inProgress.Completed = false

	scores := &fakeScoresSource{scores: []oddsapi.ScoreEvent{
		completedScore("e1", "101", "98"),
		inProgress,
		completedScore("untracked", "90", "80"),
	}}

	recorder := NewOutcomeRecorder(ts.snapshots, ts.outcomes, scores, nil, zerolog.Nop())

	result, err := recorder.IngestScores(context.Background(), "basketball_nba")
	require.NoError(t, err)
	assert.Equal(t, 3, result.Fetched)
	require.Len(t, result.Recorded, 1)
	assert.Equal(t, 2, result.Skipped, "incomplete games and games without snapshots are skipped")
	assert.Zero(t, result.Errors)

	outcome := result.Recorded[0]
	assert.Equal(t, "e1", outcome.GameID)
	require.NotNil(t, outcome.Winner)
	assert.Equal(t, "Boston Celtics", *outcome.Winner)
	assert.Equal(t, 101, outcome.FinalScore.Home)
	assert.Equal(t, 98, outcome.FinalScore.Away)
	assert.Equal(t, "odds_api", outcome.Source)
	assert.Equal(t, "NBA", outcome.StatsSummary["sport_title"])

	// A second ingest sees the stored outcome and records nothing new.
	again, err := recorder.IngestScores(context.Background(), "basketball_nba")
	require.NoError(t, err)
	assert.Empty(t, again.Recorded)
	assert.Equal(t, 3, again.Skipped)
}

func TestIngestScoresTie(t *testing.T) {
	ts := newTestStore(t)
	marketSnapshot(t, ts, "e1", time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC), nil)

	scores := &fakeScoresSource{scores: []oddsapi.ScoreEvent{completedScore("e1", "98", "98")}}
	recorder := NewOutcomeRecorder(ts.snapshots, ts.outcomes, scores, nil, zerolog.Nop())

	result, err := recorder.IngestScores(context.Background(), "basketball_nba")
	require.NoError(t, err)
	require.Len(t, result.Recorded, 1)
	require.NotNil(t, result.Recorded[0].Winner)
	assert.Equal(t, "tie", *result.Recorded[0].Winner)
}

func TestIngestScoresUnparseableScore(t *testing.T) {
	ts := newTestStore(t)
	marketSnapshot(t, ts, "e1", time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC), nil)

	scores := &fakeScoresSource{scores: []oddsapi.ScoreEvent{completedScore("e1", "n/a", "98")}}
	recorder := NewOutcomeRecorder(ts.snapshots, ts.outcomes, scores, nil, zerolog.Nop())

	result, err := recorder.IngestScores(context.Background(), "basketball_nba")
	require.NoError(t, err)
	assert.Empty(t, result.Recorded)
	assert.Equal(t, 1, result.Errors)
}

func TestIngestScoresWithoutSource(t *testing.T) {
	ts := newTestStore(t)
	recorder := NewOutcomeRecorder(ts.snapshots, ts.outcomes, nil, nil, zerolog.Nop())

	_, err := recorder.IngestScores(context.Background(), "basketball_nba")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no scores source configured")
}

func TestRecordReturnsExistingOnDuplicate(t *testing.T) {
	ts := newTestStore(t)
	recorder := NewOutcomeRecorder(ts.snapshots, ts.outcomes, nil, nil, zerolog.Nop())

	winner := "Boston Celtics"
	occurredAt := time.Date(2025, 1, 15, 19, 0, 0, 0, time.UTC)

	first, err := recorder.Record("g1", occurredAt, domain.FinalScore{Home: 101, Away: 98}, &winner, map[string]any{}, "manual")
	require.NoError(t, err)

	// A conflicting report for the same game yields the stored record.
	second, err := recorder.Record("g1", occurredAt, domain.FinalScore{Home: 99, Away: 98}, &winner, map[string]any{}, "manual")
	require.NoError(t, err)
	assert.Equal(t, first.OutcomeID, second.OutcomeID)
	assert.Equal(t, 101, second.FinalScore.Home, "the first report wins")
}

func TestGamesNeedingOutcomes(t *testing.T) {
	ts := newTestStore(t)
	recorder := NewOutcomeRecorder(ts.snapshots, ts.outcomes, nil, nil, zerolog.Nop())

	base := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	marketSnapshot(t, ts, "scored", base, nil)
	marketSnapshot(t, ts, "pending", base.Add(time.Minute), nil)

	winner := "Boston Celtics"
	_, err := recorder.Record("scored", base, domain.FinalScore{Home: 101, Away: 98}, &winner, map[string]any{}, "manual")
	require.NoError(t, err)

	pending, err := recorder.GamesNeedingOutcomes(100)
	require.NoError(t, err)
	assert.Equal(t, []string{"pending"}, pending)
}
