package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/marketledger/marketledger/internal/clients/oddsapi"
	"github.com/marketledger/marketledger/internal/domain"
	"github.com/marketledger/marketledger/internal/events"
	"github.com/marketledger/marketledger/internal/store"
)

// ScoresSource is the slice of the Odds API client outcome ingestion needs.
type ScoresSource interface {
	GetScores(ctx context.Context, sportKey string, daysFrom int) ([]oddsapi.ScoreEvent, error)
}

// OutcomeRecorder ingests final results for games that have snapshots. One
// outcome per game; a second ingest of the same game returns the stored
// record unchanged.
type OutcomeRecorder struct {
	snapshots *store.SnapshotRepository
	outcomes  *store.OutcomeRepository
	scores    ScoresSource
	eventMgr  *events.Manager
	log       zerolog.Logger
}

// NewOutcomeRecorder creates an outcome recorder.
func NewOutcomeRecorder(
	snapshots *store.SnapshotRepository,
	outcomes *store.OutcomeRepository,
	scores ScoresSource,
	eventMgr *events.Manager,
	log zerolog.Logger,
) *OutcomeRecorder {
	return &OutcomeRecorder{
		snapshots: snapshots,
		outcomes:  outcomes,
		scores:    scores,
		eventMgr:  eventMgr,
		log:       log.With().Str("service", "outcomes").Logger(),
	}
}

// IngestResult summarizes one outcome ingestion run.
type IngestResult struct {
	Fetched  int
	Recorded []domain.Outcome
	Skipped  int
	Errors   int
}

// IngestScores fetches completed games from the scores endpoint and records
// outcomes for games we hold snapshots for and have not scored yet.
func (o *OutcomeRecorder) IngestScores(ctx context.Context, sportKey string) (*IngestResult, error) {
	if o.scores == nil {
		return nil, fmt.Errorf("no scores source configured")
	}

	scoreEvents, err := o.scores.GetScores(ctx, sportKey, 3)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch scores for %s: %w", sportKey, err)
	}

	result := &IngestResult{Fetched: len(scoreEvents)}

	for _, event := range scoreEvents {
		if !event.Completed {
			result.Skipped++
			continue
		}

		known, err := o.snapshots.GetLatestByGameID(event.ID)
		if err != nil {
			result.Errors++
			continue
		}
		if known == nil {
			result.Skipped++
			continue
		}

		existing, err := o.outcomes.GetByGameID(event.ID)
		if err != nil {
			result.Errors++
			continue
		}
		if existing != nil {
			result.Skipped++
			continue
		}

		outcome, err := o.recordScore(event)
		if err != nil {
			o.log.Error().Err(err).Str("game_id", event.ID).Msg("Outcome ingestion failed")
			result.Errors++
			continue
		}
		result.Recorded = append(result.Recorded, *outcome)
	}

	o.log.Info().
		Str("sport", sportKey).
		Int("fetched", result.Fetched).
		Int("recorded", len(result.Recorded)).
		Int("skipped", result.Skipped).
		Int("errors", result.Errors).
		Msg("Outcome ingestion completed")

	return result, nil
}

// recordScore converts one completed score event into an outcome.
func (o *OutcomeRecorder) recordScore(event oddsapi.ScoreEvent) (*domain.Outcome, error) {
	homeScore, err := scoreFor(event, event.HomeTeam)
	if err != nil {
		return nil, err
	}
	awayScore, err := scoreFor(event, event.AwayTeam)
	if err != nil {
		return nil, err
	}

	winner := "tie"
	if homeScore > awayScore {
		winner = event.HomeTeam
	} else if awayScore > homeScore {
		winner = event.AwayTeam
	}

	occurredAt := event.CommenceTime
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	statsSummary := map[string]any{
		"home_team":   event.HomeTeam,
		"away_team":   event.AwayTeam,
		"sport_key":   event.SportKey,
		"sport_title": event.SportTitle,
		"last_update": event.LastUpdate,
	}

	return o.Record(event.ID, occurredAt, domain.FinalScore{Home: homeScore, Away: awayScore}, &winner, statsSummary, "odds_api")
}

// Record persists an outcome. A duplicate game returns the already stored
// outcome.
func (o *OutcomeRecorder) Record(
	gameID string,
	occurredAt time.Time,
	finalScore domain.FinalScore,
	winner *string,
	statsSummary map[string]any,
	source string,
) (*domain.Outcome, error) {
	outcome, err := domain.NewOutcome(gameID, occurredAt, finalScore, winner, statsSummary, source)
	if err != nil {
		return nil, err
	}

	saved, err := o.outcomes.Insert(outcome)
	if err != nil {
		var dup *store.DuplicateEntityError
		if errors.As(err, &dup) {
			existing, getErr := o.outcomes.GetByGameID(gameID)
			if getErr != nil {
				return nil, getErr
			}
			return existing, nil
		}
		return nil, err
	}

	if o.eventMgr != nil {
		o.eventMgr.EmitTyped("outcomes", &events.OutcomeRecordedData{
			OutcomeID: saved.OutcomeID,
			GameID:    saved.GameID,
			Winner:    saved.Winner,
			Hash:      saved.Hash,
		})
	}

	return &saved, nil
}

// GamesNeedingOutcomes lists game IDs with snapshots but no recorded
// outcome.
func (o *OutcomeRecorder) GamesNeedingOutcomes(limit int) ([]string, error) {
	gameIDs, err := o.snapshots.GameIDs(limit)
	if err != nil {
		return nil, err
	}

	var pending []string
	for _, gameID := range gameIDs {
		outcome, err := o.outcomes.GetByGameID(gameID)
		if err != nil {
			return nil, err
		}
		if outcome == nil {
			pending = append(pending, gameID)
		}
	}
	return pending, nil
}

// scoreFor finds a team's score in the event's score list.
func scoreFor(event oddsapi.ScoreEvent, teamName string) (int, error) {
	for _, score := range event.Scores {
		if score.Name == teamName {
			value, err := strconv.Atoi(score.Score)
			if err != nil {
				return 0, fmt.Errorf("unparseable score %q for %s: %w", score.Score, teamName, err)
			}
			return value, nil
		}
	}
	return 0, fmt.Errorf("no score found for team %s", teamName)
}
