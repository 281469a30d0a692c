// Package services implements the collection, analysis, evaluation and
// verification workflows on top of the repositories.
package services

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/marketledger/marketledger/internal/clients/kalshi"
	"github.com/marketledger/marketledger/internal/clients/oddsapi"
	"github.com/marketledger/marketledger/internal/config"
	"github.com/marketledger/marketledger/internal/domain"
	"github.com/marketledger/marketledger/internal/events"
	"github.com/marketledger/marketledger/internal/store"
)

// OddsSource is the slice of the Odds API client the collector needs.
type OddsSource interface {
	GetEvents(ctx context.Context, sportKey string) ([]oddsapi.Event, error)
	RequestsRemaining() *int
	Version() string
}

// KalshiSource is the slice of the Kalshi client the collector needs.
type KalshiSource interface {
	GetMarkets(ctx context.Context, seriesTicker string) ([]kalshi.Market, error)
	Version() string
}

// CollectResult summarizes one collection run.
type CollectResult struct {
	Games     int
	Snapshots []domain.InfoSnapshot
	Deduped   int
	Errors    int
}

// Collector fetches market data from the configured sources and persists one
// snapshot per game. Raw payloads are preserved exactly as received; a source
// failure is recorded inside the snapshot instead of aborting the run.
type Collector struct {
	cfg       *config.Config
	snapshots *store.SnapshotRepository
	oddsAPI   OddsSource
	kalshi    KalshiSource
	eventMgr  *events.Manager
	log       zerolog.Logger
}

// NewCollector creates a collector. Either source may be nil when not
// configured; collection then covers what remains.
func NewCollector(
	cfg *config.Config,
	snapshots *store.SnapshotRepository,
	oddsAPI OddsSource,
	kalshiClient KalshiSource,
	eventMgr *events.Manager,
	log zerolog.Logger,
) *Collector {
	return &Collector{
		cfg:       cfg,
		snapshots: snapshots,
		oddsAPI:   oddsAPI,
		kalshi:    kalshiClient,
		eventMgr:  eventMgr,
		log:       log.With().Str("service", "collector").Logger(),
	}
}

// CollectAll collects snapshots for every enabled sport.
func (c *Collector) CollectAll(ctx context.Context) (*CollectResult, error) {
	start := time.Now()
	total := &CollectResult{}

	for _, sport := range c.cfg.EnabledSports() {
		result, err := c.CollectSport(ctx, sport)
		if err != nil {
			c.log.Error().Err(err).Str("sport", sport.Key).Msg("Sport collection failed")
			total.Errors++
			continue
		}
		total.Games += result.Games
		total.Snapshots = append(total.Snapshots, result.Snapshots...)
		total.Deduped += result.Deduped
		total.Errors += result.Errors
	}

	if c.eventMgr != nil {
		c.eventMgr.EmitTyped("collector", &events.CollectionCompletedData{
			Games:     total.Games,
			Snapshots: len(total.Snapshots),
			Deduped:   total.Deduped,
			Errors:    total.Errors,
			Duration:  time.Since(start).Seconds(),
		})
	}

	c.log.Info().
		Int("games", total.Games).
		Int("snapshots", len(total.Snapshots)).
		Int("deduped", total.Deduped).
		Int("errors", total.Errors).
		Msg("Collection run completed")

	return total, nil
}

// CollectSport collects one snapshot per upcoming event of a sport. The
// Kalshi market listing is fetched once and shared across the sport's games.
func (c *Collector) CollectSport(ctx context.Context, sport config.SportConfig) (*CollectResult, error) {
	if c.oddsAPI == nil {
		return &CollectResult{}, nil
	}

	oddsEvents, err := c.oddsAPI.GetEvents(ctx, sport.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch events for %s: %w", sport.Key, err)
	}

	var kalshiMarkets []kalshi.Market
	var kalshiErr error
	if c.kalshi != nil {
		kalshiMarkets, kalshiErr = c.kalshi.GetMarkets(ctx, sport.Series)
		if kalshiErr != nil {
			c.log.Warn().Err(kalshiErr).Str("series", sport.Series).Msg("Kalshi fetch failed, continuing without it")
		}
	}

	result := &CollectResult{Games: len(oddsEvents)}

	for _, event := range oddsEvents {
		snapshot, deduped, err := c.collectEvent(event, kalshiMarkets, kalshiErr)
		if err != nil {
			c.log.Error().Err(err).Str("game_id", event.ID).Msg("Snapshot collection failed")
			result.Errors++
			continue
		}
		if deduped {
			result.Deduped++
		}
		result.Snapshots = append(result.Snapshots, snapshot)
	}

	return result, nil
}

// collectEvent builds and persists the snapshot for one game.
func (c *Collector) collectEvent(event oddsapi.Event, kalshiMarkets []kalshi.Market, kalshiErr error) (domain.InfoSnapshot, bool, error) {
	collectedAt := time.Now().UTC()

	rawPayloads := map[string]any{
		"odds_api_event": structToMap(event),
	}
	normalizedFields := map[string]any{
		"odds_api_events": []any{structToMap(oddsapi.NormalizeEvent(event))},
	}
	if remaining := c.oddsAPI.RequestsRemaining(); remaining != nil {
		normalizedFields["odds_api_requests_remaining"] = *remaining
	}

	if c.kalshi != nil {
		if kalshiErr != nil {
			rawPayloads["kalshi_error"] = kalshiErr.Error()
		} else {
			raw := make([]any, 0, len(kalshiMarkets))
			normalized := make([]any, 0, len(kalshiMarkets))
			for _, market := range kalshiMarkets {
				raw = append(raw, structToMap(market))
				normalized = append(normalized, structToMap(kalshi.NormalizeMarket(market)))
			}
			rawPayloads["kalshi"] = map[string]any{"markets": raw}
			normalizedFields["kalshi_markets"] = normalized
		}
	}

	snapshot, err := domain.NewInfoSnapshot(
		event.ID,
		collectedAt,
		c.cfg.SchemaVersion,
		c.sourceVersions(),
		rawPayloads,
		normalizedFields,
	)
	if err != nil {
		return domain.InfoSnapshot{}, false, err
	}

	saved, err := c.snapshots.Insert(snapshot)
	if err != nil {
		return domain.InfoSnapshot{}, false, err
	}

	deduped := saved.SnapshotID != snapshot.SnapshotID

	if c.eventMgr != nil {
		c.eventMgr.EmitTyped("collector", &events.SnapshotStoredData{
			SnapshotID: saved.SnapshotID,
			GameID:     saved.GameID,
			Hash:       saved.Hash,
			Deduped:    deduped,
		})
	}

	return saved, deduped, nil
}

func (c *Collector) sourceVersions() domain.SourceVersions {
	versions := domain.SourceVersions{}
	if c.kalshi != nil {
		versions.Kalshi = c.kalshi.Version()
	}
	if c.oddsAPI != nil {
		versions.OddsAPI = c.oddsAPI.Version()
	}
	return versions
}

// Timeline returns all snapshots for a game in chronological order: what was
// known at each point in time.
func (c *Collector) Timeline(gameID string) ([]domain.InfoSnapshot, error) {
	return c.snapshots.GetByGameID(gameID, 1000)
}

// SnapshotDeltas describes what changed between two snapshots of a game.
type SnapshotDeltas struct {
	TimeDeltaSeconds   float64          `json:"time_delta_seconds"`
	OddsChanges        []map[string]any `json:"odds_changes"`
	ProbabilityChanges []map[string]any `json:"probability_changes"`
}

// ComputeDeltas compares the normalized odds of two snapshots and reports
// odds movements and probability shifts above one percent.
func ComputeDeltas(older, newer domain.InfoSnapshot) SnapshotDeltas {
	deltas := SnapshotDeltas{
		TimeDeltaSeconds:   newer.CollectedAt.Sub(older.CollectedAt).Seconds(),
		OddsChanges:        []map[string]any{},
		ProbabilityChanges: []map[string]any{},
	}

	olderEvents := normalizedEventsByID(older)
	newerEvents := normalizedEventsByID(newer)

	for eventID, newEvent := range newerEvents {
		oldEvent, ok := olderEvents[eventID]
		if !ok {
			continue
		}

		if oldEvent["best_home_odds"] != newEvent["best_home_odds"] ||
			oldEvent["best_away_odds"] != newEvent["best_away_odds"] {
			deltas.OddsChanges = append(deltas.OddsChanges, map[string]any{
				"event_id":      eventID,
				"home_team":     newEvent["home_team"],
				"away_team":     newEvent["away_team"],
				"old_home_odds": oldEvent["best_home_odds"],
				"new_home_odds": newEvent["best_home_odds"],
				"old_away_odds": oldEvent["best_away_odds"],
				"new_away_odds": newEvent["best_away_odds"],
			})
		}

		oldProb, oldOK := asFloat(oldEvent["home_no_vig_prob"])
		newProb, newOK := asFloat(newEvent["home_no_vig_prob"])
		if oldOK && newOK {
			delta := newProb - oldProb
			if math.Abs(delta) > 0.01 {
				deltas.ProbabilityChanges = append(deltas.ProbabilityChanges, map[string]any{
					"event_id":        eventID,
					"home_team":       newEvent["home_team"],
					"old_probability": oldProb,
					"new_probability": newProb,
					"delta":           delta,
					"delta_percent":   delta * 100,
				})
			}
		}
	}

	return deltas
}

// normalizedEventsByID indexes a snapshot's normalized odds events.
func normalizedEventsByID(snapshot domain.InfoSnapshot) map[string]map[string]any {
	out := make(map[string]map[string]any)

	raw, ok := snapshot.NormalizedFields["odds_api_events"].([]any)
	if !ok {
		return out
	}
	for _, item := range raw {
		event, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if id, ok := event["event_id"].(string); ok && id != "" {
			out[id] = event
		}
	}
	return out
}
