package services

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"

	"github.com/marketledger/marketledger/internal/clients/oddsapi"
	"github.com/marketledger/marketledger/internal/config"
	"github.com/marketledger/marketledger/internal/domain"
	"github.com/marketledger/marketledger/internal/events"
	"github.com/marketledger/marketledger/internal/store"
)

// edgeThreshold is the probability delta above which a Kalshi/Vegas
// disagreement counts as a significant edge.
const edgeThreshold = 0.03

// trendWindow is the SMA/momentum period for the probability trend.
const trendWindow = 3

// Analyzer derives edge analyses from snapshots by comparing Kalshi
// prediction market prices against Vegas implied probabilities (vig
// included). Each analysis references its input snapshots and optionally a
// parent, forming the lineage DAG.
type Analyzer struct {
	cfg       *config.Config
	snapshots *store.SnapshotRepository
	analyses  *store.AnalysisRepository
	eventMgr  *events.Manager
	log       zerolog.Logger
}

// NewAnalyzer creates an analyzer.
func NewAnalyzer(
	cfg *config.Config,
	snapshots *store.SnapshotRepository,
	analyses *store.AnalysisRepository,
	eventMgr *events.Manager,
	log zerolog.Logger,
) *Analyzer {
	return &Analyzer{
		cfg:       cfg,
		snapshots: snapshots,
		analyses:  analyses,
		eventMgr:  eventMgr,
		log:       log.With().Str("service", "analyzer").Logger(),
	}
}

// AnalyzeSnapshot creates an analysis from a single snapshot. Returns
// (nil, nil) when the snapshot has nothing comparable.
func (a *Analyzer) AnalyzeSnapshot(snapshot domain.InfoSnapshot, parentAnalysisID *string) (*domain.Analysis, error) {
	oddsEvents := normalizedSlice(snapshot.NormalizedFields["odds_api_events"])
	kalshiMarkets := normalizedSlice(snapshot.NormalizedFields["kalshi_markets"])

	if len(oddsEvents) == 0 {
		return nil, nil
	}

	var comparisons []map[string]any
	var edges []map[string]any

	for _, event := range oddsEvents {
		comparison := compareEventToKalshi(event, kalshiMarkets)
		if comparison == nil {
			continue
		}
		comparisons = append(comparisons, comparison)

		if magnitude, ok := asFloat(comparison["edge_magnitude"]); ok && magnitude > edgeThreshold {
			edges = append(edges, comparison)
		}
	}

	if len(comparisons) == 0 {
		return nil, nil
	}

	derivedFeatures := map[string]any{
		"analysis_type":         "kalshi_vs_vegas_with_vig",
		"snapshot_collected_at": snapshot.CollectedAt.UTC().Format(time.RFC3339Nano),
		"game_count":            len(oddsEvents),
		"matched_count":         len(comparisons),
		"comparisons":           comparisons,
		"edge_threshold":        edgeThreshold,
		"edges_above_threshold": len(edges),
	}

	if trend := a.probabilityTrend(snapshot.GameID); trend != nil {
		derivedFeatures["probability_trend"] = trend
	}

	analysis, err := domain.NewAnalysis(domain.NewAnalysisParams{
		AnalysisVersion:    a.cfg.AnalysisVersion,
		CodeVersion:        a.cfg.CodeVersion,
		ParentAnalysisID:   parentAnalysisID,
		InputSnapshotIDs:   []string{snapshot.SnapshotID},
		DerivedFeatures:    derivedFeatures,
		Conclusions:        buildConclusions(comparisons, edges),
		RecommendedActions: buildRecommendations(edges),
	})
	if err != nil {
		return nil, err
	}

	saved, err := a.analyses.Insert(analysis)
	if err != nil {
		return nil, err
	}

	if a.eventMgr != nil {
		a.eventMgr.EmitTyped("analyzer", &events.AnalysisStoredData{
			AnalysisID:       saved.AnalysisID,
			ParentAnalysisID: saved.ParentAnalysisID,
			InputSnapshots:   len(saved.InputSnapshotIDs),
			Hash:             saved.Hash,
		})
	}

	return &saved, nil
}

// AnalyzeGame analyzes the latest snapshot for a game. Returns (nil, nil)
// when the game has no snapshot or nothing comparable.
func (a *Analyzer) AnalyzeGame(gameID string, parentAnalysisID *string) (*domain.Analysis, error) {
	snapshot, err := a.snapshots.GetLatestByGameID(gameID)
	if err != nil {
		return nil, err
	}
	if snapshot == nil {
		return nil, nil
	}
	return a.AnalyzeSnapshot(*snapshot, parentAnalysisID)
}

// AnalyzeAllGames analyzes the latest snapshot of every game with recent
// snapshots.
func (a *Analyzer) AnalyzeAllGames(limit int) ([]domain.Analysis, error) {
	snapshots, err := a.snapshots.GetAll(limit, 0)
	if err != nil {
		return nil, err
	}

	latestByGame := make(map[string]domain.InfoSnapshot)
	for _, snapshot := range snapshots {
		existing, ok := latestByGame[snapshot.GameID]
		if !ok || snapshot.CollectedAt.After(existing.CollectedAt) {
			latestByGame[snapshot.GameID] = snapshot
		}
	}

	var analyses []domain.Analysis
	for _, snapshot := range latestByGame {
		analysis, err := a.AnalyzeSnapshot(snapshot, nil)
		if err != nil {
			a.log.Error().Err(err).Str("game_id", snapshot.GameID).Msg("Analysis failed")
			continue
		}
		if analysis != nil {
			analyses = append(analyses, *analysis)
		}
	}
	return analyses, nil
}

// probabilityTrend computes a moving average and momentum over the home
// no-vig probability history of a game. Needs more points than the window,
// otherwise nil.
func (a *Analyzer) probabilityTrend(gameID string) map[string]any {
	history, err := a.snapshots.GetByGameID(gameID, 1000)
	if err != nil || len(history) <= trendWindow {
		return nil
	}

	var probs []float64
	for _, snapshot := range history {
		for _, event := range normalizedSlice(snapshot.NormalizedFields["odds_api_events"]) {
			if p, ok := asFloat(event["home_no_vig_prob"]); ok {
				probs = append(probs, p)
				break
			}
		}
	}
	if len(probs) <= trendWindow {
		return nil
	}

	sma := talib.Sma(probs, trendWindow)
	momentum := talib.Mom(probs, trendWindow)

	latestSMA := sma[len(sma)-1]
	latestMomentum := momentum[len(momentum)-1]

	direction := "flat"
	if latestMomentum > 0.005 {
		direction = "rising"
	} else if latestMomentum < -0.005 {
		direction = "falling"
	}

	return map[string]any{
		"points":    len(probs),
		"window":    trendWindow,
		"latest":    probs[len(probs)-1],
		"sma":       latestSMA,
		"momentum":  latestMomentum,
		"direction": direction,
	}
}

// compareEventToKalshi matches one odds event to a Kalshi market by team
// names and computes the probability delta.
func compareEventToKalshi(event map[string]any, kalshiMarkets []map[string]any) map[string]any {
	homeTeam := asString(event["home_team"])
	awayTeam := asString(event["away_team"])
	bestHomeOdds, homeOK := asFloat(event["best_home_odds"])
	bestAwayOdds, awayOK := asFloat(event["best_away_odds"])

	if homeTeam == "" || !homeOK || !awayOK {
		return nil
	}

	vegasHomeProb := oddsapi.AmericanToProbability(int(bestHomeOdds))
	vegasAwayProb := oddsapi.AmericanToProbability(int(bestAwayOdds))
	vegasVig := vegasHomeProb + vegasAwayProb - 1.0

	comparison := map[string]any{
		"event_id":          event["event_id"],
		"home_team":         homeTeam,
		"away_team":         awayTeam,
		"commence_time":     event["commence_time"],
		"vegas_home_odds":   bestHomeOdds,
		"vegas_away_odds":   bestAwayOdds,
		"vegas_home_prob":   round4(vegasHomeProb),
		"vegas_away_prob":   round4(vegasAwayProb),
		"vegas_vig":         round4(vegasVig),
		"vegas_vig_percent": round2(vegasVig * 100),
	}

	match := findKalshiMatch(homeTeam, awayTeam, kalshiMarkets)
	if match == nil {
		comparison["matched"] = false
		comparison["match_note"] = "No Kalshi market found"
		return comparison
	}

	kalshiProb, ok := asFloat(match["implied_probability"])
	if !ok {
		comparison["matched"] = false
		comparison["match_note"] = "Kalshi market found but no price"
		return comparison
	}

	homeDelta := kalshiProb - vegasHomeProb
	direction := "vegas_higher"
	if homeDelta > 0 {
		direction = "kalshi_higher"
	}

	comparison["kalshi_market_id"] = match["market_id"]
	comparison["kalshi_title"] = match["title"]
	comparison["kalshi_yes_bid"] = match["yes_bid"]
	comparison["kalshi_yes_ask"] = match["yes_ask"]
	comparison["kalshi_implied_prob"] = round4(kalshiProb)
	comparison["kalshi_volume"] = match["volume"]
	comparison["delta_home"] = round4(homeDelta)
	comparison["delta_home_percent"] = round2(homeDelta * 100)
	comparison["edge_magnitude"] = round4(math.Abs(homeDelta))
	comparison["edge_direction"] = direction
	comparison["matched"] = true

	return comparison
}

// findKalshiMatch searches market titles for both team names.
func findKalshiMatch(homeTeam, awayTeam string, kalshiMarkets []map[string]any) map[string]any {
	homeLower := strings.ToLower(homeTeam)
	awayLower := strings.ToLower(awayTeam)
	homeKeywords := teamKeywords(homeTeam)
	awayKeywords := teamKeywords(awayTeam)

	for _, market := range kalshiMarkets {
		title := strings.ToLower(asString(market["title"]))
		if title == "" {
			continue
		}

		if containsAny(title, homeKeywords) && containsAny(title, awayKeywords) {
			return market
		}
		if strings.Contains(title, homeLower) && strings.Contains(title, awayLower) {
			return market
		}
	}
	return nil
}

// teamKeywords extracts searchable words from a team name: the full name
// plus the nickname, which is usually the last word.
func teamKeywords(teamName string) []string {
	keywords := []string{strings.ToLower(teamName)}

	words := strings.Fields(strings.ToLower(teamName))
	if len(words) > 0 {
		last := words[len(words)-1]
		if !cityWords[last] {
			keywords = append(keywords, last)
		}
	}
	return keywords
}

var cityWords = map[string]bool{
	"los": true, "angeles": true, "new": true, "york": true, "san": true,
	"francisco": true, "antonio": true, "golden": true, "state": true,
	"oklahoma": true, "city": true, "portland": true, "trail": true,
	"minnesota": true, "indiana": true, "milwaukee": true, "philadelphia": true,
	"phoenix": true, "detroit": true, "chicago": true, "boston": true,
	"miami": true, "orlando": true, "charlotte": true, "atlanta": true,
	"cleveland": true, "toronto": true, "brooklyn": true, "washington": true,
	"denver": true, "utah": true, "sacramento": true, "memphis": true,
	"dallas": true, "houston": true,
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// buildConclusions summarizes the comparisons.
func buildConclusions(comparisons, edges []map[string]any) map[string]any {
	var matched []map[string]any
	kalshiHigher, vegasHigher := 0, 0
	for _, c := range comparisons {
		if c["matched"] == true {
			matched = append(matched, c)
			if asString(c["edge_direction"]) == "kalshi_higher" {
				kalshiHigher++
			} else {
				vegasHigher++
			}
		}
	}

	avgDelta := 0.0
	if len(matched) > 0 {
		for _, c := range matched {
			d, _ := asFloat(c["delta_home"])
			avgDelta += d
		}
		avgDelta /= float64(len(matched))
	}

	avgVig := 0.0
	if len(comparisons) > 0 {
		for _, c := range comparisons {
			v, _ := asFloat(c["vegas_vig"])
			avgVig += v
		}
		avgVig /= float64(len(comparisons))
	}

	return map[string]any{
		"total_games":           len(comparisons),
		"matched_with_kalshi":   len(matched),
		"unmatched":             len(comparisons) - len(matched),
		"kalshi_higher_count":   kalshiHigher,
		"vegas_higher_count":    vegasHigher,
		"avg_delta":             round4(avgDelta),
		"avg_delta_percent":     round2(avgDelta * 100),
		"avg_vegas_vig":         round4(avgVig),
		"avg_vegas_vig_percent": round2(avgVig * 100),
		"significant_edges":     len(edges),
		"summary":               summarize(len(matched), edges),
	}
}

func summarize(matchedCount int, edges []map[string]any) string {
	if matchedCount == 0 {
		return "No Kalshi markets matched to Vegas games."
	}
	if len(edges) == 0 {
		return fmt.Sprintf("Analyzed %d games with Kalshi matches. No significant edges (>3%%) found.", matchedCount)
	}

	var teams []string
	for i, edge := range edges {
		if i == 3 {
			break
		}
		teams = append(teams, asString(edge["home_team"]))
	}
	return fmt.Sprintf("Found %d significant edge(s) (>3%% delta) across %d matched games. Top opportunities: %s",
		len(edges), matchedCount, strings.Join(teams, ", "))
}

// buildRecommendations turns the strongest edges into recommended actions.
func buildRecommendations(edges []map[string]any) []map[string]any {
	sorted := make([]map[string]any, len(edges))
	copy(sorted, edges)
	sort.Slice(sorted, func(i, j int) bool {
		mi, _ := asFloat(sorted[i]["edge_magnitude"])
		mj, _ := asFloat(sorted[j]["edge_magnitude"])
		return mi > mj
	})

	recommendations := []map[string]any{}
	for i, edge := range sorted {
		if i == 5 {
			break
		}

		homeTeam := asString(edge["home_team"])
		awayTeam := asString(edge["away_team"])
		delta, _ := asFloat(edge["delta_home_percent"])
		kalshiProb, _ := asFloat(edge["kalshi_implied_prob"])
		vegasProb, _ := asFloat(edge["vegas_home_prob"])

		var signal, interpretation string
		if asString(edge["edge_direction"]) == "kalshi_higher" {
			signal = fmt.Sprintf("Kalshi %+.1f%% vs Vegas on %s", delta, homeTeam)
			interpretation = fmt.Sprintf(
				"Kalshi market implies %s has %.1f%% chance vs Vegas %.1f%% (with vig). If you trust Vegas, consider NO on Kalshi.",
				homeTeam, kalshiProb*100, vegasProb*100)
		} else {
			signal = fmt.Sprintf("Vegas %+.1f%% vs Kalshi on %s", -delta, homeTeam)
			interpretation = fmt.Sprintf(
				"Vegas implies %s has %.1f%% chance (with vig) vs Kalshi %.1f%%. If you trust Vegas, consider YES on Kalshi.",
				homeTeam, vegasProb*100, kalshiProb*100)
		}

		recommendations = append(recommendations, map[string]any{
			"type":                "potential_edge",
			"game":                fmt.Sprintf("%s @ %s", awayTeam, homeTeam),
			"signal":              signal,
			"kalshi_prob":         kalshiProb,
			"vegas_prob_with_vig": vegasProb,
			"interpretation":      interpretation,
			"event_id":            edge["event_id"],
			"kalshi_market_id":    edge["kalshi_market_id"],
		})
	}
	return recommendations
}

// normalizedSlice extracts a list of normalized objects from a snapshot
// field. Values built in-process are []map[string]any; values re-read from
// the store decode as []any.
func normalizedSlice(v any) []map[string]any {
	switch raw := v.(type) {
	case []map[string]any:
		return raw
	case []any:
		var out []map[string]any
		for _, item := range raw {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

func round4(f float64) float64 {
	return math.Round(f*10000) / 10000
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
