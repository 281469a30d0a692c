package services

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/marketledger/marketledger/internal/domain"
	"github.com/marketledger/marketledger/internal/events"
	"github.com/marketledger/marketledger/internal/store"
)

// logLossClamp bounds probabilities away from 0 and 1 so log loss stays
// finite.
const logLossClamp = 0.0001

// Evaluator scores stored analyses against recorded outcomes. Each matched
// prediction becomes an immutable evaluation holding Brier score, log loss,
// realized edge and ROI.
type Evaluator struct {
	analyses    *store.AnalysisRepository
	outcomes    *store.OutcomeRepository
	evaluations *store.EvaluationRepository
	eventMgr    *events.Manager
	log         zerolog.Logger
}

// NewEvaluator creates an evaluator.
func NewEvaluator(
	analyses *store.AnalysisRepository,
	outcomes *store.OutcomeRepository,
	evaluations *store.EvaluationRepository,
	eventMgr *events.Manager,
	log zerolog.Logger,
) *Evaluator {
	return &Evaluator{
		analyses:    analyses,
		outcomes:    outcomes,
		evaluations: evaluations,
		eventMgr:    eventMgr,
		log:         log.With().Str("service", "evaluator").Logger(),
	}
}

// EvaluateResult summarizes one evaluation run.
type EvaluateResult struct {
	Scored  []domain.Evaluation
	Skipped int
	Errors  int
}

// EvaluateAllPending scores every analysis prediction whose game has a
// recorded outcome and no evaluation yet for that (analysis, game) pair.
func (e *Evaluator) EvaluateAllPending(limit int) (*EvaluateResult, error) {
	analyses, err := e.analyses.GetAll(limit, 0)
	if err != nil {
		return nil, err
	}

	result := &EvaluateResult{}

	for _, analysis := range analyses {
		scored, skipped, errCount := e.evaluateAnalysis(analysis)
		result.Scored = append(result.Scored, scored...)
		result.Skipped += skipped
		result.Errors += errCount
	}

	if e.eventMgr != nil {
		e.eventMgr.EmitTyped("evaluator", &events.EvaluationRunDoneData{
			Scored:  len(result.Scored),
			Skipped: result.Skipped,
			Errors:  result.Errors,
		})
	}

	e.log.Info().
		Int("scored", len(result.Scored)).
		Int("skipped", result.Skipped).
		Int("errors", result.Errors).
		Msg("Evaluation run completed")

	return result, nil
}

// EvaluateAnalysis scores one analysis against all available outcomes.
func (e *Evaluator) EvaluateAnalysis(analysisID string) (*EvaluateResult, error) {
	analysis, err := e.analyses.GetByID(analysisID)
	if err != nil {
		return nil, err
	}
	if analysis == nil {
		return nil, fmt.Errorf("analysis %s not found", analysisID)
	}

	scored, skipped, errCount := e.evaluateAnalysis(*analysis)
	return &EvaluateResult{Scored: scored, Skipped: skipped, Errors: errCount}, nil
}

func (e *Evaluator) evaluateAnalysis(analysis domain.Analysis) (scored []domain.Evaluation, skipped, errCount int) {
	for _, comparison := range normalizedSlice(analysis.DerivedFeatures["comparisons"]) {
		if comparison["matched"] != true {
			skipped++
			continue
		}

		gameID := asString(comparison["event_id"])
		if gameID == "" {
			skipped++
			continue
		}

		outcome, err := e.outcomes.GetByGameID(gameID)
		if err != nil {
			errCount++
			continue
		}
		if outcome == nil {
			skipped++
			continue
		}

		existing, err := e.evaluations.GetByAnalysisID(analysis.AnalysisID)
		if err != nil {
			errCount++
			continue
		}
		if hasEvaluationForGame(existing, gameID) {
			skipped++
			continue
		}

		evaluation, err := e.scorePrediction(analysis.AnalysisID, comparison, *outcome)
		if err != nil {
			e.log.Error().Err(err).
				Str("analysis_id", analysis.AnalysisID).
				Str("game_id", gameID).
				Msg("Prediction scoring failed")
			errCount++
			continue
		}
		if evaluation == nil {
			skipped++
			continue
		}
		scored = append(scored, *evaluation)
	}
	return scored, skipped, errCount
}

// scorePrediction computes the metrics for one comparison against the game's
// outcome. The Kalshi implied probability is the scored prediction for the
// home team winning.
func (e *Evaluator) scorePrediction(analysisID string, comparison map[string]any, outcome domain.Outcome) (*domain.Evaluation, error) {
	kalshiProb, ok := asFloat(comparison["kalshi_implied_prob"])
	if !ok {
		return nil, nil
	}

	homeTeam := asString(comparison["home_team"])
	awayTeam := asString(comparison["away_team"])

	homeWon := outcome.Winner != nil && *outcome.Winner == homeTeam
	actual := 0.0
	if homeWon {
		actual = 1.0
	}

	brier := round6((kalshiProb - actual) * (kalshiProb - actual))

	clamped := math.Min(math.Max(kalshiProb, logLossClamp), 1-logLossClamp)
	logLoss := round6(-(actual*math.Log(clamped) + (1-actual)*math.Log(1-clamped)))

	metrics := domain.EvaluationMetrics{
		BrierScore: &brier,
		LogLoss:    &logLoss,
	}

	delta, hasDelta := asFloat(comparison["delta_home"])
	if hasDelta && math.Abs(delta) > edgeThreshold {
		// The edge bet backs the cheaper side: home when Kalshi prices
		// the home team below Vegas, away otherwise.
		edgeBetHome := delta < 0
		won := edgeBetHome == homeWon
		realized := round4(math.Abs(delta))
		if !won {
			realized = -realized
		}
		metrics.EdgeRealized = &realized
	}

	if vegasOdds, ok := asFloat(comparison["vegas_home_odds"]); ok {
		roi := round4(americanROI(vegasOdds, homeWon))
		metrics.ROI = &roi
	}

	notes := map[string]any{
		"home_team":       homeTeam,
		"away_team":       awayTeam,
		"actual_winner":   outcome.Winner,
		"home_won":        homeWon,
		"final_score":     fmt.Sprintf("%d-%d", outcome.FinalScore.Away, outcome.FinalScore.Home),
		"vegas_home_prob": comparison["vegas_home_prob"],
		"kalshi_prob":     kalshiProb,
		"delta":           comparison["delta_home"],
		"edge_direction":  comparison["edge_direction"],
	}

	evaluation, err := domain.NewEvaluation(analysisID, outcome.GameID, metrics, notes)
	if err != nil {
		return nil, err
	}

	saved, err := e.evaluations.Insert(evaluation)
	if err != nil {
		var dup *store.DuplicateEntityError
		if errors.As(err, &dup) {
			return nil, nil
		}
		return nil, err
	}

	if e.eventMgr != nil {
		e.eventMgr.EmitTyped("evaluator", &events.EvaluationStoredData{
			EvaluationID: saved.EvaluationID,
			AnalysisID:   saved.AnalysisID,
			GameID:       saved.GameID,
			BrierScore:   saved.Metrics.BrierScore,
		})
	}

	return &saved, nil
}

// AggregateReport summarizes prediction quality across evaluations.
type AggregateReport struct {
	Evaluations    int      `json:"evaluations"`
	AvgBrierScore  *float64 `json:"avg_brier_score,omitempty"`
	BrierStdDev    *float64 `json:"brier_std_dev,omitempty"`
	AvgLogLoss     *float64 `json:"avg_log_loss,omitempty"`
	AvgROI         *float64 `json:"avg_roi,omitempty"`
	TotalROI       *float64 `json:"total_roi,omitempty"`
	EdgeBetsWon    int      `json:"edge_bets_won"`
	EdgeBetsLost   int      `json:"edge_bets_lost"`
	EdgeWinRate    *float64 `json:"edge_win_rate,omitempty"`
	Interpretation string   `json:"interpretation"`
}

// Report aggregates all stored evaluations into accuracy metrics.
func (e *Evaluator) Report(limit int) (*AggregateReport, error) {
	evaluations, err := e.evaluations.GetAll(limit, 0)
	if err != nil {
		return nil, err
	}

	report := &AggregateReport{Evaluations: len(evaluations)}
	if len(evaluations) == 0 {
		report.Interpretation = "No evaluations recorded yet."
		return report, nil
	}

	var briers, logLosses, rois []float64
	for _, eval := range evaluations {
		if eval.Metrics.BrierScore != nil {
			briers = append(briers, *eval.Metrics.BrierScore)
		}
		if eval.Metrics.LogLoss != nil {
			logLosses = append(logLosses, *eval.Metrics.LogLoss)
		}
		if eval.Metrics.ROI != nil {
			rois = append(rois, *eval.Metrics.ROI)
		}
		if eval.Metrics.EdgeRealized != nil {
			if *eval.Metrics.EdgeRealized > 0 {
				report.EdgeBetsWon++
			} else {
				report.EdgeBetsLost++
			}
		}
	}

	if len(briers) > 0 {
		avg := round4(stat.Mean(briers, nil))
		report.AvgBrierScore = &avg
	}
	if len(briers) > 1 {
		sd := round4(stat.StdDev(briers, nil))
		report.BrierStdDev = &sd
	}
	if len(logLosses) > 0 {
		avg := round4(stat.Mean(logLosses, nil))
		report.AvgLogLoss = &avg
	}
	if len(rois) > 0 {
		avg := round4(stat.Mean(rois, nil))
		total := round4(sumFloats(rois))
		report.AvgROI = &avg
		report.TotalROI = &total
	}
	if edgeBets := report.EdgeBetsWon + report.EdgeBetsLost; edgeBets > 0 {
		rate := round4(float64(report.EdgeBetsWon) / float64(edgeBets))
		report.EdgeWinRate = &rate
	}

	report.Interpretation = interpretReport(report)
	return report, nil
}

func sumFloats(values []float64) float64 {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum
}

func interpretReport(report *AggregateReport) string {
	var parts []string

	if report.AvgBrierScore != nil {
		switch brier := *report.AvgBrierScore; {
		case brier < 0.2:
			parts = append(parts, "Good calibration (Brier < 0.2)")
		case brier < 0.25:
			parts = append(parts, "Fair calibration (Brier < 0.25)")
		default:
			parts = append(parts, "Calibration needs improvement")
		}
	}

	if report.TotalROI != nil {
		if *report.TotalROI > 0 {
			parts = append(parts, fmt.Sprintf("Profitable: total ROI %+.2f units", *report.TotalROI))
		} else {
			parts = append(parts, fmt.Sprintf("Unprofitable: total ROI %+.2f units", *report.TotalROI))
		}
	}

	if report.EdgeWinRate != nil {
		switch rate := *report.EdgeWinRate; {
		case rate > 0.55:
			parts = append(parts, fmt.Sprintf("Edge signal is working (%.0f%% win rate)", rate*100))
		case rate > 0.45:
			parts = append(parts, fmt.Sprintf("Edge signal inconclusive (%.0f%% win rate)", rate*100))
		default:
			parts = append(parts, fmt.Sprintf("Edge signal is not working (%.0f%% win rate)", rate*100))
		}
	}

	if len(parts) == 0 {
		return "Not enough data to interpret."
	}
	return strings.Join(parts, " | ")
}

// americanROI is the per-unit return of a winning or losing bet at American
// odds. Zero is not a quotable American line; it yields no return rather
// than a division blowup.
func americanROI(odds float64, won bool) float64 {
	if odds == 0 {
		return 0
	}
	if !won {
		return -1.0
	}
	if odds > 0 {
		return odds / 100
	}
	return 100 / math.Abs(odds)
}

func hasEvaluationForGame(evaluations []domain.Evaluation, gameID string) bool {
	for _, eval := range evaluations {
		if eval.GameID == gameID {
			return true
		}
	}
	return false
}

func round6(f float64) float64 {
	return math.Round(f*1000000) / 1000000
}
