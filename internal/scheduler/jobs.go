package scheduler

import (
	"context"

	"github.com/marketledger/marketledger/internal/config"
	"github.com/marketledger/marketledger/internal/services"
)

// evaluationBatchSize is how many analyses one evaluation run considers.
const evaluationBatchSize = 500

// CollectJob runs a full collection cycle across all enabled sports.
type CollectJob struct {
	collector *services.Collector
}

// NewCollectJob creates the collection job.
func NewCollectJob(collector *services.Collector) *CollectJob {
	return &CollectJob{collector: collector}
}

func (j *CollectJob) Name() string { return "collect" }

func (j *CollectJob) Run(ctx context.Context) error {
	_, err := j.collector.CollectAll(ctx)
	return err
}

// AnalyzeJob analyzes the latest snapshot of every game.
type AnalyzeJob struct {
	analyzer *services.Analyzer
}

// NewAnalyzeJob creates the analysis job.
func NewAnalyzeJob(analyzer *services.Analyzer) *AnalyzeJob {
	return &AnalyzeJob{analyzer: analyzer}
}

func (j *AnalyzeJob) Name() string { return "analyze" }

func (j *AnalyzeJob) Run(ctx context.Context) error {
	_, err := j.analyzer.AnalyzeAllGames(evaluationBatchSize)
	return err
}

// EvaluateJob ingests fresh final scores, then scores pending predictions
// against them.
type EvaluateJob struct {
	cfg       *config.Config
	outcomes  *services.OutcomeRecorder
	evaluator *services.Evaluator
}

// NewEvaluateJob creates the evaluation job.
func NewEvaluateJob(cfg *config.Config, outcomes *services.OutcomeRecorder, evaluator *services.Evaluator) *EvaluateJob {
	return &EvaluateJob{cfg: cfg, outcomes: outcomes, evaluator: evaluator}
}

func (j *EvaluateJob) Name() string { return "evaluate" }

func (j *EvaluateJob) Run(ctx context.Context) error {
	for _, sport := range j.cfg.EnabledSports() {
		if _, err := j.outcomes.IngestScores(ctx, sport.Key); err != nil {
			return err
		}
	}

	_, err := j.evaluator.EvaluateAllPending(evaluationBatchSize)
	return err
}
