// Package domain defines the immutable entity model of the record store.
//
// All entities are value records: a factory assigns the generated ID and the
// SHA-256 content hash atomically, and the value is never mutated afterwards.
// The one lifecycle exception is ImprovementProposal.Status, which is changed
// through a dedicated repository operation rather than in-place mutation.
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/marketledger/marketledger/internal/hashing"
)

// Entity kind names, used in error reporting and integrity failures.
const (
	KindSnapshot   = "InfoSnapshot"
	KindAnalysis   = "Analysis"
	KindOutcome    = "Outcome"
	KindEvaluation = "Evaluation"
	KindProposal   = "ImprovementProposal"
)

// ProposalStatus is the lifecycle state of an improvement proposal.
type ProposalStatus string

const (
	StatusPending     ProposalStatus = "pending"
	StatusAccepted    ProposalStatus = "accepted"
	StatusRejected    ProposalStatus = "rejected"
	StatusImplemented ProposalStatus = "implemented"
)

// Valid reports whether s is one of the recognized status values.
func (s ProposalStatus) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusRejected, StatusImplemented:
		return true
	}
	return false
}

// idList normalizes a nil ID slice to an empty one. ID lists are rebuilt
// from join rows on read, where "no rows" yields an empty list, so the hash
// input must not distinguish nil from empty.
func idList(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

// SourceVersions records the API versions of each external data source that
// contributed to a snapshot.
type SourceVersions struct {
	Kalshi  string `json:"kalshi"`
	OddsAPI string `json:"odds_api"`
}

// Map returns the serialization form used for hashing and storage.
func (v SourceVersions) Map() map[string]string {
	return map[string]string{"kalshi": v.Kalshi, "odds_api": v.OddsAPI}
}

// SourceVersionsFromMap rebuilds SourceVersions from its stored form.
func SourceVersionsFromMap(m map[string]string) SourceVersions {
	return SourceVersions{Kalshi: m["kalshi"], OddsAPI: m["odds_api"]}
}

// FinalScore is the structured final score of a game.
type FinalScore struct {
	Home int `json:"home"`
	Away int `json:"away"`
}

// Map returns the serialization form used for hashing and storage.
func (s FinalScore) Map() map[string]int {
	return map[string]int{"home": s.Home, "away": s.Away}
}

// EvaluationMetrics holds the scoring metrics of an evaluation. All metrics
// are optional; a nil field means the metric could not be computed.
type EvaluationMetrics struct {
	BrierScore   *float64 `json:"brier_score"`
	LogLoss      *float64 `json:"log_loss"`
	ROI          *float64 `json:"roi"`
	EdgeRealized *float64 `json:"edge_realized"`
}

// InfoSnapshot is a point-in-time capture of market data: the raw API
// payloads preserved exactly as received, plus the normalized fields computed
// from them. Snapshots are content-addressed; inserting identical content
// twice yields the already-persisted row.
type InfoSnapshot struct {
	SnapshotID       string         `json:"snapshot_id"`
	GameID           string         `json:"game_id"`
	CollectedAt      time.Time      `json:"collected_at"`
	SchemaVersion    string         `json:"schema_version"`
	SourceVersions   SourceVersions `json:"source_versions"`
	RawPayloads      map[string]any `json:"raw_payloads"`
	NormalizedFields map[string]any `json:"normalized_fields"`
	Hash             string         `json:"hash"`
}

// HashedFields returns the exact field set included in the content hash.
// The generated ID and the hash itself are excluded.
func (s InfoSnapshot) HashedFields() map[string]any {
	return map[string]any{
		"game_id":           s.GameID,
		"collected_at":      s.CollectedAt,
		"schema_version":    s.SchemaVersion,
		"source_versions":   s.SourceVersions.Map(),
		"raw_payloads":      s.RawPayloads,
		"normalized_fields": s.NormalizedFields,
	}
}

// NewInfoSnapshot creates a snapshot with a generated ID and computed hash.
// This is the only construction path that produces a persist-eligible value.
func NewInfoSnapshot(
	gameID string,
	collectedAt time.Time,
	schemaVersion string,
	sourceVersions SourceVersions,
	rawPayloads map[string]any,
	normalizedFields map[string]any,
) (InfoSnapshot, error) {
	s := InfoSnapshot{
		SnapshotID:       uuid.NewString(),
		GameID:           gameID,
		CollectedAt:      collectedAt,
		SchemaVersion:    schemaVersion,
		SourceVersions:   sourceVersions,
		RawPayloads:      rawPayloads,
		NormalizedFields: normalizedFields,
	}

	hash, err := hashing.Hash(s.HashedFields())
	if err != nil {
		return InfoSnapshot{}, fmt.Errorf("failed to hash snapshot: %w", err)
	}
	s.Hash = hash
	return s, nil
}

// Analysis is a derived artifact forming a DAG, like a git commit: it
// references its input snapshots and optionally a parent analysis, so every
// conclusion is traceable back to the data it was derived from.
type Analysis struct {
	AnalysisID         string           `json:"analysis_id"`
	CreatedAt          time.Time        `json:"created_at"`
	AnalysisVersion    string           `json:"analysis_version"`
	CodeVersion        string           `json:"code_version"`
	ModelVersion       *string          `json:"model_version"`
	ParentAnalysisID   *string          `json:"parent_analysis_id"`
	InputSnapshotIDs   []string         `json:"input_snapshot_ids"`
	DerivedFeatures    map[string]any   `json:"derived_features"`
	Conclusions        map[string]any   `json:"conclusions"`
	RecommendedActions []map[string]any `json:"recommended_actions"`
	Hash               string           `json:"hash"`
}

// HashedFields returns the hashed-field set. CreatedAt is a server timestamp
// and is excluded, so re-deriving identical content at a later time still
// deduplicates by hash.
func (a Analysis) HashedFields() map[string]any {
	return map[string]any{
		"analysis_version":    a.AnalysisVersion,
		"code_version":        a.CodeVersion,
		"model_version":       a.ModelVersion,
		"parent_analysis_id":  a.ParentAnalysisID,
		"input_snapshot_ids":  idList(a.InputSnapshotIDs),
		"derived_features":    a.DerivedFeatures,
		"conclusions":         a.Conclusions,
		"recommended_actions": a.RecommendedActions,
	}
}

// NewAnalysisParams holds the content fields for NewAnalysis.
type NewAnalysisParams struct {
	AnalysisVersion    string
	CodeVersion        string
	ModelVersion       *string
	ParentAnalysisID   *string
	InputSnapshotIDs   []string
	DerivedFeatures    map[string]any
	Conclusions        map[string]any
	RecommendedActions []map[string]any
}

// NewAnalysis creates an analysis with a generated ID, creation timestamp and
// computed hash.
func NewAnalysis(p NewAnalysisParams) (Analysis, error) {
	a := Analysis{
		AnalysisID:         uuid.NewString(),
		CreatedAt:          time.Now().UTC(),
		AnalysisVersion:    p.AnalysisVersion,
		CodeVersion:        p.CodeVersion,
		ModelVersion:       p.ModelVersion,
		ParentAnalysisID:   p.ParentAnalysisID,
		InputSnapshotIDs:   p.InputSnapshotIDs,
		DerivedFeatures:    p.DerivedFeatures,
		Conclusions:        p.Conclusions,
		RecommendedActions: p.RecommendedActions,
	}

	hash, err := hashing.Hash(a.HashedFields())
	if err != nil {
		return Analysis{}, fmt.Errorf("failed to hash analysis: %w", err)
	}
	a.Hash = hash
	return a, nil
}

// Outcome is the ground truth result for one game. Exactly one outcome may
// exist per game ID.
type Outcome struct {
	OutcomeID    string         `json:"outcome_id"`
	GameID       string         `json:"game_id"`
	OccurredAt   time.Time      `json:"occurred_at"`
	FinalScore   FinalScore     `json:"final_score"`
	Winner       *string        `json:"winner"`
	StatsSummary map[string]any `json:"stats_summary"`
	Source       string         `json:"source"`
	Hash         string         `json:"hash"`
}

// HashedFields returns the hashed-field set for the outcome.
func (o Outcome) HashedFields() map[string]any {
	return map[string]any{
		"game_id":       o.GameID,
		"occurred_at":   o.OccurredAt,
		"final_score":   o.FinalScore.Map(),
		"winner":        o.Winner,
		"stats_summary": o.StatsSummary,
		"source":        o.Source,
	}
}

// NewOutcome creates an outcome with a generated ID and computed hash.
// Winner is nil for a draw.
func NewOutcome(
	gameID string,
	occurredAt time.Time,
	finalScore FinalScore,
	winner *string,
	statsSummary map[string]any,
	source string,
) (Outcome, error) {
	o := Outcome{
		OutcomeID:    uuid.NewString(),
		GameID:       gameID,
		OccurredAt:   occurredAt,
		FinalScore:   finalScore,
		Winner:       winner,
		StatsSummary: statsSummary,
		Source:       source,
	}

	hash, err := hashing.Hash(o.HashedFields())
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to hash outcome: %w", err)
	}
	o.Hash = hash
	return o, nil
}

// Evaluation scores an analysis against the actual outcome of a game.
type Evaluation struct {
	EvaluationID string            `json:"evaluation_id"`
	AnalysisID   string            `json:"analysis_id"`
	GameID       string            `json:"game_id"`
	ScoredAt     time.Time         `json:"scored_at"`
	Metrics      EvaluationMetrics `json:"metrics"`
	Notes        map[string]any    `json:"notes"`
	Hash         string            `json:"hash"`
}

// HashedFields returns the hashed-field set. The metrics are flattened to
// top-level keys; ScoredAt is a server timestamp and is excluded.
func (e Evaluation) HashedFields() map[string]any {
	return map[string]any{
		"analysis_id":   e.AnalysisID,
		"game_id":       e.GameID,
		"brier_score":   e.Metrics.BrierScore,
		"log_loss":      e.Metrics.LogLoss,
		"roi":           e.Metrics.ROI,
		"edge_realized": e.Metrics.EdgeRealized,
		"notes":         e.Notes,
	}
}

// NewEvaluation creates an evaluation with a generated ID, scoring timestamp
// and computed hash.
func NewEvaluation(
	analysisID string,
	gameID string,
	metrics EvaluationMetrics,
	notes map[string]any,
) (Evaluation, error) {
	e := Evaluation{
		EvaluationID: uuid.NewString(),
		AnalysisID:   analysisID,
		GameID:       gameID,
		ScoredAt:     time.Now().UTC(),
		Metrics:      metrics,
		Notes:        notes,
	}

	hash, err := hashing.Hash(e.HashedFields())
	if err != nil {
		return Evaluation{}, fmt.Errorf("failed to hash evaluation: %w", err)
	}
	e.Hash = hash
	return e, nil
}

// ImprovementProposal is a suggested change grounded in evaluation evidence.
// The content is immutable; Status is the one field with a lifecycle, and it
// is excluded from the content hash for exactly that reason.
type ImprovementProposal struct {
	ProposalID               string         `json:"proposal_id"`
	CreatedAt                time.Time      `json:"created_at"`
	BasedOnEvaluationIDs     []string       `json:"based_on_evaluation_ids"`
	ProposalText             string         `json:"proposal_text"`
	SuggestedSchemaAdditions map[string]any `json:"suggested_schema_additions"`
	SuggestedModules         []string       `json:"suggested_modules"`
	ExpectedImpact           map[string]any `json:"expected_impact"`
	Status                   ProposalStatus `json:"status"`
	Hash                     string         `json:"hash"`
}

// HashedFields returns the hashed-field set. CreatedAt and Status are
// excluded.
func (p ImprovementProposal) HashedFields() map[string]any {
	return map[string]any{
		"based_on_evaluation_ids":    idList(p.BasedOnEvaluationIDs),
		"proposal_text":              p.ProposalText,
		"suggested_schema_additions": p.SuggestedSchemaAdditions,
		"suggested_modules":          p.SuggestedModules,
		"expected_impact":            p.ExpectedImpact,
	}
}

// NewProposalParams holds the content fields for NewImprovementProposal.
type NewProposalParams struct {
	BasedOnEvaluationIDs     []string
	ProposalText             string
	SuggestedSchemaAdditions map[string]any
	SuggestedModules         []string
	ExpectedImpact           map[string]any
}

// NewImprovementProposal creates a proposal in status "pending" with a
// generated ID and computed hash.
func NewImprovementProposal(p NewProposalParams) (ImprovementProposal, error) {
	proposal := ImprovementProposal{
		ProposalID:               uuid.NewString(),
		CreatedAt:                time.Now().UTC(),
		BasedOnEvaluationIDs:     p.BasedOnEvaluationIDs,
		ProposalText:             p.ProposalText,
		SuggestedSchemaAdditions: p.SuggestedSchemaAdditions,
		SuggestedModules:         p.SuggestedModules,
		ExpectedImpact:           p.ExpectedImpact,
		Status:                   StatusPending,
	}

	hash, err := hashing.Hash(proposal.HashedFields())
	if err != nil {
		return ImprovementProposal{}, fmt.Errorf("failed to hash proposal: %w", err)
	}
	proposal.Hash = hash
	return proposal, nil
}
