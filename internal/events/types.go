// Package events provides event management functionality.
package events

// EventType represents different event types
type EventType string

const (
	SnapshotStored        EventType = "SNAPSHOT_STORED"
	AnalysisStored        EventType = "ANALYSIS_STORED"
	OutcomeRecorded       EventType = "OUTCOME_RECORDED"
	EvaluationStored      EventType = "EVALUATION_STORED"
	ProposalStored        EventType = "PROPOSAL_STORED"
	ProposalStatusChanged EventType = "PROPOSAL_STATUS_CHANGED"

	CollectionCompleted EventType = "COLLECTION_COMPLETED"
	EvaluationRunDone   EventType = "EVALUATION_RUN_DONE"
	IntegrityChecked    EventType = "INTEGRITY_CHECKED"

	MarketTickerUpdated EventType = "MARKET_TICKER_UPDATED"

	ErrorOccurred EventType = "ERROR_OCCURRED"
)

// AllEventTypes lists every event type, for stream subscriptions without a
// filter.
var AllEventTypes = []EventType{
	SnapshotStored,
	AnalysisStored,
	OutcomeRecorded,
	EvaluationStored,
	ProposalStored,
	ProposalStatusChanged,
	CollectionCompleted,
	EvaluationRunDone,
	IntegrityChecked,
	MarketTickerUpdated,
	ErrorOccurred,
}
