package events

// EventData is the interface that all event data types must implement
// This allows for type-safe event data while maintaining flexibility
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// SnapshotStoredData contains data for SnapshotStored events
type SnapshotStoredData struct {
	SnapshotID string `json:"snapshot_id"`
	GameID     string `json:"game_id"`
	Hash       string `json:"hash"`
	Deduped    bool   `json:"deduped"`
}

// EventType returns the event type for SnapshotStoredData
func (d *SnapshotStoredData) EventType() EventType {
	return SnapshotStored
}

// AnalysisStoredData contains data for AnalysisStored events
type AnalysisStoredData struct {
	AnalysisID       string  `json:"analysis_id"`
	ParentAnalysisID *string `json:"parent_analysis_id,omitempty"`
	InputSnapshots   int     `json:"input_snapshots"`
	Hash             string  `json:"hash"`
}

// EventType returns the event type for AnalysisStoredData
func (d *AnalysisStoredData) EventType() EventType {
	return AnalysisStored
}

// OutcomeRecordedData contains data for OutcomeRecorded events
type OutcomeRecordedData struct {
	OutcomeID string  `json:"outcome_id"`
	GameID    string  `json:"game_id"`
	Winner    *string `json:"winner,omitempty"`
	Hash      string  `json:"hash"`
}

// EventType returns the event type for OutcomeRecordedData
func (d *OutcomeRecordedData) EventType() EventType {
	return OutcomeRecorded
}

// EvaluationStoredData contains data for EvaluationStored events
type EvaluationStoredData struct {
	EvaluationID string   `json:"evaluation_id"`
	AnalysisID   string   `json:"analysis_id"`
	GameID       string   `json:"game_id"`
	BrierScore   *float64 `json:"brier_score,omitempty"`
}

// EventType returns the event type for EvaluationStoredData
func (d *EvaluationStoredData) EventType() EventType {
	return EvaluationStored
}

// ProposalStoredData contains data for ProposalStored events
type ProposalStoredData struct {
	ProposalID  string `json:"proposal_id"`
	Evaluations int    `json:"evaluations"`
}

// EventType returns the event type for ProposalStoredData
func (d *ProposalStoredData) EventType() EventType {
	return ProposalStored
}

// ProposalStatusChangedData contains data for ProposalStatusChanged events
type ProposalStatusChangedData struct {
	ProposalID string `json:"proposal_id"`
	Status     string `json:"status"`
}

// EventType returns the event type for ProposalStatusChangedData
func (d *ProposalStatusChangedData) EventType() EventType {
	return ProposalStatusChanged
}

// CollectionCompletedData contains data for CollectionCompleted events
type CollectionCompletedData struct {
	Games     int     `json:"games"`
	Snapshots int     `json:"snapshots"`
	Deduped   int     `json:"deduped"`
	Errors    int     `json:"errors"`
	Duration  float64 `json:"duration_seconds"`
}

// EventType returns the event type for CollectionCompletedData
func (d *CollectionCompletedData) EventType() EventType {
	return CollectionCompleted
}

// EvaluationRunDoneData contains data for EvaluationRunDone events
type EvaluationRunDoneData struct {
	Scored  int `json:"scored"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

// EventType returns the event type for EvaluationRunDoneData
func (d *EvaluationRunDoneData) EventType() EventType {
	return EvaluationRunDone
}

// IntegrityCheckedData contains data for IntegrityChecked events
type IntegrityCheckedData struct {
	Verified   int `json:"verified"`
	Mismatches int `json:"mismatches"`
}

// EventType returns the event type for IntegrityCheckedData
func (d *IntegrityCheckedData) EventType() EventType {
	return IntegrityChecked
}

// MarketTickerUpdatedData contains data for MarketTickerUpdated events
type MarketTickerUpdatedData struct {
	MarketTicker string   `json:"market_ticker"`
	YesBid       *float64 `json:"yes_bid,omitempty"`
	YesAsk       *float64 `json:"yes_ask,omitempty"`
	LastPrice    *float64 `json:"last_price,omitempty"`
}

// EventType returns the event type for MarketTickerUpdatedData
func (d *MarketTickerUpdatedData) EventType() EventType {
	return MarketTickerUpdated
}

// ErrorEventData contains data for ErrorOccurred events
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// EventType returns the event type for ErrorEventData
func (d *ErrorEventData) EventType() EventType {
	return ErrorOccurred
}
