package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/marketledger/marketledger/internal/domain"
	"github.com/marketledger/marketledger/internal/events"
	"github.com/marketledger/marketledger/internal/services"
	"github.com/marketledger/marketledger/internal/store"
)

// defaultListLimit applies when a list request has no limit parameter.
const defaultListLimit = 100

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

// writeStoreError maps typed store errors to HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	var dup *store.DuplicateEntityError
	if errors.As(err, &dup) {
		writeError(w, http.StatusConflict, err)
		return
	}
	var immutable *store.ImmutabilityViolationError
	if errors.As(err, &immutable) {
		writeError(w, http.StatusForbidden, err)
		return
	}
	var mismatch *store.HashMismatchError
	if errors.As(err, &mismatch) {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

func writeNotFound(w http.ResponseWriter, kind, id string) {
	writeError(w, http.StatusNotFound, fmt.Errorf("%s %s not found", kind, id))
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

func pagination(r *http.Request) (limit, offset int) {
	return queryInt(r, "limit", defaultListLimit), queryInt(r, "offset", 0)
}

// Snapshot handlers

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	if gameID := r.URL.Query().Get("game_id"); gameID != "" {
		snapshots, err := s.cfg.Snapshots.GetByGameID(gameID, queryInt(r, "limit", defaultListLimit))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"snapshots": snapshots})
		return
	}

	limit, offset := pagination(r)
	snapshots, err := s.cfg.Snapshots.GetAll(limit, offset)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": snapshots})
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snapshot, err := s.cfg.Snapshots.GetByID(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if snapshot == nil {
		writeNotFound(w, "snapshot", id)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleGetSnapshotByHash(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	snapshot, err := s.cfg.Snapshots.GetByHash(hash)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if snapshot == nil {
		writeNotFound(w, "snapshot", hash)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// Analysis handlers

func (s *Server) handleListAnalyses(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	analyses, err := s.cfg.Analyses.GetAll(limit, offset)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"analyses": analyses})
}

func (s *Server) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	analysis, err := s.cfg.Analyses.GetByID(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if analysis == nil {
		writeNotFound(w, "analysis", id)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

func (s *Server) handleGetAnalysisByHash(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	analysis, err := s.cfg.Analyses.GetByHash(hash)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if analysis == nil {
		writeNotFound(w, "analysis", hash)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

func (s *Server) handleAnalysisLineage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	chain, err := s.cfg.Lineage.Lineage(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if chain == nil {
		writeNotFound(w, "analysis", id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lineage": chain})
}

func (s *Server) handleAnalysisChildren(w http.ResponseWriter, r *http.Request) {
	children, err := s.cfg.Lineage.Children(chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"children": children})
}

func (s *Server) handleAnalysisRoots(w http.ResponseWriter, r *http.Request) {
	roots, err := s.cfg.Lineage.Roots(queryInt(r, "limit", defaultListLimit))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roots": roots})
}

func (s *Server) handleAnalysisEvaluations(w http.ResponseWriter, r *http.Request) {
	evaluations, err := s.cfg.Evaluations.GetByAnalysisID(chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"evaluations": evaluations})
}

// Outcome handlers

func (s *Server) handleListOutcomes(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	outcomes, err := s.cfg.Outcomes.GetAll(limit, offset)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": outcomes})
}

func (s *Server) handleGetOutcome(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	outcome, err := s.cfg.Outcomes.GetByID(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if outcome == nil {
		writeNotFound(w, "outcome", id)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

type recordOutcomeRequest struct {
	GameID       string            `json:"game_id"`
	OccurredAt   time.Time         `json:"occurred_at"`
	FinalScore   domain.FinalScore `json:"final_score"`
	Winner       *string           `json:"winner"`
	StatsSummary map[string]any    `json:"stats_summary"`
	Source       string            `json:"source"`
}

func (s *Server) handleRecordOutcome(w http.ResponseWriter, r *http.Request) {
	var req recordOutcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.GameID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("game_id is required"))
		return
	}
	if req.Source == "" {
		req.Source = "manual"
	}
	if req.OccurredAt.IsZero() {
		req.OccurredAt = time.Now().UTC()
	}

	outcome, err := s.cfg.Recorder.Record(req.GameID, req.OccurredAt, req.FinalScore, req.Winner, req.StatsSummary, req.Source)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, outcome)
}

func (s *Server) handleGameOutcome(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")
	outcome, err := s.cfg.Outcomes.GetByGameID(gameID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if outcome == nil {
		writeNotFound(w, "outcome for game", gameID)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// Evaluation handlers

func (s *Server) handleListEvaluations(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	evaluations, err := s.cfg.Evaluations.GetAll(limit, offset)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"evaluations": evaluations})
}

func (s *Server) handleGetEvaluation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	evaluation, err := s.cfg.Evaluations.GetByID(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if evaluation == nil {
		writeNotFound(w, "evaluation", id)
		return
	}
	writeJSON(w, http.StatusOK, evaluation)
}

func (s *Server) handleGameEvaluations(w http.ResponseWriter, r *http.Request) {
	evaluations, err := s.cfg.Evaluations.GetByGameID(chi.URLParam(r, "gameID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"evaluations": evaluations})
}

// Proposal handlers

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	if status := r.URL.Query().Get("status"); status != "" {
		proposalStatus := domain.ProposalStatus(status)
		if !proposalStatus.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid proposal status %q", status))
			return
		}
		proposals, err := s.cfg.Proposals.GetByStatus(proposalStatus, queryInt(r, "limit", defaultListLimit))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"proposals": proposals})
		return
	}

	limit, offset := pagination(r)
	proposals, err := s.cfg.Proposals.GetAll(limit, offset)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposals": proposals})
}

type createProposalRequest struct {
	BasedOnEvaluationIDs     []string       `json:"based_on_evaluation_ids"`
	ProposalText             string         `json:"proposal_text"`
	SuggestedSchemaAdditions map[string]any `json:"suggested_schema_additions"`
	SuggestedModules         []string       `json:"suggested_modules"`
	ExpectedImpact           map[string]any `json:"expected_impact"`
}

func (s *Server) handleCreateProposal(w http.ResponseWriter, r *http.Request) {
	var req createProposalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.ProposalText == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("proposal_text is required"))
		return
	}

	proposal, err := domain.NewImprovementProposal(domain.NewProposalParams{
		BasedOnEvaluationIDs:     req.BasedOnEvaluationIDs,
		ProposalText:             req.ProposalText,
		SuggestedSchemaAdditions: req.SuggestedSchemaAdditions,
		SuggestedModules:         req.SuggestedModules,
		ExpectedImpact:           req.ExpectedImpact,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	saved, err := s.cfg.Proposals.Insert(proposal)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	if s.cfg.EventBus != nil {
		s.cfg.EventBus.Emit(events.ProposalStored, "server", map[string]interface{}{
			"proposal_id": saved.ProposalID,
			"evaluations": len(saved.BasedOnEvaluationIDs),
		})
	}

	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	proposal, err := s.cfg.Proposals.GetByID(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if proposal == nil {
		writeNotFound(w, "proposal", id)
		return
	}
	writeJSON(w, http.StatusOK, proposal)
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleUpdateProposalStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	status := domain.ProposalStatus(req.Status)
	if !status.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid proposal status %q", req.Status))
		return
	}

	updated, err := s.cfg.Proposals.UpdateStatus(id, status)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if updated == nil {
		writeNotFound(w, "proposal", id)
		return
	}

	if s.cfg.EventBus != nil {
		s.cfg.EventBus.Emit(events.ProposalStatusChanged, "server", map[string]interface{}{
			"proposal_id": updated.ProposalID,
			"status":      string(updated.Status),
		})
	}

	writeJSON(w, http.StatusOK, updated)
}

// Game view handlers

func (s *Server) handleGameTimeline(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")
	timeline, err := s.cfg.Collector.Timeline(gameID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"game_id": gameID, "snapshots": timeline})
}

func (s *Server) handleGameDeltas(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")
	timeline, err := s.cfg.Collector.Timeline(gameID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if len(timeline) < 2 {
		writeJSON(w, http.StatusOK, map[string]any{"game_id": gameID, "deltas": []any{}})
		return
	}

	deltas := make([]any, 0, len(timeline)-1)
	for i := 1; i < len(timeline); i++ {
		deltas = append(deltas, services.ComputeDeltas(timeline[i-1], timeline[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"game_id": gameID, "deltas": deltas})
}

// handleEdges extracts the significant edges from the most recent analyses.
func (s *Server) handleEdges(w http.ResponseWriter, r *http.Request) {
	analyses, err := s.cfg.Analyses.GetAll(queryInt(r, "limit", defaultListLimit), 0)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	edges := []map[string]any{}
	for _, analysis := range analyses {
		comparisons, _ := analysis.DerivedFeatures["comparisons"].([]any)
		for _, item := range comparisons {
			comparison, ok := item.(map[string]any)
			if !ok || comparison["matched"] != true {
				continue
			}
			magnitude, ok := comparison["edge_magnitude"].(float64)
			threshold, _ := analysis.DerivedFeatures["edge_threshold"].(float64)
			if !ok || magnitude <= threshold {
				continue
			}
			edge := map[string]any{"analysis_id": analysis.AnalysisID}
			for k, v := range comparison {
				edge[k] = v
			}
			edges = append(edges, edge)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"edges": edges})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.cfg.Evaluator.Report(queryInt(r, "limit", 10000))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Job trigger handlers

func (s *Server) handleTriggerCollect(w http.ResponseWriter, r *http.Request) {
	result, err := s.cfg.Collector.CollectAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"games":     result.Games,
		"snapshots": len(result.Snapshots),
		"deduped":   result.Deduped,
		"errors":    result.Errors,
	})
}

func (s *Server) handleTriggerAnalyze(w http.ResponseWriter, r *http.Request) {
	if gameID := r.URL.Query().Get("game_id"); gameID != "" {
		analysis, err := s.cfg.Analyzer.AnalyzeGame(gameID, nil)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if analysis == nil {
			writeNotFound(w, "analyzable snapshot for game", gameID)
			return
		}
		writeJSON(w, http.StatusOK, analysis)
		return
	}

	analyses, err := s.cfg.Analyzer.AnalyzeAllGames(queryInt(r, "limit", 500))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"analyses": len(analyses)})
}

func (s *Server) handleTriggerEvaluate(w http.ResponseWriter, r *http.Request) {
	result, err := s.cfg.Evaluator.EvaluateAllPending(queryInt(r, "limit", 500))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scored":  len(result.Scored),
		"skipped": result.Skipped,
		"errors":  result.Errors,
	})
}

func (s *Server) handleTriggerVerify(w http.ResponseWriter, r *http.Request) {
	report, err := s.cfg.Verifier.VerifyAll()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Archive handlers

type archiveRequest struct {
	GameID string `json:"game_id"`
	Path   string `json:"path"`
}

func (s *Server) handleArchiveExport(w http.ResponseWriter, r *http.Request) {
	var req archiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.GameID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("game_id is required"))
		return
	}

	path, err := s.cfg.Archiver.ExportGame(req.GameID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": path})
}

func (s *Server) handleArchiveImport(w http.ResponseWriter, r *http.Request) {
	var req archiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("path is required"))
		return
	}

	result, err := s.cfg.Archiver.Import(req.Path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"imported":   result.Imported,
		"deduped":    result.Deduped,
		"mismatches": result.Mismatches,
	})
}
