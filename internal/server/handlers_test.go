package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketledger/marketledger/internal/archive"
	"github.com/marketledger/marketledger/internal/config"
	"github.com/marketledger/marketledger/internal/database"
	"github.com/marketledger/marketledger/internal/domain"
	"github.com/marketledger/marketledger/internal/events"
	"github.com/marketledger/marketledger/internal/lineage"
	"github.com/marketledger/marketledger/internal/services"
	"github.com/marketledger/marketledger/internal/store"
)

// testServer wires a full server over a temp store, with no external
// clients configured.
type testServer struct {
	server    *Server
	snapshots *store.SnapshotRepository
	analyses  *store.AnalysisRepository
	outcomes  *store.OutcomeRepository
	analyzer  *services.Analyzer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	log := zerolog.Nop()
	appCfg := &config.Config{
		SchemaVersion:   "1.0.0",
		AnalysisVersion: "1.0.0",
		CodeVersion:     "test",
	}

	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "ledger.db"),
		Profile: database.ProfileLedger,
		Name:    "test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	snapshots := store.NewSnapshotRepository(db.Conn(), log)
	analyses := store.NewAnalysisRepository(db.Conn(), log)
	outcomes := store.NewOutcomeRepository(db.Conn(), log)
	evaluations := store.NewEvaluationRepository(db.Conn(), log)
	proposals := store.NewProposalRepository(db.Conn(), log)

	bus := events.NewBus(log)
	mgr := events.NewManager(bus, log)

	collector := services.NewCollector(appCfg, snapshots, nil, nil, mgr, log)
	analyzer := services.NewAnalyzer(appCfg, snapshots, analyses, mgr, log)
	evaluator := services.NewEvaluator(analyses, outcomes, evaluations, mgr, log)
	recorder := services.NewOutcomeRecorder(snapshots, outcomes, nil, mgr, log)
	verifier := services.NewVerifier(snapshots, analyses, outcomes, evaluations, proposals, mgr, log)

	srv := New(Config{
		Port:        0,
		Log:         log,
		Cfg:         appCfg,
		DB:          db,
		DevMode:     true,
		Snapshots:   snapshots,
		Analyses:    analyses,
		Outcomes:    outcomes,
		Evaluations: evaluations,
		Proposals:   proposals,
		Lineage:     lineage.NewResolver(analyses, log),
		Collector:   collector,
		Analyzer:    analyzer,
		Evaluator:   evaluator,
		Recorder:    recorder,
		Verifier:    verifier,
		Archiver:    archive.New(snapshots, t.TempDir(), log),
		EventBus:    bus,
	})

	return &testServer{
		server:    srv,
		snapshots: snapshots,
		analyses:  analyses,
		outcomes:  outcomes,
		analyzer:  analyzer,
	}
}

func (ts *testServer) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func (ts *testServer) seedSnapshot(t *testing.T, gameID string, collectedAt time.Time, withKalshi bool) domain.InfoSnapshot {
	t.Helper()

	normalized := map[string]any{
		"odds_api_events": []any{map[string]any{
			"event_id":       gameID,
			"home_team":      "Boston Celtics",
			"away_team":      "New York Knicks",
			"best_home_odds": float64(-150),
			"best_away_odds": float64(130),
		}},
	}
	if withKalshi {
		normalized["kalshi_markets"] = []any{map[string]any{
			"market_id":           "KXNBA-25JAN15-BOS",
			"title":               "Will the Celtics beat the Knicks?",
			"implied_probability": 0.70,
			"volume":              float64(100),
		}}
	}

	snapshot, err := domain.NewInfoSnapshot(gameID, collectedAt, "1.0.0",
		domain.SourceVersions{OddsAPI: "odds_api_v4"}, map[string]any{}, normalized)
	require.NoError(t, err)

	saved, err := ts.snapshots.Insert(snapshot)
	require.NoError(t, err)
	return saved
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	decodeBody(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestSnapshotEndpoints(t *testing.T) {
	ts := newTestServer(t)
	snapshot := ts.seedSnapshot(t, "e1", time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC), false)

	rec := ts.request(t, http.MethodGet, "/api/snapshots/"+snapshot.SnapshotID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got domain.InfoSnapshot
	decodeBody(t, rec, &got)
	assert.Equal(t, snapshot.SnapshotID, got.SnapshotID)
	assert.Equal(t, snapshot.Hash, got.Hash)

	rec = ts.request(t, http.MethodGet, "/api/snapshots/hash/"+snapshot.Hash, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.request(t, http.MethodGet, "/api/snapshots/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.request(t, http.MethodGet, "/api/snapshots?game_id=e1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list struct {
		Snapshots []domain.InfoSnapshot `json:"snapshots"`
	}
	decodeBody(t, rec, &list)
	assert.Len(t, list.Snapshots, 1)
}

func TestProposalEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, http.MethodPost, "/api/proposals", map[string]any{
		"proposal_text":     "Track line movement velocity",
		"suggested_modules": []string{"analyzer"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created domain.ImprovementProposal
	decodeBody(t, rec, &created)
	assert.Equal(t, domain.StatusPending, created.Status)
	assert.NotEmpty(t, created.Hash)

	// Identical content is a duplicate, not a second proposal.
	rec = ts.request(t, http.MethodPost, "/api/proposals", map[string]any{
		"proposal_text":     "Track line movement velocity",
		"suggested_modules": []string{"analyzer"},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.request(t, http.MethodPost, "/api/proposals", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.request(t, http.MethodPut, "/api/proposals/"+created.ProposalID+"/status", map[string]any{
		"status": "accepted",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var updated domain.ImprovementProposal
	decodeBody(t, rec, &updated)
	assert.Equal(t, domain.StatusAccepted, updated.Status)

	rec = ts.request(t, http.MethodPut, "/api/proposals/"+created.ProposalID+"/status", map[string]any{
		"status": "archived",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.request(t, http.MethodPut, "/api/proposals/missing/status", map[string]any{
		"status": "rejected",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.request(t, http.MethodGet, "/api/proposals?status=accepted", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list struct {
		Proposals []domain.ImprovementProposal `json:"proposals"`
	}
	decodeBody(t, rec, &list)
	assert.Len(t, list.Proposals, 1)
}

func TestOutcomeEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, http.MethodPost, "/api/outcomes", map[string]any{
		"game_id":     "e1",
		"final_score": map[string]int{"home": 101, "away": 98},
		"winner":      "Boston Celtics",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var outcome domain.Outcome
	decodeBody(t, rec, &outcome)
	assert.Equal(t, "e1", outcome.GameID)
	assert.Equal(t, "manual", outcome.Source)

	rec = ts.request(t, http.MethodGet, "/api/games/e1/outcome", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.request(t, http.MethodGet, "/api/games/unplayed/outcome", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.request(t, http.MethodPost, "/api/outcomes", map[string]any{
		"final_score": map[string]int{"home": 1, "away": 0},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "game_id is required")
}

func TestLineageEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.seedSnapshot(t, "e1", time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC), true)

	root, err := ts.analyzer.AnalyzeGame("e1", nil)
	require.NoError(t, err)
	require.NotNil(t, root)

	ts.seedSnapshot(t, "e1", time.Date(2025, 1, 15, 13, 0, 0, 0, time.UTC), true)
	child, err := ts.analyzer.AnalyzeGame("e1", &root.AnalysisID)
	require.NoError(t, err)
	require.NotNil(t, child)

	rec := ts.request(t, http.MethodGet, "/api/analyses/"+child.AnalysisID+"/lineage", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Lineage []domain.Analysis `json:"lineage"`
	}
	decodeBody(t, rec, &body)
	require.Len(t, body.Lineage, 2)
	assert.Equal(t, root.AnalysisID, body.Lineage[0].AnalysisID, "lineage is root first")

	rec = ts.request(t, http.MethodGet, "/api/analyses/missing/lineage", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.request(t, http.MethodGet, "/api/analyses/"+root.AnalysisID+"/children", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var children struct {
		Children []domain.Analysis `json:"children"`
	}
	decodeBody(t, rec, &children)
	assert.Len(t, children.Children, 1)
}

func TestEdgesEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.seedSnapshot(t, "e1", time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC), true)

	_, err := ts.analyzer.AnalyzeGame("e1", nil)
	require.NoError(t, err)

	rec := ts.request(t, http.MethodGet, "/api/edges", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Edges []map[string]any `json:"edges"`
	}
	decodeBody(t, rec, &body)
	require.Len(t, body.Edges, 1)
	assert.Equal(t, "kalshi_higher", body.Edges[0]["edge_direction"])
	assert.NotEmpty(t, body.Edges[0]["analysis_id"])
}

func TestGameDeltasEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, http.MethodGet, "/api/games/e1/deltas", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	decodeBody(t, rec, &body)
	assert.Empty(t, body["deltas"], "fewer than two snapshots means no deltas")
}

func TestReportEndpointEmpty(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, http.MethodGet, "/api/report", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var report services.AggregateReport
	decodeBody(t, rec, &report)
	assert.Zero(t, report.Evaluations)
	assert.Equal(t, "No evaluations recorded yet.", report.Interpretation)
}

func TestVerifyJobEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.seedSnapshot(t, "e1", time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC), false)

	rec := ts.request(t, http.MethodPost, "/api/jobs/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var report services.VerifyReport
	decodeBody(t, rec, &report)
	assert.Equal(t, 1, report.Verified)
	assert.Empty(t, report.Mismatches)
}

func TestDatabaseStatsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, http.MethodGet, "/api/system/database/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	decodeBody(t, rec, &body)
	assert.Contains(t, body, "table_counts")
	assert.Contains(t, body, "page_size")
}
