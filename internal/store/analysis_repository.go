package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/marketledger/marketledger/internal/database"
	"github.com/marketledger/marketledger/internal/domain"
)

// analysisColumns is the column list for the analyses table.
// Column order must match scanAnalysisRow.
const analysisColumns = `analysis_id, created_at, analysis_version, code_version, model_version, parent_analysis_id, derived_features, conclusions, recommended_actions, hash`

// AnalysisRepository provides append-only storage for derived analyses.
//
// An analysis and its snapshot join rows are written in one transaction, so
// a reader never observes an analysis without its inputs. The parent foreign
// key means a parent must already be persisted, which keeps the DAG acyclic
// by construction.
type AnalysisRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

var _ Repository[domain.Analysis] = (*AnalysisRepository)(nil)

// NewAnalysisRepository creates a new analysis repository.
func NewAnalysisRepository(db *sql.DB, log zerolog.Logger) *AnalysisRepository {
	return &AnalysisRepository{
		db:  db,
		log: log.With().Str("repository", "analysis").Logger(),
	}
}

// Insert persists an analysis together with its snapshot relationships.
// Returns DuplicateEntityError when the content hash already exists.
func (r *AnalysisRepository) Insert(analysis domain.Analysis) (domain.Analysis, error) {
	derivedFeatures, err := marshalJSON(analysis.DerivedFeatures)
	if err != nil {
		return domain.Analysis{}, err
	}
	conclusions, err := marshalJSON(analysis.Conclusions)
	if err != nil {
		return domain.Analysis{}, err
	}
	recommendedActions, err := marshalJSON(analysis.RecommendedActions)
	if err != nil {
		return domain.Analysis{}, err
	}

	err = database.WithTransaction(r.db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO analyses (
				analysis_id, created_at, analysis_version, code_version,
				model_version, parent_analysis_id, derived_features,
				conclusions, recommended_actions, hash
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			analysis.AnalysisID,
			formatTimestamp(analysis.CreatedAt),
			analysis.AnalysisVersion,
			analysis.CodeVersion,
			nullString(analysis.ModelVersion),
			nullString(analysis.ParentAnalysisID),
			derivedFeatures,
			conclusions,
			recommendedActions,
			analysis.Hash,
		)
		if err != nil {
			return err
		}

		for i, snapshotID := range analysis.InputSnapshotIDs {
			_, err := tx.Exec(`
				INSERT INTO analysis_snapshots (analysis_id, snapshot_id, position)
				VALUES (?, ?, ?)
			`, analysis.AnalysisID, snapshotID, i)
			if err != nil {
				return err
			}
		}
		return nil
	})

	if err != nil {
		if isUniqueViolation(err) {
			return domain.Analysis{}, &DuplicateEntityError{Kind: domain.KindAnalysis, Key: analysis.Hash}
		}
		if isForeignKeyViolation(err) {
			return domain.Analysis{}, fmt.Errorf("analysis %s references a parent or snapshot that is not persisted: %w",
				analysis.AnalysisID, err)
		}
		if isImmutabilityViolation(err) {
			return domain.Analysis{}, immutabilityError(err, "insert")
		}
		return domain.Analysis{}, fmt.Errorf("failed to insert analysis: %w", err)
	}

	r.log.Info().
		Str("analysis_id", analysis.AnalysisID).
		Int("input_snapshots", len(analysis.InputSnapshotIDs)).
		Msg("Analysis stored")

	return analysis, nil
}

// GetByID returns the analysis with the given id including its snapshot
// relationships, or (nil, nil) when absent.
func (r *AnalysisRepository) GetByID(analysisID string) (*domain.Analysis, error) {
	row := r.db.QueryRow("SELECT "+analysisColumns+" FROM analyses WHERE analysis_id = ?", analysisID)
	return r.scanOne(row)
}

// GetByHash returns the analysis with the given content hash, or (nil, nil).
func (r *AnalysisRepository) GetByHash(hash string) (*domain.Analysis, error) {
	row := r.db.QueryRow("SELECT "+analysisColumns+" FROM analyses WHERE hash = ?", hash)
	return r.scanOne(row)
}

// GetChildren returns all analyses whose parent is the given id (single hop).
func (r *AnalysisRepository) GetChildren(analysisID string) ([]domain.Analysis, error) {
	rows, err := r.db.Query(`
		SELECT `+analysisColumns+` FROM analyses
		WHERE parent_analysis_id = ?
		ORDER BY created_at ASC
	`, analysisID)
	if err != nil {
		return nil, fmt.Errorf("failed to query children of analysis %s: %w", analysisID, err)
	}
	defer rows.Close()

	return r.scanAll(rows)
}

// GetRoots returns analyses with no parent, most recent first.
func (r *AnalysisRepository) GetRoots(limit int) ([]domain.Analysis, error) {
	limit, _ = normalizePage(limit, 0)
	rows, err := r.db.Query(`
		SELECT `+analysisColumns+` FROM analyses
		WHERE parent_analysis_id IS NULL
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query root analyses: %w", err)
	}
	defer rows.Close()

	return r.scanAll(rows)
}

// GetAll returns analyses ordered by creation time, newest first.
func (r *AnalysisRepository) GetAll(limit, offset int) ([]domain.Analysis, error) {
	limit, offset = normalizePage(limit, offset)
	rows, err := r.db.Query(`
		SELECT `+analysisColumns+` FROM analyses
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query analyses: %w", err)
	}
	defer rows.Close()

	return r.scanAll(rows)
}

func (r *AnalysisRepository) scanOne(row rowScanner) (*domain.Analysis, error) {
	analysis, err := r.scanAnalysisRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return analysis, nil
}

func (r *AnalysisRepository) scanAll(rows *sql.Rows) ([]domain.Analysis, error) {
	var analyses []domain.Analysis
	for rows.Next() {
		analysis, err := r.scanAnalysisRow(rows)
		if err != nil {
			return nil, err
		}
		analyses = append(analyses, *analysis)
	}
	return analyses, rows.Err()
}

// scanAnalysisRow materializes an analysis, loads its ordered snapshot ids
// and verifies the hash. Input ordering is part of the hash, hence the
// ORDER BY position.
func (r *AnalysisRepository) scanAnalysisRow(row rowScanner) (*domain.Analysis, error) {
	var (
		analysisID         string
		createdAt          string
		analysisVersion    string
		codeVersion        string
		modelVersion       sql.NullString
		parentAnalysisID   sql.NullString
		derivedFeatures    string
		conclusions        string
		recommendedActions string
		hash               string
	)

	err := row.Scan(
		&analysisID,
		&createdAt,
		&analysisVersion,
		&codeVersion,
		&modelVersion,
		&parentAnalysisID,
		&derivedFeatures,
		&conclusions,
		&recommendedActions,
		&hash,
	)
	if err != nil {
		return nil, err
	}

	created, err := parseTimestamp(createdAt)
	if err != nil {
		return nil, err
	}

	features, err := unmarshalMap("derived_features", derivedFeatures)
	if err != nil {
		return nil, err
	}
	conclusionsMap, err := unmarshalMap("conclusions", conclusions)
	if err != nil {
		return nil, err
	}

	var actions []map[string]any
	if err := json.Unmarshal([]byte(recommendedActions), &actions); err != nil {
		return nil, fmt.Errorf("failed to decode stored recommended_actions: %w", err)
	}

	snapshotIDs, err := r.loadSnapshotIDs(analysisID)
	if err != nil {
		return nil, err
	}

	analysis := domain.Analysis{
		AnalysisID:         analysisID,
		CreatedAt:          created,
		AnalysisVersion:    analysisVersion,
		CodeVersion:        codeVersion,
		ModelVersion:       stringPtr(modelVersion),
		ParentAnalysisID:   stringPtr(parentAnalysisID),
		InputSnapshotIDs:   snapshotIDs,
		DerivedFeatures:    features,
		Conclusions:        conclusionsMap,
		RecommendedActions: actions,
		Hash:               hash,
	}

	if err := verifyOnRead(domain.KindAnalysis, analysis.AnalysisID, analysis.Hash, analysis.HashedFields()); err != nil {
		return nil, err
	}
	return &analysis, nil
}

func (r *AnalysisRepository) loadSnapshotIDs(analysisID string) ([]string, error) {
	rows, err := r.db.Query(`
		SELECT snapshot_id FROM analysis_snapshots
		WHERE analysis_id = ?
		ORDER BY position ASC
	`, analysisID)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot ids for analysis %s: %w", analysisID, err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
