package store

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/marketledger/marketledger/internal/database"
	"github.com/marketledger/marketledger/internal/domain"
)

// evaluationColumns is the column list for the evaluations table.
// Column order must match scanEvaluation.
const evaluationColumns = `evaluation_id, analysis_id, game_id, scored_at, brier_score, log_loss, roi, edge_realized, notes, hash`

// EvaluationRepository provides append-only storage for analysis scorings.
// Foreign keys require both the analysis and the outcome for the game to be
// persisted before an evaluation can reference them.
type EvaluationRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

var _ Repository[domain.Evaluation] = (*EvaluationRepository)(nil)

// NewEvaluationRepository creates a new evaluation repository.
func NewEvaluationRepository(db *sql.DB, log zerolog.Logger) *EvaluationRepository {
	return &EvaluationRepository{
		db:  db,
		log: log.With().Str("repository", "evaluation").Logger(),
	}
}

// Insert persists an evaluation. Returns DuplicateEntityError when the
// content hash already exists.
func (r *EvaluationRepository) Insert(evaluation domain.Evaluation) (domain.Evaluation, error) {
	notes, err := marshalNullableJSON(evaluation.Notes, evaluation.Notes != nil)
	if err != nil {
		return domain.Evaluation{}, err
	}

	err = database.WithTransaction(r.db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO evaluations (
				evaluation_id, analysis_id, game_id, scored_at,
				brier_score, log_loss, roi, edge_realized, notes, hash
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			evaluation.EvaluationID,
			evaluation.AnalysisID,
			evaluation.GameID,
			formatTimestamp(evaluation.ScoredAt),
			nullFloat(evaluation.Metrics.BrierScore),
			nullFloat(evaluation.Metrics.LogLoss),
			nullFloat(evaluation.Metrics.ROI),
			nullFloat(evaluation.Metrics.EdgeRealized),
			notes,
			evaluation.Hash,
		)
		return err
	})

	if err != nil {
		if isUniqueViolation(err) {
			return domain.Evaluation{}, &DuplicateEntityError{Kind: domain.KindEvaluation, Key: evaluation.Hash}
		}
		if isForeignKeyViolation(err) {
			return domain.Evaluation{}, fmt.Errorf("evaluation %s references an analysis or outcome that is not persisted: %w",
				evaluation.EvaluationID, err)
		}
		if isImmutabilityViolation(err) {
			return domain.Evaluation{}, immutabilityError(err, "insert")
		}
		return domain.Evaluation{}, fmt.Errorf("failed to insert evaluation: %w", err)
	}

	r.log.Info().
		Str("evaluation_id", evaluation.EvaluationID).
		Str("analysis_id", evaluation.AnalysisID).
		Str("game_id", evaluation.GameID).
		Msg("Evaluation stored")

	return evaluation, nil
}

// GetByID returns the evaluation with the given id, or (nil, nil) when absent.
func (r *EvaluationRepository) GetByID(evaluationID string) (*domain.Evaluation, error) {
	row := r.db.QueryRow("SELECT "+evaluationColumns+" FROM evaluations WHERE evaluation_id = ?", evaluationID)
	return r.scanOne(row)
}

// GetByHash returns the evaluation with the given content hash, or (nil, nil).
func (r *EvaluationRepository) GetByHash(hash string) (*domain.Evaluation, error) {
	row := r.db.QueryRow("SELECT "+evaluationColumns+" FROM evaluations WHERE hash = ?", hash)
	return r.scanOne(row)
}

// GetByAnalysisID returns all evaluations scoring the given analysis.
func (r *EvaluationRepository) GetByAnalysisID(analysisID string) ([]domain.Evaluation, error) {
	rows, err := r.db.Query(`
		SELECT `+evaluationColumns+` FROM evaluations
		WHERE analysis_id = ?
		ORDER BY scored_at DESC
	`, analysisID)
	if err != nil {
		return nil, fmt.Errorf("failed to query evaluations for analysis %s: %w", analysisID, err)
	}
	defer rows.Close()

	return r.scanAll(rows)
}

// GetByGameID returns all evaluations scored against the given game.
func (r *EvaluationRepository) GetByGameID(gameID string) ([]domain.Evaluation, error) {
	rows, err := r.db.Query(`
		SELECT `+evaluationColumns+` FROM evaluations
		WHERE game_id = ?
		ORDER BY scored_at DESC
	`, gameID)
	if err != nil {
		return nil, fmt.Errorf("failed to query evaluations for game %s: %w", gameID, err)
	}
	defer rows.Close()

	return r.scanAll(rows)
}

// GetAll returns evaluations ordered by scoring time, newest first.
func (r *EvaluationRepository) GetAll(limit, offset int) ([]domain.Evaluation, error) {
	limit, offset = normalizePage(limit, offset)
	rows, err := r.db.Query(`
		SELECT `+evaluationColumns+` FROM evaluations
		ORDER BY scored_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query evaluations: %w", err)
	}
	defer rows.Close()

	return r.scanAll(rows)
}

func (r *EvaluationRepository) scanOne(row rowScanner) (*domain.Evaluation, error) {
	evaluation, err := scanEvaluation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return evaluation, nil
}

func (r *EvaluationRepository) scanAll(rows *sql.Rows) ([]domain.Evaluation, error) {
	var evaluations []domain.Evaluation
	for rows.Next() {
		evaluation, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		evaluations = append(evaluations, *evaluation)
	}
	return evaluations, rows.Err()
}

// scanEvaluation materializes an evaluation from a row and verifies its hash.
func scanEvaluation(row rowScanner) (*domain.Evaluation, error) {
	var (
		evaluationID string
		analysisID   string
		gameID       string
		scoredAt     string
		brierScore   sql.NullFloat64
		logLoss      sql.NullFloat64
		roi          sql.NullFloat64
		edgeRealized sql.NullFloat64
		notes        sql.NullString
		hash         string
	)

	err := row.Scan(
		&evaluationID,
		&analysisID,
		&gameID,
		&scoredAt,
		&brierScore,
		&logLoss,
		&roi,
		&edgeRealized,
		&notes,
		&hash,
	)
	if err != nil {
		return nil, err
	}

	scored, err := parseTimestamp(scoredAt)
	if err != nil {
		return nil, err
	}

	notesMap, err := unmarshalNullableMap("notes", notes)
	if err != nil {
		return nil, err
	}

	evaluation := domain.Evaluation{
		EvaluationID: evaluationID,
		AnalysisID:   analysisID,
		GameID:       gameID,
		ScoredAt:     scored,
		Metrics: domain.EvaluationMetrics{
			BrierScore:   floatPtr(brierScore),
			LogLoss:      floatPtr(logLoss),
			ROI:          floatPtr(roi),
			EdgeRealized: floatPtr(edgeRealized),
		},
		Notes: notesMap,
		Hash:  hash,
	}

	if err := verifyOnRead(domain.KindEvaluation, evaluation.EvaluationID, evaluation.Hash, evaluation.HashedFields()); err != nil {
		return nil, err
	}
	return &evaluation, nil
}
