package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/marketledger/marketledger/internal/database"
	"github.com/marketledger/marketledger/internal/domain"
)

// outcomeColumns is the column list for the outcomes table.
// Column order must match scanOutcome.
const outcomeColumns = `outcome_id, game_id, occurred_at, final_score, winner, stats_summary, source, hash`

// OutcomeRepository provides append-only storage for ground truth results.
// At most one outcome may exist per game, enforced by a unique constraint.
type OutcomeRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

var _ Repository[domain.Outcome] = (*OutcomeRepository)(nil)

// NewOutcomeRepository creates a new outcome repository.
func NewOutcomeRepository(db *sql.DB, log zerolog.Logger) *OutcomeRepository {
	return &OutcomeRepository{
		db:  db,
		log: log.With().Str("repository", "outcome").Logger(),
	}
}

// Insert persists an outcome. Returns DuplicateEntityError when an outcome
// for the game already exists or the content hash is already stored.
func (r *OutcomeRepository) Insert(outcome domain.Outcome) (domain.Outcome, error) {
	finalScore, err := marshalJSON(outcome.FinalScore.Map())
	if err != nil {
		return domain.Outcome{}, err
	}
	statsSummary, err := marshalJSON(outcome.StatsSummary)
	if err != nil {
		return domain.Outcome{}, err
	}

	err = database.WithTransaction(r.db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO outcomes (
				outcome_id, game_id, occurred_at, final_score,
				winner, stats_summary, source, hash
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			outcome.OutcomeID,
			outcome.GameID,
			formatTimestamp(outcome.OccurredAt),
			finalScore,
			nullString(outcome.Winner),
			statsSummary,
			outcome.Source,
			outcome.Hash,
		)
		return err
	})

	if err != nil {
		if isUniqueViolationOn(err, "outcomes.game_id") {
			return domain.Outcome{}, &DuplicateEntityError{Kind: domain.KindOutcome, Key: outcome.GameID}
		}
		if isUniqueViolation(err) {
			return domain.Outcome{}, &DuplicateEntityError{Kind: domain.KindOutcome, Key: outcome.Hash}
		}
		if isImmutabilityViolation(err) {
			return domain.Outcome{}, immutabilityError(err, "insert")
		}
		return domain.Outcome{}, fmt.Errorf("failed to insert outcome: %w", err)
	}

	r.log.Info().
		Str("outcome_id", outcome.OutcomeID).
		Str("game_id", outcome.GameID).
		Msg("Outcome recorded")

	return outcome, nil
}

// GetByID returns the outcome with the given id, or (nil, nil) when absent.
func (r *OutcomeRepository) GetByID(outcomeID string) (*domain.Outcome, error) {
	row := r.db.QueryRow("SELECT "+outcomeColumns+" FROM outcomes WHERE outcome_id = ?", outcomeID)
	return r.scanOne(row)
}

// GetByHash returns the outcome with the given content hash, or (nil, nil).
func (r *OutcomeRepository) GetByHash(hash string) (*domain.Outcome, error) {
	row := r.db.QueryRow("SELECT "+outcomeColumns+" FROM outcomes WHERE hash = ?", hash)
	return r.scanOne(row)
}

// GetByGameID returns the outcome for a game, or (nil, nil) when the game has
// no recorded result yet.
func (r *OutcomeRepository) GetByGameID(gameID string) (*domain.Outcome, error) {
	row := r.db.QueryRow("SELECT "+outcomeColumns+" FROM outcomes WHERE game_id = ?", gameID)
	return r.scanOne(row)
}

// GetAll returns outcomes ordered by occurrence time, newest first.
func (r *OutcomeRepository) GetAll(limit, offset int) ([]domain.Outcome, error) {
	limit, offset = normalizePage(limit, offset)
	rows, err := r.db.Query(`
		SELECT `+outcomeColumns+` FROM outcomes
		ORDER BY occurred_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []domain.Outcome
	for rows.Next() {
		outcome, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, *outcome)
	}
	return outcomes, rows.Err()
}

func (r *OutcomeRepository) scanOne(row rowScanner) (*domain.Outcome, error) {
	outcome, err := scanOutcome(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// scanOutcome materializes an outcome from a row and verifies its hash.
func scanOutcome(row rowScanner) (*domain.Outcome, error) {
	var (
		outcomeID    string
		gameID       string
		occurredAt   string
		finalScore   string
		winner       sql.NullString
		statsSummary string
		source       string
		hash         string
	)

	err := row.Scan(
		&outcomeID,
		&gameID,
		&occurredAt,
		&finalScore,
		&winner,
		&statsSummary,
		&source,
		&hash,
	)
	if err != nil {
		return nil, err
	}

	occurred, err := parseTimestamp(occurredAt)
	if err != nil {
		return nil, err
	}

	var score domain.FinalScore
	if err := json.Unmarshal([]byte(finalScore), &score); err != nil {
		return nil, fmt.Errorf("failed to decode stored final_score: %w", err)
	}
	stats, err := unmarshalMap("stats_summary", statsSummary)
	if err != nil {
		return nil, err
	}

	outcome := domain.Outcome{
		OutcomeID:    outcomeID,
		GameID:       gameID,
		OccurredAt:   occurred,
		FinalScore:   score,
		Winner:       stringPtr(winner),
		StatsSummary: stats,
		Source:       source,
		Hash:         hash,
	}

	if err := verifyOnRead(domain.KindOutcome, outcome.OutcomeID, outcome.Hash, outcome.HashedFields()); err != nil {
		return nil, err
	}
	return &outcome, nil
}
