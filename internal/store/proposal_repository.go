package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/marketledger/marketledger/internal/database"
	"github.com/marketledger/marketledger/internal/domain"
)

// proposalColumns is the column list for the improvement_proposals table.
// Column order must match scanProposalRow.
const proposalColumns = `proposal_id, created_at, proposal_text, suggested_schema_additions, suggested_modules, expected_impact, status, hash`

// ProposalRepository provides storage for improvement proposals. The content
// is append-only like every other kind; status is the one column with a
// lifecycle, changed only through UpdateStatus.
type ProposalRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

var _ Repository[domain.ImprovementProposal] = (*ProposalRepository)(nil)

// NewProposalRepository creates a new proposal repository.
func NewProposalRepository(db *sql.DB, log zerolog.Logger) *ProposalRepository {
	return &ProposalRepository{
		db:  db,
		log: log.With().Str("repository", "proposal").Logger(),
	}
}

// Insert persists a proposal together with its evaluation relationships.
// Returns DuplicateEntityError when the content hash already exists.
func (r *ProposalRepository) Insert(proposal domain.ImprovementProposal) (domain.ImprovementProposal, error) {
	schemaAdditions, err := marshalNullableJSON(proposal.SuggestedSchemaAdditions, proposal.SuggestedSchemaAdditions != nil)
	if err != nil {
		return domain.ImprovementProposal{}, err
	}
	modules, err := marshalNullableJSON(proposal.SuggestedModules, proposal.SuggestedModules != nil)
	if err != nil {
		return domain.ImprovementProposal{}, err
	}
	impact, err := marshalNullableJSON(proposal.ExpectedImpact, proposal.ExpectedImpact != nil)
	if err != nil {
		return domain.ImprovementProposal{}, err
	}

	err = database.WithTransaction(r.db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO improvement_proposals (
				proposal_id, created_at, proposal_text,
				suggested_schema_additions, suggested_modules,
				expected_impact, status, hash
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			proposal.ProposalID,
			formatTimestamp(proposal.CreatedAt),
			proposal.ProposalText,
			schemaAdditions,
			modules,
			impact,
			string(proposal.Status),
			proposal.Hash,
		)
		if err != nil {
			return err
		}

		for i, evaluationID := range proposal.BasedOnEvaluationIDs {
			_, err := tx.Exec(`
				INSERT INTO proposal_evaluations (proposal_id, evaluation_id, position)
				VALUES (?, ?, ?)
			`, proposal.ProposalID, evaluationID, i)
			if err != nil {
				return err
			}
		}
		return nil
	})

	if err != nil {
		if isUniqueViolation(err) {
			return domain.ImprovementProposal{}, &DuplicateEntityError{Kind: domain.KindProposal, Key: proposal.Hash}
		}
		if isForeignKeyViolation(err) {
			return domain.ImprovementProposal{}, fmt.Errorf("proposal %s references an evaluation that is not persisted: %w",
				proposal.ProposalID, err)
		}
		if isImmutabilityViolation(err) {
			return domain.ImprovementProposal{}, immutabilityError(err, "insert")
		}
		return domain.ImprovementProposal{}, fmt.Errorf("failed to insert proposal: %w", err)
	}

	r.log.Info().
		Str("proposal_id", proposal.ProposalID).
		Int("based_on_evaluations", len(proposal.BasedOnEvaluationIDs)).
		Msg("Proposal stored")

	return proposal, nil
}

// UpdateStatus changes the lifecycle status of a proposal. The update touches
// the status column only, so the storage triggers accept it; the record is
// re-read and re-verified afterwards. Returns (nil, nil) when the proposal
// does not exist.
func (r *ProposalRepository) UpdateStatus(proposalID string, status domain.ProposalStatus) (*domain.ImprovementProposal, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid proposal status %q", status)
	}

	result, err := r.db.Exec(`
		UPDATE improvement_proposals SET status = ? WHERE proposal_id = ?
	`, string(status), proposalID)
	if err != nil {
		if isImmutabilityViolation(err) {
			return nil, immutabilityError(err, "update")
		}
		return nil, fmt.Errorf("failed to update proposal status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return nil, nil
	}

	r.log.Info().
		Str("proposal_id", proposalID).
		Str("status", string(status)).
		Msg("Proposal status updated")

	return r.GetByID(proposalID)
}

// GetByID returns the proposal with the given id including its evaluation
// relationships, or (nil, nil) when absent.
func (r *ProposalRepository) GetByID(proposalID string) (*domain.ImprovementProposal, error) {
	row := r.db.QueryRow("SELECT "+proposalColumns+" FROM improvement_proposals WHERE proposal_id = ?", proposalID)
	return r.scanOne(row)
}

// GetByHash returns the proposal with the given content hash, or (nil, nil).
func (r *ProposalRepository) GetByHash(hash string) (*domain.ImprovementProposal, error) {
	row := r.db.QueryRow("SELECT "+proposalColumns+" FROM improvement_proposals WHERE hash = ?", hash)
	return r.scanOne(row)
}

// GetByStatus returns proposals in the given lifecycle state, newest first.
func (r *ProposalRepository) GetByStatus(status domain.ProposalStatus, limit int) ([]domain.ImprovementProposal, error) {
	limit, _ = normalizePage(limit, 0)
	rows, err := r.db.Query(`
		SELECT `+proposalColumns+` FROM improvement_proposals
		WHERE status = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query proposals with status %s: %w", status, err)
	}
	defer rows.Close()

	return r.scanAll(rows)
}

// GetAll returns proposals ordered by creation time, newest first.
func (r *ProposalRepository) GetAll(limit, offset int) ([]domain.ImprovementProposal, error) {
	limit, offset = normalizePage(limit, offset)
	rows, err := r.db.Query(`
		SELECT `+proposalColumns+` FROM improvement_proposals
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query proposals: %w", err)
	}
	defer rows.Close()

	return r.scanAll(rows)
}

func (r *ProposalRepository) scanOne(row rowScanner) (*domain.ImprovementProposal, error) {
	proposal, err := r.scanProposalRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return proposal, nil
}

func (r *ProposalRepository) scanAll(rows *sql.Rows) ([]domain.ImprovementProposal, error) {
	var proposals []domain.ImprovementProposal
	for rows.Next() {
		proposal, err := r.scanProposalRow(rows)
		if err != nil {
			return nil, err
		}
		proposals = append(proposals, *proposal)
	}
	return proposals, rows.Err()
}

// scanProposalRow materializes a proposal, loads its ordered evaluation ids
// and verifies the hash. Status is excluded from the hash, so a status change
// never invalidates verification.
func (r *ProposalRepository) scanProposalRow(row rowScanner) (*domain.ImprovementProposal, error) {
	var (
		proposalID      string
		createdAt       string
		proposalText    string
		schemaAdditions sql.NullString
		modules         sql.NullString
		impact          sql.NullString
		status          string
		hash            string
	)

	err := row.Scan(
		&proposalID,
		&createdAt,
		&proposalText,
		&schemaAdditions,
		&modules,
		&impact,
		&status,
		&hash,
	)
	if err != nil {
		return nil, err
	}

	created, err := parseTimestamp(createdAt)
	if err != nil {
		return nil, err
	}

	additionsMap, err := unmarshalNullableMap("suggested_schema_additions", schemaAdditions)
	if err != nil {
		return nil, err
	}
	impactMap, err := unmarshalNullableMap("expected_impact", impact)
	if err != nil {
		return nil, err
	}

	var moduleList []string
	if modules.Valid {
		if err := json.Unmarshal([]byte(modules.String), &moduleList); err != nil {
			return nil, fmt.Errorf("failed to decode stored suggested_modules: %w", err)
		}
	}

	evaluationIDs, err := r.loadEvaluationIDs(proposalID)
	if err != nil {
		return nil, err
	}

	proposal := domain.ImprovementProposal{
		ProposalID:               proposalID,
		CreatedAt:                created,
		BasedOnEvaluationIDs:     evaluationIDs,
		ProposalText:             proposalText,
		SuggestedSchemaAdditions: additionsMap,
		SuggestedModules:         moduleList,
		ExpectedImpact:           impactMap,
		Status:                   domain.ProposalStatus(status),
		Hash:                     hash,
	}

	if err := verifyOnRead(domain.KindProposal, proposal.ProposalID, proposal.Hash, proposal.HashedFields()); err != nil {
		return nil, err
	}
	return &proposal, nil
}

func (r *ProposalRepository) loadEvaluationIDs(proposalID string) ([]string, error) {
	rows, err := r.db.Query(`
		SELECT evaluation_id FROM proposal_evaluations
		WHERE proposal_id = ?
		ORDER BY position ASC
	`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("failed to query evaluation ids for proposal %s: %w", proposalID, err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan evaluation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
