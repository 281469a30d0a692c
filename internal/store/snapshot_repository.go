package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/marketledger/marketledger/internal/database"
	"github.com/marketledger/marketledger/internal/domain"
)

// snapshotColumns is the column list for the info_snapshots table.
// Column order must match scanSnapshot.
const snapshotColumns = `snapshot_id, game_id, collected_at, schema_version, source_versions, raw_payloads, normalized_fields, hash`

// SnapshotRepository provides append-only storage for market data snapshots.
//
// Snapshot insertion is idempotent on content hash: re-submitting identical
// content returns the already-persisted record instead of erroring, which
// makes bulk collection safe to retry.
type SnapshotRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

var _ Repository[domain.InfoSnapshot] = (*SnapshotRepository)(nil)

// NewSnapshotRepository creates a new snapshot repository.
func NewSnapshotRepository(db *sql.DB, log zerolog.Logger) *SnapshotRepository {
	return &SnapshotRepository{
		db:  db,
		log: log.With().Str("repository", "snapshot").Logger(),
	}
}

// Insert persists a snapshot. If a record with an identical hash already
// exists, the existing record is returned (content-addressed dedup).
func (r *SnapshotRepository) Insert(snapshot domain.InfoSnapshot) (domain.InfoSnapshot, error) {
	sourceVersions, err := marshalJSON(snapshot.SourceVersions.Map())
	if err != nil {
		return domain.InfoSnapshot{}, err
	}
	rawPayloads, err := marshalJSON(snapshot.RawPayloads)
	if err != nil {
		return domain.InfoSnapshot{}, err
	}
	normalizedFields, err := marshalJSON(snapshot.NormalizedFields)
	if err != nil {
		return domain.InfoSnapshot{}, err
	}

	err = database.WithTransaction(r.db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO info_snapshots (
				snapshot_id, game_id, collected_at, schema_version,
				source_versions, raw_payloads, normalized_fields, hash
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			snapshot.SnapshotID,
			snapshot.GameID,
			formatTimestamp(snapshot.CollectedAt),
			snapshot.SchemaVersion,
			sourceVersions,
			rawPayloads,
			normalizedFields,
			snapshot.Hash,
		)
		return err
	})

	if err != nil {
		if isUniqueViolationOn(err, "info_snapshots.hash") {
			existing, getErr := r.GetByHash(snapshot.Hash)
			if getErr == nil && existing != nil {
				r.log.Debug().
					Str("game_id", snapshot.GameID).
					Str("hash", snapshot.Hash).
					Msg("Identical snapshot already stored, returning existing record")
				return *existing, nil
			}
		}
		if isUniqueViolation(err) {
			return domain.InfoSnapshot{}, &DuplicateEntityError{Kind: domain.KindSnapshot, Key: snapshot.SnapshotID}
		}
		if isImmutabilityViolation(err) {
			return domain.InfoSnapshot{}, immutabilityError(err, "insert")
		}
		return domain.InfoSnapshot{}, fmt.Errorf("failed to insert snapshot: %w", err)
	}

	r.log.Info().
		Str("snapshot_id", snapshot.SnapshotID).
		Str("game_id", snapshot.GameID).
		Msg("Snapshot stored")

	return snapshot, nil
}

// GetByID returns the snapshot with the given id, or (nil, nil) when absent.
func (r *SnapshotRepository) GetByID(snapshotID string) (*domain.InfoSnapshot, error) {
	row := r.db.QueryRow("SELECT "+snapshotColumns+" FROM info_snapshots WHERE snapshot_id = ?", snapshotID)
	return r.scanOne(row)
}

// GetByHash returns the snapshot with the given content hash, or (nil, nil).
func (r *SnapshotRepository) GetByHash(hash string) (*domain.InfoSnapshot, error) {
	row := r.db.QueryRow("SELECT "+snapshotColumns+" FROM info_snapshots WHERE hash = ?", hash)
	return r.scanOne(row)
}

// GetByGameID returns all snapshots for a game in chronological order
// (oldest first), which is the natural order for timeline views.
func (r *SnapshotRepository) GetByGameID(gameID string, limit int) ([]domain.InfoSnapshot, error) {
	limit, _ = normalizePage(limit, 0)
	rows, err := r.db.Query(`
		SELECT `+snapshotColumns+` FROM info_snapshots
		WHERE game_id = ?
		ORDER BY collected_at ASC
		LIMIT ?
	`, gameID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots for game %s: %w", gameID, err)
	}
	defer rows.Close()

	return r.scanAll(rows)
}

// GetLatestByGameID returns the most recent snapshot for a game, or
// (nil, nil) when the game has none.
func (r *SnapshotRepository) GetLatestByGameID(gameID string) (*domain.InfoSnapshot, error) {
	row := r.db.QueryRow(`
		SELECT `+snapshotColumns+` FROM info_snapshots
		WHERE game_id = ?
		ORDER BY collected_at DESC
		LIMIT 1
	`, gameID)
	return r.scanOne(row)
}

// GetAll returns snapshots ordered by collection time, newest first.
func (r *SnapshotRepository) GetAll(limit, offset int) ([]domain.InfoSnapshot, error) {
	limit, offset = normalizePage(limit, offset)
	rows, err := r.db.Query(`
		SELECT `+snapshotColumns+` FROM info_snapshots
		ORDER BY collected_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	return r.scanAll(rows)
}

// GameIDs returns the distinct game ids that have at least one snapshot,
// most recently collected first.
func (r *SnapshotRepository) GameIDs(limit int) ([]string, error) {
	limit, _ = normalizePage(limit, 0)
	rows, err := r.db.Query(`
		SELECT game_id FROM info_snapshots
		GROUP BY game_id
		ORDER BY MAX(collected_at) DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query game ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan game id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *SnapshotRepository) scanOne(row rowScanner) (*domain.InfoSnapshot, error) {
	snapshot, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (r *SnapshotRepository) scanAll(rows *sql.Rows) ([]domain.InfoSnapshot, error) {
	var snapshots []domain.InfoSnapshot
	for rows.Next() {
		snapshot, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, *snapshot)
	}
	return snapshots, rows.Err()
}

// scanSnapshot materializes a snapshot from a row and verifies its hash.
func scanSnapshot(row rowScanner) (*domain.InfoSnapshot, error) {
	var (
		s                snapshotScan
		sourceVersions   string
		rawPayloads      string
		normalizedFields string
		collectedAt      string
	)

	err := row.Scan(
		&s.snapshotID,
		&s.gameID,
		&collectedAt,
		&s.schemaVersion,
		&sourceVersions,
		&rawPayloads,
		&normalizedFields,
		&s.hash,
	)
	if err != nil {
		return nil, err
	}

	collected, err := parseTimestamp(collectedAt)
	if err != nil {
		return nil, err
	}

	var versions map[string]string
	if err := json.Unmarshal([]byte(sourceVersions), &versions); err != nil {
		return nil, fmt.Errorf("failed to decode stored source_versions: %w", err)
	}
	raw, err := unmarshalMap("raw_payloads", rawPayloads)
	if err != nil {
		return nil, err
	}
	normalized, err := unmarshalMap("normalized_fields", normalizedFields)
	if err != nil {
		return nil, err
	}

	snapshot := domain.InfoSnapshot{
		SnapshotID:       s.snapshotID,
		GameID:           s.gameID,
		CollectedAt:      collected,
		SchemaVersion:    s.schemaVersion,
		SourceVersions:   domain.SourceVersionsFromMap(versions),
		RawPayloads:      raw,
		NormalizedFields: normalized,
		Hash:             s.hash,
	}

	if err := verifyOnRead(domain.KindSnapshot, snapshot.SnapshotID, snapshot.Hash, snapshot.HashedFields()); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// snapshotScan keeps the plain-string scan targets together.
type snapshotScan struct {
	snapshotID    string
	gameID        string
	schemaVersion string
	hash          string
}
