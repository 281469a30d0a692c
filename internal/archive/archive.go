// Package archive moves snapshot batches to and from msgpack cold-storage
// files. Export never removes anything from the store; import relies on the
// idempotent snapshot insert, so re-importing a file is harmless.
package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/marketledger/marketledger/internal/domain"
	"github.com/marketledger/marketledger/internal/hashing"
	"github.com/marketledger/marketledger/internal/store"
)

// formatVersion is bumped when the archive file layout changes.
const formatVersion = 1

// File is the on-disk archive layout.
type File struct {
	FormatVersion int                   `msgpack:"format_version"`
	CreatedAt     time.Time             `msgpack:"created_at"`
	Snapshots     []domain.InfoSnapshot `msgpack:"snapshots"`
}

// Archiver exports and imports snapshot batches.
type Archiver struct {
	snapshots *store.SnapshotRepository
	dir       string
	log       zerolog.Logger
}

// New creates an archiver writing to dir.
func New(snapshots *store.SnapshotRepository, dir string, log zerolog.Logger) *Archiver {
	return &Archiver{
		snapshots: snapshots,
		dir:       dir,
		log:       log.With().Str("component", "archive").Logger(),
	}
}

// ExportGame writes all snapshots of a game to a timestamped archive file
// and returns its path.
func (a *Archiver) ExportGame(gameID string) (string, error) {
	snapshots, err := a.snapshots.GetByGameID(gameID, 100000)
	if err != nil {
		return "", err
	}
	if len(snapshots) == 0 {
		return "", fmt.Errorf("no snapshots found for game %s", gameID)
	}

	name := fmt.Sprintf("%s-%s.msgpack", gameID, time.Now().UTC().Format("20060102T150405Z"))
	path := filepath.Join(a.dir, name)
	if err := a.Export(path, snapshots); err != nil {
		return "", err
	}
	return path, nil
}

// Export writes a snapshot batch to path.
func (a *Archiver) Export(path string, snapshots []domain.InfoSnapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	data, err := msgpack.Marshal(File{
		FormatVersion: formatVersion,
		CreatedAt:     time.Now().UTC(),
		Snapshots:     snapshots,
	})
	if err != nil {
		return fmt.Errorf("failed to encode archive: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write archive: %w", err)
	}

	a.log.Info().Str("path", path).Int("snapshots", len(snapshots)).Msg("Archive exported")
	return nil
}

// ImportResult summarizes one archive import.
type ImportResult struct {
	Imported   int
	Deduped    int
	Mismatches int
}

// Import reads an archive file, verifies each snapshot's content hash and
// inserts the valid ones. Snapshots already present count as deduped.
func (a *Archiver) Import(path string) (*ImportResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive: %w", err)
	}

	var file File
	if err := msgpack.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to decode archive: %w", err)
	}
	if file.FormatVersion != formatVersion {
		return nil, fmt.Errorf("unsupported archive format version %d", file.FormatVersion)
	}

	result := &ImportResult{}
	for _, snapshot := range file.Snapshots {
		computed, err := hashing.Hash(snapshot.HashedFields())
		if err != nil {
			return nil, err
		}
		if computed != snapshot.Hash {
			a.log.Warn().
				Str("snapshot_id", snapshot.SnapshotID).
				Str("stored", snapshot.Hash).
				Str("computed", computed).
				Msg("Archived snapshot fails hash verification, skipping")
			result.Mismatches++
			continue
		}

		saved, err := a.snapshots.Insert(snapshot)
		if err != nil {
			return nil, fmt.Errorf("failed to import snapshot %s: %w", snapshot.SnapshotID, err)
		}
		if saved.SnapshotID != snapshot.SnapshotID {
			result.Deduped++
			continue
		}
		result.Imported++
	}

	a.log.Info().
		Str("path", path).
		Int("imported", result.Imported).
		Int("deduped", result.Deduped).
		Int("mismatches", result.Mismatches).
		Msg("Archive imported")

	return result, nil
}
