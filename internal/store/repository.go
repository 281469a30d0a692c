// Package store implements the append-only, per-kind repositories of the
// record store.
//
// Repositories expose insert and read operations only; there is no update or
// delete in the public contract (the single exception is the proposal
// status-update path). Every read recomputes the entity's content hash from
// the materialized values and compares it against the stored hash column
// before the value is returned to a caller.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marketledger/marketledger/internal/hashing"
)

// Repository is the capability surface shared by all entity kinds. Concrete
// repositories add kind-specific lookups on top of it.
type Repository[T any] interface {
	// Insert persists the entity and its join rows as one atomic unit.
	Insert(entity T) (T, error)
	// GetByID returns the entity or (nil, nil) when absent.
	GetByID(id string) (*T, error)
	// GetByHash returns the entity with the given content hash, or (nil, nil).
	GetByHash(hash string) (*T, error)
	// GetAll returns entities ordered by creation/collection time, newest
	// first.
	GetAll(limit, offset int) ([]T, error)
}

// rowScanner abstracts *sql.Row and *sql.Rows for the scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

// timestampLayout is the stored form of all entity timestamps. Parsing with
// RFC3339Nano accepts both second and sub-second precision, and formatting a
// parsed value reproduces the stored string exactly.
const timestampLayout = time.RFC3339Nano

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(timestampLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// marshalJSON serializes a content field for storage in a TEXT column.
func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to serialize field for storage: %w", err)
	}
	return string(b), nil
}

// marshalNullableJSON serializes an optional content field; nil maps to a
// NULL column so absence round-trips exactly.
func marshalNullableJSON(v any, present bool) (sql.NullString, error) {
	if !present {
		return sql.NullString{}, nil
	}
	s, err := marshalJSON(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: s, Valid: true}, nil
}

func unmarshalMap(column, raw string) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("failed to decode stored %s: %w", column, err)
	}
	return m, nil
}

func unmarshalNullableMap(column string, raw sql.NullString) (map[string]any, error) {
	if !raw.Valid {
		return nil, nil
	}
	return unmarshalMap(column, raw.String)
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	f := nf.Float64
	return &f
}

// verifyOnRead recomputes the content hash of an entity materialized from
// storage and compares it with the stored hash. Verification is
// unconditional: it runs on every read, not sampled.
func verifyOnRead(kind, id, storedHash string, hashedFields map[string]any) error {
	actual, err := hashing.Hash(hashedFields)
	if err != nil {
		return fmt.Errorf("failed to recompute hash for %s %s: %w", kind, id, err)
	}
	if actual != storedHash {
		return &HashMismatchError{Kind: kind, ID: id, Expected: storedHash, Actual: actual}
	}
	return nil
}

// normalizePage clamps pagination parameters to sane values.
func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
