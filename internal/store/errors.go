package store

import (
	"fmt"
	"strings"
)

// HashMismatchError signals storage-layer corruption or an out-of-band edit:
// the hash recomputed from the materialized field values does not match the
// stored hash column. It is never repaired or retried; the read fails.
type HashMismatchError struct {
	Kind     string
	ID       string
	Expected string
	Actual   string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("hash mismatch for %s %s: expected %s..., got %s...",
		e.Kind, e.ID, truncateHash(e.Expected), truncateHash(e.Actual))
}

// ImmutabilityViolationError signals an attempted update or delete outside
// the single sanctioned status-update path. Rejected unconditionally.
type ImmutabilityViolationError struct {
	Operation string
	Table     string
}

func (e *ImmutabilityViolationError) Error() string {
	return fmt.Sprintf("cannot %s on immutable table %q", e.Operation, e.Table)
}

// DuplicateEntityError signals a uniqueness violation on a content hash or a
// business key. Snapshot hash collisions never surface this error - they are
// resolved by returning the existing record instead.
type DuplicateEntityError struct {
	Kind string
	Key  string
}

func (e *DuplicateEntityError) Error() string {
	return fmt.Sprintf("duplicate %s with key %s... already exists", e.Kind, truncateHash(e.Key))
}

func truncateHash(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}

// The SQLite drivers expose constraint failures only through their message
// text, so classification is substring-based (both modernc and mattn produce
// the standard SQLite message forms).

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isUniqueViolationOn(err error, column string) bool {
	return isUniqueViolation(err) && strings.Contains(err.Error(), column)
}

func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// isImmutabilityViolation matches the RAISE(ABORT) message of the
// immutability triggers.
func isImmutabilityViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "immutable table")
}

// immutabilityError converts a trigger abort into the typed error.
func immutabilityError(err error, operation string) *ImmutabilityViolationError {
	table := "unknown"
	msg := err.Error()
	if idx := strings.LastIndex(msg, "immutable table "); idx >= 0 {
		table = strings.TrimSpace(msg[idx+len("immutable table "):])
		// Driver error text may append an SQLite result code suffix.
		if cut := strings.IndexAny(table, " ("); cut > 0 {
			table = table[:cut]
		}
	}
	return &ImmutabilityViolationError{Operation: operation, Table: table}
}
