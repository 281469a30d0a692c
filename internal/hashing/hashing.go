// Package hashing provides content-addressable hashing for immutable entities.
//
// Entities are hashed with SHA-256 over a deterministic JSON serialization of
// their content fields. Generated IDs, server timestamps and the hash column
// itself are never part of the digest input; each entity kind declares the
// exact field set it hashes (see internal/domain).
package hashing

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Hash computes the SHA-256 content hash of the given hashed-field set and
// returns it as a 64-character lowercase hex string.
//
// Two field sets with identical logical content always produce the same hash,
// regardless of map iteration order or the order values were assembled in.
func Hash(fields map[string]any) (string, error) {
	serialized, err := Canonical(fields)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize fields for hashing: %w", err)
	}

	sum := sha256.Sum256(serialized)
	return hex.EncodeToString(sum[:]), nil
}

// Canonical produces the canonical byte serialization of a value:
// JSON with lexicographically sorted object keys, compact separators and no
// HTML escaping. Timestamps are normalized to RFC 3339 UTC strings before
// serialization; nested maps and slices are normalized recursively.
//
// Floating-point values are serialized at whatever precision the producer
// supplied them with. No rounding is performed here.
func Canonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(normalize(v)); err != nil {
		return nil, fmt.Errorf("canonical serialization failed: %w", err)
	}

	// Encoder appends a trailing newline that is not part of the canonical form.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// normalize recursively converts values into plain JSON-serializable forms.
// encoding/json already sorts map keys, so normalization only has to take
// care of timestamps and of recursing into containers that may hold them.
func normalize(v any) any {
	switch val := v.(type) {
	case time.Time:
		return canonicalTime(val)
	case *time.Time:
		if val == nil {
			return nil
		}
		return canonicalTime(*val)
	case map[string]any:
		if val == nil {
			return nil
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	case []any:
		if val == nil {
			return nil
		}
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	case []map[string]any:
		if val == nil {
			return nil
		}
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	default:
		// Strings, numbers, booleans, nil, string-typed enums and
		// map[string]string / []string are already deterministic.
		return v
	}
}

// canonicalTime renders a timestamp as RFC 3339 in UTC. Sub-second precision
// is preserved when present and omitted when zero, so the representation is a
// pure function of the instant.
func canonicalTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
