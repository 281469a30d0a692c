package services

import "encoding/json"

// structToMap converts a typed value to the generic map form snapshots
// store. Going through JSON keeps the stored shape identical to what a
// round-trip through the database produces, so content hashes stay stable.
func structToMap(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// asFloat extracts a float64 from a decoded JSON value.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

// asString extracts a string from a decoded JSON value.
func asString(v any) string {
	s, _ := v.(string)
	return s
}
