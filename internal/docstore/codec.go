package docstore

import (
	"encoding/json"
	"time"

	"pipagent/internal/types"
)

// decodeTrips converts the loosely typed "trips" field of a user document
// into trips by round-tripping through JSON, so the same decoding rules apply
// as for API payloads. Firestore timestamps become RFC 3339 strings.
func decodeTrips(value any) ([]types.Trip, error) {
	if value == nil {
		return []types.Trip{}, nil
	}
	raw, err := json.Marshal(normalizeValue(value))
	if err != nil {
		return nil, err
	}
	trips := []types.Trip{}
	if err := json.Unmarshal(raw, &trips); err != nil {
		return nil, err
	}
	return trips, nil
}

// encodeTrips converts trips into plain maps and slices Firestore can store.
func encodeTrips(trips []types.Trip) ([]any, error) {
	if trips == nil {
		trips = []types.Trip{}
	}
	raw, err := json.Marshal(trips)
	if err != nil {
		return nil, err
	}
	var out []any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []any{}
	}
	return out, nil
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = normalizeValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = normalizeValue(inner)
		}
		return out
	default:
		return v
	}
}
