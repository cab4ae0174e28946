// Package idempotency derives deterministic keys for gateway dispatches.
//
// Every dispatch carries a key scoped to {team, purpose, attempt}. A retry
// increments the attempt counter and therefore yields a new key; a key is
// never reused for a semantically different request.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Key derives the idempotency key for one dispatch. Purpose identifies the
// operation within the team (e.g. "task:T1", "review:agent-b:round2",
// "digest:round1"); attempt starts at 1 and increments on every retry.
func Key(teamID, purpose string, attempt int) string {
	input := fmt.Sprintf("%s\n%s\n%d", teamID, purpose, attempt)
	hash := sha256.Sum256([]byte(input))
	return "ik:" + hex.EncodeToString(hash[:])
}

// KeyWithPayload derives a key that also covers a message payload, for
// dispatches whose semantics depend on the envelope content (the shared
// context folded into task instructions changes between passes).
func KeyWithPayload(teamID, purpose string, attempt int, payload any) (string, error) {
	data, err := CanonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("idempotency: canonicalize payload: %w", err)
	}
	input := fmt.Sprintf("%s\n%s\n%d\n%s", teamID, purpose, attempt, data)
	hash := sha256.Sum256([]byte(input))
	return "ik:" + hex.EncodeToString(hash[:]), nil
}

// CanonicalJSON converts a value to deterministic JSON by recursively
// sorting map keys, so logically equivalent payloads hash identically.
func CanonicalJSON(v any) ([]byte, error) {
	normalized, err := normalizeValue(v)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize value: %w", err)
	}

	data, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}

	return data, nil
}

func normalizeValue(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		return normalizeSortedMap(val)

	case []any:
		// Process array elements but preserve order
		normalized := make([]any, len(val))
		for i, item := range val {
			n, err := normalizeValue(item)
			if err != nil {
				return nil, err
			}
			normalized[i] = n
		}
		return normalized, nil

	default:
		// Primitives and struct values pass through; structs already
		// marshal with fixed field order.
		return v, nil
	}
}

// sortedMap is a JSON-marshalable type that maintains key ordering
type sortedMap struct {
	keys   []string
	values map[string]any
}

func (sm *sortedMap) MarshalJSON() ([]byte, error) {
	if len(sm.keys) == 0 {
		return []byte("{}"), nil
	}

	result := "{"
	for i, key := range sm.keys {
		if i > 0 {
			result += ","
		}

		keyJSON, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}

		valJSON, err := json.Marshal(sm.values[key])
		if err != nil {
			return nil, err
		}

		result += string(keyJSON) + ":" + string(valJSON)
	}
	result += "}"

	return []byte(result), nil
}

func normalizeSortedMap(m map[string]any) (*sortedMap, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	normalized := make(map[string]any, len(m))
	for _, k := range keys {
		n, err := normalizeValue(m[k])
		if err != nil {
			return nil, err
		}
		normalized[k] = n
	}

	return &sortedMap{
		keys:   keys,
		values: normalized,
	}, nil
}
