package config

import (
	"encoding/json"
	"hash/fnv"
)

// hashBytes is a stable 64-bit hash. Empty input hashes to 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// hashJSON hashes v's JSON form; map keys are sorted by encoding/json so the
// result ignores key order.
func hashJSON(v any) uint64 {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}
