package hashroute

import (
	"hash/fnv"
	"strings"
)

// CanonicalizeKey normalizes record keys before hashing.
func CanonicalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// SubtaskForKey computes the deterministic writer subtask for a record key.
// Determinism across restarts is what makes replayed input land on the same
// producer and regenerate identical committable identities.
func SubtaskForKey(key string, parallelism int) int {
	if parallelism <= 1 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(CanonicalizeKey(key)))
	return int(h.Sum64() % uint64(parallelism))
}
