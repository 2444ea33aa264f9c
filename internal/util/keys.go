package util

import (
	"crypto/sha256"
	"fmt"
)

// StoreKey returns the warm-store key for a serialized cache key: namespace
// prefix plus a short hash, so arbitrary key material never leaks into the
// backing store's keyspace.
func StoreKey(ns, cacheKey string) string {
	sum := sha256.Sum256([]byte(cacheKey))
	return fmt.Sprintf("swr:%s:%x", ns, sum)[:len("swr:")+len(ns)+1+16]
}
