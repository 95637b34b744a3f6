// Package keyhash maps user keys onto shard indexes. Both the lock table and
// the version store shard their state by key so that unrelated keys never
// contend on the same mutex.
package keyhash

import "github.com/cespare/xxhash/v2"

// Hash returns a stable 64-bit hash of the key.
func Hash(key string) uint64 {
	return xxhash.Sum64String(key)
}

// Shard returns the shard index for key in a table of shardCount shards.
// shardCount must be a power of two.
func Shard(key string, shardCount int) int {
	return int(xxhash.Sum64String(key) & uint64(shardCount-1))
}

// NormalizeShardCount rounds n up to the nearest power of two, with a
// sensible default when n is not positive.
func NormalizeShardCount(n int) int {
	const defaultShards = 64
	if n <= 0 {
		return defaultShards
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
