package shard

import "github.com/cespare/xxhash/v2"

// StableHash implements §4.I's `route(key, num_shards)`: a deterministic,
// architecture-independent hash mod numShards. Mixing the collection
// name into the seed keeps two differently-sized collections from
// correlating their shard assignments for the same key.
func StableHash(collection, key string, numShards int) int {
	if numShards <= 0 {
		return 0
	}
	sum := xxhash.Sum64String(collection + "\x00" + key)
	return int(sum % uint64(numShards))
}
