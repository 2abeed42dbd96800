package syncutil

import (
	"hash/fnv"
	"sync"
)

// shardCount bounds lock memory regardless of how many keys are seen.
const shardCount = 256

// ShardedMutex provides a fixed-size pool of mutexes keyed by string,
// used to serialize concurrent updates to the same relationship pair.
// Keys that hash to the same shard occasionally contend; with user-pair
// keys that false sharing is harmless.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the mutex for the given key and returns an unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := s.shard(key)
	mu.Lock()
	return mu.Unlock
}

func (s *ShardedMutex) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%shardCount]
}
