// Package syncutil holds small locking helpers.
package syncutil

import (
	"hash/fnv"
	"sync"
)

const shardCount = 64

// ShardedMutex locks by string key using a fixed pool of mutexes. Distinct
// keys may share a shard. The zero value is ready to use.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the mutex for key and returns its unlock function.
func (s *ShardedMutex) Lock(key string) (unlock func()) {
	mu := &s.shards[shardOf(key)]
	mu.Lock()
	return mu.Unlock
}

func shardOf(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
