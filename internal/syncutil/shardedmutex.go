// Package syncutil provides bounded-memory per-key locking.
package syncutil

import (
	"hash/fnv"
	"sync"
)

const shardCount = 256

// ShardedMutex provides a fixed-size pool of mutexes keyed by string.
// Keys that hash to the same shard share a mutex; memory stays bounded no
// matter how many rule keys or delivery IDs are seen.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the mutex for the given key and returns an unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[shardIndex(key)]
	mu.Lock()
	return mu.Unlock
}

// TryLock acquires the mutex for key without blocking. ok is false when the
// shard is already held.
func (s *ShardedMutex) TryLock(key string) (unlock func(), ok bool) {
	mu := &s.shards[shardIndex(key)]
	if !mu.TryLock() {
		return nil, false
	}
	return mu.Unlock, true
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
