package sync

import (
	"hash/fnv"
	"sync"
)

const shardCount = 64

// ShardedMutex serializes work per key without a global lock. Keys that hash to
// the same shard share a mutex, so callers must never nest two keys.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// NewShardedMutex returns a ready-to-use ShardedMutex.
func NewShardedMutex() *ShardedMutex {
	return &ShardedMutex{}
}

// Lock acquires the shard owning key.
func (m *ShardedMutex) Lock(key string) {
	m.shards[shardFor(key)].Lock()
}

// Unlock releases the shard owning key.
func (m *ShardedMutex) Unlock(key string) {
	m.shards[shardFor(key)].Unlock()
}

// With runs fn while holding the shard owning key.
func (m *ShardedMutex) With(key string, fn func() error) error {
	m.Lock(key)
	defer m.Unlock(key)
	return fn()
}

func shardFor(key string) uint32 {
	if key == "" {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
