// Package syncutil provides in-process keyed locking.
//
// These locks only serialise work inside one process. Cross-process safety for
// matches and payouts comes from the storage layer.
package syncutil

import (
	"context"
	"hash/fnv"
)

const shardCount = 256

// KeyedMutex is a fixed pool of channel-based mutexes selected by key hash.
// Memory stays bounded no matter how many keys are seen; keys that share a
// shard contend with each other.
type KeyedMutex struct {
	shards [shardCount]chan struct{}
}

// NewKeyedMutex creates a KeyedMutex with every shard unlocked.
func NewKeyedMutex() *KeyedMutex {
	m := &KeyedMutex{}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// Lock acquires the mutex for key, waiting until ctx is done. On success the
// returned func must be called to unlock.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	shard := m.shards[shardIndex(key)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the mutex for key without waiting.
func (m *KeyedMutex) TryLock(key string) (func(), bool) {
	shard := m.shards[shardIndex(key)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, true
	default:
		return nil, false
	}
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
