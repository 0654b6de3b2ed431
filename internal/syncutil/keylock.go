// Package syncutil provides keyed locking for per-challenge critical sections.
package syncutil

import (
	"context"
	"hash/fnv"
)

const defaultShards = 256

// KeyLock is a fixed pool of channel-based mutexes selected by key hash.
// Waiters can give up when their context ends. Distinct keys may share a
// shard, so holders must never take a second key while holding one.
type KeyLock struct {
	shards []chan struct{}
}

// NewKeyLock creates a KeyLock with n shards (256 when n <= 0).
func NewKeyLock(n int) *KeyLock {
	if n <= 0 {
		n = defaultShards
	}
	k := &KeyLock{shards: make([]chan struct{}, n)}
	for i := range k.shards {
		k.shards[i] = make(chan struct{}, 1)
		k.shards[i] <- struct{}{}
	}
	return k
}

// Lock acquires the shard for key. On success the returned func releases
// it and must be called exactly once.
func (k *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	ch := k.shards[k.index(key)]
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (k *KeyLock) index(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(k.shards))
}
