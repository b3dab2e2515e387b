// Package syncutil provides keyed locking primitives.
package syncutil

import (
	"hash/fnv"
	"sync"
)

// KeyMutex provides a fixed-size pool of mutexes keyed by string. It is
// used to serialize balance mutations per account-token pair so that two
// concurrent locks against the same account cannot both pass a balance
// check against a stale read. Bounded memory regardless of how many keys
// are seen, at the cost of occasional false sharing between keys that
// hash to the same shard.
type KeyMutex struct {
	shards [256]sync.Mutex
}

// Lock acquires the mutex for the given key and returns an unlock function.
func (s *KeyMutex) Lock(key string) func() {
	mu := s.shard(key)
	mu.Lock()
	return mu.Unlock
}

// LockPair acquires the mutexes for two keys and returns an unlock
// function. Shards are acquired in a fixed order, and a single shard is
// only locked once when both keys collide on it, so callers cannot
// deadlock against themselves or each other.
func (s *KeyMutex) LockPair(a, b string) func() {
	ma, mb := s.shard(a), s.shard(b)
	if ma == mb {
		ma.Lock()
		return ma.Unlock
	}
	// Order by shard index to give all callers the same acquisition order.
	if s.index(a) > s.index(b) {
		ma, mb = mb, ma
	}
	ma.Lock()
	mb.Lock()
	return func() {
		mb.Unlock()
		ma.Unlock()
	}
}

func (s *KeyMutex) shard(key string) *sync.Mutex {
	return &s.shards[s.index(key)]
}

func (s *KeyMutex) index(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % 256
}

// BalanceKey builds the lock key for an account-token pair.
func BalanceKey(accountID, tokenType string) string {
	return accountID + ":" + tokenType
}
