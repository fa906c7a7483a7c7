// Package keylock serializes work per key (deposit id, account id) using a
// fixed set of mutex shards.
package keylock

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const defaultShards = 256

type Map struct {
	shards []sync.Mutex
}

func New(shards int) *Map {
	if shards <= 0 {
		shards = defaultShards
	}
	return &Map{shards: make([]sync.Mutex, shards)}
}

func (m *Map) shard(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(m.shards)))
}

// Lock acquires the shard for key and returns its unlock func.
func (m *Map) Lock(key string) func() {
	mu := &m.shards[m.shard(key)]
	mu.Lock()
	return mu.Unlock
}

// LockAll acquires the shards for every key in a stable order, so callers
// locking overlapping key sets cannot deadlock. Keys sharing a shard are
// locked once.
func (m *Map) LockAll(keys ...string) func() {
	idx := make([]int, 0, len(keys))
	seen := make(map[int]bool, len(keys))
	for _, k := range keys {
		i := m.shard(k)
		if !seen[i] {
			seen[i] = true
			idx = append(idx, i)
		}
	}
	// insertion sort, key sets are tiny
	for i := 1; i < len(idx); i++ {
		for j := i; j > 0 && idx[j] < idx[j-1]; j-- {
			idx[j], idx[j-1] = idx[j-1], idx[j]
		}
	}
	for _, i := range idx {
		m.shards[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			m.shards[idx[j]].Unlock()
		}
	}
}

func DepositKey(id string) string { return "dep:" + id }
func AccountKey(id string) string { return "acct:" + id }
func UserKey(id string) string    { return "user:" + id }
