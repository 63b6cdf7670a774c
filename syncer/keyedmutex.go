package syncer

import (
	"hash/fnv"
	"sync"
)

// lockShards must be a power of two.
const lockShards = 64

// KeyedMutex serializes work per (tenant, product) key using a sharded lock
// table. Two keys may share a shard; that only costs throughput, never
// correctness. Critical sections are kept short: the canonical write and
// target enumeration happen under the lock, provider fan-out does not.
type KeyedMutex struct {
	shards [lockShards]sync.Mutex
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{}
}

// Lock acquires the shard for the key and returns its unlock func.
func (m *KeyedMutex) Lock(tenantID, productID string) func() {
	shard := &m.shards[shardIndex(tenantID, productID)]
	shard.Lock()
	return shard.Unlock
}

func shardIndex(tenantID, productID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(productID))
	return h.Sum32() & (lockShards - 1)
}
