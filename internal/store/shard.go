package store

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

const (
	// DefaultShardCount is the number of shards in the map.
	// Must be a power of 2 for efficient modulo via bit masking.
	DefaultShardCount = 256

	// shardMask is used for fast modulo: hash & shardMask instead of hash % shardCount
	shardMask = DefaultShardCount - 1

	// initialShardCapacity is the initial capacity for each shard's map
	initialShardCapacity = 64
)

// Store is the key-value surface the dispatcher, the snapshot loader and
// the replica apply loop share.
type Store interface {
	// Get returns the live entry for key. An expired entry is removed and
	// reported as absent.
	Get(key string) (*Entry, bool)
	// Set inserts or overwrites key.
	Set(key string, entry *Entry)
	// Remove deletes key and reports whether it was present.
	Remove(key string) bool
	// ScanKeys returns every key currently held, including ones that are
	// logically expired but have not been read since.
	ScanKeys() []string
	// Len returns the number of keys held.
	Len() int64
}

// ShardedMap is a thread-safe map split into multiple shards.
// Each shard has its own RWMutex, allowing concurrent access to different shards.
type ShardedMap struct {
	shards  [DefaultShardCount]*Shard
	metrics *StoreMetrics
}

var _ Store = (*ShardedMap)(nil)

// Shard represents a single partition of the map
type Shard struct {
	mu   sync.RWMutex
	data map[string]*Entry

	// Per-shard metrics (atomic counters for lock-free observation)
	gets    atomic.Uint64
	sets    atomic.Uint64
	deletes atomic.Uint64
	hits    atomic.Uint64
	misses  atomic.Uint64
}

// StoreMetrics aggregates metrics across all shards
type StoreMetrics struct {
	KeyCount     atomic.Int64
	ExpiredCount atomic.Uint64
}

// NewShardedMap creates a new sharded map with initialised shards
func NewShardedMap() *ShardedMap {
	sm := &ShardedMap{
		metrics: &StoreMetrics{},
	}

	for i := 0; i < DefaultShardCount; i++ {
		sm.shards[i] = &Shard{
			data: make(map[string]*Entry, initialShardCapacity),
		}
	}

	return sm
}

// getShard returns the shard for a given key using xxHash and bit masking
func (sm *ShardedMap) getShard(key string) *Shard {
	hash := xxhash.Sum64String(key)
	return sm.shards[hash&shardMask]
}

// Get retrieves an entry by key.
// Returns nil and false if the key doesn't exist or is expired.
func (sm *ShardedMap) Get(key string) (*Entry, bool) {
	shard := sm.getShard(key)

	shard.mu.RLock()
	entry, exists := shard.data[key]
	shard.mu.RUnlock()

	shard.gets.Add(1)

	if !exists {
		shard.misses.Add(1)
		return nil, false
	}

	if entry.IsExpired() {
		sm.evictExpired(shard, key, entry)
		shard.misses.Add(1)
		return nil, false
	}

	shard.hits.Add(1)
	return entry, true
}

// evictExpired removes key only if it still maps to the same expired
// entry, so a concurrent SET between the read and the delete survives.
func (sm *ShardedMap) evictExpired(shard *Shard, key string, seen *Entry) {
	shard.mu.Lock()
	current, exists := shard.data[key]
	removed := exists && current == seen
	if removed {
		delete(shard.data, key)
	}
	shard.mu.Unlock()

	if removed {
		sm.metrics.KeyCount.Add(-1)
		sm.metrics.ExpiredCount.Add(1)
	}
}

// Set stores an entry with the given key.
// If the key already exists, it will be overwritten.
func (sm *ShardedMap) Set(key string, entry *Entry) {
	shard := sm.getShard(key)

	shard.mu.Lock()
	_, existed := shard.data[key]
	shard.data[key] = entry
	shard.mu.Unlock()

	shard.sets.Add(1)
	if !existed {
		sm.metrics.KeyCount.Add(1)
	}
}

// Remove removes a key from the map.
// Returns true if the key existed, false otherwise.
func (sm *ShardedMap) Remove(key string) bool {
	shard := sm.getShard(key)

	shard.mu.Lock()
	_, existed := shard.data[key]
	if existed {
		delete(shard.data, key)
	}
	shard.mu.Unlock()

	if existed {
		shard.deletes.Add(1)
		sm.metrics.KeyCount.Add(-1)
	}

	return existed
}

// ScanKeys returns all keys in the map (expensive operation).
// Expired entries are only dropped when read, so they are still listed here.
func (sm *ShardedMap) ScanKeys() []string {
	keys := make([]string, 0, sm.metrics.KeyCount.Load())

	for i := 0; i < DefaultShardCount; i++ {
		shard := sm.shards[i]
		shard.mu.RLock()
		for k := range shard.data {
			keys = append(keys, k)
		}
		shard.mu.RUnlock()
	}

	return keys
}

// Len returns the number of keys in the map.
// This is an atomic read and very fast.
func (sm *ShardedMap) Len() int64 {
	return sm.metrics.KeyCount.Load()
}

// Metrics aggregation methods

// GetMetrics returns aggregated metrics from all shards
func (sm *ShardedMap) GetMetrics() map[string]uint64 {
	var gets, sets, deletes, hits, misses uint64

	for i := 0; i < DefaultShardCount; i++ {
		shard := sm.shards[i]
		gets += shard.gets.Load()
		sets += shard.sets.Load()
		deletes += shard.deletes.Load()
		hits += shard.hits.Load()
		misses += shard.misses.Load()
	}

	return map[string]uint64{
		"gets":          gets,
		"sets":          sets,
		"deletes":       deletes,
		"hits":          hits,
		"misses":        misses,
		"keys":          uint64(sm.metrics.KeyCount.Load()),
		"expired_count": sm.metrics.ExpiredCount.Load(),
	}
}

// HitRatio returns the cache hit ratio (0.0 to 1.0)
func (sm *ShardedMap) HitRatio() float64 {
	var hits, misses uint64

	for i := 0; i < DefaultShardCount; i++ {
		shard := sm.shards[i]
		hits += shard.hits.Load()
		misses += shard.misses.Load()
	}

	total := hits + misses
	if total == 0 {
		return 0.0
	}

	return float64(hits) / float64(total)
}
