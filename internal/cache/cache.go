// Package cache implements the Ciphertext Cache (component F): a
// bounded, tiered hot/warm cache derived from the Ciphertext Store.
//
// The sharded-map-with-per-shard-lock layout follows the teacher's
// internal/middleware.RateLimiter: a read-mostly fast path under one
// lock per partition, rather than one global lock serializing every
// cache access.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Tier is a cache entry's current tier, named per spec.md §3.F.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
)

const shardCount = 16

// Entry is the read view of one cached ciphertext, named per spec.md
// §3.F (ciphertext-id, tier, last-access, payload, pinned-count).
type Entry struct {
	ID          uuid.UUID
	Tier        Tier
	LastAccess  time.Time
	Payload     []byte
	PinnedCount int
}

type hotRecord struct {
	id          uuid.UUID
	payload     []byte
	lastAccess  time.Time
	pinnedCount int
}

type warmRecord struct {
	id          uuid.UUID
	payload     []byte
	lastAccess  time.Time
	pinnedCount int
	frequency   int
}

type shard struct {
	mu sync.Mutex

	hotList  *list.List // front = most recently used
	hotIndex map[uuid.UUID]*list.Element
	hotCap   int

	warm       map[uuid.UUID]*warmRecord
	warmBytes  int
	warmCapMax int
}

func newShard(hotCap, warmCapBytes int) *shard {
	return &shard{
		hotList:    list.New(),
		hotIndex:   make(map[uuid.UUID]*list.Element),
		hotCap:     hotCap,
		warm:       make(map[uuid.UUID]*warmRecord),
		warmCapMax: warmCapBytes,
	}
}

// Cache is the Ciphertext Cache named in spec.md §4.F, sharded by id
// hash so no single lock serializes the whole cache.
type Cache struct {
	shards [shardCount]*shard
}

// New constructs a Cache whose hot tier holds at most hotCapPerShard
// entries and whose warm tier holds at most warmCapBytesPerShard bytes,
// per shard.
func New(hotCapPerShard, warmCapBytesPerShard int) *Cache {
	c := &Cache{}
	for i := range c.shards {
		c.shards[i] = newShard(hotCapPerShard, warmCapBytesPerShard)
	}
	return c
}

func (c *Cache) shardFor(id uuid.UUID) *shard {
	var h byte
	for _, b := range id {
		h ^= b
	}
	return c.shards[int(h)%shardCount]
}

// Get returns a hot hit immediately, or promotes a warm entry to hot
// on access, per spec.md §4.F's `get(id)`.
func (c *Cache) Get(id uuid.UUID) (Entry, bool) {
	s := c.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.hotIndex[id]; ok {
		rec := el.Value.(*hotRecord)
		rec.lastAccess = time.Now()
		s.hotList.MoveToFront(el)
		return Entry{ID: id, Tier: TierHot, LastAccess: rec.lastAccess, Payload: rec.payload, PinnedCount: rec.pinnedCount}, true
	}

	if wr, ok := s.warm[id]; ok {
		wr.frequency++
		wr.lastAccess = time.Now()
		s.promoteToHot(wr)
		return Entry{ID: id, Tier: TierHot, LastAccess: wr.lastAccess, Payload: wr.payload, PinnedCount: wr.pinnedCount}, true
	}

	return Entry{}, false
}

// Put inserts a fresh hot entry, evicting LRU hot entries down to warm
// as needed, per spec.md §4.F's `put(id, payload)`.
func (c *Cache) Put(id uuid.UUID, payload []byte) {
	s := c.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.hotIndex[id]; ok {
		rec := el.Value.(*hotRecord)
		rec.payload = payload
		rec.lastAccess = time.Now()
		s.hotList.MoveToFront(el)
		return
	}
	delete(s.warm, id)

	rec := &hotRecord{id: id, payload: payload, lastAccess: time.Now()}
	el := s.hotList.PushFront(rec)
	s.hotIndex[id] = el

	s.evictHotOverflow()
}

// promoteToHot moves a warm record into the hot tier, evicting hot
// overflow down to warm as needed.
func (s *shard) promoteToHot(wr *warmRecord) {
	delete(s.warm, wr.id)
	s.warmBytes -= len(wr.payload)

	rec := &hotRecord{id: wr.id, payload: wr.payload, lastAccess: wr.lastAccess, pinnedCount: wr.pinnedCount}
	el := s.hotList.PushFront(rec)
	s.hotIndex[wr.id] = el

	s.evictHotOverflow()
}

// evictHotOverflow evicts least-recently-used hot entries down to the
// warm tier until hot is back within bound. Pinned entries are never
// evicted, per spec.md §3.F.
func (s *shard) evictHotOverflow() {
	for s.hotList.Len() > s.hotCap {
		el := s.hotList.Back()
		for el != nil && el.Value.(*hotRecord).pinnedCount > 0 {
			el = el.Prev()
		}
		if el == nil {
			return
		}
		rec := el.Value.(*hotRecord)
		s.hotList.Remove(el)
		delete(s.hotIndex, rec.id)

		s.warm[rec.id] = &warmRecord{
			id:          rec.id,
			payload:     rec.payload,
			lastAccess:  rec.lastAccess,
			pinnedCount: rec.pinnedCount,
			frequency:   1,
		}
		s.warmBytes += len(rec.payload)
		s.evictWarmOverflow()
	}
}

// evictWarmOverflow drops the least-frequently-used unpinned warm
// entry until the warm tier is back within its byte bound.
func (s *shard) evictWarmOverflow() {
	for s.warmBytes > s.warmCapMax {
		var victim *warmRecord
		for _, wr := range s.warm {
			if wr.pinnedCount > 0 {
				continue
			}
			if victim == nil || wr.frequency < victim.frequency {
				victim = wr
			}
		}
		if victim == nil {
			return
		}
		delete(s.warm, victim.id)
		s.warmBytes -= len(victim.payload)
	}
}

// Pin increments id's pin count, excluding it from eviction while an
// op is in flight. The orchestrator is the sole caller, per spec.md
// §4.F's "pin count is maintained by the orchestrator".
func (c *Cache) Pin(id uuid.UUID) {
	s := c.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.hotIndex[id]; ok {
		el.Value.(*hotRecord).pinnedCount++
		return
	}
	if wr, ok := s.warm[id]; ok {
		wr.pinnedCount++
	}
}

// Unpin decrements id's pin count.
func (c *Cache) Unpin(id uuid.UUID) {
	s := c.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.hotIndex[id]; ok {
		rec := el.Value.(*hotRecord)
		if rec.pinnedCount > 0 {
			rec.pinnedCount--
		}
		return
	}
	if wr, ok := s.warm[id]; ok && wr.pinnedCount > 0 {
		wr.pinnedCount--
	}
}

// Invalidate removes id from both tiers unconditionally. The
// orchestrator calls it right after the Ciphertext Store's Delete
// returns, so a cache Get after the delete finds nothing. The Ciphertext
// Store's TTL Sweep does not call it: an entry for an expired ciphertext
// stays in the cache until it is evicted or invalidated.
func (c *Cache) Invalidate(id uuid.UUID) {
	s := c.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.hotIndex[id]; ok {
		s.hotList.Remove(el)
		delete(s.hotIndex, id)
	}
	delete(s.warm, id)
}
