package cache

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutAndGet_HotHit(t *testing.T) {
	c := New(2, 1024)
	id := uuid.New()
	c.Put(id, []byte("payload"))

	e, ok := c.Get(id)
	require.True(t, ok)
	assert.Equal(t, TierHot, e.Tier)
	assert.Equal(t, []byte("payload"), e.Payload)
}

func TestGet_MissReturnsFalse(t *testing.T) {
	c := New(2, 1024)
	_, ok := c.Get(uuid.New())
	assert.False(t, ok)
}

// sameShardIDs returns n distinct ids that all hash to one shard of c,
// so that shard's per-shard capacities apply to every one of them.
func sameShardIDs(c *Cache, n int) []uuid.UUID {
	ids := []uuid.UUID{uuid.New()}
	target := c.shardFor(ids[0])
	for len(ids) < n {
		if id := uuid.New(); c.shardFor(id) == target {
			ids = append(ids, id)
		}
	}
	return ids
}

func TestHotOverflow_EvictsLRUToWarm(t *testing.T) {
	c := New(1, 1024)
	ids := sameShardIDs(c, 2)
	a, b := ids[0], ids[1]

	c.Put(a, []byte("a"))
	c.Put(b, []byte("b"))

	s := c.shardFor(a)
	s.mu.Lock()
	_, inWarm := s.warm[a]
	s.mu.Unlock()
	assert.True(t, inWarm, "a must have been evicted from hot down to warm")

	// a should have been pushed down to warm; a Get still finds it
	// (promoted back to hot), proving it wasn't dropped outright.
	e, ok := c.Get(a)
	require.True(t, ok)
	assert.Equal(t, []byte("a"), e.Payload)
}

func TestPinnedHotEntry_NeverEvicted(t *testing.T) {
	c := New(1, 1024)
	ids := sameShardIDs(c, 2)
	a, b := ids[0], ids[1]

	c.Put(a, []byte("a"))
	c.Pin(a)
	c.Put(b, []byte("b"))

	s := c.shardFor(a)
	s.mu.Lock()
	_, stillHot := s.hotIndex[a]
	s.mu.Unlock()
	assert.True(t, stillHot, "a pinned entry must not be evicted out of hot")
}

func TestInvalidate_RemovesFromBothTiers(t *testing.T) {
	c := New(2, 1024)
	id := uuid.New()
	c.Put(id, []byte("payload"))

	c.Invalidate(id)

	_, ok := c.Get(id)
	assert.False(t, ok, "invalidated id must never produce a cache hit")
}

func TestWarmOverflow_EvictsDownToByteBound(t *testing.T) {
	c := New(1, 10)
	ids := sameShardIDs(c, 4)
	a, b, d, e := ids[0], ids[1], ids[2], ids[3]

	c.Put(a, []byte("aaaaa")) // 5 bytes
	c.Put(b, []byte("bbbbb")) // pushes a to warm: 5 warm bytes
	c.Put(d, []byte("ddddd")) // pushes b to warm: 10 warm bytes
	c.Put(e, []byte("eeeee")) // pushes d to warm: 15 bytes, over the cap

	// warm cap is 10 bytes; three 5-byte warm entries cannot all fit, so
	// one is evicted. All three have frequency 1, so which one goes is
	// not fixed.
	s := c.shardFor(a)
	s.mu.Lock()
	warmBytes := s.warmBytes
	warmCount := len(s.warm)
	s.mu.Unlock()
	assert.LessOrEqual(t, warmBytes, 10)
	assert.Equal(t, 2, warmCount)
}
