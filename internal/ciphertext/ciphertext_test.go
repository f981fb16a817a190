package ciphertext

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/cipher-gateway/internal/params"
)

func testParams(t *testing.T) *params.Params {
	t.Helper()
	p, err := params.New(8192, []int{60, 40, 40, 60}, 40, params.Security128)
	require.NoError(t, err)
	return p
}

func TestPutAndGet(t *testing.T) {
	s := New()
	p := testParams(t)
	owner := uuid.New()

	id, err := s.Put(owner, []byte("payload"), OriginEncrypt, nil, 0, p)
	require.NoError(t, err)

	h, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, owner, h.Owner)
	assert.Equal(t, NominalMaxNoise, h.Noise)
	assert.Equal(t, StatusActive, h.Status)
}

func TestGet_UnknownCiphertext(t *testing.T) {
	s := New()
	_, err := s.Get(uuid.New())
	require.Error(t, err)
}

func TestPut_OpResultBelowMinUsableNoiseIsExhausted(t *testing.T) {
	s := New()
	p := testParams(t)
	owner := uuid.New()
	parentID, err := s.Put(owner, []byte("x"), OriginEncrypt, nil, 0, p)
	require.NoError(t, err)

	id, err := s.Put(owner, []byte("y"), OriginOpResult, []uuid.UUID{parentID}, MinUsableNoise-1, p)
	require.NoError(t, err)

	_, err = s.Get(id)
	require.Error(t, err)

	res, err := s.Validate(id)
	require.NoError(t, err)
	assert.Equal(t, StatusExhausted, res.Status)
}

func TestPut_LineageOverflow(t *testing.T) {
	s := New()
	p := testParams(t)
	owner := uuid.New()

	parent, err := s.Put(owner, []byte("root"), OriginEncrypt, nil, 0, p)
	require.NoError(t, err)

	lineage := []uuid.UUID{parent}
	for i := 0; i < MaxLineageDepth; i++ {
		id, err := s.Put(owner, []byte("x"), OriginOpResult, lineage, NominalMaxNoise, p)
		if err != nil {
			require.ErrorContains(t, err, "lineage-overflow")
			return
		}
		lineage = []uuid.UUID{id}
	}
	t.Fatal("expected lineage-overflow before reaching the depth cap")
}

func TestPut_UnknownParent(t *testing.T) {
	s := New()
	p := testParams(t)
	_, err := s.Put(uuid.New(), []byte("x"), OriginOpResult, []uuid.UUID{uuid.New()}, NominalMaxNoise, p)
	require.Error(t, err)
}

func TestValidate_DoesNotMutate(t *testing.T) {
	s := New()
	p := testParams(t)
	owner := uuid.New()
	id, err := s.Put(owner, []byte("x"), OriginEncrypt, nil, 0, p)
	require.NoError(t, err)

	before, err := s.Validate(id)
	require.NoError(t, err)
	after, err := s.Validate(id)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestDelete_ReclaimsPayloadImmediately(t *testing.T) {
	s := New()
	p := testParams(t)
	owner := uuid.New()
	id, err := s.Put(owner, []byte("x"), OriginEncrypt, nil, 0, p)
	require.NoError(t, err)

	require.NoError(t, s.Delete(id))

	_, err = s.Get(id)
	require.Error(t, err)

	v, err := s.Validate(id)
	require.NoError(t, err, "metadata must survive the audit window")
	assert.Equal(t, StatusExpired, v.Status)
}

func TestSweep_ReclaimsExpiredPayloadsAndDropsAfterAuditWindow(t *testing.T) {
	s := New()
	s.ttl = 10 * time.Millisecond
	p := testParams(t)
	owner := uuid.New()
	id, err := s.Put(owner, []byte("x"), OriginEncrypt, nil, 0, p)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	reclaimed, dropped := s.Sweep()
	assert.Equal(t, 1, reclaimed)
	assert.Equal(t, 0, dropped)

	v, err := s.Validate(id)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, v.Status)

	s.mu.RLock()
	e := s.entries[id]
	s.mu.RUnlock()
	e.mu.Lock()
	e.record.payloadReclaimedAt = time.Now().Add(-AuditRetention - time.Second)
	e.mu.Unlock()

	_, dropped = s.Sweep()
	assert.Equal(t, 1, dropped)

	_, err = s.Validate(id)
	require.Error(t, err, "metadata must be gone after the audit window")
}
