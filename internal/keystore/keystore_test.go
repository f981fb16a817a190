package keystore

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/cipher-gateway/internal/engine"
	"github.com/ocx/cipher-gateway/internal/params"
)

func testParams(t *testing.T) *params.Params {
	t.Helper()
	p, err := params.New(8192, []int{60, 40, 40, 60}, 40, params.Security128)
	require.NoError(t, err)
	return p
}

func TestGenerateAndLookup(t *testing.T) {
	s := New(engine.Simulated())
	p := testParams(t)

	clientID, serverID, err := s.Generate(p, "", time.Hour)
	require.NoError(t, err)

	h, err := s.Lookup(clientID)
	require.NoError(t, err)
	assert.Equal(t, serverID, h.ServerID)
	assert.Equal(t, StatusActive, h.Status)
	assert.NotEmpty(t, h.Public)
}

func TestLookup_UnknownKey(t *testing.T) {
	s := New(engine.Simulated())
	_, err := s.Lookup(uuid.New())
	require.Error(t, err)
}

func TestRevoke_ZeroizesAndRejectsFurtherLookup(t *testing.T) {
	s := New(engine.Simulated())
	p := testParams(t)
	clientID, _, err := s.Generate(p, "", time.Hour)
	require.NoError(t, err)

	require.NoError(t, s.Revoke(clientID))

	_, err = s.Lookup(clientID)
	require.Error(t, err)
}

func TestRotate_GraceWindowAllowsBothGenerationsToDecrypt(t *testing.T) {
	sch := engine.Simulated()
	s := New(sch)
	s.grace = 50 * time.Millisecond
	p := testParams(t)

	clientID, _, err := s.Generate(p, "", time.Hour)
	require.NoError(t, err)

	h, err := s.Lookup(clientID)
	require.NoError(t, err)
	ct, err := sch.Encrypt(p, h.Public, []byte("before rotation"))
	require.NoError(t, err)

	_, err = s.Rotate(clientID)
	require.NoError(t, err)

	// Still inside grace: the old ciphertext must still decrypt.
	plain, err := s.Decrypt(sch, clientID, ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("before rotation"), plain)
}

func TestRotate_AfterGraceEnds_PreviousMaterialUnusable(t *testing.T) {
	sch := engine.Simulated()
	s := New(sch)
	p := testParams(t)

	clientID, _, err := s.Generate(p, "", time.Hour)
	require.NoError(t, err)

	h, err := s.Lookup(clientID)
	require.NoError(t, err)
	ct, err := sch.Encrypt(p, h.Public, []byte("before rotation"))
	require.NoError(t, err)

	_, err = s.Rotate(clientID)
	require.NoError(t, err)

	// Rotate never grants less than DefaultGrace, so end the grace
	// window by moving the rotated record's graceEnd into the past.
	rotated, ok := s.load(clientID)
	require.True(t, ok)
	ended := *rotated
	ended.graceEnd = time.Now().Add(-time.Second)
	s.store(clientID, &ended)
	s.Sweep()

	_, err = s.Decrypt(sch, clientID, ct)
	require.Error(t, err, "previous generation's private material must be unreachable after grace ends")
}

func TestSweep_ZeroizesPreviousPrivateMaterial(t *testing.T) {
	sch := engine.Simulated()
	s := New(sch)
	p := testParams(t)

	clientID, _, err := s.Generate(p, "", time.Hour)
	require.NoError(t, err)

	r, ok := s.load(clientID)
	require.True(t, ok)
	oldPrivate := r.current.private

	_, err = s.Rotate(clientID)
	require.NoError(t, err)

	// Rotate never grants less than DefaultGrace, so end the grace
	// window by moving the rotated record's graceEnd into the past.
	rotated, ok := s.load(clientID)
	require.True(t, ok)
	ended := *rotated
	ended.graceEnd = time.Now().Add(-time.Second)
	s.store(clientID, &ended)
	swept := s.Sweep()
	assert.Equal(t, 1, swept)

	allZero := true
	for _, b := range oldPrivate {
		if b != 0 {
			allZero = false
			break
		}
	}
	assert.True(t, allZero, "rotated-out private key bytes must be zeroized in place")
}

func TestRotate_UnknownKey(t *testing.T) {
	s := New(engine.Simulated())
	_, err := s.Rotate(uuid.New())
	require.Error(t, err)
}
