package engine

import (
	"testing"

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

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	s := Simulated()
	p := testParams(t)

	km, err := s.Keygen(p)
	require.NoError(t, err)

	plaintext := []byte("ocx gateway payload")
	ct, err := s.Encrypt(p, km.Public, plaintext)
	require.NoError(t, err)

	got, err := s.Decrypt(p, km.Private, ct)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestEncrypt_RejectsOversizedPlaintext(t *testing.T) {
	s := Simulated()
	p := testParams(t)
	km, err := s.Keygen(p)
	require.NoError(t, err)

	big := make([]byte, p.MaxPlaintextBytes()+1)
	_, err = s.Encrypt(p, km.Public, big)
	require.Error(t, err)
}

func TestDecrypt_RejectsTamperedCiphertext(t *testing.T) {
	s := Simulated()
	p := testParams(t)
	km, err := s.Keygen(p)
	require.NoError(t, err)

	ct, err := s.Encrypt(p, km.Public, []byte("hello"))
	require.NoError(t, err)
	ct[len(ct)-1] ^= 0xFF

	_, err = s.Decrypt(p, km.Private, ct)
	require.Error(t, err)
}

func TestDecrypt_RejectsTruncatedCiphertext(t *testing.T) {
	s := Simulated()
	p := testParams(t)
	km, err := s.Keygen(p)
	require.NoError(t, err)

	_, err = s.Decrypt(p, km.Private, []byte{1, 2, 3})
	require.Error(t, err)
}

func TestConcat_JoinsPlaintextsInOrder(t *testing.T) {
	s := Simulated()
	p := testParams(t)
	km, err := s.Keygen(p)
	require.NoError(t, err)

	a, err := s.Encrypt(p, km.Public, []byte("foo"))
	require.NoError(t, err)
	b, err := s.Encrypt(p, km.Public, []byte("bar"))
	require.NoError(t, err)

	joined, err := s.Concat(p, km.Public, a, b)
	require.NoError(t, err)

	got, err := s.Decrypt(p, km.Private, joined)
	require.NoError(t, err)
	assert.Equal(t, []byte("foobar"), got)
}

func TestRefresh_PreservesPlaintext(t *testing.T) {
	s := Simulated()
	p := testParams(t)
	km, err := s.Keygen(p)
	require.NoError(t, err)

	ct, err := s.Encrypt(p, km.Public, []byte("noisy"))
	require.NoError(t, err)

	refreshed, err := s.Refresh(p, km.Public, ct)
	require.NoError(t, err)
	assert.NotEqual(t, ct, refreshed, "refresh should re-randomize the wire form")

	got, err := s.Decrypt(p, km.Private, refreshed)
	require.NoError(t, err)
	assert.Equal(t, []byte("noisy"), got)
}

func TestKeygen_DistinctKeysPerCall(t *testing.T) {
	s := Simulated()
	p := testParams(t)
	a, err := s.Keygen(p)
	require.NoError(t, err)
	b, err := s.Keygen(p)
	require.NoError(t, err)
	assert.NotEqual(t, a.Private, b.Private)
	assert.NotEqual(t, a.Public, b.Public)
}
