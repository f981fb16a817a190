package validate

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestID_Valid(t *testing.T) {
	v := New(Limits{})
	want := uuid.New()
	got, err := v.ID(want.String())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestID_Malformed(t *testing.T) {
	v := New(Limits{})
	_, err := v.ID("not-a-uuid")
	require.Error(t, err)
}

func TestPlaintext_ExceedsSizeLimit(t *testing.T) {
	v := New(Limits{MaxPlaintextBytes: 4})
	err := v.Plaintext([]byte("too long"))
	require.Error(t, err)
}

func TestPlaintext_WithinSizeLimit(t *testing.T) {
	v := New(Limits{MaxPlaintextBytes: 16})
	err := v.Plaintext([]byte("ok"))
	require.NoError(t, err)
}

func TestPlaintext_Denylist(t *testing.T) {
	v := New(Limits{Denylist: [][]byte{[]byte("forbidden")}})
	err := v.Plaintext([]byte("this is forbidden content"))
	require.Error(t, err)

	err = v.Plaintext([]byte("this is fine content"))
	require.NoError(t, err)
}

func TestCiphertext_ExceedsSizeLimit(t *testing.T) {
	v := New(Limits{MaxCiphertextBytes: 2})
	err := v.Ciphertext([]byte{1, 2, 3})
	require.Error(t, err)
}
