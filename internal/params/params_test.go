package params

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Valid(t *testing.T) {
	p, err := New(8192, []int{60, 40, 40, 60}, 40, Security128)
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID())
}

func TestNew_RejectsNonPowerOfTwoDegree(t *testing.T) {
	_, err := New(5000, []int{60, 40, 60}, 40, Security128)
	require.Error(t, err)
}

func TestNew_RejectsBadScaleBits(t *testing.T) {
	_, err := New(8192, []int{60, 40, 60}, 10, Security128)
	require.Error(t, err)
}

func TestNew_RejectsInsufficientChain(t *testing.T) {
	_, err := New(16384, []int{30}, 30, Security128)
	require.Error(t, err)
}

func TestNew_RejectsOversizedChain(t *testing.T) {
	bits := make([]int, 40)
	for i := range bits {
		bits[i] = 60
	}
	_, err := New(4096, bits, 30, Security128)
	require.Error(t, err)
}

func TestEqual(t *testing.T) {
	a, err := New(8192, []int{60, 40, 40, 60}, 40, Security128)
	require.NoError(t, err)
	b, err := New(8192, []int{60, 40, 40, 60}, 40, Security128)
	require.NoError(t, err)
	c, err := New(16384, []int{60, 60, 60, 60, 60, 60, 60, 60}, 40, Security128)
	require.NoError(t, err)

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestMarshalJSON(t *testing.T) {
	p, err := New(8192, []int{60, 40, 40, 60}, 40, Security128)
	require.NoError(t, err)

	data, err := p.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"degree":8192`)
}
