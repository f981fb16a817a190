package enginepool

import (
	"context"
	"testing"
	"time"

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

func TestCheckoutAndReturn(t *testing.T) {
	p := New(engine.Simulated(), 1, 4, 0)
	ps := testParams(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	lease, err := p.Checkout(ctx, ps)
	require.NoError(t, err)
	assert.Equal(t, engine.StateInUse, lease.Engine.State)

	stats := p.Stats(ps)
	assert.Equal(t, 1, stats.InUse)

	p.Return(lease, OutcomeOK)
	stats = p.Stats(ps)
	assert.Equal(t, 0, stats.InUse)
	assert.Equal(t, 1, stats.Idle)
}

func TestCheckout_ExhaustedTimesOut(t *testing.T) {
	p := New(engine.Simulated(), 1, 1, 0)
	ps := testParams(t)

	ctx := context.Background()
	lease, err := p.Checkout(ctx, ps)
	require.NoError(t, err)

	exhaustCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Checkout(exhaustCtx, ps)
	require.Error(t, err)

	p.Return(lease, OutcomeOK)
}

func TestCheckout_PoolTimeoutBoundsAnUnboundedCtx(t *testing.T) {
	p := New(engine.Simulated(), 1, 1, 20*time.Millisecond)
	ps := testParams(t)

	lease, err := p.Checkout(context.Background(), ps)
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Checkout(context.Background(), ps)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second, "Checkout must not block past the configured checkout timeout even with a caller ctx carrying no deadline")

	p.Return(lease, OutcomeOK)
}

func TestReturn_ErrorOutcomeReplacesEngine(t *testing.T) {
	p := New(engine.Simulated(), 1, 2, 0)
	ps := testParams(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	lease, err := p.Checkout(ctx, ps)
	require.NoError(t, err)

	p.Return(lease, OutcomeError)

	stats := p.Stats(ps)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Idle)
}

func TestSeparatePoolsPerParameterSet(t *testing.T) {
	p := New(engine.Simulated(), 1, 2, 0)
	psA := testParams(t)
	psB, err := params.New(16384, []int{60, 60, 60, 60, 60, 60, 60, 60}, 40, params.Security128)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	leaseA, err := p.Checkout(ctx, psA)
	require.NoError(t, err)
	defer p.Return(leaseA, OutcomeOK)

	statsB := p.Stats(psB)
	assert.Equal(t, 0, statsB.InUse, "checking out under psA must not affect psB's pool")
}
