package accountant

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmit_BudgetExhaustedOnThirdOp(t *testing.T) {
	a := New(CostTable{"encrypt": 0.1}, 0.25, nil, nil)

	require.NoError(t, a.Admit("client-1", "encrypt"))
	require.NoError(t, a.Admit("client-1", "encrypt"))

	err := a.Admit("client-1", "encrypt")
	require.Error(t, err)

	snap := a.Snapshot("client-1")
	assert.InDelta(t, 0.2, snap.ConsumedEpsilon, 1e-9)
	assert.Less(t, snap.RemainingEpsilon, 0.1)
}

func TestAdmit_UnknownOpKind(t *testing.T) {
	a := New(CostTable{"encrypt": 0.1}, 1.0, nil, nil)
	err := a.Admit("client-1", "unknown-op")
	require.Error(t, err)
}

func TestRefund_OnlyForFreeFailureKinds(t *testing.T) {
	a := New(CostTable{"encrypt": 0.1}, 1.0, FreeFailureKinds{"encrypt": true}, nil)

	require.NoError(t, a.Admit("client-1", "encrypt"))
	a.Refund("client-1", "encrypt")

	snap := a.Snapshot("client-1")
	assert.InDelta(t, 0.0, snap.ConsumedEpsilon, 1e-9)
}

func TestRefund_NoOpWhenFailureKindNotFree(t *testing.T) {
	a := New(CostTable{"encrypt": 0.1}, 1.0, nil, nil)

	require.NoError(t, a.Admit("client-1", "encrypt"))
	a.Refund("client-1", "encrypt")

	snap := a.Snapshot("client-1")
	assert.InDelta(t, 0.1, snap.ConsumedEpsilon, 1e-9)
}

func TestReset_ClearsConsumedEpsilon(t *testing.T) {
	a := New(CostTable{"encrypt": 0.1}, 0.25, nil, nil)
	require.NoError(t, a.Admit("client-1", "encrypt"))
	a.Reset("client-1")

	snap := a.Snapshot("client-1")
	assert.Equal(t, 0.0, snap.ConsumedEpsilon)
}

func TestAdmit_PrincipalsAreIndependent(t *testing.T) {
	a := New(CostTable{"encrypt": 0.1}, 0.1, nil, nil)
	require.NoError(t, a.Admit("client-1", "encrypt"))
	require.NoError(t, a.Admit("client-2", "encrypt"), "a different principal must have its own budget")
}

func TestAdmit_RespectsAdmissionRateLimit(t *testing.T) {
	a := New(CostTable{"encrypt": 0.0}, 100, nil, &RefillPolicy{RatePerSecond: 1, Burst: 1})

	require.NoError(t, a.Admit("client-1", "encrypt"))
	err := a.Admit("client-1", "encrypt")
	require.Error(t, err)
}
