package orchestrator

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/cipher-gateway/internal/accountant"
	"github.com/ocx/cipher-gateway/internal/cache"
	"github.com/ocx/cipher-gateway/internal/ciphertext"
	"github.com/ocx/cipher-gateway/internal/engine"
	"github.com/ocx/cipher-gateway/internal/enginepool"
	"github.com/ocx/cipher-gateway/internal/keystore"
	"github.com/ocx/cipher-gateway/internal/params"
	"github.com/ocx/cipher-gateway/internal/upstream"
	"github.com/ocx/cipher-gateway/internal/validate"
)

func testParams(t *testing.T) *params.Params {
	t.Helper()
	p, err := params.New(8192, []int{60, 40, 40, 60}, 40, params.Security128)
	require.NoError(t, err)
	return p
}

// fakeUpstream is a minimal upstream.Provider for orchestrator tests
// that never reach a real network.
type fakeUpstream struct{}

func (fakeUpstream) Submit(ctx context.Context, blob []byte) ([]byte, error) {
	return append([]byte("upstream:"), blob...), nil
}

func (fakeUpstream) Stream(ctx context.Context, blob []byte) (<-chan upstream.Chunk, error) {
	ch := make(chan upstream.Chunk, 1)
	ch <- upstream.Chunk{Done: true}
	close(ch)
	return ch, nil
}

func newOrchestrator(costs accountant.CostTable, totalEpsilon float64) *Orchestrator {
	sch := engine.Simulated()
	pool := enginepool.New(sch, 2, 8, 0)
	keys := keystore.New(PoolKeygen{Pool: pool})
	return New(
		validate.New(validate.Limits{}),
		accountant.New(costs, totalEpsilon, nil, nil),
		keys,
		ciphertext.New(),
		cache.New(16, 1<<20),
		pool,
		fakeUpstream{},
	)
}

func defaultCosts() accountant.CostTable {
	return accountant.CostTable{
		OpEncrypt:        0.1,
		OpDecrypt:        0.1,
		OpConcat:         0.1,
		OpRefresh:        0.1,
		OpUpstreamSubmit: 0.1,
		OpUpstreamStream: 0.1,
	}
}

// S1: basic round-trip — encrypt then decrypt returns the original
// plaintext.
func TestRoundTrip_EncryptThenDecrypt(t *testing.T) {
	o := newOrchestrator(defaultCosts(), 10)
	p := testParams(t)
	ctx := context.Background()

	clientID, _, err := o.GenerateKeys(p, "", time.Hour)
	require.NoError(t, err)

	id, err := o.Encrypt(ctx, clientID, []byte("hello gateway"))
	require.NoError(t, err)

	plain, err := o.Decrypt(ctx, clientID, id)
	require.NoError(t, err)
	assert.Equal(t, "hello gateway", string(plain))
}

// S2: concat is not commutative — concat(a,b) decrypts differently
// from concat(b,a).
func TestConcat_NotCommutative(t *testing.T) {
	o := newOrchestrator(defaultCosts(), 10)
	p := testParams(t)
	ctx := context.Background()

	clientID, _, err := o.GenerateKeys(p, "", time.Hour)
	require.NoError(t, err)

	aID, err := o.Encrypt(ctx, clientID, []byte("foo"))
	require.NoError(t, err)
	bID, err := o.Encrypt(ctx, clientID, []byte("bar"))
	require.NoError(t, err)

	ab, err := o.Concat(ctx, clientID, aID, bID)
	require.NoError(t, err)
	ba, err := o.Concat(ctx, clientID, bID, aID)
	require.NoError(t, err)

	abPlain, err := o.Decrypt(ctx, clientID, ab)
	require.NoError(t, err)
	baPlain, err := o.Decrypt(ctx, clientID, ba)
	require.NoError(t, err)

	assert.Equal(t, "foobar", string(abPlain))
	assert.Equal(t, "barfoo", string(baPlain))
	assert.NotEqual(t, string(abPlain), string(baPlain))
}

// S3: budget exhaustion — a third op beyond the configured epsilon
// budget is rejected and the ledger settles at the admitted amount.
func TestEncrypt_BudgetExhaustedOnThirdOp(t *testing.T) {
	o := newOrchestrator(accountant.CostTable{OpEncrypt: 0.1}, 0.25)
	p := testParams(t)
	ctx := context.Background()

	clientID, _, err := o.GenerateKeys(p, "", time.Hour)
	require.NoError(t, err)

	_, err = o.Encrypt(ctx, clientID, []byte("a"))
	require.NoError(t, err)
	_, err = o.Encrypt(ctx, clientID, []byte("b"))
	require.NoError(t, err)

	_, err = o.Encrypt(ctx, clientID, []byte("c"))
	require.Error(t, err)

	snap := o.Accountant.Snapshot(clientID.String())
	assert.InDelta(t, 0.2, snap.ConsumedEpsilon, 1e-9)
}

// S4: rotation grace window — a ciphertext encrypted under the
// pre-rotation key still decrypts during the grace window, through
// the post-rotation handle.
func TestDecrypt_DuringRotationGrace_UsesPreviousGeneration(t *testing.T) {
	o := newOrchestrator(defaultCosts(), 10)
	p := testParams(t)
	ctx := context.Background()

	clientID, _, err := o.GenerateKeys(p, "", time.Hour)
	require.NoError(t, err)

	id, err := o.Encrypt(ctx, clientID, []byte("pre-rotation"))
	require.NoError(t, err)

	_, err = o.Rotate(clientID)
	require.NoError(t, err)

	plain, err := o.Decrypt(ctx, clientID, id)
	require.NoError(t, err, "still inside grace window, previous generation must still decrypt")
	assert.Equal(t, "pre-rotation", string(plain))
}

// S5: an engine failure (decrypt-failed on a tampered ciphertext)
// quarantines the failing engine but the pool keeps serving requests
// afterwards.
func TestDecrypt_TamperedCiphertext_QuarantinesEngineButPoolRecovers(t *testing.T) {
	o := newOrchestrator(defaultCosts(), 10)
	p := testParams(t)
	ctx := context.Background()

	clientID, _, err := o.GenerateKeys(p, "", time.Hour)
	require.NoError(t, err)

	id, err := o.Encrypt(ctx, clientID, []byte("intact"))
	require.NoError(t, err)

	h, err := o.Ciphertexts.Get(id)
	require.NoError(t, err)
	tampered := append([]byte(nil), h.Payload...)
	tampered[len(tampered)-1] ^= 0xFF
	tamperedID, err := o.Ciphertexts.Put(clientID, tampered, ciphertext.OriginEncrypt, nil, 0, p)
	require.NoError(t, err)

	_, err = o.Decrypt(ctx, clientID, tamperedID)
	require.Error(t, err)

	stats := o.Pool.Stats(p)
	assert.Equal(t, 1, stats.Failed)

	plain, err := o.Decrypt(ctx, clientID, id)
	require.NoError(t, err, "pool must still serve requests after quarantining a failed engine")
	assert.Equal(t, "intact", string(plain))
}

// S6: cache coherence — deleting a ciphertext invalidates its cache
// entry so a subsequent Get never observes a stale hit.
func TestDelete_InvalidatesCacheEntry(t *testing.T) {
	o := newOrchestrator(defaultCosts(), 10)
	p := testParams(t)
	ctx := context.Background()

	clientID, _, err := o.GenerateKeys(p, "", time.Hour)
	require.NoError(t, err)

	id, err := o.Encrypt(ctx, clientID, []byte("cached"))
	require.NoError(t, err)

	_, hit := o.Cache.Get(id)
	require.True(t, hit)

	require.NoError(t, o.Delete(id))

	_, hit = o.Cache.Get(id)
	assert.False(t, hit)

	_, err = o.Ciphertexts.Get(id)
	assert.Error(t, err)
}

func TestRefresh_ResetsNoiseBudget(t *testing.T) {
	o := newOrchestrator(defaultCosts(), 10)
	p := testParams(t)
	ctx := context.Background()

	clientID, _, err := o.GenerateKeys(p, "", time.Hour)
	require.NoError(t, err)

	id, err := o.Encrypt(ctx, clientID, []byte("noisy"))
	require.NoError(t, err)
	h, err := o.Ciphertexts.Get(id)
	require.NoError(t, err)

	lowNoiseID, err := o.Ciphertexts.Put(clientID, h.Payload, ciphertext.OriginOpResult, []uuid.UUID{id}, ciphertext.MinUsableNoise+1, h.Parameters)
	require.NoError(t, err)

	refreshedID, err := o.Refresh(ctx, clientID, lowNoiseID)
	require.NoError(t, err)

	vr, err := o.Ciphertexts.Validate(refreshedID)
	require.NoError(t, err)
	assert.Equal(t, ciphertext.NominalMaxNoise, vr.Noise)

	plain, err := o.Decrypt(ctx, clientID, refreshedID)
	require.NoError(t, err)
	assert.Equal(t, "noisy", string(plain))
}

func TestRefresh_RejectsWhenNoiseAlreadyAtFloor(t *testing.T) {
	o := newOrchestrator(defaultCosts(), 10)
	p := testParams(t)
	ctx := context.Background()

	clientID, _, err := o.GenerateKeys(p, "", time.Hour)
	require.NoError(t, err)

	id, err := o.Encrypt(ctx, clientID, []byte("about to exhaust"))
	require.NoError(t, err)
	h, err := o.Ciphertexts.Get(id)
	require.NoError(t, err)

	exhaustedID, err := o.Ciphertexts.Put(clientID, h.Payload, ciphertext.OriginOpResult, []uuid.UUID{id}, ciphertext.MinUsableNoise, h.Parameters)
	require.NoError(t, err)

	_, err = o.Refresh(ctx, clientID, exhaustedID)
	require.Error(t, err)
}

func TestSubmitUpstream_RecordsResultAsNewCiphertext(t *testing.T) {
	o := newOrchestrator(defaultCosts(), 10)
	p := testParams(t)
	ctx := context.Background()

	clientID, _, err := o.GenerateKeys(p, "", time.Hour)
	require.NoError(t, err)

	id, err := o.Encrypt(ctx, clientID, []byte("payload"))
	require.NoError(t, err)

	resultID, err := o.SubmitUpstream(ctx, clientID, id)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, resultID)

	resultHandle, err := o.Ciphertexts.Get(resultID)
	require.NoError(t, err)
	assert.Equal(t, ciphertext.StatusActive, resultHandle.Status)
	assert.NotEqual(t, id, resultID)
}

func TestConcat_RejectsMismatchedOwner(t *testing.T) {
	o := newOrchestrator(defaultCosts(), 10)
	p := testParams(t)
	ctx := context.Background()

	clientA, _, err := o.GenerateKeys(p, "", time.Hour)
	require.NoError(t, err)
	clientB, _, err := o.GenerateKeys(p, "", time.Hour)
	require.NoError(t, err)

	aID, err := o.Encrypt(ctx, clientA, []byte("a"))
	require.NoError(t, err)
	bID, err := o.Encrypt(ctx, clientB, []byte("b"))
	require.NoError(t, err)

	_, err = o.Concat(ctx, clientA, aID, bID)
	require.Error(t, err)
}

// S9: with batching enabled, concurrent encrypts that land in the same
// sealed batch still round-trip to their own original plaintext, not a
// neighbor's — the coalescer must preserve per-submission identity.
func TestEncrypt_BatchedRoundTrip(t *testing.T) {
	o := newOrchestrator(defaultCosts(), 1000)
	o.EnableEncryptBatching(4, 20*time.Millisecond)
	p := testParams(t)
	ctx := context.Background()

	clientID, _, err := o.GenerateKeys(p, "", time.Hour)
	require.NoError(t, err)

	plaintexts := []string{"alpha", "bravo", "charlie", "delta", "echo", "foxtrot"}
	var wg sync.WaitGroup
	ids := make([]uuid.UUID, len(plaintexts))
	errs := make([]error, len(plaintexts))
	for i, pt := range plaintexts {
		wg.Add(1)
		go func(i int, pt string) {
			defer wg.Done()
			ids[i], errs[i] = o.Encrypt(ctx, clientID, []byte(pt))
		}(i, pt)
	}
	wg.Wait()

	for i, pt := range plaintexts {
		require.NoError(t, errs[i])
		plain, err := o.Decrypt(ctx, clientID, ids[i])
		require.NoError(t, err)
		assert.Equal(t, pt, string(plain))
	}
}

// S10: batch atomicity — if any submission in a sealed batch is fed an
// engine that errors, every concurrent submitter in that batch observes
// the same failure rather than a partial success/failure split.
func TestEncrypt_BatchFailureIsSharedAcrossSubmitters(t *testing.T) {
	o := newOrchestrator(defaultCosts(), 1000)
	o.EnableEncryptBatching(4, 20*time.Millisecond)
	p := testParams(t)
	ctx := context.Background()

	clientID, _, err := o.GenerateKeys(p, "", time.Hour)
	require.NoError(t, err)

	// An oversized plaintext that clears admission (validator has no
	// limits configured in newOrchestrator) but exceeds the simulated
	// scheme's per-parameter-set plaintext bound, so its encrypt call
	// fails for one submitter in the batch.
	const n = 4
	plaintexts := make([][]byte, n)
	for i := range plaintexts {
		plaintexts[i] = []byte("ok")
	}
	plaintexts[2] = make([]byte, p.MaxPlaintextBytes()+1)

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = o.Encrypt(ctx, clientID, plaintexts[i])
		}(i)
	}
	wg.Wait()

	require.Error(t, errs[2])
	for i, err := range errs {
		if i == 2 {
			continue
		}
		require.Error(t, err, "every submitter in a failed batch must observe the shared failure")
		assert.Equal(t, errs[2].Error(), err.Error())
	}
}

// TestFuzz_RandomOpScheduleHoldsInvariants drives random sequences of
// {encrypt, concat, refresh, delete, rotate} over a small plaintext
// alphabet, each op picked and sequenced by math/rand rather than a
// fixed script, and checks that invariants 1, 2, and 9 still hold of
// every terminal ciphertext no matter what order the schedule took.
// There is no property-testing library anywhere in the example corpus
// this module draws on, so the random schedule is hand-rolled directly
// against the standard testing package rather than imported.
//
// Invariants 3 and 4 (rotation zeroization, pinned-entry eviction) are
// exercised by dedicated tests elsewhere (keystore, cache) rather than
// by this schedule, since they need controlled timing or cache-tier
// setup that a random single-goroutine schedule can't observe.
// Invariant 5 (serialization of concurrent ops on one ciphertext) is
// not checked by any test in this module.
func TestFuzz_RandomOpScheduleHoldsInvariants(t *testing.T) {
	alphabet := []string{"a", "b", "c", "ab", "xyz", ""}

	for seed := int64(1); seed <= 40; seed++ {
		rng := rand.New(rand.NewSource(seed))

		o := newOrchestrator(defaultCosts(), 1000)
		p := testParams(t)
		ctx := context.Background()

		clientID, _, err := o.GenerateKeys(p, "", time.Hour)
		require.NoError(t, err)

		var live []uuid.UUID
		steps := 5 + rng.Intn(20)

		for i := 0; i < steps; i++ {
			switch pick := rng.Intn(5); pick {
			case 0: // encrypt
				pt := alphabet[rng.Intn(len(alphabet))]
				id, err := o.Encrypt(ctx, clientID, []byte(pt))
				if err == nil {
					live = append(live, id)
				}

			case 1: // concat two live ciphertexts
				if len(live) < 2 {
					continue
				}
				a := live[rng.Intn(len(live))]
				b := live[rng.Intn(len(live))]
				id, err := o.Concat(ctx, clientID, a, b)
				if err == nil {
					live = append(live, id)
				}

			case 2: // refresh a live ciphertext
				if len(live) == 0 {
					continue
				}
				id := live[rng.Intn(len(live))]
				newID, err := o.Refresh(ctx, clientID, id)
				if err == nil {
					live = append(live, newID)
				}

			case 3: // delete a live ciphertext
				if len(live) == 0 {
					continue
				}
				victimIdx := rng.Intn(len(live))
				victim := live[victimIdx]
				if err := o.Delete(victim); err == nil {
					live = append(live[:victimIdx], live[victimIdx+1:]...)
				}

			case 4: // rotate the client's key, mid-schedule
				_, _ = o.Rotate(clientID)
			}
		}

		// Invariant 9: no canceled-before-dispatch request left behind a
		// ciphertext id — every id still live at the end of the schedule
		// must resolve to a real, readable record, never a phantom.
		for _, id := range live {
			handle, err := o.Ciphertexts.Get(id)
			require.NoErrorf(t, err, "seed %d: live id %s must resolve", seed, id)

			// Invariant 1: owner equals the owner of every lineage parent.
			for _, parentID := range handle.Lineage {
				parent, err := o.Ciphertexts.Get(parentID)
				if err != nil {
					continue // parent may have aged out of the audit window
				}
				assert.Equalf(t, parent.Owner, handle.Owner, "seed %d: ciphertext %s owner diverges from parent %s", seed, id, parentID)
			}
		}

		// Invariant 2: consumed epsilon for the principal never exceeds
		// the configured total, across the whole random schedule.
		snap := o.Accountant.Snapshot(clientID.String())
		assert.LessOrEqualf(t, snap.ConsumedEpsilon, snap.TotalEpsilon, "seed %d: budget overrun", seed)
	}
}
