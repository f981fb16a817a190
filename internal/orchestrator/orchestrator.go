// Package orchestrator implements the Request Orchestrator (component
// I): the single place that binds the Privacy Accountant, Key Store,
// Ciphertext Store, Cache, Engine Pool, Upstream Adapter and Validator
// into one logical request.
//
// Every public method runs the same six-step sequence spec.md §4.I
// names: validate inputs, resolve the principal and consult the
// accountant, resolve keys and parent ciphertexts, pin parents and
// acquire an engine lease, execute the op, then record the result and
// unpin. The Key Store lookup comes before admission, because the
// principal is derived from the key record; after that the calls go
// Accountant → Ciphertext Store → Cache → Pool. No method ever holds
// one component's lock while calling into another, since each
// component already releases its own lock before returning a plain
// value.
//
// Grounded on the teacher's internal/api.APIServer handler bodies —
// dependency-injected component references, a fixed sequence of calls
// into subsystems per request — generalized from stubbed business
// logic to the full sequence above, with the pin/unpin bracket lifted
// from internal/escrow.EscrowGate's Hold/AwaitRelease shape.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/cipher-gateway/internal/accountant"
	"github.com/ocx/cipher-gateway/internal/audit"
	"github.com/ocx/cipher-gateway/internal/batch"
	"github.com/ocx/cipher-gateway/internal/cache"
	"github.com/ocx/cipher-gateway/internal/ciphertext"
	"github.com/ocx/cipher-gateway/internal/engine"
	"github.com/ocx/cipher-gateway/internal/enginepool"
	"github.com/ocx/cipher-gateway/internal/gwerrors"
	"github.com/ocx/cipher-gateway/internal/keystore"
	"github.com/ocx/cipher-gateway/internal/params"
	"github.com/ocx/cipher-gateway/internal/upstream"
	"github.com/ocx/cipher-gateway/internal/validate"
)

// Op-kind names used as accountant cost-table keys and batch
// coalescer operation-kinds. Exported so a composition root can build
// a matching accountant.CostTable.
const (
	OpEncrypt        = "encrypt"
	OpDecrypt        = "decrypt"
	OpConcat         = "concat"
	OpRefresh        = "refresh"
	OpUpstreamSubmit = "upstream-submit"
	OpUpstreamStream = "upstream-stream"
)

// ConcatNoiseCost is the fixed noise debit a concat op applies on top
// of taking the lesser of its two parents' noise budgets, per spec.md
// §4.D's "noise cost nonzero".
const ConcatNoiseCost = 10

// Orchestrator is the Request Orchestrator named in spec.md §4.I.
type Orchestrator struct {
	Validator   *validate.Validator
	Accountant  *accountant.Accountant
	Keys        *keystore.Store
	Ciphertexts *ciphertext.Store
	Cache       *cache.Cache
	Pool        *enginepool.Pool
	Upstream    upstream.Provider

	batchSize    int
	batchWait    time.Duration
	coalescers   map[string]*batch.Coalescer
	coalescersMu sync.Mutex

	auditLog *audit.Log
}

// New wires an Orchestrator from its components. Every argument is
// shared by reference so the same Store/Cache/Pool instances a
// background sweep goroutine touches are the ones requests observe.
func New(v *validate.Validator, a *accountant.Accountant, k *keystore.Store, c *ciphertext.Store, ch *cache.Cache, p *enginepool.Pool, up upstream.Provider) *Orchestrator {
	return &Orchestrator{
		Validator:   v,
		Accountant:  a,
		Keys:        k,
		Ciphertexts: c,
		Cache:       ch,
		Pool:        p,
		Upstream:    up,
	}
}

// PoolKeygen adapts an Engine Pool into the keyGenerator seam
// internal/keystore accepts, so Generate/Rotate run keygen through a
// pool checkout rather than calling a bare Scheme directly, per
// spec.md §4.B's "Uses the Engine Pool to run keygen."
type PoolKeygen struct {
	Pool *enginepool.Pool
}

// Keygen satisfies keystore's keyGenerator seam.
func (g PoolKeygen) Keygen(p *params.Params) (engine.KeyMaterial, error) {
	lease, err := g.Pool.Checkout(context.Background(), p)
	if err != nil {
		return engine.KeyMaterial{}, err
	}
	km, err := lease.Engine.Scheme.Keygen(p)
	if err != nil {
		g.Pool.Return(lease, enginepool.OutcomeError)
		return engine.KeyMaterial{}, gwerrors.Wrap(gwerrors.EngineFailed, err, "keygen-failed")
	}
	g.Pool.Return(lease, enginepool.OutcomeOK)
	return km, nil
}

// EnableAuditLog turns on the optional tamper-evident lifecycle audit
// trail: every GenerateKeys/Rotate/Revoke/Delete call appends an event
// once it succeeds. Off by default, matching EnableEncryptBatching's
// opt-in shape, so an Orchestrator built via New never pays for a log
// nobody asked for.
func (o *Orchestrator) EnableAuditLog() *audit.Log {
	o.auditLog = audit.New()
	return o.auditLog
}

func (o *Orchestrator) recordAudit(kind audit.Kind, principal, subjectID string) {
	if o.auditLog == nil {
		return
	}
	o.auditLog.Append(audit.Event{Kind: kind, Principal: principal, SubjectID: subjectID, At: time.Now()})
}

// GenerateKeys creates a fresh key pair under p, per spec.md §4.B's
// generate operation. tenantTag is optional and becomes part of the
// principal id every later op on this client derives.
func (o *Orchestrator) GenerateKeys(p *params.Params, tenantTag string, ttl time.Duration) (clientID, serverID uuid.UUID, err error) {
	clientID, serverID, err = o.Keys.Generate(p, tenantTag, ttl)
	if err == nil {
		o.recordAudit(audit.KeyGenerated, clientID.String(), serverID.String())
	}
	return clientID, serverID, err
}

// Rotate rotates clientID's server key, per spec.md §4.B.
func (o *Orchestrator) Rotate(clientID uuid.UUID) (newServerID uuid.UUID, err error) {
	newServerID, err = o.Keys.Rotate(clientID)
	if err == nil {
		o.recordAudit(audit.KeyRotated, clientID.String(), newServerID.String())
	}
	return newServerID, err
}

// Revoke revokes clientID's key material, per spec.md §4.B.
func (o *Orchestrator) Revoke(clientID uuid.UUID) error {
	err := o.Keys.Revoke(clientID)
	if err == nil {
		o.recordAudit(audit.KeyRevoked, clientID.String(), clientID.String())
	}
	return err
}

// principal derives the accountant's principal id from the client's
// stored tenant tag, per the glossary's "principal-id (derived from
// client-id and optional user tag)" — never taken from request input,
// so a caller cannot pick which ledger it gets charged against.
func principal(h keystore.Handle) string {
	if h.TenantTag == "" {
		return h.ClientID.String()
	}
	return h.TenantTag + ":" + h.ClientID.String()
}

// Encrypt runs the full sequence for spec.md §4.D's encrypt op:
// validate, admit, resolve keys, checkout an engine, encrypt, record
// the result, return its id.
func (o *Orchestrator) Encrypt(ctx context.Context, clientID uuid.UUID, plaintext []byte) (uuid.UUID, error) {
	if err := o.Validator.Plaintext(plaintext); err != nil {
		return uuid.Nil, err
	}

	keyHandle, err := o.Keys.Lookup(clientID)
	if err != nil {
		return uuid.Nil, err
	}
	princ := principal(keyHandle)
	if err := o.Accountant.Admit(princ, OpEncrypt); err != nil {
		return uuid.Nil, err
	}

	var payload []byte
	if o.coalescers != nil {
		payload, err = o.encryptBatched(ctx, keyHandle, plaintext)
	} else {
		payload, err = o.encryptSingle(ctx, keyHandle, plaintext)
	}
	if err != nil {
		o.Accountant.Refund(princ, OpEncrypt)
		return uuid.Nil, err
	}

	id, err := o.Ciphertexts.Put(clientID, payload, ciphertext.OriginEncrypt, nil, 0, keyHandle.Parameters)
	if err != nil {
		return uuid.Nil, err
	}
	o.Cache.Put(id, payload)
	return id, nil
}

// encryptSingle is the unbatched path: one engine checkout per call,
// unchanged from before batching existed.
func (o *Orchestrator) encryptSingle(ctx context.Context, keyHandle keystore.Handle, plaintext []byte) ([]byte, error) {
	lease, err := o.Pool.Checkout(ctx, keyHandle.Parameters)
	if err != nil {
		return nil, err
	}
	payload, err := lease.Engine.Scheme.Encrypt(keyHandle.Parameters, keyHandle.Public, plaintext)
	if err != nil {
		o.Pool.Return(lease, enginepool.OutcomeError)
		return nil, gwerrors.Wrap(gwerrors.EngineFailed, err, "encrypt-failed")
	}
	o.Pool.Return(lease, enginepool.OutcomeOK)
	return payload, nil
}

// encryptBatched joins plaintext into the open batch.Coalescer for
// keyHandle's parameter set, per spec.md §4.G/§4.I's "optionally joins
// a batch in (G)". Blocks until the batch this submission lands in is
// sealed and dispatched.
func (o *Orchestrator) encryptBatched(ctx context.Context, keyHandle keystore.Handle, plaintext []byte) ([]byte, error) {
	c := o.coalescerFor(keyHandle.Parameters)
	out, err := c.Submit(ctx, encryptJob{handle: keyHandle, plaintext: plaintext})
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

type encryptJob struct {
	handle    keystore.Handle
	plaintext []byte
}

func (o *Orchestrator) coalescerFor(p *params.Params) *batch.Coalescer {
	o.coalescersMu.Lock()
	defer o.coalescersMu.Unlock()
	c, ok := o.coalescers[p.ID()]
	if !ok {
		c = batch.New(OpEncrypt, p.ID(), o.batchSize, o.batchWait, o.sealEncryptBatch)
		o.coalescers[p.ID()] = c
	}
	return c
}

// sealEncryptBatch runs every queued encrypt on one engine checkout,
// sequentially (the simulated scheme declares no thread-safety per
// spec.md §4.G's "or in parallel if and only if the engine declares
// thread-safety"). If any op in the batch fails, every submitter
// observes the same failure rather than only its own, per spec.md §5's
// "either all submissions in the sealed batch observe a success
// result or all observe the same failure."
func (o *Orchestrator) sealEncryptBatch(ctx context.Context, inputs []any) []batch.Result {
	results := make([]batch.Result, len(inputs))
	if len(inputs) == 0 {
		return results
	}

	p := inputs[0].(encryptJob).handle.Parameters
	lease, err := o.Pool.Checkout(ctx, p)
	if err != nil {
		for i := range results {
			results[i] = batch.Result{Err: err}
		}
		return results
	}

	payloads := make([][]byte, len(inputs))
	var batchErr error
	for i, raw := range inputs {
		job := raw.(encryptJob)
		payload, err := lease.Engine.Scheme.Encrypt(p, job.handle.Public, job.plaintext)
		if err != nil {
			batchErr = gwerrors.Wrap(gwerrors.EngineFailed, err, "encrypt-failed")
			break
		}
		payloads[i] = payload
	}

	if batchErr != nil {
		o.Pool.Return(lease, enginepool.OutcomeError)
		for i := range results {
			results[i] = batch.Result{Err: batchErr}
		}
		return results
	}

	o.Pool.Return(lease, enginepool.OutcomeOK)
	for i, payload := range payloads {
		results[i] = batch.Result{Output: payload}
	}
	return results
}

// EnableEncryptBatching turns on optional batch coalescing for
// Encrypt, per spec.md §4.I step 4's optional batching path. Off by
// default: an Orchestrator built via New never allocates a coalescer,
// so every existing caller's single-checkout-per-call behavior is
// unchanged unless a composition root opts in explicitly.
func (o *Orchestrator) EnableEncryptBatching(sizeThreshold int, waitThreshold time.Duration) {
	o.batchSize = sizeThreshold
	o.batchWait = waitThreshold
	o.coalescers = make(map[string]*batch.Coalescer)
}

// Decrypt runs spec.md §4.D's decrypt op: admit, resolve and pin the
// ciphertext, checkout an engine, decrypt through the key store so the
// private key never leaves internal/keystore.
func (o *Orchestrator) Decrypt(ctx context.Context, clientID, ciphertextID uuid.UUID) ([]byte, error) {
	keyHandle, err := o.Keys.Lookup(clientID)
	if err != nil {
		return nil, err
	}
	princ := principal(keyHandle)
	if err := o.Accountant.Admit(princ, OpDecrypt); err != nil {
		return nil, err
	}

	cHandle, err := o.Ciphertexts.Get(ciphertextID)
	if err != nil {
		o.Accountant.Refund(princ, OpDecrypt)
		return nil, err
	}
	if cHandle.Owner != clientID {
		o.Accountant.Refund(princ, OpDecrypt)
		return nil, gwerrors.New(gwerrors.Forbidden, "ciphertext-not-owned")
	}

	o.Cache.Pin(ciphertextID)
	defer o.Cache.Unpin(ciphertextID)

	lease, err := o.Pool.Checkout(ctx, cHandle.Parameters)
	if err != nil {
		o.Accountant.Refund(princ, OpDecrypt)
		return nil, err
	}

	plain, err := o.Keys.Decrypt(lease.Engine.Scheme, clientID, cHandle.Payload)
	if err != nil {
		o.Pool.Return(lease, enginepool.OutcomeError)
		o.Accountant.Refund(princ, OpDecrypt)
		return nil, gwerrors.Wrap(gwerrors.EngineFailed, err, "decrypt-failed")
	}
	o.Pool.Return(lease, enginepool.OutcomeOK)
	return plain, nil
}

// Concat runs spec.md §4.D's concat op: both inputs must share an
// owner and parameter set; noise debits ConcatNoiseCost on top of the
// lesser parent's remaining budget.
func (o *Orchestrator) Concat(ctx context.Context, clientID, aID, bID uuid.UUID) (uuid.UUID, error) {
	keyHandle, err := o.Keys.Lookup(clientID)
	if err != nil {
		return uuid.Nil, err
	}
	princ := principal(keyHandle)
	if err := o.Accountant.Admit(princ, OpConcat); err != nil {
		return uuid.Nil, err
	}

	a, err := o.Ciphertexts.Get(aID)
	if err != nil {
		o.Accountant.Refund(princ, OpConcat)
		return uuid.Nil, err
	}
	b, err := o.Ciphertexts.Get(bID)
	if err != nil {
		o.Accountant.Refund(princ, OpConcat)
		return uuid.Nil, err
	}
	if a.Owner != clientID || b.Owner != clientID {
		o.Accountant.Refund(princ, OpConcat)
		return uuid.Nil, gwerrors.New(gwerrors.Forbidden, "ciphertext-not-owned")
	}
	if a.Parameters.ID() != b.Parameters.ID() {
		o.Accountant.Refund(princ, OpConcat)
		return uuid.Nil, gwerrors.New(gwerrors.InvalidRequest, "parameter-set-mismatch")
	}

	o.Cache.Pin(aID)
	o.Cache.Pin(bID)
	defer o.Cache.Unpin(aID)
	defer o.Cache.Unpin(bID)

	lease, err := o.Pool.Checkout(ctx, a.Parameters)
	if err != nil {
		o.Accountant.Refund(princ, OpConcat)
		return uuid.Nil, err
	}

	payload, err := lease.Engine.Scheme.Concat(a.Parameters, keyHandle.Public, a.Payload, b.Payload)
	if err != nil {
		o.Pool.Return(lease, enginepool.OutcomeError)
		o.Accountant.Refund(princ, OpConcat)
		return uuid.Nil, gwerrors.Wrap(gwerrors.EngineFailed, err, "concat-failed")
	}
	o.Pool.Return(lease, enginepool.OutcomeOK)

	resultNoise := a.Noise
	if b.Noise < resultNoise {
		resultNoise = b.Noise
	}
	resultNoise -= ConcatNoiseCost

	id, err := o.Ciphertexts.Put(clientID, payload, ciphertext.OriginOpResult, []uuid.UUID{aID, bID}, resultNoise, a.Parameters)
	if err != nil {
		return uuid.Nil, err
	}
	o.Cache.Put(id, payload)
	return id, nil
}

// Refresh runs spec.md §4.D's refresh op: a noise-reducing
// transformation allowed only while the ciphertext still has usable
// noise headroom above the minimum-usable threshold. The result is a
// new ciphertext reset to the nominal noise ceiling, chained into the
// same lineage.
func (o *Orchestrator) Refresh(ctx context.Context, clientID, id uuid.UUID) (uuid.UUID, error) {
	keyHandle, err := o.Keys.Lookup(clientID)
	if err != nil {
		return uuid.Nil, err
	}
	princ := principal(keyHandle)
	if err := o.Accountant.Admit(princ, OpRefresh); err != nil {
		return uuid.Nil, err
	}

	h, err := o.Ciphertexts.Get(id)
	if err != nil {
		o.Accountant.Refund(princ, OpRefresh)
		return uuid.Nil, err
	}
	if h.Owner != clientID {
		o.Accountant.Refund(princ, OpRefresh)
		return uuid.Nil, gwerrors.New(gwerrors.Forbidden, "ciphertext-not-owned")
	}
	if h.Noise <= ciphertext.MinUsableNoise {
		o.Accountant.Refund(princ, OpRefresh)
		return uuid.Nil, gwerrors.New(gwerrors.Exhausted, "noise-exhausted").WithStatus(422)
	}

	o.Cache.Pin(id)
	defer o.Cache.Unpin(id)

	lease, err := o.Pool.Checkout(ctx, h.Parameters)
	if err != nil {
		o.Accountant.Refund(princ, OpRefresh)
		return uuid.Nil, err
	}

	payload, err := lease.Engine.Scheme.Refresh(h.Parameters, keyHandle.Public, h.Payload)
	if err != nil {
		o.Pool.Return(lease, enginepool.OutcomeError)
		o.Accountant.Refund(princ, OpRefresh)
		return uuid.Nil, gwerrors.Wrap(gwerrors.EngineFailed, err, "refresh-failed")
	}
	o.Pool.Return(lease, enginepool.OutcomeOK)

	newID, err := o.Ciphertexts.Put(clientID, payload, ciphertext.OriginOpResult, []uuid.UUID{id}, ciphertext.NominalMaxNoise, h.Parameters)
	if err != nil {
		return uuid.Nil, err
	}
	o.Cache.Put(newID, payload)
	return newID, nil
}

// Validate reports a ciphertext's status/noise/size without mutating
// state or touching the accountant, per spec.md §4.C.
func (o *Orchestrator) Validate(id uuid.UUID) (ciphertext.ValidateResult, error) {
	return o.Ciphertexts.Validate(id)
}

// Delete removes a ciphertext and synchronously invalidates its cache
// entry so a concurrent Get can never observe a stale hit, per spec.md
// §4.F's coherent-invalidation requirement.
func (o *Orchestrator) Delete(id uuid.UUID) error {
	if err := o.Ciphertexts.Delete(id); err != nil {
		return err
	}
	o.Cache.Invalidate(id)
	o.recordAudit(audit.CiphertextDeleted, "", id.String())
	return nil
}

// SubmitUpstream forwards a ciphertext to the configured upstream
// provider and records the response as a fresh ciphertext with origin
// upstream, per spec.md §4.J.
func (o *Orchestrator) SubmitUpstream(ctx context.Context, clientID, id uuid.UUID) (uuid.UUID, error) {
	keyHandle, err := o.Keys.Lookup(clientID)
	if err != nil {
		return uuid.Nil, err
	}
	princ := principal(keyHandle)
	if err := o.Accountant.Admit(princ, OpUpstreamSubmit); err != nil {
		return uuid.Nil, err
	}

	h, err := o.Ciphertexts.Get(id)
	if err != nil {
		o.Accountant.Refund(princ, OpUpstreamSubmit)
		return uuid.Nil, err
	}
	if h.Owner != clientID {
		o.Accountant.Refund(princ, OpUpstreamSubmit)
		return uuid.Nil, gwerrors.New(gwerrors.Forbidden, "ciphertext-not-owned")
	}

	o.Cache.Pin(id)
	defer o.Cache.Unpin(id)

	result, err := o.Upstream.Submit(ctx, h.Payload)
	if err != nil {
		o.Accountant.Refund(princ, OpUpstreamSubmit)
		return uuid.Nil, err
	}

	// Upstream results carry the parent's noise budget through
	// unchanged: the upstream op ran outside this process's engine, so
	// there is no local noise cost to debit for it.
	resultID, err := o.Ciphertexts.Put(clientID, result, ciphertext.OriginUpstream, []uuid.UUID{id}, h.Noise, h.Parameters)
	if err != nil {
		return uuid.Nil, err
	}
	o.Cache.Put(resultID, result)
	return resultID, nil
}

// StreamUpstream forwards a ciphertext to the upstream provider's
// streaming endpoint and relays chunks back as they arrive, per
// spec.md §4.J / §6's SSE surface. The pin on id is held for the
// lifetime of the stream and released once the channel closes.
func (o *Orchestrator) StreamUpstream(ctx context.Context, clientID, id uuid.UUID) (<-chan upstream.Chunk, error) {
	keyHandle, err := o.Keys.Lookup(clientID)
	if err != nil {
		return nil, err
	}
	princ := principal(keyHandle)
	if err := o.Accountant.Admit(princ, OpUpstreamStream); err != nil {
		return nil, err
	}

	h, err := o.Ciphertexts.Get(id)
	if err != nil {
		o.Accountant.Refund(princ, OpUpstreamStream)
		return nil, err
	}
	if h.Owner != clientID {
		o.Accountant.Refund(princ, OpUpstreamStream)
		return nil, gwerrors.New(gwerrors.Forbidden, "ciphertext-not-owned")
	}

	o.Cache.Pin(id)
	upstreamCh, err := o.Upstream.Stream(ctx, h.Payload)
	if err != nil {
		o.Cache.Unpin(id)
		o.Accountant.Refund(princ, OpUpstreamStream)
		return nil, err
	}

	out := make(chan upstream.Chunk)
	go func() {
		defer close(out)
		defer o.Cache.Unpin(id)
		for chunk := range upstreamCh {
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
