// Package keystore implements the Key Store (component B): the
// ClientKeyPair / ServerKey lifecycle — generate, rotate, revoke,
// lookup — with a bounded rotation grace window and zeroization of
// retired private material.
//
// The concurrency shape is lifted from the teacher's
// internal/security.TokenBroker: a sharded map protected by a single
// mutex per id, copy-on-write records so readers never block behind a
// writer, and a grace-until timestamp gating which of two generations
// of key material a lookup may still use.
package keystore

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/cipher-gateway/internal/engine"
	"github.com/ocx/cipher-gateway/internal/gwerrors"
	"github.com/ocx/cipher-gateway/internal/params"
)

// Status is the lifecycle stage of a key pair, named exactly as
// spec.md §3.B enumerates it.
type Status string

const (
	StatusActive   Status = "active"
	StatusRotating Status = "rotating"
	StatusRevoked  Status = "revoked"
)

// DefaultGrace is the minimum rotation grace window: spec.md §4.B
// requires "grace ≥ one minimum TTL". One minute is this
// implementation's minimum TTL, matching the teacher's TokenBroker
// default sweep cadence.
const DefaultGrace = time.Minute

// ClientKeyPair is the client-facing half of a key generation, named
// per spec.md §3.B.
type ClientKeyPair struct {
	ClientID   uuid.UUID
	Public     []byte
	private    []byte // never exposed outside this package
	Parameters *params.Params
	TenantTag  string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Status     Status
}

// ServerKey is the server-side evaluation half, named per spec.md §3.B.
// server-id → client-id is many-to-one: a rotation mints a new
// ServerKey under the same ClientID while the old one lingers in
// StatusRotating.
type ServerKey struct {
	ServerID   uuid.UUID
	ClientID   uuid.UUID
	Evaluation []byte
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Status     Status
}

// Handle is the read-only view returned by Lookup: the material a
// caller needs to encrypt/decrypt/evaluate, stripped of anything this
// package must not hand out raw (private material is accessed only
// through the Decrypt helper, never copied out).
type Handle struct {
	ClientID   uuid.UUID
	ServerID   uuid.UUID
	Public     []byte
	Evaluation []byte
	Parameters *params.Params
	TenantTag  string
	Status     Status
}

// generation is one (public/private/evaluation) triple plus its
// validity window. A record holds the current generation and,
// during a grace window, the previous one.
type generation struct {
	serverID   uuid.UUID
	public     []byte
	private    []byte
	evaluation []byte
	createdAt  time.Time
	expiresAt  time.Time
	status     Status
}

// record is the copy-on-write snapshot stored per client id. Every
// mutation builds a new *record and swaps it in under the id's
// writer lock; readers load the current pointer without blocking.
type record struct {
	clientID  uuid.UUID
	tenantTag string
	params    *params.Params
	createdAt time.Time

	current  generation
	previous *generation // non-nil only during rotation grace
	graceEnd time.Time
	revoked  bool
}

// keyGenerator is the minimal seam onto the FHE Engine spec.md §4.B
// requires ("Uses the Engine Pool to run keygen"). The Store accepts
// any implementation — in production this is backed by the Engine
// Pool's checkout/return cycle; tests wire in engine.Simulated()
// directly.
type keyGenerator interface {
	Keygen(p *params.Params) (engine.KeyMaterial, error)
}

// Store is the Key Store named in spec.md §4.B.
type Store struct {
	gen keyGenerator

	mu      sync.RWMutex // guards the records map itself, not its values
	records map[uuid.UUID]*record
	locks   map[uuid.UUID]*sync.Mutex // per-id writer lock, striped by id

	grace time.Duration
}

// New constructs a Key Store backed by gen for key-material generation.
func New(gen keyGenerator) *Store {
	return &Store{
		gen:     gen,
		records: make(map[uuid.UUID]*record),
		locks:   make(map[uuid.UUID]*sync.Mutex),
		grace:   DefaultGrace,
	}
}

func (s *Store) lockFor(id uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	s.mu.Unlock()
	return l
}

func (s *Store) load(id uuid.UUID) (*record, bool) {
	s.mu.RLock()
	r, ok := s.records[id]
	s.mu.RUnlock()
	return r, ok
}

func (s *Store) store(id uuid.UUID, r *record) {
	s.mu.Lock()
	s.records[id] = r
	s.mu.Unlock()
}

// Generate creates a fresh ClientKeyPair and paired ServerKey under p,
// per spec.md §4.B's `generate(parameter-set) -> (client-id, server-id)`.
func (s *Store) Generate(p *params.Params, tenantTag string, ttl time.Duration) (clientID, serverID uuid.UUID, err error) {
	km, err := s.gen.Keygen(p)
	if err != nil {
		return uuid.Nil, uuid.Nil, gwerrors.Wrap(gwerrors.EngineFailed, err, "key-generation-failed")
	}

	clientID = uuid.New()
	serverID = uuid.New()
	now := time.Now()
	expires := now.Add(ttl)

	r := &record{
		clientID:  clientID,
		tenantTag: tenantTag,
		params:    p,
		createdAt: now,
		current: generation{
			serverID:   serverID,
			public:     km.Public,
			private:    km.Private,
			evaluation: km.Evaluation,
			createdAt:  now,
			expiresAt:  expires,
			status:     StatusActive,
		},
	}
	s.store(clientID, r)
	return clientID, serverID, nil
}

// Rotate atomically transitions the current ServerKey to rotating
// with a grace window and mints a fresh generation, per spec.md §4.B's
// `rotate(client-id) -> new-server-id`. During the grace window both
// generations decrypt and evaluate.
func (s *Store) Rotate(clientID uuid.UUID) (newServerID uuid.UUID, err error) {
	lock := s.lockFor(clientID)
	lock.Lock()
	defer lock.Unlock()

	r, ok := s.load(clientID)
	if !ok {
		return uuid.Nil, gwerrors.New(gwerrors.NotFound, "unknown-key")
	}
	if r.revoked {
		return uuid.Nil, gwerrors.New(gwerrors.Conflict, "revoked-key")
	}

	km, err := s.gen.Keygen(r.params)
	if err != nil {
		return uuid.Nil, gwerrors.Wrap(gwerrors.EngineFailed, err, "key-rotation-failed")
	}

	now := time.Now()
	ttl := r.current.expiresAt.Sub(r.current.createdAt)
	if ttl <= 0 {
		ttl = s.grace
	}

	oldGen := r.current
	oldGen.status = StatusRotating
	newServerID = uuid.New()

	next := &record{
		clientID:  r.clientID,
		tenantTag: r.tenantTag,
		params:    r.params,
		createdAt: r.createdAt,
		current: generation{
			serverID:   newServerID,
			public:     km.Public,
			private:    km.Private,
			evaluation: km.Evaluation,
			createdAt:  now,
			expiresAt:  now.Add(ttl),
			status:     StatusActive,
		},
		previous: &oldGen,
		graceEnd: now.Add(maxDuration(s.grace, DefaultGrace)),
	}
	s.store(clientID, next)
	return newServerID, nil
}

// Revoke transitions a client's key to revoked and zeroizes all
// private material it holds, including any still-lingering previous
// generation from an in-progress rotation. Metadata remains visible
// for the audit window via Lookup's status field, per spec.md §4.B.
func (s *Store) Revoke(clientID uuid.UUID) error {
	lock := s.lockFor(clientID)
	lock.Lock()
	defer lock.Unlock()

	r, ok := s.load(clientID)
	if !ok {
		return gwerrors.New(gwerrors.NotFound, "unknown-key")
	}

	zero(r.current.private)
	current := r.current
	current.status = StatusRevoked
	var previous *generation
	if r.previous != nil {
		zero(r.previous.private)
		prev := *r.previous
		prev.status = StatusRevoked
		previous = &prev
	}

	next := &record{
		clientID:  r.clientID,
		tenantTag: r.tenantTag,
		params:    r.params,
		createdAt: r.createdAt,
		current:   current,
		previous:  previous,
		graceEnd:  r.graceEnd,
		revoked:   true,
	}
	s.store(clientID, next)
	return nil
}

// Lookup resolves a client id to the handle a caller needs to
// encrypt/decrypt/evaluate under, per spec.md §4.B's
// `lookup(id) -> handle`. Errors are `unknown-key`, `revoked-key`, or
// `expired-key`, matching spec.md's named failure modes.
func (s *Store) Lookup(clientID uuid.UUID) (Handle, error) {
	r, ok := s.load(clientID)
	if !ok {
		return Handle{}, gwerrors.New(gwerrors.NotFound, "unknown-key")
	}
	if r.revoked {
		return Handle{}, gwerrors.New(gwerrors.Conflict, "revoked-key")
	}

	g := s.resolveGeneration(r)
	if g == nil {
		return Handle{}, gwerrors.New(gwerrors.Conflict, "expired-key")
	}

	return Handle{
		ClientID:   clientID,
		ServerID:   g.serverID,
		Public:     g.public,
		Evaluation: g.evaluation,
		Parameters: r.params,
		TenantTag:  r.tenantTag,
		Status:     g.status,
	}, nil
}

// resolveGeneration picks the generation current time may still use:
// the current one if unexpired, else the previous one if still inside
// its rotation grace window. Past the grace window, the previous
// generation is no longer reachable at all — its private material was
// already zeroized by the grace sweep (see Sweep).
func (s *Store) resolveGeneration(r *record) *generation {
	now := time.Now()
	if now.Before(r.current.expiresAt) {
		return &r.current
	}
	if r.previous != nil && now.Before(r.graceEnd) {
		return r.previous
	}
	return nil
}

// Decrypt resolves clientID to a private key and decrypts ciphertext
// under sch, without ever copying the private key out of this
// package. It tries the current generation first, then — inside the
// rotation grace window — the previous one, satisfying spec.md §4.B's
// "during grace both decrypt" invariant.
func (s *Store) Decrypt(sch engine.Scheme, clientID uuid.UUID, ciphertext []byte) ([]byte, error) {
	r, ok := s.load(clientID)
	if !ok {
		return nil, gwerrors.New(gwerrors.NotFound, "unknown-key")
	}
	if r.revoked {
		return nil, gwerrors.New(gwerrors.Conflict, "revoked-key")
	}

	now := time.Now()
	if now.Before(r.current.expiresAt) {
		if out, err := sch.Decrypt(r.params, r.current.private, ciphertext); err == nil {
			return out, nil
		}
	}
	if r.previous != nil && now.Before(r.graceEnd) {
		return sch.Decrypt(r.params, r.previous.private, ciphertext)
	}
	return nil, gwerrors.New(gwerrors.Conflict, "expired-key")
}

// Sweep zeroizes and drops any previous generation whose rotation
// grace window has ended. Call periodically from a background ticker,
// matching the teacher's TokenBroker.SweepExpired cadence.
func (s *Store) Sweep() int {
	s.mu.RLock()
	ids := make([]uuid.UUID, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	swept := 0
	now := time.Now()
	for _, id := range ids {
		lock := s.lockFor(id)
		lock.Lock()
		r, ok := s.load(id)
		if ok && r.previous != nil && !now.Before(r.graceEnd) {
			zero(r.previous.private)
			next := *r
			next.previous = nil
			s.store(id, &next)
			swept++
		}
		lock.Unlock()
	}
	return swept
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
