// Package ciphertext implements the Ciphertext Store (component C):
// an arena of ciphertext records keyed by id, tracking noise budget,
// lineage, and TTL.
//
// The sweep and per-id locking mirror the teacher's
// internal/security.TokenBroker.SweepExpired / internal/middleware
// rate limiter cleanup loop: each Sweep call walks the id set and
// mutates each record under its own lock rather than a single global
// lock. Nothing in this package schedules Sweep; a record past its TTL
// is refused by Get but keeps its payload until Sweep runs.
package ciphertext

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/cipher-gateway/internal/gwerrors"
	"github.com/ocx/cipher-gateway/internal/params"
)

// Origin names how a ciphertext came to exist, per spec.md §3.C.
type Origin string

const (
	OriginEncrypt  Origin = "encrypt"
	OriginOpResult Origin = "op-result"
	OriginUpstream Origin = "upstream"
)

// Status is the lifecycle stage of a ciphertext record.
type Status string

const (
	StatusActive    Status = "active"
	StatusExhausted Status = "exhausted"
	StatusExpired   Status = "expired"
)

// NominalMaxNoise is the initial noise budget assigned to a freshly
// encrypted ciphertext (origin=encrypt). Op-result ciphertexts derive
// their initial budget from their parents instead.
const NominalMaxNoise = 1000

// MinUsableNoise is the minimum-usable-threshold named in spec.md
// §3.C: a record whose noise budget falls below this becomes exhausted.
const MinUsableNoise = 50

// MaxLineageDepth bounds the DAG depth an op-result may accumulate,
// per spec.md §4.C's "lineage-overflow" failure mode. Implementation-
// defined; chosen generously relative to typical batch depths.
const MaxLineageDepth = 64

// DefaultTTL is how long a ciphertext's payload remains live before
// TTL sweep reclaims it, per spec.md §3.C.
const DefaultTTL = 15 * time.Minute

// AuditRetention is how long a record's metadata survives after its
// payload is reclaimed, per spec.md §3.C's "retains metadata for a
// short audit window".
const AuditRetention = 5 * time.Minute

// Record is the ciphertext entity named in spec.md §3.C.
type Record struct {
	ID         uuid.UUID
	Owner      uuid.UUID
	Payload    []byte
	SizeBytes  int
	Noise      int
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Origin     Origin
	Lineage    []uuid.UUID
	Parameters *params.Params
	Status     Status

	payloadReclaimedAt time.Time
}

// Handle is the read view returned by Get: payload plus everything a
// consuming op needs to check before doing engine work.
type Handle struct {
	ID         uuid.UUID
	Owner      uuid.UUID
	Payload    []byte
	Noise      int
	Parameters *params.Params
	Status     Status
	Lineage    []uuid.UUID
}

// ValidateResult is the read-only view returned by Validate, per
// spec.md §4.C: "never mutates state".
type ValidateResult struct {
	Status     Status
	Noise      int
	SizeBytes  int
	Parameters *params.Params
}

type entry struct {
	mu     sync.Mutex
	record *Record
	depth  int // lineage depth: 0 for a root, else 1 + deepest parent
}

// Store is the Ciphertext Store named in spec.md §4.C.
type Store struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*entry
	ttl     time.Duration
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		entries: make(map[uuid.UUID]*entry),
		ttl:     DefaultTTL,
	}
}

func (s *Store) get(id uuid.UUID) (*entry, bool) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	return e, ok
}

// Put assigns a fresh id and stores payload with the initial noise
// budget implied by origin, per spec.md §4.C's
// `put(owner, payload, origin, lineage) -> ciphertext-id`.
//
// For origin=encrypt, noise starts at NominalMaxNoise. For
// origin=op-result, the caller supplies the parents' post-op noise via
// noiseAfterOp (the engine/orchestrator computes this, since the cost
// of an op is policy, not something the store decides). Lineage depth
// is checked before the record is admitted.
func (s *Store) Put(owner uuid.UUID, payload []byte, origin Origin, lineage []uuid.UUID, noiseAfterOp int, p *params.Params) (uuid.UUID, error) {
	depth, err := s.lineageDepth(lineage)
	if err != nil {
		return uuid.Nil, err
	}
	if depth >= MaxLineageDepth {
		return uuid.Nil, gwerrors.New(gwerrors.InvalidRequest, "lineage-overflow")
	}

	noise := NominalMaxNoise
	if origin != OriginEncrypt {
		noise = noiseAfterOp
	}
	status := StatusActive
	if noise < MinUsableNoise {
		status = StatusExhausted
	}

	now := time.Now()
	id := uuid.New()
	r := &Record{
		ID:         id,
		Owner:      owner,
		Payload:    payload,
		SizeBytes:  len(payload),
		Noise:      noise,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.ttl),
		Origin:     origin,
		Lineage:    append([]uuid.UUID(nil), lineage...),
		Parameters: p,
		Status:     status,
	}

	s.mu.Lock()
	s.entries[id] = &entry{record: r, depth: depth}
	s.mu.Unlock()
	return id, nil
}

// lineageDepth returns the depth of a new record whose parents are
// lineage, computed by walking each parent's own stored depth. Depth
// of a root (no parents) is 0.
func (s *Store) lineageDepth(lineage []uuid.UUID) (int, error) {
	if len(lineage) == 0 {
		return 0, nil
	}
	max := 0
	for _, parentID := range lineage {
		e, ok := s.get(parentID)
		if !ok {
			return 0, gwerrors.New(gwerrors.NotFound, "unknown-ciphertext")
		}
		e.mu.Lock()
		d := e.depth
		e.mu.Unlock()
		if d > max {
			max = d
		}
	}
	return max + 1, nil
}

// Get resolves id to a handle, failing per spec.md §4.C:
// `unknown-ciphertext`, `expired-ciphertext`, `noise-exhausted`.
func (s *Store) Get(id uuid.UUID) (Handle, error) {
	e, ok := s.get(id)
	if !ok {
		return Handle{}, gwerrors.New(gwerrors.NotFound, "unknown-ciphertext")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.record

	if r.Status == StatusExpired || time.Now().After(r.ExpiresAt) {
		return Handle{}, gwerrors.New(gwerrors.NotFound, "expired-ciphertext")
	}
	if r.Status == StatusExhausted {
		return Handle{}, gwerrors.New(gwerrors.Exhausted, "noise-exhausted").WithStatus(422)
	}
	return Handle{
		ID:         r.ID,
		Owner:      r.Owner,
		Payload:    r.Payload,
		Noise:      r.Noise,
		Parameters: r.Parameters,
		Status:     r.Status,
		Lineage:    append([]uuid.UUID(nil), r.Lineage...),
	}, nil
}

// Validate reports a record's status/noise/size/parameters without
// mutating state, per spec.md §4.C.
func (s *Store) Validate(id uuid.UUID) (ValidateResult, error) {
	e, ok := s.get(id)
	if !ok {
		return ValidateResult{}, gwerrors.New(gwerrors.NotFound, "unknown-ciphertext")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.record
	return ValidateResult{
		Status:     r.Status,
		Noise:      r.Noise,
		SizeBytes:  r.SizeBytes,
		Parameters: r.Parameters,
	}, nil
}

// Delete explicitly reclaims id's payload immediately, retaining
// metadata for AuditRetention, matching TTL expiry's behavior.
func (s *Store) Delete(id uuid.UUID) error {
	e, ok := s.get(id)
	if !ok {
		return gwerrors.New(gwerrors.NotFound, "unknown-ciphertext")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s.reclaim(e.record)
	return nil
}

func (s *Store) reclaim(r *Record) {
	r.Payload = nil
	r.Status = StatusExpired
	r.payloadReclaimedAt = time.Now()
}

// Sweep reclaims payloads past TTL and drops metadata past the audit
// retention window. It runs only when a caller invokes it.
func (s *Store) Sweep() (reclaimed, dropped int) {
	s.mu.RLock()
	ids := make([]uuid.UUID, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	now := time.Now()
	for _, id := range ids {
		e, ok := s.get(id)
		if !ok {
			continue
		}
		e.mu.Lock()
		r := e.record
		if r.Status != StatusExpired && now.After(r.ExpiresAt) {
			s.reclaim(r)
			reclaimed++
		}
		shouldDrop := r.Status == StatusExpired && !r.payloadReclaimedAt.IsZero() && now.After(r.payloadReclaimedAt.Add(AuditRetention))
		e.mu.Unlock()

		if shouldDrop {
			s.mu.Lock()
			delete(s.entries, id)
			s.mu.Unlock()
			dropped++
		}
	}
	return reclaimed, dropped
}

// Snapshot copies every active, non-expired record for persistence,
// per spec.md §6's optional persisted-state surface. Expired or
// payload-reclaimed records are skipped: there is nothing left in them
// worth restoring, and restoring a bare shell would resurrect an id a
// client already believes is gone.
func (s *Store) Snapshot() []Record {
	s.mu.RLock()
	ids := make([]uuid.UUID, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	out := make([]Record, 0, len(ids))
	now := time.Now()
	for _, id := range ids {
		e, ok := s.get(id)
		if !ok {
			continue
		}
		e.mu.Lock()
		r := e.record
		if r.Status != StatusExpired && now.Before(r.ExpiresAt) {
			out = append(out, Record{
				ID:         r.ID,
				Owner:      r.Owner,
				Payload:    append([]byte(nil), r.Payload...),
				SizeBytes:  r.SizeBytes,
				Noise:      r.Noise,
				CreatedAt:  r.CreatedAt,
				ExpiresAt:  r.ExpiresAt,
				Origin:     r.Origin,
				Lineage:    append([]uuid.UUID(nil), r.Lineage...),
				Parameters: r.Parameters,
				Status:     r.Status,
			})
		}
		e.mu.Unlock()
	}
	return out
}

// Restore re-admits records produced by a prior Snapshot, preserving
// their original ids rather than minting new ones via Put. Records
// already expired by wall-clock time (the process was down past their
// ExpiresAt) are dropped rather than restored, matching Snapshot's own
// skip-if-expired rule.
func (s *Store) Restore(records []Record) int {
	now := time.Now()
	restored := 0
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		if now.After(r.ExpiresAt) {
			continue
		}
		rec := r
		s.entries[r.ID] = &entry{record: &rec}
		restored++
	}
	return restored
}
