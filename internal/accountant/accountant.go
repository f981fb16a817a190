// Package accountant implements the Privacy Accountant (component H):
// a per-principal epsilon ledger gating admission of every
// privacy-consuming operation.
//
// The per-key ledger map guarded by a single mutex, with a
// read-then-upgrade-to-write-lock fast path, is the teacher's
// internal/middleware.RateLimiter shape generalized from a sliding
// call-count window to a monotonic consumed-epsilon counter. Layered
// on top, an optional per-principal golang.org/x/time/rate.Limiter
// throttles the *rate* of admission calls themselves — a distinct
// concern from the epsilon budget, since spec.md's ledger must stay
// monotonic until an explicit reset and a refilling token bucket
// would violate that.
package accountant

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ocx/cipher-gateway/internal/gwerrors"
)

// CostTable maps operation-kind to its epsilon cost, per spec.md
// §4.H's "cost lookup is a pure function of op-kind and parameters".
type CostTable map[string]float64

// FreeFailureKinds names failure kinds whose epsilon increment is
// refunded rather than retained, per spec.md §4.H's "unless the
// configuration marks the failure kind as free".
type FreeFailureKinds map[string]bool

// RefillPolicy optionally throttles the rate of admission attempts a
// principal may make, independent of its epsilon budget.
type RefillPolicy struct {
	RatePerSecond float64
	Burst         int
}

type ledger struct {
	mu              sync.Mutex
	totalEpsilon    float64
	consumedEpsilon float64
	windowStart     time.Time
	limiter         *rate.Limiter
}

// Snapshot is the read-only ledger view spec.md's admin surface and
// tests inspect.
type Snapshot struct {
	Principal        string
	TotalEpsilon     float64
	ConsumedEpsilon  float64
	RemainingEpsilon float64
	WindowStart      time.Time
}

// Accountant is the Privacy Accountant named in spec.md §4.H.
type Accountant struct {
	costs        CostTable
	freeFailures FreeFailureKinds
	totalEpsilon float64
	refill       *RefillPolicy

	mu      sync.RWMutex
	ledgers map[string]*ledger
}

// New constructs an Accountant. costs maps op-kind to epsilon cost;
// totalEpsilon is the default per-principal budget; refill, if
// non-nil, throttles admission-attempt rate per principal.
func New(costs CostTable, totalEpsilon float64, freeFailures FreeFailureKinds, refill *RefillPolicy) *Accountant {
	return &Accountant{
		costs:        costs,
		freeFailures: freeFailures,
		totalEpsilon: totalEpsilon,
		refill:       refill,
		ledgers:      make(map[string]*ledger),
	}
}

func (a *Accountant) ledgerFor(principal string) *ledger {
	a.mu.RLock()
	l, ok := a.ledgers[principal]
	a.mu.RUnlock()
	if ok {
		return l
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if l, ok = a.ledgers[principal]; ok {
		return l
	}
	l = &ledger{totalEpsilon: a.totalEpsilon, windowStart: time.Now()}
	if a.refill != nil {
		l.limiter = rate.NewLimiter(rate.Limit(a.refill.RatePerSecond), a.refill.Burst)
	}
	a.ledgers[principal] = l
	return l
}

// Admit performs the atomic admit-and-increment named in spec.md
// §4.H's `admit(principal, op-kind) -> decision`: only one admission
// per principal proceeds at a time, and on success consumed-epsilon
// is incremented before the operation runs.
func (a *Accountant) Admit(principal, opKind string) error {
	cost, ok := a.costs[opKind]
	if !ok {
		return gwerrors.Newf(gwerrors.Internal, "no epsilon cost configured for op-kind %q", opKind)
	}

	l := a.ledgerFor(principal)
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.limiter != nil && !l.limiter.Allow() {
		return gwerrors.New(gwerrors.Exhausted, "admission-rate-exceeded").WithStatus(429)
	}

	if l.consumedEpsilon+cost > l.totalEpsilon {
		return gwerrors.Newf(gwerrors.Exhausted, "privacy budget exhausted: remaining_epsilon=%.4f", l.totalEpsilon-l.consumedEpsilon).WithStatus(429)
	}

	l.consumedEpsilon += cost
	return nil
}

// Refund reverses the epsilon increment Admit applied for opKind,
// used when an operation fails with a failure kind configured as free
// per spec.md §4.H.
func (a *Accountant) Refund(principal, opKind string) {
	cost, ok := a.costs[opKind]
	if !ok {
		return
	}
	if !a.freeFailures[opKind] {
		return
	}
	l := a.ledgerFor(principal)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.consumedEpsilon -= cost
	if l.consumedEpsilon < 0 {
		l.consumedEpsilon = 0
	}
}

// Snapshot returns principal's current ledger state without mutating
// it, per spec.md §6's admin snapshot surface.
func (a *Accountant) Snapshot(principal string) Snapshot {
	l := a.ledgerFor(principal)
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		Principal:        principal,
		TotalEpsilon:     l.totalEpsilon,
		ConsumedEpsilon:  l.consumedEpsilon,
		RemainingEpsilon: l.totalEpsilon - l.consumedEpsilon,
		WindowStart:      l.windowStart,
	}
}

// Reset clears principal's consumed epsilon, the only way consumed
// epsilon ever decreases outside of a free-failure refund, per
// spec.md §3's "reset by policy or explicit administrative action".
func (a *Accountant) Reset(principal string) {
	l := a.ledgerFor(principal)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.consumedEpsilon = 0
	l.windowStart = time.Now()
}
