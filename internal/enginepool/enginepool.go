// Package enginepool implements the Engine Pool (component E):
// checkout/return over a buffered channel of idle engines, with a
// background maintainer keeping each parameter set's pool topped up.
//
// Structurally this is the teacher's ghostpool.PoolManager with the
// Docker/gVisor container lifecycle replaced by an Engine lifecycle:
// the same available-channel-plus-active-map shape, the same
// background maintainer loop, the same "scrub or destroy" choice on
// return (here: reset to idle, or drain-and-replace on error).
package enginepool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/cipher-gateway/internal/engine"
	"github.com/ocx/cipher-gateway/internal/gwerrors"
	"github.com/ocx/cipher-gateway/internal/params"
)

// Outcome tells Return whether the leased engine finished its
// operation cleanly or hit an engine-level failure.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeError
)

// Lease is a checked-out engine plus the bookkeeping Return needs.
type Lease struct {
	ID     uuid.UUID
	Engine *engine.Engine
	pool   *pool
}

// Stats mirrors ghostpool.PoolManager's observability surface, named
// per spec.md §4.E.
type Stats struct {
	Idle   int
	InUse  int
	Failed int
}

// pool is one parameter-set-specific engine pool.
type pool struct {
	params    *params.Params
	sch       engine.Scheme
	available chan *engine.Engine
	mu        sync.Mutex
	active    map[uuid.UUID]*engine.Engine
	failed    int
	minIdle   int
	maxCap    int
	stopCh    chan struct{}
}

func newPool(sch engine.Scheme, p *params.Params, minIdle, maxCap int) *pool {
	pl := &pool{
		params:    p,
		sch:       sch,
		available: make(chan *engine.Engine, maxCap),
		active:    make(map[uuid.UUID]*engine.Engine),
		minIdle:   minIdle,
		maxCap:    maxCap,
		stopCh:    make(chan struct{}),
	}
	for i := 0; i < minIdle; i++ {
		pl.available <- engine.New(sch, p)
	}
	go pl.maintain()
	return pl
}

func (pl *pool) maintain() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-pl.stopCh:
			return
		case <-ticker.C:
			pl.mu.Lock()
			activeCount := len(pl.active)
			pl.mu.Unlock()
			availableCount := len(pl.available)
			total := activeCount + availableCount

			if availableCount < pl.minIdle && total < pl.maxCap {
				deficit := pl.minIdle - availableCount
				for i := 0; i < deficit && total+i < pl.maxCap; i++ {
					select {
					case pl.available <- engine.New(pl.sch, pl.params):
					default:
					}
				}
			}
		}
	}
}

func (pl *pool) stats() Stats {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return Stats{
		Idle:   len(pl.available),
		InUse:  len(pl.active),
		Failed: pl.failed,
	}
}

// Pool owns one sub-pool per distinct parameter-set id, per spec.md
// §4.E's note that a process may serve more than one Parameter Set
// concurrently even though a single scheme is loaded.
type Pool struct {
	sch             engine.Scheme
	minIdle         int
	maxCap          int
	checkoutTimeout time.Duration

	mu    sync.Mutex
	pools map[string]*pool
}

// New constructs a Pool backed by sch, growing each parameter set's
// sub-pool up to maxCap engines and keeping at least minIdle idle.
// checkoutTimeout bounds how long Checkout waits for an idle engine
// when the caller's own context carries no deadline (or a looser one);
// zero disables the pool's own bound and leaves Checkout governed
// purely by ctx.
func New(sch engine.Scheme, minIdle, maxCap int, checkoutTimeout time.Duration) *Pool {
	return &Pool{
		sch:             sch,
		minIdle:         minIdle,
		maxCap:          maxCap,
		checkoutTimeout: checkoutTimeout,
		pools:           make(map[string]*pool),
	}
}

func (p *Pool) poolFor(ps *params.Params) *pool {
	p.mu.Lock()
	defer p.mu.Unlock()
	pl, ok := p.pools[ps.ID()]
	if !ok {
		pl = newPool(p.sch, ps, p.minIdle, p.maxCap)
		p.pools[ps.ID()] = pl
	}
	return pl
}

// Checkout returns an engine bound to ps, or fails `pool-exhausted` on
// ctx cancellation/timeout, per spec.md §4.E's
// `checkout(parameter-set, timeout) -> engine-lease`.
func (p *Pool) Checkout(ctx context.Context, ps *params.Params) (*Lease, error) {
	if p.checkoutTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.checkoutTimeout)
		defer cancel()
	}

	pl := p.poolFor(ps)
	select {
	case e := <-pl.available:
		e.State = engine.StateInUse
		lease := &Lease{ID: uuid.New(), Engine: e, pool: pl}
		pl.mu.Lock()
		pl.active[lease.ID] = e
		pl.mu.Unlock()
		return lease, nil
	case <-ctx.Done():
		return nil, gwerrors.New(gwerrors.Exhausted, "pool-exhausted").WithStatus(429)
	}
}

// Return releases a leased engine back to its pool. On OutcomeError
// the engine is marked failed and replaced with a fresh idle engine,
// mirroring ghostpool's "scrub or destroy" branch.
func (p *Pool) Return(lease *Lease, outcome Outcome) {
	pl := lease.pool
	pl.mu.Lock()
	delete(pl.active, lease.ID)
	pl.mu.Unlock()

	if outcome == OutcomeError {
		lease.Engine.State = engine.StateFailed
		pl.mu.Lock()
		pl.failed++
		pl.mu.Unlock()
		slog.Warn("engine failed, replacing", "parameter_set", pl.params.ID())
		replacement := engine.New(pl.sch, pl.params)
		pl.available <- replacement
		return
	}

	lease.Engine.State = engine.StateIdle
	pl.available <- lease.Engine
}

// Stats reports idle/in-use/failed counts for ps's sub-pool, per
// spec.md §4.E. A parameter set never checked out against returns a
// zero Stats.
func (p *Pool) Stats(ps *params.Params) Stats {
	p.mu.Lock()
	pl, ok := p.pools[ps.ID()]
	p.mu.Unlock()
	if !ok {
		return Stats{}
	}
	return pl.stats()
}

// Close stops every sub-pool's maintainer goroutine. Intended for
// graceful shutdown.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pl := range p.pools {
		close(pl.stopCh)
	}
}
