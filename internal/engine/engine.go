package engine

import "github.com/ocx/cipher-gateway/internal/params"

// State is an engine's lifecycle stage, named exactly per spec.md §3
// ("Engine ... State: in-use | idle | draining | failed").
type State string

const (
	StateIdle     State = "idle"
	StateInUse    State = "in-use"
	StateDraining State = "draining"
	StateFailed   State = "failed"
)

// Engine binds one Parameter Set and a reusable scratch buffer to a
// Scheme implementation. The Engine Pool is the only component that
// keeps a long-lived reference to one, per spec.md §3.D/E.
type Engine struct {
	Scheme     Scheme
	Parameters *params.Params
	State      State

	// scratch is reused across calls on this engine to avoid a fresh
	// allocation per operation; the simulated scheme does not yet need
	// scratch space, but the field is part of the engine's shape so a
	// real scheme implementation has somewhere to keep working memory.
	scratch []byte
}

// New constructs an idle Engine bound to p and backed by sch.
func New(sch Scheme, p *params.Params) *Engine {
	return &Engine{
		Scheme:     sch,
		Parameters: p,
		State:      StateIdle,
		scratch:    make([]byte, 0, int(p.Degree)/8),
	}
}
