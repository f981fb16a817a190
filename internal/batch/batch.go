// Package batch implements the Batch Coalescer (component G): one
// Coalescer per operation-kind/parameter-set pair groups compatible
// submissions into one engine checkout.
//
// The submission shape is adapted from the teacher's
// internal/webhooks.Dispatcher, without its worker goroutines. The open
// batch is a slice guarded by the Coalescer's mutex, and a sealed batch
// is dispatched on the goroutine that sealed it: the submitter that
// reaches the size threshold, or the time.AfterFunc timer for the wait
// threshold. Two sealed batches of one Coalescer can therefore be
// dispatched at the same time.
package batch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Result is what a sealed batch reports back to one submitter.
type Result struct {
	Output any
	Err    error
}

// SealFunc executes every input in a sealed batch and returns one
// Result per input, in the same order, per spec.md §4.G's "fans the
// results back to each response-slot in submission order". A SealFunc
// that fails the batch as a whole should return the same error for
// every slot, satisfying the "all observe success or all observe the
// same failure" invariant (spec.md §5).
type SealFunc func(ctx context.Context, inputs []any) []Result

type submission struct {
	id         uuid.UUID
	generation uint64
	input      any
	resultCh   chan Result
}

// Coalescer is the Batch Coalescer named in spec.md §4.G, scoped to
// one operation-kind and parameter-set id.
type Coalescer struct {
	OperationKind string
	ParameterSet  string

	sizeThreshold int
	waitThreshold time.Duration
	seal          SealFunc

	mu         sync.Mutex
	open       []*submission
	generation uint64
	timer      *time.Timer
}

// New constructs a Coalescer that seals whenever sizeThreshold
// submissions are open or waitThreshold has elapsed since the first
// one arrived, whichever comes first, per spec.md §3.G/§4.G.
func New(operationKind, parameterSet string, sizeThreshold int, waitThreshold time.Duration, seal SealFunc) *Coalescer {
	return &Coalescer{
		OperationKind: operationKind,
		ParameterSet:  parameterSet,
		sizeThreshold: sizeThreshold,
		waitThreshold: waitThreshold,
		seal:          seal,
	}
}

// Submit joins input into the open batch and blocks until the batch
// is sealed and dispatched, or ctx is cancelled first. Cancellation
// before seal removes the submission from the batch entirely; after
// seal, Submit returns ctx.Err() but the submission still executes as
// part of the batch its peers observe, per spec.md §4.G.
func (c *Coalescer) Submit(ctx context.Context, input any) (any, error) {
	s := &submission{id: uuid.New(), input: input, resultCh: make(chan Result, 1)}

	c.mu.Lock()
	s.generation = c.generation
	c.open = append(c.open, s)
	firstInBatch := len(c.open) == 1
	sealNow := len(c.open) >= c.sizeThreshold

	var batch []*submission
	if sealNow {
		batch = c.takeOpenLocked()
	} else if firstInBatch {
		gen := s.generation
		c.timer = time.AfterFunc(c.waitThreshold, func() { c.sealGeneration(gen) })
	}
	c.mu.Unlock()

	if batch != nil {
		c.dispatch(batch)
	}

	select {
	case r := <-s.resultCh:
		return r.Output, r.Err
	case <-ctx.Done():
		c.removeIfPending(s)
		return nil, ctx.Err()
	}
}

// takeOpenLocked detaches the current open batch and advances the
// generation counter. Caller must hold c.mu.
func (c *Coalescer) takeOpenLocked() []*submission {
	batch := c.open
	c.open = nil
	c.generation++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	return batch
}

func (c *Coalescer) sealGeneration(gen uint64) {
	c.mu.Lock()
	if c.generation != gen || len(c.open) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.takeOpenLocked()
	c.mu.Unlock()
	c.dispatch(batch)
}

func (c *Coalescer) removeIfPending(s *submission) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != s.generation {
		return // already sealed; too late to remove
	}
	for i, item := range c.open {
		if item == s {
			c.open = append(c.open[:i], c.open[i+1:]...)
			return
		}
	}
}

func (c *Coalescer) dispatch(batch []*submission) {
	inputs := make([]any, len(batch))
	for i, s := range batch {
		inputs[i] = s.input
	}
	results := c.seal(context.Background(), inputs)
	for i, s := range batch {
		if i < len(results) {
			s.resultCh <- results[i]
		} else {
			s.resultCh <- Result{Err: errors.New("batch-coalescer: seal function returned fewer results than inputs")}
		}
	}
}

// PendingCount reports how many submissions are waiting in the
// currently open (unsealed) batch, for observability.
func (c *Coalescer) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.open)
}
