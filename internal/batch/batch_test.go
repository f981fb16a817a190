package batch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doubleSeal(_ context.Context, inputs []any) []Result {
	out := make([]Result, len(inputs))
	for i, in := range inputs {
		out[i] = Result{Output: in.(int) * 2}
	}
	return out
}

func TestSeal_BySizeThreshold(t *testing.T) {
	c := New("encrypt", "ps1", 2, time.Hour, doubleSeal)

	var wg sync.WaitGroup
	results := make([]any, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := c.Submit(context.Background(), i+1)
			require.NoError(t, err)
			results[i] = out
		}(i)
	}
	wg.Wait()

	assert.ElementsMatch(t, []any{2, 4}, results)
}

func TestSeal_ByTimeThreshold(t *testing.T) {
	c := New("encrypt", "ps1", 100, 20*time.Millisecond, doubleSeal)

	out, err := c.Submit(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 10, out)
}

func TestSubmit_CancelBeforeSealRemovesFromBatch(t *testing.T) {
	c := New("encrypt", "ps1", 5, time.Hour, doubleSeal)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_, err := c.Submit(ctx, 1)
		assert.Error(t, err)
		close(done)
	}()

	// give Submit time to register before cancelling
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, c.PendingCount())
	cancel()
	<-done
	assert.Equal(t, 0, c.PendingCount())
}

func TestSeal_FailurePropagatesToAllSubmitters(t *testing.T) {
	failSeal := func(_ context.Context, inputs []any) []Result {
		out := make([]Result, len(inputs))
		for i := range inputs {
			out[i] = Result{Err: assert.AnError}
		}
		return out
	}
	c := New("concat", "ps1", 2, time.Hour, failSeal)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Submit(context.Background(), i)
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, assert.AnError)
	}
}
