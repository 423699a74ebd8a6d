package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_Empty(t *testing.T) {
	errs := New(4).Run(context.Background(), nil)
	assert.Empty(t, errs)
}

// TestRun_SerialPreservesOrder checks that concurrency 1 runs units one at
// a time in submission order.
func TestRun_SerialPreservesOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []int
	)
	units := make([]Func, 5)
	for i := range units {
		units[i] = func(context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}
	}

	errs := New(0).Run(context.Background(), units)

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.Equal(t, make([]error, 5), errs)
}

// TestRun_BestEffort verifies that a failure neither stops the other units
// nor loses its position in the result.
func TestRun_BestEffort(t *testing.T) {
	var ran atomic.Int32
	boom := errors.New("stereo failed")
	units := []Func{
		func(context.Context) error { ran.Add(1); return nil },
		func(context.Context) error { ran.Add(1); return boom },
		func(context.Context) error { ran.Add(1); return nil },
	}

	errs := New(2).Run(context.Background(), units)

	assert.Equal(t, int32(3), ran.Load())
	require.Len(t, errs, 3)
	assert.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], boom)
	assert.NoError(t, errs[2])
	assert.ErrorIs(t, FirstError(errs), boom)
	assert.Equal(t, []int{1}, Failed(errs))
}

// TestRun_ConcurrencyLimit tracks the high-water mark of running units.
func TestRun_ConcurrencyLimit(t *testing.T) {
	const limit = 3
	var running, peak atomic.Int32

	units := make([]Func, 12)
	for i := range units {
		units[i] = func(context.Context) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return nil
		}
	}

	errs := New(limit).Run(context.Background(), units)

	assert.Nil(t, FirstError(errs))
	assert.LessOrEqual(t, peak.Load(), int32(limit))
	assert.Equal(t, limit, New(limit).Concurrency())
}

// TestRun_CancelStopsScheduling cancels while the first unit runs; the
// unstarted units must report the context error.
func TestRun_CancelStopsScheduling(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var started atomic.Int32
	units := make([]Func, 4)
	for i := range units {
		units[i] = func(ctx context.Context) error {
			started.Add(1)
			if i == 0 {
				cancel()
			}
			<-ctx.Done()
			return fmt.Errorf("unit %d: %w", i, ctx.Err())
		}
	}

	errs := New(1).Run(ctx, units)

	assert.Equal(t, int32(1), started.Load())
	for i, err := range errs {
		assert.ErrorIs(t, err, context.Canceled, "unit %d", i)
	}
}

func TestRun_Progress(t *testing.T) {
	var snapshots []Progress
	p := New(2).WithProgress(func(pr Progress) { snapshots = append(snapshots, pr) })

	units := []Func{
		func(context.Context) error { return nil },
		func(context.Context) error { return errors.New("x") },
	}
	p.Run(context.Background(), units)

	require.Len(t, snapshots, 2)
	last := snapshots[1]
	assert.Equal(t, 2, last.Total)
	assert.Equal(t, 2, last.Done)
	assert.Equal(t, 1, last.Failed)
}
