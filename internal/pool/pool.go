// Package pool runs independent units of work with bounded concurrency.
//
// The pool is best-effort: one failing unit never stops the others, and the
// caller receives one error slot per unit so it can tell exactly which ones
// failed. The per-pair stereo stage uses it to process image pairs in
// parallel.
package pool

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Func is one unit of work. It should return promptly once ctx is done.
type Func func(ctx context.Context) error

// Progress is a snapshot of a Run in flight.
type Progress struct {
	// Total is the number of units submitted.
	Total int

	// Done is the number of units that have finished, successfully or not.
	Done int

	// Failed is the number of finished units that returned an error.
	Failed int

	// Index is the unit that just finished.
	Index int

	// Err is the result of that unit.
	Err error
}

// ProgressFunc is called after each unit finishes. Calls are serialized.
type ProgressFunc func(p Progress)

// Pool is a bounded worker pool.
type Pool struct {
	concurrency int
	onProgress  ProgressFunc
}

// New creates a pool running at most concurrency units at once. Values
// below 1 are treated as 1, which runs the units serially in order.
func New(concurrency int) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{concurrency: concurrency}
}

// WithProgress sets a callback invoked after each unit finishes.
func (p *Pool) WithProgress(fn ProgressFunc) *Pool {
	p.onProgress = fn
	return p
}

// Concurrency returns the worker limit.
func (p *Pool) Concurrency() int {
	return p.concurrency
}

// Run executes every unit and waits for all started units to finish.
//
// The returned slice has one entry per unit, in submission order; nil means
// the unit succeeded. Once ctx is cancelled no further units are started
// and each unstarted unit's slot holds ctx.Err().
func (p *Pool) Run(ctx context.Context, units []Func) []error {
	errs := make([]error, len(units))
	if len(units) == 0 {
		return errs
	}

	var (
		mu       sync.Mutex
		progress = Progress{Total: len(units)}
	)
	finish := func(i int, err error) {
		mu.Lock()
		defer mu.Unlock()

		errs[i] = err
		progress.Done++
		if err != nil {
			progress.Failed++
		}
		progress.Index = i
		progress.Err = err
		if p.onProgress != nil {
			p.onProgress(progress)
		}
	}

	// A plain Group, not WithContext: a failing unit must not cancel its
	// siblings.
	var g errgroup.Group
	g.SetLimit(p.concurrency)

	for i, unit := range units {
		// g.Go blocks while the pool is full, so this check runs right
		// before each unit would start.
		if err := ctx.Err(); err != nil {
			mu.Lock()
			for j := i; j < len(units); j++ {
				errs[j] = err
			}
			mu.Unlock()
			break
		}

		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				finish(i, err)
				return nil
			}
			finish(i, unit(ctx))
			return nil
		})
	}

	_ = g.Wait()
	return errs
}

// FirstError returns the first non-nil error of a Run result, or nil.
func FirstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Failed returns the indexes of the failed units.
func Failed(errs []error) []int {
	var idx []int
	for i, err := range errs {
		if err != nil {
			idx = append(idx, i)
		}
	}
	return idx
}
