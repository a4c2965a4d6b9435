// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs independent host-side tasks (e.g. per-frame codec work) on a bounded
// number of goroutines.
package workerspool

import (
	"runtime"
	"sync"

	"github.com/pkg/errors"
)

// Pool limits the number of tasks running in parallel.
type Pool struct {
	// maxParallelism: 0 runs tasks inline, negative means unlimited.
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Signaled whenever numRunning is decreased.
	numRunning     int
}

// New returns a Pool with parallelism set to runtime.NumCPU().
func New() *Pool {
	w := &Pool{maxParallelism: runtime.NumCPU()}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// MaxParallelism returns the limit of tasks running at the same time.
// 0 means tasks are run inline, and a negative value means unlimited.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// WithMaxParallelism sets the limit of tasks running in parallel. It should be set before any
// task is started.
func (w *Pool) WithMaxParallelism(maxParallelism int) *Pool {
	w.maxParallelism = maxParallelism
	return w
}

// lockedIsFull must be called with w.mu held.
func (w *Pool) lockedIsFull() bool {
	if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= w.maxParallelism
}

// WaitToStart blocks until a slot is available and then runs task in a new goroutine.
//
// If parallelism is disabled (maxParallelism == 0), task is run inline.
func (w *Pool) WaitToStart(task func()) {
	if w.maxParallelism == 0 {
		task()
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.lockedIsFull() {
		w.cond.Wait()
	}
	w.numRunning++
	go func() {
		defer func() {
			w.mu.Lock()
			w.numRunning--
			w.cond.Signal()
			w.mu.Unlock()
		}()
		task()
	}()
}

// Map calls fn(i) for i in [0, n), in parallel within the pool limits, and waits for all calls
// to finish. It returns the error of the lowest index that failed, if any.
func (w *Pool) Map(n int, fn func(i int) error) error {
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		w.WaitToStart(func() {
			defer wg.Done()
			errs[i] = fn(i)
		})
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			return errors.WithMessagef(err, "task #%d failed", i)
		}
	}
	return nil
}
