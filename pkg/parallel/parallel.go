// SPDX-License-Identifier: GPL-2.0-or-later

// Package parallel fans pixel loops out over a fixed set of workers.
package parallel

import (
	"sync"
)

type job struct {
	start int
	end   int
	fn    func(start, end int)
	wg    *sync.WaitGroup
}

// Pool fixed size worker pool. A nil Pool runs everything
// on the calling goroutine.
type Pool struct {
	workers int
	jobs    chan job
	once    sync.Once
}

// NewPool starts a pool with the given number of workers.
// Less than two workers means no goroutines are started.
func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{workers: workers}
	if workers == 1 {
		return p
	}

	p.jobs = make(chan job)
	for i := 0; i < workers; i++ {
		go func() {
			for j := range p.jobs {
				j.fn(j.start, j.end)
				j.wg.Done()
			}
		}()
	}
	return p
}

// Workers returns the number of workers.
func (p *Pool) Workers() int {
	if p == nil {
		return 1
	}
	return p.workers
}

// Range splits [0,n) into contiguous ranges, calls fn once per
// range and returns when every call has returned. Ranges never
// overlap, fn must only write inside its own range.
func (p *Pool) Range(n int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	if p == nil || p.jobs == nil || n < p.workers {
		fn(0, n)
		return
	}

	step := (n + p.workers - 1) / p.workers
	var wg sync.WaitGroup
	for start := 0; start < n; start += step {
		end := start + step
		if end > n {
			end = n
		}
		wg.Add(1)
		p.jobs <- job{start: start, end: end, fn: fn, wg: &wg}
	}
	wg.Wait()
}

// Close stops the workers. Range must not be called after Close.
func (p *Pool) Close() {
	if p == nil || p.jobs == nil {
		return
	}
	p.once.Do(func() { close(p.jobs) })
}
