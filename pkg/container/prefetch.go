// SPDX-License-Identifier: GPL-2.0-or-later

package container

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	maxPrefetchStep = 4
	minPrefetched   = 2
	pollInterval    = time.Millisecond
)

type prefetched struct {
	img []uint16
	err error
}

// Prefetcher decodes frames ahead of the reader in a background
// goroutine, in the direction of the last access. The reader must
// not be used directly while the prefetcher is open.
type Prefetcher struct {
	reader *Reader
	mode   int
	size   int
	frames int
	limit  int

	mu     sync.Mutex
	cache  map[int]*prefetched
	want   int
	last   int
	step   int
	closed bool
	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPrefetcher starts prefetching frames of r in calibration mode.
// At most maxBytes of decoded frames are kept, and at least two.
func NewPrefetcher(r *Reader, mode int, maxBytes uint64) *Prefetcher {
	width, height := r.ImageSize()
	size := width * height

	limit := minPrefetched
	if frameBytes := uint64(size) * 2; frameBytes > 0 {
		if n := maxBytes / frameBytes; n > uint64(limit) {
			limit = int(n)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Prefetcher{
		reader: r,
		mode:   mode,
		size:   size,
		frames: r.Size(),
		limit:  limit,
		cache:  make(map[int]*prefetched),
		step:   1,
		wake:   make(chan struct{}, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.run(ctx)
	return p
}

// Get copies frame pos into out, waiting for the worker to decode it.
// The result is identical to Reader.ReadImage.
func (p *Prefetcher) Get(pos int, out []uint16) error {
	if pos < 0 || pos >= p.frames {
		return fmt.Errorf("%w: %d", ErrOutOfRange, pos)
	}
	if len(out) < p.size {
		return fmt.Errorf("%w: %d < %d", ErrBufferTooSmall, len(out), p.size)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.step = prefetchStep(pos - p.last)
	p.last = pos
	p.want = pos
	p.mu.Unlock()
	p.signal()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return ErrClosed
		}
		if entry, exist := p.cache[pos]; exist {
			copy(out, entry.img)
			err := entry.err
			p.mu.Unlock()
			return err
		}
		p.mu.Unlock()
		time.Sleep(pollInterval)
	}
}

func prefetchStep(delta int) int {
	switch {
	case delta == 0:
		return 1
	case delta > maxPrefetchStep:
		return maxPrefetchStep
	case delta < -maxPrefetchStep:
		return -maxPrefetchStep
	}
	return delta
}

func (p *Prefetcher) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Prefetcher) run(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		}
		for {
			if ctx.Err() != nil {
				return
			}
			index, ok := p.next()
			if !ok {
				break
			}
			img := make([]uint16, p.size)
			err := p.reader.ReadImage(index, p.mode, img)

			p.mu.Lock()
			p.cache[index] = &prefetched{img: img, err: err}
			p.evict()
			p.mu.Unlock()
		}
	}
}

// Next frame to decode, the wanted frame first then the frames
// ahead of it. Returns false when the window is cached.
func (p *Prefetcher) next() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < p.limit; i++ {
		index := p.want + i*p.step
		if index < 0 || index >= p.frames {
			return 0, false
		}
		if _, exist := p.cache[index]; !exist {
			return index, true
		}
	}
	return 0, false
}

func (p *Prefetcher) inWindow(index int) bool {
	offset := index - p.want
	if offset%p.step != 0 {
		return false
	}
	n := offset / p.step
	return n >= 0 && n < p.limit
}

func (p *Prefetcher) evict() {
	if len(p.cache) <= p.limit {
		return
	}
	for index := range p.cache {
		if !p.inWindow(index) {
			delete(p.cache, index)
		}
	}
}

// Close stops the worker, the reader is not closed.
func (p *Prefetcher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	<-p.done
}
