// SPDX-License-Identifier: GPL-2.0-or-later

package lossy

import (
	"irvideo/pkg/parallel"
)

// MaxAverageDepth upper bound of the running average depth.
const MaxAverageDepth = 64

// Frozen pixel value standing in for the oldest count history entries.
type constant struct {
	value uint16
	count int16
}

// RunningAverage per pixel mean of the last maxDepth images.
//
// A pixel reset to a value behaves as if every image in the
// history held that value. The reset entries are the oldest
// ones, so they are dropped first as new images arrive.
type RunningAverage struct {
	size     int
	maxDepth int

	// Ring of the last maxDepth images, head is the oldest.
	images [][]uint16
	head   int

	sums   []uint32
	consts []constant
}

// NewRunningAverage returns an empty average over images of size pixels.
func NewRunningAverage(size, maxDepth int) *RunningAverage {
	a := &RunningAverage{}
	a.Reset(size, maxDepth)
	return a
}

// Reset drops the history and changes the geometry.
func (a *RunningAverage) Reset(size, maxDepth int) {
	if maxDepth < 0 {
		maxDepth = 0
	}
	if maxDepth > MaxAverageDepth {
		maxDepth = MaxAverageDepth
	}
	a.size = size
	a.maxDepth = maxDepth
	a.images = a.images[:0]
	a.head = 0
	a.sums = make([]uint32, size)
	a.consts = make([]constant, size)
}

// MaxDepth returns the configured depth.
func (a *RunningAverage) MaxDepth() int {
	return a.maxDepth
}

// Depth returns the number of images in the history.
func (a *RunningAverage) Depth() int {
	return len(a.images)
}

// AddImage pushes img into the history, dropping the
// oldest image when the history is full.
func (a *RunningAverage) AddImage(img []uint16, pool *parallel.Pool) {
	if a.maxDepth == 0 {
		return
	}
	img = img[:a.size]

	full := len(a.images) == a.maxDepth
	var oldest []uint16
	if full {
		oldest = a.images[a.head]
	}

	pool.Range(a.size, func(start, end int) {
		for i := start; i < end; i++ {
			a.sums[i] += uint32(img[i])
			if !full {
				continue
			}
			c := &a.consts[i]
			if c.count > 0 {
				c.count--
				a.sums[i] -= uint32(c.value)
			} else {
				a.sums[i] -= uint32(oldest[i])
			}
		}
	})

	if !full {
		a.images = append(a.images, append([]uint16(nil), img...))
		return
	}
	copy(oldest, img)
	a.head = (a.head + 1) % a.maxDepth
}

// ResetPixel makes every history entry of pixel i equal to v.
func (a *RunningAverage) ResetPixel(i int, v uint16) {
	depth := len(a.images)
	a.consts[i] = constant{value: v, count: int16(depth)}
	a.sums[i] = uint32(v) * uint32(depth)
}

// Pixel returns the average of pixel i, 0 with an empty history.
func (a *RunningAverage) Pixel(i int) uint16 {
	depth := len(a.images)
	switch depth {
	case 0:
		return 0
	case 32:
		return uint16(a.sums[i] >> 5)
	default:
		return uint16(a.sums[i] / uint32(depth))
	}
}
