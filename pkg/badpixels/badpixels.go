// SPDX-License-Identifier: GPL-2.0-or-later

// Package badpixels finds dead or hot sensor pixels on a reference
// frame and replaces them by the median of their neighbors.
package badpixels

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"irvideo/pkg/parallel"
)

// DefaultFactor pixels further than this many standard
// deviations from their local median are bad.
const DefaultFactor = 5

const (
	windowW = 5
	windowH = 5
)

// ErrSize image size does not match.
var ErrSize = errors.New("invalid image size")

// Point pixel coordinate.
type Point struct {
	X int
	Y int
}

// List of bad pixels in row-major order.
type List []Point

// Detect scans img and returns the bad pixels. Each pixel is compared
// to the median of its clipped 5x5 window, using the standard deviation
// of the middle 60% of the sorted window.
func Detect(img []uint16, width, height int, factor float64, pool *parallel.Pool) (List, error) {
	if width <= 0 || height <= 0 || len(img) < width*height {
		return nil, fmt.Errorf("%w: %dx%d, %d pixels", ErrSize, width, height, len(img))
	}

	rows := make([]List, height)
	pool.Range(height, func(start, end int) {
		window := make([]uint16, 0, windowW*windowH)
		for y := start; y < end; y++ {
			for x := 0; x < width; x++ {
				if isBad(img, width, height, x, y, factor, window) {
					rows[y] = append(rows[y], Point{X: x, Y: y})
				}
			}
		}
	})

	var list List
	for _, row := range rows {
		list = append(list, row...)
	}
	return list, nil
}

func isBad(img []uint16, width, height, x, y int, factor float64, window []uint16) bool {
	window = window[:0]
	for dy := y - windowH/2; dy <= y+windowH/2; dy++ {
		if dy < 0 || dy >= height {
			continue
		}
		for dx := x - windowW/2; dx <= x+windowW/2; dx++ {
			if dx < 0 || dx >= width {
				continue
			}
			window = append(window, img[dx+dy*width])
		}
	}

	sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })
	size := len(window)
	median := float64(window[size/2])

	var sum float64
	c := 0
	for i := size / 5; i < size*4/5; i++ {
		d := float64(window[i]) - median
		sum += d * d
		c++
	}
	var std float64
	if c > 0 {
		std = math.Sqrt(sum / float64(c))
	}

	v := float64(img[x+y*width])
	return v < median-factor*std || v > median+factor*std
}

// Corrector replaces the listed pixels on every frame.
type Corrector struct {
	width  int
	height int
	list   List
	pool   *parallel.Pool

	// Values below this are raised to it, zero disables.
	minValue uint16

	scratch []uint16
}

// NewCorrector returns a corrector for a fixed list of bad pixels.
func NewCorrector(list List, width, height int, pool *parallel.Pool) *Corrector {
	return &Corrector{
		width:  width,
		height: height,
		list:   list,
		pool:   pool,
	}
}

// NewCorrectorFromFrame detects bad pixels on the reference frame.
// Every corrected frame is also raised to two standard deviations
// below the median of the reference frame.
func NewCorrectorFromFrame(
	ref []uint16,
	width int,
	height int,
	factor float64,
	pool *parallel.Pool,
) (*Corrector, error) {
	list, err := Detect(ref, width, height, factor, pool)
	if err != nil {
		return nil, err
	}
	c := NewCorrector(list, width, height, pool)
	c.minValue = lowClamp(ref[:width*height])
	return c, nil
}

// List returns the bad pixels.
func (c *Corrector) List() List {
	return c.list
}

// Median minus twice the standard deviation around it, zero if negative.
func lowClamp(ref []uint16) uint16 {
	size := len(ref)
	sorted := make([]uint16, size)
	copy(sorted, ref)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	median := int(sorted[size/2])

	var sum float64
	for _, v := range ref {
		d := float64(int(v) - median)
		sum += d * d
	}
	std := math.Sqrt(sum / float64(size))

	low := median - int(std*2)
	if low <= 0 {
		return 0
	}
	return uint16(low)
}

// Correct writes the corrected in to out. in and out may be the same slice.
func (c *Corrector) Correct(in, out []uint16) error {
	size := c.width * c.height
	if len(in) < size || len(out) < size {
		return fmt.Errorf("%w: need %d pixels", ErrSize, size)
	}

	src := in
	if &in[0] == &out[0] {
		if cap(c.scratch) < size {
			c.scratch = make([]uint16, size)
		}
		src = c.scratch[:size]
		copy(src, in)
	} else {
		copy(out[:size], in[:size])
	}

	c.pool.Range(len(c.list), func(start, end int) {
		for _, p := range c.list[start:end] {
			out[p.X+p.Y*c.width] = neighborMedian(src, c.width, c.height, p.X, p.Y)
		}
	})

	if c.minValue > 0 {
		low := c.minValue
		c.pool.Range(size, func(start, end int) {
			for i := start; i < end; i++ {
				if out[i] < low {
					out[i] = low
				}
			}
		})
	}
	return nil
}

// Median of the up to 8 neighbors, center excluded.
func neighborMedian(img []uint16, width, height, x, y int) uint16 {
	var buf [8]uint16
	n := 0
	for dy := y - 1; dy <= y+1; dy++ {
		if dy < 0 || dy >= height {
			continue
		}
		for dx := x - 1; dx <= x+1; dx++ {
			if dx < 0 || dx >= width || (dx == x && dy == y) {
				continue
			}
			buf[n] = img[dx+dy*width]
			n++
		}
	}
	if n == 0 {
		return img[x+y*width]
	}
	pixels := buf[:n]
	sort.Slice(pixels, func(i, j int) bool { return pixels[i] < pixels[j] })
	return pixels[n/2]
}
