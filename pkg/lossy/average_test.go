// SPDX-License-Identifier: GPL-2.0-or-later

package lossy

import (
	"math/rand"
	"testing"

	"irvideo/pkg/parallel"

	"github.com/stretchr/testify/require"
)

func TestRunningAverage(t *testing.T) {
	t.Run("window", func(t *testing.T) {
		a := NewRunningAverage(2, 4)
		for _, v := range []uint16{10, 20, 30, 40} {
			a.AddImage([]uint16{v, v}, nil)
		}
		require.Equal(t, 4, a.Depth())
		require.Equal(t, uint16(25), a.Pixel(0))

		a.AddImage([]uint16{50, 50}, nil)
		require.Equal(t, 4, a.Depth())
		require.Equal(t, uint16(35), a.Pixel(0))
	})
	t.Run("resetPixel", func(t *testing.T) {
		a := NewRunningAverage(2, 4)
		for _, v := range []uint16{10, 20, 30, 40, 50} {
			a.AddImage([]uint16{v, v}, nil)
		}
		a.ResetPixel(0, 100)
		require.Equal(t, uint16(100), a.Pixel(0))
		require.Equal(t, uint16(35), a.Pixel(1))

		// The constant leaves the history one image at a time.
		expected := []uint16{75, 50, 25, 0}
		for _, e := range expected {
			a.AddImage([]uint16{0, 0}, nil)
			require.Equal(t, e, a.Pixel(0))
		}

		a.AddImage([]uint16{8, 8}, nil)
		require.Equal(t, uint16(2), a.Pixel(0))
		require.Equal(t, uint16(2), a.Pixel(1))
	})
	t.Run("resetBeforeFull", func(t *testing.T) {
		a := NewRunningAverage(1, 3)
		a.AddImage([]uint16{9}, nil)
		a.ResetPixel(0, 3)
		require.Equal(t, uint16(3), a.Pixel(0))

		a.AddImage([]uint16{6}, nil)
		a.AddImage([]uint16{6}, nil)
		require.Equal(t, uint16(5), a.Pixel(0))

		// Drops the constant, not the 9 it replaced.
		a.AddImage([]uint16{6}, nil)
		require.Equal(t, uint16(6), a.Pixel(0))
	})
	t.Run("shift", func(t *testing.T) {
		a := NewRunningAverage(1, 32)
		for i := 0; i < 32; i++ {
			a.AddImage([]uint16{uint16(i)}, nil)
		}
		require.Equal(t, uint16(496>>5), a.Pixel(0))
	})
	t.Run("disabled", func(t *testing.T) {
		a := NewRunningAverage(1, 0)
		a.AddImage([]uint16{5}, nil)
		require.Equal(t, 0, a.Depth())
		require.Equal(t, uint16(0), a.Pixel(0))
	})
	t.Run("maxDepth", func(t *testing.T) {
		a := NewRunningAverage(1, 1000)
		require.Equal(t, MaxAverageDepth, a.MaxDepth())
	})
}

func TestRunningAverageMean(t *testing.T) {
	const (
		size  = 64
		depth = 8
	)
	pool := parallel.NewPool(4)
	defer pool.Close()

	r := rand.New(rand.NewSource(1))
	a := NewRunningAverage(size, depth)
	var history [][]uint16

	for f := 0; f < 50; f++ {
		img := make([]uint16, size)
		for i := range img {
			img[i] = uint16(r.Intn(60000))
		}
		a.AddImage(img, pool)
		history = append(history, img)
		if len(history) > depth {
			history = history[1:]
		}

		for i := 0; i < size; i++ {
			var sum uint32
			for _, h := range history {
				sum += uint32(h[i])
			}
			require.Equal(t, uint16(sum/uint32(len(history))), a.Pixel(i))
		}
	}
}
