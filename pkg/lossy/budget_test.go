// SPDX-License-Identifier: GPL-2.0-or-later

package lossy

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBackgroundThreshold(t *testing.T) {
	cases := []struct {
		name     string
		img      []uint16
		expected uint32
	}{
		{"single", []uint16{1000, 1001, 1002, 1003, 5000}, 1001},
		{"zero", []uint16{0, 1, 2, 3, 100}, 1},
		{"top", []uint16{65535, 65534, 10}, 65533},
		{"tieKeepsFirst", []uint16{8, 400}, 9},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hist := make([]uint32, histogramSize)
			require.Equal(t, tc.expected, BackgroundThreshold(tc.img, hist))
		})
	}
}

func TestTwoPartStdDev(t *testing.T) {
	prev := []uint16{10, 10, 10, 10}
	cur := []uint16{11, 7, 15, 10}
	raw := []uint16{0, 0, 100, 0}

	stats := TwoPartStdDev(prev, cur, raw, 50)

	// Background |diff| 1, 3, 0.
	require.InDelta(t, math.Sqrt(7.0/3), stats.Background, 1e-9)
	// Single foreground sample.
	require.Equal(t, 0.0, stats.Foreground)

	stats = TwoPartStdDev(prev, prev, raw, 50)
	require.Equal(t, Stats{}, stats)
}

func TestBudget(t *testing.T) {
	t.Run("steady", func(t *testing.T) {
		b := NewBudget(6, 2, 5)
		for i := 0; i < 100; i++ {
			low, high := b.Update(Stats{1, 1})
			require.Equal(t, 6, low)
			require.Equal(t, 2, high)
		}
		require.Len(t, b.LowErrors(), 100)
		require.Len(t, b.window, rollingWindowDepth)
		require.Len(t, b.first, firstWindowDepth)
	})
	t.Run("formula", func(t *testing.T) {
		b := NewBudget(6, 2, 5)
		b.Update(Stats{1, 1})

		// mean background (1+1+1.2)/3, foreground (1+1+1.5)/3.
		low, high := b.Update(Stats{1.2, 1.5})
		require.Equal(t, 5, low)
		require.Equal(t, 0, high)
	})
	t.Run("lowRaisedToHigh", func(t *testing.T) {
		b := NewBudget(6, 6, 5)
		b.Update(Stats{1, 1})
		low, high := b.Update(Stats{5, 1})
		require.Equal(t, high, low)
	})
	t.Run("highCappedByLow", func(t *testing.T) {
		b := NewBudget(2, 6, 5)
		low, high := b.Update(Stats{1, 1})
		require.Equal(t, 2, low)
		require.Equal(t, 2, high)
	})
	t.Run("lossless", func(t *testing.T) {
		b := NewBudget(6, 2, 5)
		b.Lossless()
		b.Update(Stats{1, 1})
		require.Equal(t, []int{6, 6}, b.LowErrors())
		require.Equal(t, []int{2, 2}, b.HighErrors())
	})
	t.Run("invariants", func(t *testing.T) {
		r := rand.New(rand.NewSource(1))
		for _, cfg := range [][2]int{{6, 2}, {0, 0}, {3, 9}, {20, 20}} {
			b := NewBudget(cfg[0], cfg[1], 5)
			for i := 0; i < 200; i++ {
				low, high := b.Update(Stats{r.Float64() * 4, r.Float64() * 4})
				require.GreaterOrEqual(t, high, 0)
				require.LessOrEqual(t, high, cfg[1])
				require.GreaterOrEqual(t, low, high)
				require.LessOrEqual(t, low, cfg[0])
			}
		}
	})
}

func TestBudgetAnomaly(t *testing.T) {
	b := NewBudget(6, 2, 5)
	for i := 0; i < 5; i++ {
		b.Update(Stats{1 + float64(i%2)*0.1, 1})
	}
	require.Len(t, b.window, 5)

	b.Update(Stats{100, 1})
	require.Len(t, b.window, 5)

	b.Update(Stats{1, 1})
	require.Len(t, b.window, 6)

	// A lasting change is accepted eventually.
	for i := 0; i < anomalyMaxRejects+1; i++ {
		b.Update(Stats{100, 100})
	}
	require.Len(t, b.window, 7)
	require.Equal(t, Stats{100, 100}, b.window[6])
}
