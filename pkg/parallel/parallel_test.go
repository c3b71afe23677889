// SPDX-License-Identifier: GPL-2.0-or-later

package parallel

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPoolRange(t *testing.T) {
	cases := []struct {
		name    string
		workers int
		n       int
	}{
		{"single", 1, 10},
		{"even", 4, 100},
		{"uneven", 3, 100},
		{"fewerItems", 8, 3},
		{"zero", 4, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := NewPool(tc.workers)
			defer p.Close()

			seen := make([]int, tc.n)
			var mu sync.Mutex
			calls := 0
			p.Range(tc.n, func(start, end int) {
				mu.Lock()
				calls++
				mu.Unlock()
				for i := start; i < end; i++ {
					seen[i]++
				}
			})

			for i, v := range seen {
				require.Equal(t, 1, v, "index %d", i)
			}
			require.LessOrEqual(t, calls, tc.workers)
		})
	}
}

func TestNilPool(t *testing.T) {
	var p *Pool
	sum := 0
	p.Range(5, func(start, end int) {
		for i := start; i < end; i++ {
			sum += i
		}
	})
	require.Equal(t, 10, sum)
	require.Equal(t, 1, p.Workers())
	p.Close()
}
