// SPDX-License-Identifier: GPL-2.0-or-later

package lossy

import (
	"math"
)

const (
	// Histogram buckets of v>>2.
	histogramSize = 65536 >> 2

	// First frames kept forever in the mean.
	firstWindowDepth = 1
	// Rolling window of recent frames.
	rollingWindowDepth = 40

	// Samples more than this many standard deviations above
	// the window mean are not pushed into the window.
	anomalyFactor = 10
	// The filter needs this many samples before it applies.
	anomalyMinSamples = 2
	// Consecutive rejections before a sample is accepted
	// anyway, the noise level itself has changed.
	anomalyMaxRejects = 10
)

// Stats two part standard deviation of the frame difference,
// split between background and foreground pixels.
type Stats struct {
	Background float64
	Foreground float64
}

// BackgroundThreshold returns the start of the most populated
// 4 wide histogram bucket plus one. Pixels above the threshold
// are foreground. hist is scratch space of at least 16384 entries.
func BackgroundThreshold(img []uint16, hist []uint32) uint32 {
	hist = hist[:histogramSize]
	for i := range hist {
		hist[i] = 0
	}
	for _, v := range img {
		hist[v>>2]++
	}

	mode := 0
	for i := 1; i < len(hist); i++ {
		if hist[i] > hist[mode] {
			mode = i
		}
	}
	return uint32(mode<<2) + 1
}

// TwoPartStdDev returns the sample standard deviation of
// |cur-prev| for background and foreground pixels. raw selects
// the part by comparing it to threshold. An empty part is 0.
func TwoPartStdDev(prev, cur, raw []uint16, threshold uint32) Stats {
	var bSum, bSum2, fSum, fSum2 float64
	var bCount, fCount int
	for i := range cur {
		diff := float64(cur[i]) - float64(prev[i])
		if diff < 0 {
			diff = -diff
		}
		if uint32(raw[i]) > threshold {
			fSum += diff
			fSum2 += diff * diff
			fCount++
		} else {
			bSum += diff
			bSum2 += diff * diff
			bCount++
		}
	}
	return Stats{
		Background: sampleStdDev(bSum, bSum2, bCount),
		Foreground: sampleStdDev(fSum, fSum2, fCount),
	}
}

func sampleStdDev(sum, sum2 float64, n int) float64 {
	if n < 2 {
		return 0
	}
	variance := (sum2 - sum*sum/float64(n)) / float64(n-1)
	if variance <= 0 {
		return 0
	}
	return math.Sqrt(variance)
}

// Budget adapts the allowed background and foreground
// error from the noise observed in recent frames.
type Budget struct {
	cfgLow    int
	cfgHigh   int
	stdFactor float64

	first   []Stats
	window  []Stats
	rejects int

	lowErrors  []int
	highErrors []int
}

// NewBudget returns a budget bounded by the configured errors.
func NewBudget(cfgLow, cfgHigh int, stdFactor float64) *Budget {
	return &Budget{
		cfgLow:    cfgLow,
		cfgHigh:   cfgHigh,
		stdFactor: stdFactor,
	}
}

// Lossless records a frame encoded with the configured errors.
func (b *Budget) Lossless() {
	b.lowErrors = append(b.lowErrors, b.cfgLow)
	b.highErrors = append(b.highErrors, b.cfgHigh)
}

// Update pushes the frame statistics and returns the errors
// allowed for this frame. 0 <= high <= low <= cfgLow.
func (b *Budget) Update(std Stats) (low int, high int) {
	if len(b.first) < firstWindowDepth {
		b.first = append(b.first, std)
	}
	if b.accept(std) {
		if len(b.window) == rollingWindowDepth {
			copy(b.window, b.window[1:])
			b.window = b.window[:rollingWindowDepth-1]
		}
		b.window = append(b.window, std)
	}

	mean := b.mean()

	high = b.cfgHigh - int(math.Round(math.Abs(std.Foreground-mean.Foreground)*b.stdFactor))
	low = b.cfgLow - int(math.Round(math.Abs(std.Background-mean.Background)*b.stdFactor))

	if high > b.cfgLow {
		high = b.cfgLow
	}
	if high < 0 {
		high = 0
	}
	if low < high {
		low = high
	}

	b.lowErrors = append(b.lowErrors, low)
	b.highErrors = append(b.highErrors, high)
	return low, high
}

// Samples far outside the window are rejected.
func (b *Budget) accept(std Stats) bool {
	if len(b.window) < anomalyMinSamples || b.rejects >= anomalyMaxRejects {
		b.rejects = 0
		return true
	}

	var mean, sum2 Stats
	for _, s := range b.window {
		mean.Background += s.Background
		mean.Foreground += s.Foreground
	}
	n := float64(len(b.window))
	mean.Background /= n
	mean.Foreground /= n
	for _, s := range b.window {
		sum2.Background += (s.Background - mean.Background) * (s.Background - mean.Background)
		sum2.Foreground += (s.Foreground - mean.Foreground) * (s.Foreground - mean.Foreground)
	}
	bStd := math.Sqrt(sum2.Background / n)
	fStd := math.Sqrt(sum2.Foreground / n)

	if std.Background <= mean.Background+anomalyFactor*bStd &&
		std.Foreground <= mean.Foreground+anomalyFactor*fStd {
		b.rejects = 0
		return true
	}
	b.rejects++
	return false
}

// Mean over the first frames and the rolling window.
func (b *Budget) mean() Stats {
	var m Stats
	for _, s := range b.first {
		m.Background += s.Background
		m.Foreground += s.Foreground
	}
	for _, s := range b.window {
		m.Background += s.Background
		m.Foreground += s.Foreground
	}
	n := float64(len(b.first) + len(b.window))
	if n == 0 {
		return m
	}
	m.Background /= n
	m.Foreground /= n
	return m
}

// LowErrors returns the background error used for every frame.
func (b *Budget) LowErrors() []int {
	return b.lowErrors
}

// HighErrors returns the foreground error used for every frame.
func (b *Budget) HighErrors() []int {
	return b.highErrors
}
