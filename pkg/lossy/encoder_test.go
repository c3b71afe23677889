// SPDX-License-Identifier: GPL-2.0-or-later

package lossy

import (
	"encoding/binary"
	"math/rand"
	"strconv"
	"testing"

	"irvideo/pkg/attributes"
	"irvideo/pkg/parallel"

	"github.com/stretchr/testify/require"
)

func constFrame(size int, v uint16) []uint16 {
	img := make([]uint16, size)
	for i := range img {
		img[i] = v
	}
	return img
}

// Background around 1000 with a hot square around 3000.
func noisyScene(r *rand.Rand, w, h int) []uint16 {
	img := make([]uint16, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			base := 1000 + x
			if x > w/2 && y > h/2 {
				base = 3000 + 10*y
			}
			img[x+y*w] = uint16(base + r.Intn(7) - 3)
		}
	}
	return img
}

func absDiff(a, b uint16) int {
	d := int(a) - int(b)
	if d < 0 {
		return -d
	}
	return d
}

func TestEncoderConstant(t *testing.T) {
	params := DefaultParams()
	params.LowValueError = 0
	params.HighValueError = 0

	e, err := NewEncoder(8, 8, 8, params, nil)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		frame, err := e.Encode(constFrame(64, 1234))
		require.NoError(t, err)
		require.Equal(t, constFrame(64, 1234), frame.Pixels)
	}
	require.Equal(t, 50, e.Count())
	require.Len(t, e.LowErrors(), 50)
	for i := range e.LowErrors() {
		require.Equal(t, 0, e.LowErrors()[i])
		require.Equal(t, 0, e.HighErrors()[i])
	}
}

func TestEncoderErrorBound(t *testing.T) {
	const w, h = 24, 16
	cases := []struct {
		name   string
		params func(*Params)
	}{
		{"default", func(*Params) {}},
		{"noAverage", func(p *Params) { p.RunningAverage = 0 }},
		{"shortAverage", func(p *Params) { p.RunningAverage = 3 }},
		{"bigErrors", func(p *Params) { p.LowValueError = 20; p.HighValueError = 8 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			params := DefaultParams()
			tc.params(&params)

			pool := parallel.NewPool(3)
			defer pool.Close()

			e, err := NewEncoder(w, h, h, params, pool)
			require.NoError(t, err)

			r := rand.New(rand.NewSource(1))
			hist := make([]uint32, histogramSize)
			frozen := 0
			for f := 0; f < 60; f++ {
				img := noisyScene(r, w, h)
				threshold := BackgroundThreshold(img, hist)

				frame, err := e.Encode(img)
				require.NoError(t, err)

				if f == 0 {
					require.Equal(t, img, frame.Pixels)
					require.Empty(t, frame.Attrs)
					continue
				}
				low, high := e.LowErrors()[f], e.HighErrors()[f]
				require.Equal(t, strconv.Itoa(low), frame.Attrs[AttrBackgroundError])
				require.Equal(t, strconv.Itoa(high), frame.Attrs[AttrForegroundError])

				for i, v := range frame.Pixels {
					budget := low
					if uint32(img[i]) > threshold {
						budget = high
					}
					require.LessOrEqual(t, absDiff(v, img[i]), budget, "frame %d pixel %d", f, i)
					if v != img[i] {
						frozen++
					}
				}
			}
			require.NotZero(t, frozen)
		})
	}
}

func TestEncoderDeterministic(t *testing.T) {
	const w, h = 16, 16
	encode := func(pool *parallel.Pool) [][]uint16 {
		e, err := NewEncoder(w, h, h, DefaultParams(), pool)
		require.NoError(t, err)
		r := rand.New(rand.NewSource(2))
		var out [][]uint16
		for f := 0; f < 20; f++ {
			frame, err := e.Encode(noisyScene(r, w, h))
			require.NoError(t, err)
			out = append(out, append([]uint16(nil), frame.Pixels...))
		}
		return out
	}

	pool := parallel.NewPool(4)
	defer pool.Close()
	require.Equal(t, encode(nil), encode(pool))
}

func TestEncoderTrailingRows(t *testing.T) {
	const w, h, lossyHeight = 4, 4, 3
	e, err := NewEncoder(w, h, lossyHeight, DefaultParams(), nil)
	require.NoError(t, err)

	for f := 0; f < 10; f++ {
		img := constFrame(w*h, 500)
		// Small changes in the last row would be frozen if lossy.
		for i := w * lossyHeight; i < w*h; i++ {
			img[i] = uint16(500 + f%2)
		}
		frame, err := e.Encode(img)
		require.NoError(t, err)
		require.Equal(t, img[w*lossyHeight:], frame.Pixels[w*lossyHeight:])
	}
}

func TestEncoderIntegrationTimeChange(t *testing.T) {
	e, err := NewEncoder(2, 1, 1, DefaultParams(), nil)
	require.NoError(t, err)

	_, err = e.Encode([]uint16{8191, 100})
	require.NoError(t, err)

	// Both differ by one, only the first changes tag.
	frame, err := e.Encode([]uint16{8192, 101})
	require.NoError(t, err)
	require.Equal(t, uint16(8192), frame.Pixels[0])
	require.Equal(t, uint16(100), frame.Pixels[1])
}

func TestEncoderSubtractMin(t *testing.T) {
	const w, h = 4, 2
	params := DefaultParams()
	params.SubtractMin = true
	params.LowValueError = 0
	params.HighValueError = 0

	e, err := NewEncoder(w, h, 1, params, nil)
	require.NoError(t, err)

	img := []uint16{
		100, 150, 200, 250,
		7, 8, 9, 10,
	}
	frame, err := e.Encode(img)
	require.NoError(t, err)
	require.Equal(t, []uint16{0, 50, 100, 150, 7, 8, 9, 10}, frame.Pixels)

	global := e.GlobalAttributes()
	require.Equal(t, "100", global[AttrMinT])
	require.Equal(t, "1", global[AttrMinTHeight])

	d, err := NewDecoder(global, w)
	require.NoError(t, err)
	decoded := append([]uint16(nil), frame.Pixels...)
	d.Decode(0, decoded)
	require.Equal(t, img, decoded)

	// A frame below the minimum keeps its exact value.
	below := []uint16{90, 150, 200, 250, 7, 8, 9, 10}
	frame, err = e.Encode(below)
	require.NoError(t, err)

	global = e.GlobalAttributes()
	require.Equal(t, "100", global[AttrMinT])
	require.Len(t, global[AttrLocalMins], 4)

	d, err = NewDecoder(global, w)
	require.NoError(t, err)
	decoded = append([]uint16(nil), frame.Pixels...)
	d.Decode(1, decoded)
	require.Equal(t, below, decoded)
}

func TestEncoderSubtractMinBound(t *testing.T) {
	const w, h = 4, 4
	cases := []struct {
		name   string
		params func(*Params)
	}{
		{"global", func(p *Params) { p.SubtractMin = true }},
		{"local", func(p *Params) { p.SubtractLocalMin = true }},
		{"noAverage", func(p *Params) {
			p.SubtractMin = true
			p.RunningAverage = 0
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			params := DefaultParams()
			params.LowValueError = 2
			params.HighValueError = 2
			tc.params(&params)

			e, err := NewEncoder(w, h, h, params, nil)
			require.NoError(t, err)

			var inputs, outputs [][]uint16
			for f := 0; f < 6; f++ {
				img := constFrame(w*h, 1000)
				img[5] = uint16(1000 - 50*f)
				img[9] = uint16(1000 + f)
				inputs = append(inputs, append([]uint16(nil), img...))

				frame, err := e.Encode(img)
				require.NoError(t, err)
				outputs = append(outputs, append([]uint16(nil), frame.Pixels...))
			}

			d, err := NewDecoder(e.GlobalAttributes(), w)
			require.NoError(t, err)
			for f, out := range outputs {
				d.Decode(f, out)
				for i := range out {
					require.LessOrEqual(t, absDiff(out[i], inputs[f][i]), 2,
						"frame %d pixel %d", f, i)
				}
			}
		})
	}
}

func TestEncoderSubtractLocalMin(t *testing.T) {
	params := DefaultParams()
	params.SubtractLocalMin = true
	params.LowValueError = 0
	params.HighValueError = 0

	e, err := NewEncoder(2, 1, 1, params, nil)
	require.NoError(t, err)

	inputs := [][]uint16{{100, 120}, {90, 120}, {95, 130}}
	var outputs [][]uint16
	for _, img := range inputs {
		frame, err := e.Encode(img)
		require.NoError(t, err)
		outputs = append(outputs, append([]uint16(nil), frame.Pixels...))
	}

	global := e.GlobalAttributes()
	mins := []byte(global[AttrLocalMins])
	require.Len(t, mins, 6)
	require.Equal(t, uint16(100), binary.LittleEndian.Uint16(mins[0:]))
	require.Equal(t, uint16(90), binary.LittleEndian.Uint16(mins[2:]))
	require.Equal(t, uint16(90), binary.LittleEndian.Uint16(mins[4:]))

	d, err := NewDecoder(global, 2)
	require.NoError(t, err)
	for i, out := range outputs {
		d.Decode(i, out)
		require.Equal(t, inputs[i], out)
	}
}

func TestEncoderAddLoss(t *testing.T) {
	params := DefaultParams()
	params.RunningAverage = 0

	e, err := NewEncoder(2, 1, 1, params, nil)
	require.NoError(t, err)

	img := []uint16{1000, 1000}
	require.NoError(t, e.AddLoss(img))
	require.Equal(t, []uint16{1000, 1000}, img)

	img = []uint16{1001, 1000}
	require.NoError(t, e.AddLoss(img))
	require.Equal(t, []uint16{1000, 1000}, img)
}

type offsetCamera struct {
	offset uint16
	modes  []int
}

func (c *offsetCamera) Calibrate(img []uint16, mode int) error {
	c.modes = append(c.modes, mode)
	for i := range img {
		img[i] = (img[i] & 0x1fff) + c.offset
	}
	return nil
}

func TestEncoderCamera(t *testing.T) {
	const w, h = 2, 2
	e, err := NewEncoder(w, h, 1, DefaultParams(), nil)
	require.NoError(t, err)
	camera := &offsetCamera{offset: 2000}
	e.SetCamera(camera)

	img := []uint16{
		1<<13 | 100, 2<<13 | 200,
		3<<13 | 300, 5,
	}
	frame, err := e.Encode(img)
	require.NoError(t, err)

	require.Equal(t, []uint16{2100, 2200, 3<<13 | 300, 5}, frame.Pixels)
	require.Equal(t, []uint8{1, 2, 0, 0}, frame.IT)
	require.Equal(t, []int{CameraMode}, camera.modes)
	require.Equal(t, "1", e.GlobalAttributes()[AttrStoreIT])
}

func TestEncoderBadPixels(t *testing.T) {
	const w, h = 8, 8
	params := DefaultParams()
	params.RemoveBadPixels = true

	e, err := NewEncoder(w, h, h, params, nil)
	require.NoError(t, err)

	img := make([]uint16, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img[x+y*w] = uint16(1000 + 10*((x+y)%2))
		}
	}
	img[3+3*w] = 60000

	frame, err := e.Encode(img)
	require.NoError(t, err)
	require.Len(t, e.BadPixels(), 1)
	require.Equal(t, uint16(1010), frame.Pixels[3+3*w])
}

func TestEncoderBadPixelsClampLow(t *testing.T) {
	const w, h = 8, 8
	params := DefaultParams()
	params.RemoveBadPixels = true
	params.LowValueError = 0
	params.HighValueError = 0

	e, err := NewEncoder(w, h, h, params, nil)
	require.NoError(t, err)

	img := make([]uint16, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img[x+y*w] = uint16(1000 + 10*((x+y)%2))
		}
	}
	_, err = e.Encode(append([]uint16(nil), img...))
	require.NoError(t, err)
	require.Empty(t, e.BadPixels())

	// Below median 1010 minus twice the standard deviation sqrt(50).
	img[9] = 3
	frame, err := e.Encode(img)
	require.NoError(t, err)

	d, err := NewDecoder(e.GlobalAttributes(), w)
	require.NoError(t, err)
	d.Decode(1, frame.Pixels)
	require.Equal(t, uint16(996), frame.Pixels[9])
}

func TestEncoderErrors(t *testing.T) {
	_, err := NewEncoder(0, 1, 1, DefaultParams(), nil)
	require.ErrorIs(t, err, ErrFrameSize)

	params := DefaultParams()
	params.GOP = 0
	_, err = NewEncoder(1, 1, 1, params, nil)
	require.ErrorIs(t, err, ErrInvalidParam)

	e, err := NewEncoder(2, 2, 2, DefaultParams(), nil)
	require.NoError(t, err)
	_, err = e.Encode([]uint16{1, 2, 3})
	require.ErrorIs(t, err, ErrFrameSize)
}

func TestDecoder(t *testing.T) {
	t.Run("inactive", func(t *testing.T) {
		d, err := NewDecoder(attributes.Map{}, 2)
		require.NoError(t, err)
		require.False(t, d.Active())

		img := []uint16{1, 2}
		d.Decode(0, img)
		require.Equal(t, []uint16{1, 2}, img)
	})
	t.Run("saturate", func(t *testing.T) {
		d, err := NewDecoder(attributes.Map{AttrMinT: "10", AttrMinTHeight: "1"}, 2)
		require.NoError(t, err)

		img := []uint16{65530, 0, 3, 3}
		d.Decode(5, img)
		require.Equal(t, []uint16{65535, 10, 3, 3}, img)
	})
	t.Run("invalid", func(t *testing.T) {
		_, err := NewDecoder(attributes.Map{AttrMinT: "x"}, 2)
		require.Error(t, err)
		_, err = NewDecoder(attributes.Map{AttrMinT: "1", AttrMinTHeight: "x"}, 2)
		require.Error(t, err)
	})
}
