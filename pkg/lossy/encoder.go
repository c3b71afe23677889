// SPDX-License-Identifier: GPL-2.0-or-later

// Package lossy bounds the per pixel error of 16 bit thermal
// frames so they compress better with a lossless codec.
package lossy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	"irvideo/pkg/attributes"
	"irvideo/pkg/badpixels"
	"irvideo/pkg/parallel"
)

// Attribute keys written by the encoder.
const (
	AttrBackgroundError       = "BackgroundError"
	AttrForegroundError       = "ForegroundError"
	AttrGlobalBackgroundError = "GlobalBackgroundError"
	AttrGlobalForegroundError = "GlobalForegroundError"
	AttrStoreIT               = "STORE_IT"
	AttrMinT                  = "MIN_T"
	AttrMinTHeight            = "MIN_T_HEIGHT"
	AttrLocalMins             = "LOCAL_MINS"
)

// CameraMode calibration mode used in camera mode.
const CameraMode = 1

// Integration time tag, the top 3 bits of a digital level.
const itShift = 13

// Calibrator converts digital levels in place.
type Calibrator interface {
	Calibrate(img []uint16, mode int) error
}

// ErrFrameSize frame does not match the encoder geometry.
var ErrFrameSize = errors.New("frame size mismatch")

// Frame encoder output. Slices are owned by the
// encoder and valid until the next call.
type Frame struct {
	Pixels []uint16
	// Integration time plane in camera mode, nil otherwise.
	IT    []uint8
	Attrs attributes.Map
}

// Encoder freezes pixels that stay within the error budget to
// a running average, everything else is passed through exactly.
// Rows below lossyHeight are never modified.
type Encoder struct {
	params      Params
	width       int
	height      int
	lossyHeight int
	pool        *parallel.Pool
	camera      Calibrator

	corrector *badpixels.Corrector
	average   *RunningAverage
	budget    *Budget
	hist      []uint32

	count int
	// Subtracted from the output, never above any output value.
	min       uint16
	localMins []uint16
	global    attributes.Map

	// Corrected digital levels of the current and previous frame.
	dl     []uint16
	lastDL []uint16
	// Current frame, output is written here.
	cur []uint16
	// Last exact value of each pixel.
	ref []uint16
	// Previous output.
	prev []uint16
	it   []uint8
}

// NewEncoder returns an encoder for width x height frames where
// the first lossyHeight rows are lossy. A nil pool runs inline.
func NewEncoder(width, height, lossyHeight int, params Params, pool *parallel.Pool) (*Encoder, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrFrameSize, width, height)
	}
	if lossyHeight < 0 || lossyHeight > height {
		lossyHeight = height
	}

	size := width * height
	lossySize := width * lossyHeight
	return &Encoder{
		params:      params,
		width:       width,
		height:      height,
		lossyHeight: lossyHeight,
		pool:        pool,
		average:     NewRunningAverage(lossySize, params.RunningAverage),
		budget:      NewBudget(params.LowValueError, params.HighValueError, params.StdFactor),
		hist:        make([]uint32, histogramSize),
		global:      attributes.Map{},
		dl:          make([]uint16, size),
		lastDL:      make([]uint16, size),
		cur:         make([]uint16, size),
		ref:         make([]uint16, lossySize),
		prev:        make([]uint16, lossySize),
	}, nil
}

// SetCamera enables camera mode, frames are calibrated with
// c before bounding and the integration time plane is kept.
// Must be called before the first frame.
func (e *Encoder) SetCamera(c Calibrator) {
	e.camera = c
	if c != nil && e.it == nil {
		e.it = make([]uint8, e.width*e.height)
	}
}

// Params returns the encoder parameters.
func (e *Encoder) Params() Params {
	return e.params
}

// Count returns the number of frames processed.
func (e *Encoder) Count() int {
	return e.count
}

// LowErrors returns the background error of every frame.
func (e *Encoder) LowErrors() []int {
	return e.budget.LowErrors()
}

// HighErrors returns the foreground error of every frame.
func (e *Encoder) HighErrors() []int {
	return e.budget.HighErrors()
}

// GlobalAttributes returns the attributes describing the whole video.
func (e *Encoder) GlobalAttributes() attributes.Map {
	global := e.global.Clone()
	// A global minimum that dropped after the first frame needs
	// the per frame values as well.
	varied := len(e.localMins) > 0 && e.min != e.localMins[0]
	if len(e.localMins) > 0 && (e.params.SubtractLocalMin || varied) {
		buf := make([]byte, 0, 2*len(e.localMins))
		for _, m := range e.localMins {
			buf = binary.LittleEndian.AppendUint16(buf, m)
		}
		global[AttrLocalMins] = string(buf)
	}
	return global
}

// BadPixels returns the detected bad pixels, nil before the
// first frame or when correction is disabled.
func (e *Encoder) BadPixels() badpixels.List {
	if e.corrector == nil {
		return nil
	}
	return e.corrector.List()
}

// Encode bounds the error of img. The first frame is exact.
func (e *Encoder) Encode(img []uint16) (*Frame, error) {
	if len(img) < e.width*e.height {
		return nil, fmt.Errorf("%w: got %d pixels", ErrFrameSize, len(img))
	}

	attrs := attributes.Map{}
	if err := e.prepare(img); err != nil {
		return nil, err
	}

	if e.count == 0 {
		e.first()
	} else {
		low, high := e.bound()
		attrs[AttrBackgroundError] = strconv.Itoa(low)
		attrs[AttrForegroundError] = strconv.Itoa(high)
	}
	e.count++

	return &Frame{
		Pixels: e.cur,
		IT:     e.it,
		Attrs:  attrs,
	}, nil
}

// AddLoss bounds the error of img in place, without a codec.
func (e *Encoder) AddLoss(img []uint16) error {
	frame, err := e.Encode(img)
	if err != nil {
		return err
	}
	copy(img, frame.Pixels)
	return nil
}

// Corrects bad pixels, extracts the integration time
// and calibrates into e.cur.
func (e *Encoder) prepare(img []uint16) error {
	img = img[:e.width*e.height]
	lossySize := e.width * e.lossyHeight

	if e.params.RemoveBadPixels && lossySize > 0 {
		if e.corrector == nil {
			c, err := badpixels.NewCorrectorFromFrame(
				img[:lossySize], e.width, e.lossyHeight, badpixels.DefaultFactor, e.pool)
			if err != nil {
				return fmt.Errorf("bad pixels: %w", err)
			}
			e.corrector = c
		}
		if err := e.corrector.Correct(img[:lossySize], e.dl[:lossySize]); err != nil {
			return fmt.Errorf("bad pixels: %w", err)
		}
		copy(e.dl[lossySize:], img[lossySize:])
	} else {
		copy(e.dl, img)
	}

	if e.camera != nil {
		for i := 0; i < lossySize; i++ {
			e.it[i] = uint8(e.dl[i] >> itShift)
		}
		for i := lossySize; i < len(e.it); i++ {
			e.it[i] = 0
		}
	}

	copy(e.cur, e.dl)
	if e.camera != nil {
		if err := e.camera.Calibrate(e.cur[:lossySize], CameraMode); err != nil {
			return fmt.Errorf("calibrate: %w", err)
		}
	}
	return nil
}

func (e *Encoder) first() {
	lossySize := e.width * e.lossyHeight
	cur := e.cur[:lossySize]

	if e.camera != nil {
		e.global[AttrStoreIT] = "1"
	}
	e.global[AttrGlobalBackgroundError] = strconv.Itoa(e.params.LowValueError)
	e.global[AttrGlobalForegroundError] = strconv.Itoa(e.params.HighValueError)

	e.budget.Lossless()

	// Rebaseline every pixel.
	copy(e.ref, cur)
	copy(e.prev, cur)
	e.average.AddImage(cur, e.pool)
	copy(e.lastDL, e.dl)

	if e.subtracting() && lossySize > 0 {
		e.min = 65535
		e.subtractMin(cur)
		e.global[AttrMinT] = strconv.Itoa(int(e.min))
		e.global[AttrMinTHeight] = strconv.Itoa(e.lossyHeight)
	}
}

func (e *Encoder) subtracting() bool {
	return e.params.SubtractMin || e.params.SubtractLocalMin
}

// Runs the bounded error decision on every lossy pixel,
// returns the errors used.
func (e *Encoder) bound() (int, int) {
	lossySize := e.width * e.lossyHeight
	cur := e.cur[:lossySize]
	dl := e.dl[:lossySize]

	threshold := BackgroundThreshold(dl, e.hist)
	low, high := e.budget.Update(TwoPartStdDev(e.prev, cur, dl, threshold))

	useAverage := e.average.MaxDepth() > 0
	if useAverage {
		e.average.AddImage(cur, e.pool)
	}

	e.pool.Range(lossySize, func(start, end int) {
		for i := start; i < end; i++ {
			budget := low
			if uint32(dl[i]) > threshold {
				budget = high
			}
			v := int(cur[i])
			diff := v - int(e.ref[i])
			if diff < 0 {
				diff = -diff
			}
			if diff <= budget && e.lastDL[i]>>itShift == dl[i]>>itShift {
				if useAverage {
					cur[i] = clamp(int(e.average.Pixel(i)), v-budget, v+budget)
				} else {
					cur[i] = e.ref[i]
				}
				continue
			}
			e.ref[i] = cur[i]
			if useAverage {
				e.average.ResetPixel(i, cur[i])
			}
		}
	})

	copy(e.prev, cur)
	copy(e.lastDL, e.dl)

	if e.subtracting() && lossySize > 0 {
		e.subtractMin(cur)
	}
	return low, high
}

// Lowers the running minimum to the smallest output value and
// subtracts it. The decoder adds it back exactly.
func (e *Encoder) subtractMin(img []uint16) {
	for _, v := range img {
		if v < e.min {
			e.min = v
		}
	}
	e.localMins = append(e.localMins, e.min)

	m := e.min
	e.pool.Range(len(img), func(start, end int) {
		for i := start; i < end; i++ {
			img[i] -= m
		}
	})
}

func clamp(v, low, high int) uint16 {
	if v < low {
		v = low
	}
	if v > high {
		v = high
	}
	if v < 0 {
		v = 0
	}
	if v > 65535 {
		v = 65535
	}
	return uint16(v)
}
