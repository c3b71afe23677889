// SPDX-License-Identifier: GPL-2.0-or-later

package container

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"irvideo/pkg/attributes"
	"irvideo/pkg/calib"
	"irvideo/pkg/codec"
	"irvideo/pkg/lossy"
	"irvideo/pkg/parallel"
)

// WriterConfig video geometry and encoder parameters.
type WriterConfig struct {
	Width  int
	Height int
	// Rows the lossy encoder may modify, 0 means CorrectedHeight(Height).
	LossyHeight int
	Params      lossy.Params
}

type writerMode int

const (
	modeUnset writerMode = iota
	modeLossless
	modeLossy
)

// Writer writes a compressed video. Parameters can be changed until
// the first frame, every frame must use the same method.
type Writer struct {
	path    string
	file    *os.File
	cfg     WriterConfig
	codecs  *codec.Registry
	threads ThreadsFunc

	camera calib.Calibration
	global attributes.Map

	mode    writerMode
	pool    *parallel.Pool
	encoder codec.Encoder
	lossy   *lossy.Encoder

	timestamps []int64
	frames     []attributes.Map
	closed     bool
}

func newWriter(path string, cfg WriterConfig, codecs *codec.Registry, threads ThreadsFunc) (*Writer, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: invalid size %dx%d", ErrInvalidFile, cfg.Width, cfg.Height)
	}
	if cfg.LossyHeight <= 0 || cfg.LossyHeight > cfg.Height {
		cfg.LossyHeight = CorrectedHeight(cfg.Height)
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	if _, err := codecs.Get(cfg.Params.Codec); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create: %w", err)
	}
	return &Writer{
		path:    path,
		file:    file,
		cfg:     cfg,
		codecs:  codecs,
		threads: threads,
		global:  attributes.Map{},
	}, nil
}

// Path returns the output path.
func (w *Writer) Path() string {
	return w.path
}

// ImageSize returns the frame width and height.
func (w *Writer) ImageSize() (int, int) {
	return w.cfg.Width, w.cfg.Height
}

// SetParameter sets an encoder parameter.
func (w *Writer) SetParameter(key, value string) error {
	if w.mode != modeUnset {
		return fmt.Errorf("%w: %v", ErrStarted, key)
	}
	if key == "codec" {
		if _, err := w.codecs.Get(value); err != nil {
			return err
		}
	}
	return w.cfg.Params.Set(key, value)
}

// GetParameter returns an encoder parameter.
func (w *Writer) GetParameter(key string) (string, error) {
	return w.cfg.Params.Get(key)
}

// Params returns the encoder parameters.
func (w *Writer) Params() lossy.Params {
	return w.cfg.Params
}

// SetCamera sets the calibration used when inputCamera is set.
func (w *Writer) SetCamera(c calib.Calibration) error {
	if w.mode != modeUnset {
		return ErrStarted
	}
	w.camera = c
	return nil
}

// SetGlobal sets a global attribute written on close.
func (w *Writer) SetGlobal(key, value string) {
	w.global[key] = value
}

// Count returns the number of frames written.
func (w *Writer) Count() int {
	return len(w.timestamps)
}

// AddFrameLossless compresses img exactly. attrs are stored with
// the frame, key forces a key frame.
func (w *Writer) AddFrameLossless(img []uint16, ts int64, attrs attributes.Map, key bool) error {
	if err := w.check(img, ts, modeLossless); err != nil {
		return err
	}
	if err := w.encoder.AddFrame(img[:w.cfg.Width*w.cfg.Height], nil, key); err != nil {
		return err
	}
	w.timestamps = append(w.timestamps, ts)
	w.frames = append(w.frames, attrs.Clone())
	return nil
}

// AddFrameLossy bounds the error of img then compresses it. attrs
// are stored with the frame next to the error budget.
func (w *Writer) AddFrameLossy(img []uint16, ts int64, attrs attributes.Map) error {
	if err := w.check(img, ts, modeLossy); err != nil {
		return err
	}
	frame, err := w.lossy.Encode(img)
	if err != nil {
		return err
	}
	if err := w.encoder.AddFrame(frame.Pixels, frame.IT, false); err != nil {
		return err
	}
	merged := attrs.Clone()
	for k, v := range frame.Attrs {
		merged[k] = v
	}
	w.timestamps = append(w.timestamps, ts)
	w.frames = append(w.frames, merged)
	return nil
}

func (w *Writer) check(img []uint16, ts int64, mode writerMode) error {
	if w.closed {
		return ErrClosed
	}
	if size := w.cfg.Width * w.cfg.Height; len(img) < size {
		return fmt.Errorf("%w: %d < %d", ErrBufferTooSmall, len(img), size)
	}
	if n := len(w.timestamps); n > 0 && ts <= w.timestamps[n-1] {
		return fmt.Errorf("%w: %d <= %d", ErrMonotonicity, ts, w.timestamps[n-1])
	}
	if w.mode == modeUnset {
		return w.start(mode)
	}
	if w.mode != mode {
		return ErrModeMixed
	}
	return nil
}

func (w *Writer) start(mode writerMode) error {
	p := w.cfg.Params
	camera := mode == modeLossy && p.InputCamera != 0
	if camera && w.camera == nil {
		return fmt.Errorf("%w: inputCamera without camera", ErrNoCalibration)
	}

	c, err := w.codecs.Get(p.Codec)
	if err != nil {
		return err
	}
	w.pool = parallel.NewPool(w.threads(p.Threads))

	if mode == modeLossy {
		enc, err := lossy.NewEncoder(w.cfg.Width, w.cfg.Height, w.cfg.LossyHeight, p, w.pool)
		if err != nil {
			w.pool.Close()
			return err
		}
		if camera {
			enc.SetCamera(w.camera)
		}
		w.lossy = enc
	}

	encoder, err := c.NewEncoder(w.file, codec.Config{
		Width:   w.cfg.Width,
		Height:  w.cfg.Height,
		GOP:     p.GOP,
		Level:   p.CompressionLevel,
		Slices:  p.Slices,
		StoreIT: camera,
		Pool:    w.pool,
	})
	if err != nil {
		w.pool.Close()
		w.lossy = nil
		return err
	}
	w.encoder = encoder
	w.mode = mode
	return nil
}

// Close finishes the stream and writes the attribute trailer.
// The trailer is written even if finishing the stream failed,
// every error is returned.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	defer w.pool.Close()

	var errs []error
	if w.encoder != nil {
		if err := w.encoder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("finish stream: %w", err))
		}
	}
	if err := w.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	if w.encoder != nil {
		err := writeTrailer(w.path, w.timestamps, w.frames, w.globalAttributes())
		if err != nil {
			errs = append(errs, fmt.Errorf("write trailer: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (w *Writer) globalAttributes() attributes.Map {
	p := w.cfg.Params
	// Stream attributes override user attributes.
	global := w.global.Clone()
	global[AttrCodec] = p.Codec
	global[AttrLossy] = "0"
	global[AttrGOP] = strconv.Itoa(p.GOP)
	global[AttrPositions] = encodePositions(w.encoder.Positions())
	if w.lossy != nil {
		global[AttrLossy] = "1"
		for k, v := range w.lossy.GlobalAttributes() {
			global[k] = v
		}
	}
	if w.camera != nil {
		global[AttrCalibration] = w.camera.Name()
	}
	return global
}
