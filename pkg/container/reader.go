// SPDX-License-Identifier: GPL-2.0-or-later

package container

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"irvideo/pkg/attributes"
	"irvideo/pkg/badpixels"
	"irvideo/pkg/calib"
	"irvideo/pkg/lossy"
)

// Reader reads the frames of one video. The backend is chosen when
// the video is opened. ReadImage must not be called concurrently,
// other methods may.
type Reader struct {
	name    string
	info    Info
	backend Backend
	closer  io.Closer

	mu          sync.Mutex
	calibration calib.Calibration
	badPixels   bool
	corrector   *badpixels.Corrector
	closed      bool
}

func newReader(
	name string,
	info Info,
	backend Backend,
	calibs *calib.Registry,
	closer io.Closer,
) *Reader {
	r := &Reader{
		name:    name,
		info:    info,
		backend: backend,
		closer:  closer,
	}
	if calibs != nil {
		if c, err := calibs.Get(backend.GlobalAttributes()[AttrCalibration]); err == nil {
			r.calibration = c
		}
	}
	return r
}

// Name returns the name the video was opened with.
func (r *Reader) Name() string {
	return r.name
}

// Format returns the detected format.
func (r *Reader) Format() Format {
	return r.info.Format
}

// Info returns the detection result.
func (r *Reader) Info() Info {
	return r.info
}

// Size returns the number of frames.
func (r *Reader) Size() int {
	return r.backend.Size()
}

// ImageSize returns the frame width and height.
func (r *Reader) ImageSize() (int, int) {
	return r.backend.ImageSize()
}

// Timestamps returns the frame timestamps in nanoseconds.
func (r *Reader) Timestamps() []int64 {
	return r.backend.Timestamps()
}

// GlobalAttributes returns the attributes of the video.
func (r *Reader) GlobalAttributes() attributes.Map {
	return r.backend.GlobalAttributes()
}

// FrameAttributes returns the attributes of frame index.
func (r *Reader) FrameAttributes(index int) (attributes.Map, error) {
	if index < 0 || index >= r.backend.Size() {
		return nil, fmt.Errorf("%w: %d", ErrOutOfRange, index)
	}
	return r.backend.FrameAttributes(index)
}

// SetCalibration sets the calibration used by modes other than 0.
func (r *Reader) SetCalibration(c calib.Calibration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calibration = c
}

// Calibration returns the calibration, nil if there is none.
func (r *Reader) Calibration() calib.Calibration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calibration
}

// SupportedModes returns the calibration mode names.
func (r *Reader) SupportedModes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calibration == nil {
		return []string{"Digital Level"}
	}
	return r.calibration.Modes()
}

// SetBadPixelsEnabled enables bad pixel correction. Pixels are
// detected on the first frame.
func (r *Reader) SetBadPixelsEnabled(enable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.badPixels = enable
	if fixer, ok := r.backend.(invalidPixelFixer); ok {
		fixer.SetInvalidPixelsFixed(enable)
	}
}

// BadPixelsEnabled reports whether bad pixel correction is enabled.
func (r *Reader) BadPixelsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.badPixels
}

// CorrectedHeight number of rows that are image data, the
// last rows of taller frames hold camera metadata.
func CorrectedHeight(height int) int {
	if height > 3 {
		return height - 3
	}
	return height
}

// ReadImage reads frame index into out. Mode 0 returns the stored
// values, other modes are converted by the calibration.
func (r *Reader) ReadImage(index, mode int, out []uint16) error {
	r.mu.Lock()
	closed := r.closed
	calibration := r.calibration
	badPixels := r.badPixels
	r.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if index < 0 || index >= r.backend.Size() {
		return fmt.Errorf("%w: %d", ErrOutOfRange, index)
	}
	width, height := r.backend.ImageSize()
	size := width * height
	if len(out) < size {
		return fmt.Errorf("%w: %d < %d", ErrBufferTooSmall, len(out), size)
	}
	img := out[:size]

	if err := r.backend.ReadImage(index, img); err != nil {
		return err
	}
	if _, fixer := r.backend.(invalidPixelFixer); badPixels && !fixer {
		if err := r.correctBadPixels(img, width, height); err != nil {
			return err
		}
	}

	if mode == calib.ModeDL {
		return nil
	}
	if it, ok := r.backend.(itReader); ok && it.HasIT() && mode == lossy.CameraMode {
		return nil
	}
	if calibration == nil {
		return ErrNoCalibration
	}
	return calibration.Calibrate(img, mode)
}

// ReadIT reads the integration time plane of frame index.
func (r *Reader) ReadIT(index int, it []uint8) error {
	reader, ok := r.backend.(itReader)
	if !ok || !reader.HasIT() {
		return fmt.Errorf("%w: no integration time", ErrInvalidFile)
	}
	if index < 0 || index >= r.backend.Size() {
		return fmt.Errorf("%w: %d", ErrOutOfRange, index)
	}
	width, height := r.backend.ImageSize()
	if len(it) < width*height {
		return fmt.Errorf("%w: %d < %d", ErrBufferTooSmall, len(it), width*height)
	}
	return reader.ReadIT(index, it[:width*height])
}

func (r *Reader) correctBadPixels(img []uint16, width, height int) error {
	rows := CorrectedHeight(height)
	if r.corrector == nil {
		ref := make([]uint16, width*height)
		if err := r.backend.ReadImage(0, ref); err != nil {
			return fmt.Errorf("read reference frame: %w", err)
		}
		c, err := badpixels.NewCorrectorFromFrame(
			ref[:width*rows], width, rows, badpixels.DefaultFactor, nil)
		if err != nil {
			return fmt.Errorf("bad pixels: %w", err)
		}
		r.corrector = c
	}
	return r.corrector.Correct(img[:width*rows], img[:width*rows])
}

// Close closes the backend and the underlying file.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	err := r.backend.Close()
	if r.closer != nil {
		err = errors.Join(err, r.closer.Close())
	}
	return err
}
