// SPDX-License-Identifier: GPL-2.0-or-later

package handle

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"irvideo/pkg/attributes"
	"irvideo/pkg/container"
	"irvideo/pkg/lossy"
	"irvideo/pkg/log"

	"github.com/google/uuid"
)

// Status result of a frame operation.
type Status int

// Statuses.
const (
	StatusOK             Status = 0
	StatusFailure        Status = -1
	StatusBufferTooSmall Status = -2
)

// StatusOf maps an error to a status.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, container.ErrBufferTooSmall):
		return StatusBufferTooSmall
	}
	return StatusFailure
}

// Errors.
var (
	ErrNotReader = errors.New("handle is not a reader")
	ErrNotWriter = errors.New("handle is not a writer")
)

// Reader parameters.
const (
	ParamBadPixels   = "badPixels"
	ParamCalibration = "calibration"
	ParamFormat      = "format"
	ParamInputCamera = "inputCamera"
)

// One open video. Operations on a session are serialized.
type session struct {
	id     string
	name   string
	reader *container.Reader
	writer *container.Writer

	mu      sync.Mutex
	lastErr error
}

func (s *session) close() error {
	if s.reader != nil {
		return s.reader.Close()
	}
	return s.writer.Close()
}

// Table open videos by handle.
type Table struct {
	registry *container.Registry
	logger   *log.Logger
	params   lossy.Params

	mu       sync.Mutex
	sessions Arena[*session]
}

// NewTable returns an empty table. Writers start with params.
func NewTable(registry *container.Registry, logger *log.Logger, params lossy.Params) *Table {
	return &Table{
		registry: registry,
		logger:   logger,
		params:   params,
	}
}

func (t *Table) insert(s *session) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions.Insert(s)
}

func (t *Table) get(h Handle) (*session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions.Get(h)
}

// Len returns the number of open handles.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions.Len()
}

// OpenContainer opens the video at path.
func (t *Table) OpenContainer(path string) (Handle, error) {
	reader, err := t.registry.Open(path)
	if err != nil {
		t.logger.Error().Src("handle").Video(path).Msgf("open: %v", err)
		return Handle{}, err
	}
	return t.AddReader(path, reader), nil
}

// OpenStream opens a video of size bytes read from src.
func (t *Table) OpenStream(name string, src io.ReaderAt, size int64) (Handle, error) {
	reader, err := t.registry.OpenReaderAt(name, src, size)
	if err != nil {
		t.logger.Error().Src("handle").Video(name).Msgf("open: %v", err)
		return Handle{}, err
	}
	return t.AddReader(name, reader), nil
}

// AddReader adds an open reader, the table closes it.
func (t *Table) AddReader(name string, reader *container.Reader) Handle {
	s := &session{id: uuid.NewString(), name: name, reader: reader}
	h := t.insert(s)
	width, height := reader.ImageSize()
	t.logger.Info().Src("handle").Video(s.id).Msgf(
		"opened %v: %v %dx%d, %d frames", name, reader.Format(), width, height, reader.Size())
	return h
}

// OpenWriter creates a compressed video at path.
func (t *Table) OpenWriter(path string, width, height int) (Handle, error) {
	writer, err := t.registry.Create(path, container.WriterConfig{
		Width:  width,
		Height: height,
		Params: t.params,
	})
	if err != nil {
		t.logger.Error().Src("handle").Video(path).Msgf("create: %v", err)
		return Handle{}, err
	}
	s := &session{id: uuid.NewString(), name: path, writer: writer}
	h := t.insert(s)
	t.logger.Info().Src("handle").Video(s.id).Msgf("created %v: %dx%d", path, width, height)
	return h, nil
}

// Run fn with the session locked, the error is kept as the last error.
func (t *Table) with(h Handle, fn func(s *session) error) error {
	s, err := t.get(h)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err = fn(s)
	s.lastErr = err
	return err
}

// LastError returns the error of the last operation on h.
func (t *Table) LastError(h Handle) error {
	s, err := t.get(h)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// SessionID returns the session id used in the logs of h.
func (t *Table) SessionID(h Handle) (string, error) {
	s, err := t.get(h)
	if err != nil {
		return "", err
	}
	return s.id, nil
}

// Reader returns the reader of h.
func (t *Table) Reader(h Handle) (*container.Reader, error) {
	s, err := t.get(h)
	if err != nil {
		return nil, err
	}
	if s.reader == nil {
		return nil, ErrNotReader
	}
	return s.reader, nil
}

// FrameCount returns the number of frames, frames written so far for writers.
func (t *Table) FrameCount(h Handle) (int, error) {
	var count int
	err := t.with(h, func(s *session) error {
		if s.reader != nil {
			count = s.reader.Size()
		} else {
			count = s.writer.Count()
		}
		return nil
	})
	return count, err
}

// ImageSize returns the frame width and height.
func (t *Table) ImageSize(h Handle) (int, int, error) {
	var width, height int
	err := t.with(h, func(s *session) error {
		if s.reader != nil {
			width, height = s.reader.ImageSize()
		} else {
			width, height = s.writer.ImageSize()
		}
		return nil
	})
	return width, height, err
}

// Timestamps returns the frame timestamps of a reader.
func (t *Table) Timestamps(h Handle) ([]int64, error) {
	var timestamps []int64
	err := t.with(h, func(s *session) error {
		if s.reader == nil {
			return ErrNotReader
		}
		timestamps = s.reader.Timestamps()
		return nil
	})
	return timestamps, err
}

// ReadFrame reads frame index into out. size is set to the
// required number of pixels when out is too small.
func (t *Table) ReadFrame(h Handle, index, mode int, out []uint16, size *int) Status {
	err := t.with(h, func(s *session) error {
		if s.reader == nil {
			return ErrNotReader
		}
		width, height := s.reader.ImageSize()
		if len(out) < width*height {
			if size != nil {
				*size = width * height
			}
			return fmt.Errorf("%w: need %d pixels", container.ErrBufferTooSmall, width*height)
		}
		return s.reader.ReadImage(index, mode, out)
	})
	return t.status(h, "read frame", err)
}

// AddFrameLossless appends img to a writer.
func (t *Table) AddFrameLossless(h Handle, img []uint16, ts int64, attrs attributes.Map, key bool) Status {
	err := t.with(h, func(s *session) error {
		if s.writer == nil {
			return ErrNotWriter
		}
		return s.writer.AddFrameLossless(img, ts, attrs, key)
	})
	return t.status(h, "add frame", err)
}

// AddFrameLossy appends img to a writer after bounding its error.
func (t *Table) AddFrameLossy(h Handle, img []uint16, ts int64, attrs attributes.Map) Status {
	err := t.with(h, func(s *session) error {
		if s.writer == nil {
			return ErrNotWriter
		}
		return s.writer.AddFrameLossy(img, ts, attrs)
	})
	return t.status(h, "add frame", err)
}

// SetParameter sets a writer encoder parameter or a reader parameter.
// The inputCamera value of a writer is the handle of a reader, its
// calibration converts frames, 0 disables camera mode.
func (t *Table) SetParameter(h Handle, key, value string) Status {
	var camera *container.Reader
	if key == ParamInputCamera && value != "0" {
		cameraHandle, err := Parse(value)
		if err == nil {
			camera, err = t.Reader(cameraHandle)
		}
		if err != nil {
			return t.status(h, "set parameter", err)
		}
	}

	err := t.with(h, func(s *session) error {
		if s.reader != nil {
			return t.setReaderParameter(s.reader, key, value)
		}
		if key != ParamInputCamera {
			return s.writer.SetParameter(key, value)
		}
		if camera == nil {
			if err := s.writer.SetCamera(nil); err != nil {
				return err
			}
			return s.writer.SetParameter(key, "0")
		}
		calibration := camera.Calibration()
		if calibration == nil {
			return container.ErrNoCalibration
		}
		if err := s.writer.SetCamera(calibration); err != nil {
			return err
		}
		return s.writer.SetParameter(key, "1")
	})
	return t.status(h, "set parameter", err)
}

func (t *Table) setReaderParameter(r *container.Reader, key, value string) error {
	switch key {
	case ParamBadPixels:
		enable, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%w: %v=%q", lossy.ErrInvalidParam, key, value)
		}
		r.SetBadPixelsEnabled(enable)
		return nil
	case ParamCalibration:
		c, err := t.registry.Calibrations().Get(value)
		if err != nil {
			return err
		}
		r.SetCalibration(c)
		return nil
	}
	return fmt.Errorf("%w: %q", lossy.ErrUnknownParam, key)
}

// GetParameter returns a parameter.
func (t *Table) GetParameter(h Handle, key string) (string, error) {
	var value string
	err := t.with(h, func(s *session) error {
		var err error
		if s.writer != nil {
			value, err = s.writer.GetParameter(key)
			return err
		}
		value, err = readerParameter(s.reader, key)
		return err
	})
	return value, err
}

func readerParameter(r *container.Reader, key string) (string, error) {
	switch key {
	case ParamBadPixels:
		return strconv.FormatBool(r.BadPixelsEnabled()), nil
	case ParamCalibration:
		if c := r.Calibration(); c != nil {
			return c.Name(), nil
		}
		return "", nil
	case ParamFormat:
		return r.Format().String(), nil
	}
	return "", fmt.Errorf("%w: %q", lossy.ErrUnknownParam, key)
}

// Close closes h, the handle becomes stale.
func (t *Table) Close(h Handle) Status {
	return StatusOf(t.close(h))
}

func (t *Table) close(h Handle) error {
	t.mu.Lock()
	s, err := t.sessions.Remove(h)
	t.mu.Unlock()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.close(); err != nil {
		t.logger.Error().Src("handle").Video(s.id).Msgf("close %v: %v", s.name, err)
		return fmt.Errorf("close %v: %w", s.name, err)
	}
	t.logger.Info().Src("handle").Video(s.id).Msgf("closed %v", s.name)
	return nil
}

// CloseAll closes every handle.
func (t *Table) CloseAll() error {
	t.mu.Lock()
	handles := t.sessions.Handles()
	t.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := t.close(h); err != nil && !errors.Is(err, ErrStaleHandle) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Table) status(h Handle, op string, err error) Status {
	if err != nil && !errors.Is(err, container.ErrBufferTooSmall) {
		t.logger.Debug().Src("handle").Msgf("%v %v: %v", op, h, err)
	}
	return StatusOf(err)
}
