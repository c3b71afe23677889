// SPDX-License-Identifier: GPL-2.0-or-later

// Package ingest compresses legacy thermal recordings as they
// appear in a watched directory.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"irvideo/pkg/container"
	"irvideo/pkg/log"
	"irvideo/pkg/lossy"
)

// OutputExt extension of transcoded videos.
const OutputExt = ".h264"

// Attributes added to transcoded videos.
const (
	AttrSource       = "SOURCE"
	AttrSourceFormat = "SOURCE_FORMAT"
)

// ErrNotLegacy file is not a raw or legacy compressed recording.
var ErrNotLegacy = errors.New("not a legacy recording")

// IsLegacy reports if f is transcoded by ingest.
func IsLegacy(f container.Format) bool {
	switch f {
	case container.PCR, container.PCREncapsulated, container.BINWest,
		container.ZCompressed, container.HCC:
		return true
	}
	return false
}

// Transcoder converts legacy recordings to compressed videos.
type Transcoder struct {
	registry *container.Registry
	params   lossy.Params
	outDir   string
	logger   *log.Logger
}

// NewTranscoder returns a transcoder writing to outDir.
func NewTranscoder(
	registry *container.Registry,
	params lossy.Params,
	outDir string,
	logger *log.Logger,
) *Transcoder {
	return &Transcoder{
		registry: registry,
		params:   params,
		outDir:   outDir,
		logger:   logger,
	}
}

// OutputPath returns the path of the transcoded src.
func (t *Transcoder) OutputPath(src string) string {
	name := filepath.Base(src)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	return filepath.Join(t.outDir, name+OutputExt)
}

func (t *Transcoder) lossy() bool {
	return t.params.LowValueError != 0 || t.params.HighValueError != 0
}

// Transcode compresses src and returns the output path. The
// partial output is removed on error.
func (t *Transcoder) Transcode(ctx context.Context, src string) (string, error) {
	reader, err := t.registry.Open(src)
	if err != nil {
		return "", err
	}
	defer reader.Close()

	if !IsLegacy(reader.Format()) {
		return "", fmt.Errorf("%w: %v", ErrNotLegacy, reader.Format())
	}

	dst := t.OutputPath(src)
	tmp := dst + ".tmp"
	if err := t.transcode(ctx, reader, tmp); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename: %w", err)
	}
	return dst, nil
}

func (t *Transcoder) transcode(ctx context.Context, r *container.Reader, dst string) error {
	width, height := r.ImageSize()
	writer, err := t.registry.Create(dst, container.WriterConfig{
		Width:  width,
		Height: height,
		Params: t.params,
	})
	if err != nil {
		return err
	}

	for key, value := range r.GlobalAttributes() {
		writer.SetGlobal(key, value)
	}
	writer.SetGlobal(AttrSource, filepath.Base(r.Name()))
	writer.SetGlobal(AttrSourceFormat, r.Format().String())

	if err := t.addFrames(ctx, r, writer); err != nil {
		writer.Close()
		return err
	}
	return writer.Close()
}

func (t *Transcoder) addFrames(ctx context.Context, r *container.Reader, w *container.Writer) error {
	name := filepath.Base(r.Name())
	timestamps := r.Timestamps()
	width, height := r.ImageSize()
	img := make([]uint16, width*height)
	lossy := t.lossy()

	t.logger.Info().Src("ingest").Video(name).Msgf(
		"transcoding %v %dx%d, %d frames, lossy: %v", r.Format(), width, height, r.Size(), lossy)

	for i := 0; i < r.Size(); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.ReadImage(i, 0, img); err != nil {
			return fmt.Errorf("read frame %d: %w", i, err)
		}
		attrs, err := r.FrameAttributes(i)
		if err != nil {
			return fmt.Errorf("frame attributes %d: %w", i, err)
		}
		if lossy {
			err = w.AddFrameLossy(img, timestamps[i], attrs)
		} else {
			err = w.AddFrameLossless(img, timestamps[i], attrs, false)
		}
		if err != nil {
			return fmt.Errorf("add frame %d: %w", i, err)
		}
	}
	return nil
}
