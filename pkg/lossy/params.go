// SPDX-License-Identifier: GPL-2.0-or-later

package lossy

import (
	"errors"
	"fmt"
	"strconv"

	"irvideo/pkg/blockcodec"

	"gopkg.in/yaml.v3"
)

// Params encoder parameters.
type Params struct {
	LowValueError    int     `yaml:"lowValueError"`
	HighValueError   int     `yaml:"highValueError"`
	CompressionLevel int     `yaml:"compressionLevel"`
	Codec            string  `yaml:"codec"`
	GOP              int     `yaml:"GOP"`
	Threads          int     `yaml:"threads"`
	Slices           int     `yaml:"slices"`
	StdFactor        float64 `yaml:"stdFactor"`
	InputCamera      int     `yaml:"inputCamera"`
	RemoveBadPixels  bool    `yaml:"removeBadPixels"`
	SubtractMin      bool    `yaml:"subtractMin"`
	SubtractLocalMin bool    `yaml:"subtractLocalMin"`
	RunningAverage   int     `yaml:"runningAverage"`
}

// DefaultParams returns the default parameters.
func DefaultParams() Params {
	return Params{
		LowValueError:    6,
		HighValueError:   2,
		CompressionLevel: 0,
		Codec:            "zstd",
		GOP:              50,
		Threads:          0,
		Slices:           1,
		StdFactor:        5,
		RunningAverage:   32,
	}
}

// Parameter errors.
var (
	ErrUnknownParam = errors.New("unknown parameter")
	ErrInvalidParam = errors.New("invalid parameter")
)

// ParseParams unmarshals YAML on top of the defaults.
func ParseParams(data []byte) (Params, error) {
	p := DefaultParams()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Params{}, fmt.Errorf("unmarshal params: %w", err)
	}
	if p.RunningAverage > MaxAverageDepth {
		p.RunningAverage = MaxAverageDepth
	}
	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	return p, nil
}

// Validate checks every field.
func (p Params) Validate() error {
	switch {
	case p.LowValueError < 0:
		return fmt.Errorf("%w: lowValueError %d", ErrInvalidParam, p.LowValueError)
	case p.HighValueError < 0:
		return fmt.Errorf("%w: highValueError %d", ErrInvalidParam, p.HighValueError)
	case p.CompressionLevel < 0 || p.CompressionLevel > blockcodec.MaxLevel:
		return fmt.Errorf("%w: compressionLevel %d", ErrInvalidParam, p.CompressionLevel)
	case p.Codec == "":
		return fmt.Errorf("%w: empty codec", ErrInvalidParam)
	case p.GOP < 1:
		return fmt.Errorf("%w: GOP %d", ErrInvalidParam, p.GOP)
	case p.Threads < 0:
		return fmt.Errorf("%w: threads %d", ErrInvalidParam, p.Threads)
	case p.Slices < 1:
		return fmt.Errorf("%w: slices %d", ErrInvalidParam, p.Slices)
	case p.StdFactor < 0:
		return fmt.Errorf("%w: stdFactor %v", ErrInvalidParam, p.StdFactor)
	case p.InputCamera < 0:
		return fmt.Errorf("%w: inputCamera %d", ErrInvalidParam, p.InputCamera)
	case p.RunningAverage < 0 || p.RunningAverage > MaxAverageDepth:
		return fmt.Errorf("%w: runningAverage %d", ErrInvalidParam, p.RunningAverage)
	}
	return nil
}

// Set parses value into the parameter named key. Integer flags
// accept any integer, non zero is true. runningAverage is
// capped at 64. p is unchanged on error.
func (p *Params) Set(key, value string) error {
	next := *p
	if err := next.set(key, value); err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return err
	}
	*p = next
	return nil
}

func (p *Params) set(key, value string) error { //nolint:funlen
	atoi := func() (int, error) {
		v, err := strconv.Atoi(value)
		if err != nil {
			return 0, fmt.Errorf("%w: %v: %w", ErrInvalidParam, key, err)
		}
		return v, nil
	}

	var err error
	switch key {
	case "lowValueError":
		p.LowValueError, err = atoi()
	case "highValueError":
		p.HighValueError, err = atoi()
	case "compressionLevel":
		p.CompressionLevel, err = atoi()
	case "codec":
		p.Codec = value
	case "GOP":
		p.GOP, err = atoi()
	case "threads":
		p.Threads, err = atoi()
	case "slices":
		p.Slices, err = atoi()
	case "stdFactor":
		p.StdFactor, err = strconv.ParseFloat(value, 64)
		if err != nil {
			err = fmt.Errorf("%w: %v: %w", ErrInvalidParam, key, err)
		}
	case "inputCamera":
		p.InputCamera, err = atoi()
	case "removeBadPixels":
		var v int
		v, err = atoi()
		p.RemoveBadPixels = v != 0
	case "subtractMin":
		var v int
		v, err = atoi()
		p.SubtractMin = v != 0
	case "subtractLocalMin":
		var v int
		v, err = atoi()
		p.SubtractLocalMin = v != 0
	case "runningAverage":
		p.RunningAverage, err = atoi()
		if p.RunningAverage > MaxAverageDepth {
			p.RunningAverage = MaxAverageDepth
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownParam, key)
	}
	return err
}

// Get returns the parameter named key formatted the way Set parses it.
func (p Params) Get(key string) (string, error) {
	switch key {
	case "lowValueError":
		return strconv.Itoa(p.LowValueError), nil
	case "highValueError":
		return strconv.Itoa(p.HighValueError), nil
	case "compressionLevel":
		return strconv.Itoa(p.CompressionLevel), nil
	case "codec":
		return p.Codec, nil
	case "GOP":
		return strconv.Itoa(p.GOP), nil
	case "threads":
		return strconv.Itoa(p.Threads), nil
	case "slices":
		return strconv.Itoa(p.Slices), nil
	case "stdFactor":
		return strconv.FormatFloat(p.StdFactor, 'g', -1, 64), nil
	case "inputCamera":
		return strconv.Itoa(p.InputCamera), nil
	case "removeBadPixels":
		return boolToString(p.RemoveBadPixels), nil
	case "subtractMin":
		return boolToString(p.SubtractMin), nil
	case "subtractLocalMin":
		return boolToString(p.SubtractLocalMin), nil
	case "runningAverage":
		return strconv.Itoa(p.RunningAverage), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownParam, key)
}

// ParamKeys lists every parameter name.
var ParamKeys = []string{
	"lowValueError",
	"highValueError",
	"compressionLevel",
	"codec",
	"GOP",
	"threads",
	"slices",
	"stdFactor",
	"inputCamera",
	"removeBadPixels",
	"subtractMin",
	"subtractLocalMin",
	"runningAverage",
}

func boolToString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
