// SPDX-License-Identifier: GPL-2.0-or-later

// Package calib converts raw digital levels to temperatures.
package calib

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ModeDL calibration mode that keeps the stored digital levels.
const ModeDL = 0

// Calibration converts digital levels in place. Mode 0 is the
// identity, every other mode is listed by Modes.
type Calibration interface {
	Name() string
	// Modes returns the mode names, the index is the mode.
	Modes() []string
	Calibrate(img []uint16, mode int) error
}

// Errors.
var (
	ErrMode          = errors.New("unsupported calibration mode")
	ErrInvalidConfig = errors.New("invalid calibration config")
	ErrUnknownType   = errors.New("unknown calibration type")
	ErrExist         = errors.New("calibration already exist")
	ErrNotExist      = errors.New("calibration does not exist")
)

// Config calibration file.
//
//	name: camera1
//	type: lut
//	scale: 10
//	points:
//	  - [0, 273.15]
//	  - [8191, 400]
type Config struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`

	// Output is temperature * scale, rounded. Default 1.
	Scale float64 `yaml:"scale"`

	// Linear.
	Gain   float64 `yaml:"gain"`
	Offset float64 `yaml:"offset"`

	// Lookup table of digital level, temperature pairs.
	Points [][2]float64 `yaml:"points"`
}

// ParseConfig unmarshals a calibration file.
func ParseConfig(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("unmarshal calibration: %w", err)
	}
	if c.Scale == 0 {
		c.Scale = 1
	}
	if c.Name == "" {
		return Config{}, fmt.Errorf("%w: missing name", ErrInvalidConfig)
	}
	return c, nil
}

// ReadConfig reads and parses a calibration file.
func ReadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read calibration: %w", err)
	}
	return ParseConfig(data)
}

var modes = []string{"Digital Level", "Temperature"}

// Table calibration backed by a 64Ki entry table, one
// entry per digital level. Safe for concurrent use.
type Table struct {
	name  string
	table []uint16
}

// Name returns the calibration name.
func (t *Table) Name() string {
	return t.name
}

// Modes returns digital level and temperature.
func (t *Table) Modes() []string {
	return modes
}

// Calibrate converts img in place.
func (t *Table) Calibrate(img []uint16, mode int) error {
	switch mode {
	case ModeDL:
		return nil
	case 1:
		for i, v := range img {
			img[i] = t.table[v]
		}
		return nil
	}
	return fmt.Errorf("%w: %d", ErrMode, mode)
}

// Temperature returns the output value of a single digital level.
func (t *Table) Temperature(dl uint16) uint16 {
	return t.table[dl]
}

// NewLinear returns a calibration computing gain*DL+offset.
func NewLinear(c Config) (*Table, error) {
	if c.Gain == 0 {
		return nil, fmt.Errorf("%w: zero gain", ErrInvalidConfig)
	}
	t := &Table{name: c.Name, table: make([]uint16, 65536)}
	for dl := range t.table {
		t.table[dl] = toOutput((c.Gain*float64(dl) + c.Offset) * scale(c))
	}
	return t, nil
}

// NewLUT returns a calibration that interpolates linearly
// between points. Levels outside the points are clamped to the
// first or last temperature.
func NewLUT(c Config) (*Table, error) {
	if len(c.Points) < 2 {
		return nil, fmt.Errorf("%w: need at least two points", ErrInvalidConfig)
	}
	points := append([][2]float64(nil), c.Points...)
	sort.Slice(points, func(i, j int) bool { return points[i][0] < points[j][0] })
	for i := 1; i < len(points); i++ {
		if points[i][0] == points[i-1][0] {
			return nil, fmt.Errorf("%w: duplicate level %v", ErrInvalidConfig, points[i][0])
		}
	}

	t := &Table{name: c.Name, table: make([]uint16, 65536)}
	s := scale(c)
	p := 0
	for dl := range t.table {
		x := float64(dl)
		for p < len(points)-2 && x > points[p+1][0] {
			p++
		}
		x0, y0 := points[p][0], points[p][1]
		x1, y1 := points[p+1][0], points[p+1][1]

		var y float64
		switch {
		case x <= points[0][0]:
			y = points[0][1]
		case x >= points[len(points)-1][0]:
			y = points[len(points)-1][1]
		default:
			y = y0 + (y1-y0)*(x-x0)/(x1-x0)
		}
		t.table[dl] = toOutput(y * s)
	}
	return t, nil
}

func scale(c Config) float64 {
	if c.Scale == 0 {
		return 1
	}
	return c.Scale
}

func toOutput(v float64) uint16 {
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > 65535 {
		return 65535
	}
	return uint16(v)
}
