// SPDX-License-Identifier: GPL-2.0-or-later

package calib

import (
	"fmt"
	"sort"
	"sync"
)

// Builder creates a calibration from its config.
type Builder func(Config) (Calibration, error)

// Registry calibration builders by type and loaded calibrations by name.
type Registry struct {
	builders     map[string]Builder
	calibrations map[string]Calibration
	mu           sync.Mutex
}

// NewRegistry returns a registry with the linear and lut builders.
func NewRegistry() *Registry {
	r := &Registry{
		builders:     map[string]Builder{},
		calibrations: map[string]Calibration{},
	}
	r.RegisterBuilder("linear", func(c Config) (Calibration, error) { return NewLinear(c) })
	r.RegisterBuilder("lut", func(c Config) (Calibration, error) { return NewLUT(c) })
	return r
}

// RegisterBuilder adds or replaces the builder of a calibration type.
func (r *Registry) RegisterBuilder(typ string, b Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[typ] = b
}

// Build creates a calibration without adding it.
func (r *Registry) Build(c Config) (Calibration, error) {
	r.mu.Lock()
	builder, exist := r.builders[c.Type]
	r.mu.Unlock()
	if !exist {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, c.Type)
	}
	return builder(c)
}

// Load reads a calibration file, builds and adds it.
func (r *Registry) Load(path string) (Calibration, error) {
	c, err := ReadConfig(path)
	if err != nil {
		return nil, err
	}
	calibration, err := r.Build(c)
	if err != nil {
		return nil, fmt.Errorf("build %v: %w", path, err)
	}
	if err := r.Add(calibration); err != nil {
		return nil, err
	}
	return calibration, nil
}

// Add adds a calibration, names are unique.
func (r *Registry) Add(c Calibration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exist := r.calibrations[c.Name()]; exist {
		return fmt.Errorf("%w: %v", ErrExist, c.Name())
	}
	r.calibrations[c.Name()] = c
	return nil
}

// Get returns the calibration with name.
func (r *Registry) Get(name string) (Calibration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, exist := r.calibrations[name]
	if !exist {
		return nil, fmt.Errorf("%w: %v", ErrNotExist, name)
	}
	return c, nil
}

// Names returns the sorted calibration names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.calibrations))
	for name := range r.calibrations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
