// SPDX-License-Identifier: GPL-2.0-or-later

// Package handle maps small integer handles to open videos.
package handle

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrStaleHandle handle was closed or never existed.
var ErrStaleHandle = errors.New("stale handle")

// Handle index and generation of an arena slot. The zero
// Handle is never returned by Insert.
type Handle struct {
	Index      uint32
	Generation uint32
}

// ID packs the handle into one integer.
func (h Handle) ID() uint64 {
	return uint64(h.Generation)<<32 | uint64(h.Index)
}

// FromID unpacks an ID.
func FromID(id uint64) Handle {
	return Handle{Index: uint32(id), Generation: uint32(id >> 32)}
}

// String returns the decimal ID.
func (h Handle) String() string {
	return strconv.FormatUint(h.ID(), 10)
}

// Parse parses a decimal ID.
func Parse(s string) (Handle, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %q", ErrStaleHandle, s)
	}
	return FromID(id), nil
}

type slot[T any] struct {
	value      T
	generation uint32
	used       bool
}

// Arena stores values behind generational handles, a removed
// slot is reused with the next generation. Not safe for concurrent use.
type Arena[T any] struct {
	slots []slot[T]
	free  []uint32
	count int
}

// Insert stores v and returns its handle.
func (a *Arena[T]) Insert(v T) Handle {
	var index uint32
	if n := len(a.free); n > 0 {
		index = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		index = uint32(len(a.slots))
		a.slots = append(a.slots, slot[T]{})
	}

	s := &a.slots[index]
	s.generation++
	s.value = v
	s.used = true
	a.count++
	return Handle{Index: index, Generation: s.generation}
}

// Get returns the value of h.
func (a *Arena[T]) Get(h Handle) (T, error) {
	s, err := a.slot(h)
	if err != nil {
		var zero T
		return zero, err
	}
	return s.value, nil
}

// Remove deletes h and returns its value.
func (a *Arena[T]) Remove(h Handle) (T, error) {
	s, err := a.slot(h)
	if err != nil {
		var zero T
		return zero, err
	}
	v := s.value
	var zero T
	s.value = zero
	s.used = false
	a.free = append(a.free, h.Index)
	a.count--
	return v, nil
}

func (a *Arena[T]) slot(h Handle) (*slot[T], error) {
	if int(h.Index) >= len(a.slots) {
		return nil, fmt.Errorf("%w: %v", ErrStaleHandle, h)
	}
	s := &a.slots[h.Index]
	if !s.used || s.generation != h.Generation {
		return nil, fmt.Errorf("%w: %v", ErrStaleHandle, h)
	}
	return s, nil
}

// Len returns the number of stored values.
func (a *Arena[T]) Len() int {
	return a.count
}

// Handles returns the handle of every stored value.
func (a *Arena[T]) Handles() []Handle {
	handles := make([]Handle, 0, a.count)
	for i, s := range a.slots {
		if s.used {
			handles = append(handles, Handle{Index: uint32(i), Generation: s.generation})
		}
	}
	return handles
}
