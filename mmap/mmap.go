// Package mmap maps an append-only file read-only into memory and remaps it
// as the file grows.
package mmap

import (
	"errors"
	"fmt"
	"os"
)

var ErrTooLarge = errors.New("file too large to map")

type Access uint

const (
	// Sequential is a hint requesting aggressive read-ahead. Maps to
	// MADV_SEQUENTIAL on Unix.
	Sequential Access = 1 << iota

	// Random is a hint that read-ahead is less useful than normally. Maps to
	// MADV_RANDOM on Unix.
	Random
)

func (a Access) Has(v Access) bool {
	return a&v != 0
}

// Region is a read-only mapping of the first Len bytes of a file. A zero-length
// region holds no mapping at all.
type Region struct {
	f      *os.File
	access Access
	data   []byte
}

// Map maps the first size bytes of f.
func Map(f *os.File, size int, access Access) (*Region, error) {
	r := &Region{f: f, access: access}
	if err := r.Remap(size); err != nil {
		return nil, err
	}
	return r, nil
}

// Bytes returns the mapped data. The slice is valid until the next Remap or
// Close.
func (r *Region) Bytes() []byte {
	return r.data
}

func (r *Region) Len() int {
	return len(r.data)
}

// Remap replaces the mapping with one covering the first size bytes of the
// file. The caller must ensure the file is at least that long.
func (r *Region) Remap(size int) error {
	if size < 0 || uint64(size) > MaxSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, size)
	}
	if size == len(r.data) && (size == 0 || r.data != nil) {
		return nil
	}
	if err := r.unmap(); err != nil {
		return err
	}
	if size == 0 {
		return nil
	}
	b, err := mmap(r.f, size, r.access)
	if err != nil {
		return fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	r.data = b
	return nil
}

func (r *Region) unmap() error {
	if r.data == nil {
		return nil
	}
	b := r.data
	r.data = nil
	return munmap(b)
}

// Close releases the mapping. The file stays open.
func (r *Region) Close() error {
	return r.unmap()
}
