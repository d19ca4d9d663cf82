//go:build !linux

package mmap

import "os"

// fdatasync falls back to a full fsync where data-only sync is unavailable.
func fdatasync(f *os.File) error {
	return f.Sync()
}
