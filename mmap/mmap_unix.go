//go:build unix

package mmap

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

func mmap(f *os.File, size int, access Access) ([]byte, error) {
	b, err := unix.Mmap(int(f.Fd()), 0, size, syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return nil, err
	}

	var advice int
	switch {
	case access.Has(Sequential):
		advice = syscall.MADV_SEQUENTIAL
	case access.Has(Random):
		advice = syscall.MADV_RANDOM
	default:
		return b, nil
	}
	// ENOSYS is harmless, the mapping still works without the hint
	if err := unix.Madvise(b, advice); err != nil && err != syscall.ENOSYS {
		_ = unix.Munmap(b)
		return nil, fmt.Errorf("madvise(%d): %w", advice, err)
	}
	return b, nil
}

func munmap(b []byte) error {
	return unix.Munmap(b)
}
