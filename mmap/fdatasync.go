package mmap

import "os"

// Fdatasync flushes the file's data to stable storage, skipping metadata such
// as modification times where the OS allows it.
//
// An error from Fdatasync is not recoverable: the kernel may already have
// marked the dirty pages clean, so whatever is on disk is unknown. Callers
// must treat the file as broken.
func Fdatasync(f *os.File) error {
	return fdatasync(f)
}
