//go:build !(386 || arm || ppc || mips || mipsle)

package mmap

// MaxSize is the largest mapping supported on this architecture.
const MaxSize = 0xFFFFFFFFFFFF
