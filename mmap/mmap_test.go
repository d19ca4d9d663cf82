package mmap

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAccessHas(t *testing.T) {
	a := Sequential
	if !a.Has(Sequential) || a.Has(Random) {
		t.Fatalf("Access.Has returned unexpected results for %v", a)
	}
}

func TestRegion_GrowsWithFile(t *testing.T) {
	f := must(os.Create(filepath.Join(t.TempDir(), "data")))
	defer f.Close()

	r, err := Map(f, 0, Sequential)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	defer r.Close()
	if r.Len() != 0 || r.Bytes() != nil {
		t.Fatalf("empty region has %d bytes", r.Len())
	}

	must(f.Write([]byte("hello")))
	ensure(Fdatasync(f))
	ensure(r.Remap(5))
	if !bytes.Equal(r.Bytes(), []byte("hello")) {
		t.Fatalf("** got %q, wanted %q", r.Bytes(), "hello")
	}

	must(f.Write(bytes.Repeat([]byte{'x'}, 10000)))
	ensure(r.Remap(10005))
	if r.Len() != 10005 || r.Bytes()[10004] != 'x' || r.Bytes()[0] != 'h' {
		t.Fatalf("remapped region has wrong contents, len %d", r.Len())
	}
	ensure(r.Close())
	if r.Bytes() != nil {
		t.Fatalf("closed region still holds a mapping")
	}
}

func TestRegion_RejectsNegativeSize(t *testing.T) {
	f := must(os.Create(filepath.Join(t.TempDir(), "data")))
	defer f.Close()
	_, err := Map(f, -1, 0)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("** got %v, wanted ErrTooLarge", err)
	}
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}
