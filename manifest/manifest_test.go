package manifest

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"go.etcd.io/bbolt"
)

var now = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Manifest, string) {
	path := filepath.Join(t.TempDir(), "manifest.db")
	m, err := Open(path, Options{IsTesting: true, Now: func() time.Time { return now }})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })
	return m, path
}

func TestManifest_PutGet(t *testing.T) {
	m, _ := setup(t)
	if _, found, err := m.Get("orders"); found || err != nil {
		t.Fatalf("Get on empty manifest: found=%v err=%v", found, err)
	}
	ensure(m.Put(Entry{Name: "orders", Path: "/data/orders.log", End: 1234, Commits: 7}))
	e, found, err := m.Get("orders")
	if !found || err != nil {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	deepEqual(t, e, Entry{Name: "orders", Path: "/data/orders.log", End: 1234, Commits: 7, Updated: now})
}

func TestManifest_AllAndDelete(t *testing.T) {
	m, _ := setup(t)
	ensure(m.Put(Entry{Name: "b", Path: "b.log"}))
	ensure(m.Put(Entry{Name: "a", Path: "a.log"}))
	ensure(m.Put(Entry{Name: "c", Path: "c.log"}))
	ensure(m.Delete("b"))

	var names []string
	for _, e := range must(m.All()) {
		names = append(names, e.Name)
	}
	deepEqual(t, names, []string{"a", "c"})
}

func TestManifest_SurvivesReopen(t *testing.T) {
	m, path := setup(t)
	ensure(m.Put(Entry{Name: "x", End: 99}))
	ensure(m.Close())

	m2 := must(Open(path, Options{IsTesting: true}))
	defer m2.Close()
	e, found, err := m2.Get("x")
	if !found || err != nil || e.End != 99 {
		t.Fatalf("after reopen: %+v found=%v err=%v", e, found, err)
	}
}

func TestManifest_BadEntry(t *testing.T) {
	m, _ := setup(t)
	ensure(m.bdb.Update(func(btx *bbolt.Tx) error {
		return btx.Bucket(bucketName).Put([]byte("junk"), []byte{0xc1})
	}))
	_, _, err := m.Get("junk")
	if !errors.Is(err, ErrBadEntry) {
		t.Fatalf("** got %v, wanted ErrBadEntry", err)
	}
}

func deepEqual[T any](t testing.TB, a, e T) bool {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
		return false
	}
	return true
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
