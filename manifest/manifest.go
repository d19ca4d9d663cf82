// Package manifest keeps a bbolt-backed registry of the databases a catalog
// has opened: where each log lives and how far it was known to be committed.
package manifest

import (
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

var ErrBadEntry = errors.New("bad manifest entry")

var bucketName = []byte("databases")

type Entry struct {
	Name    string    `msgpack:"-"`
	Path    string    `msgpack:"p"`
	End     uint64    `msgpack:"e"`
	Commits uint64    `msgpack:"c"`
	Updated time.Time `msgpack:"u"`
}

type Options struct {
	IsTesting bool
	Timeout   time.Duration
	Now       func() time.Time
}

type Manifest struct {
	bdb *bbolt.DB
	now func() time.Time
}

func Open(path string, opt Options) (*Manifest, error) {
	if opt.Timeout == 0 {
		opt.Timeout = 10 * time.Second
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	bopt := *bbolt.DefaultOptions
	bopt.Timeout = opt.Timeout
	if opt.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
	} else {
		bopt.FreelistType = bbolt.FreelistMapType
	}

	bdb, err := bbolt.Open(path, 0o666, &bopt)
	if err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	err = bdb.Update(func(btx *bbolt.Tx) error {
		_, err := btx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		bdb.Close()
		return nil, fmt.Errorf("manifest: %w", err)
	}
	return &Manifest{bdb: bdb, now: opt.Now}, nil
}

func (m *Manifest) Close() error {
	return m.bdb.Close()
}

// Get returns the entry for name; found is false if there is none.
func (m *Manifest) Get(name string) (e Entry, found bool, err error) {
	err = m.bdb.View(func(btx *bbolt.Tx) error {
		raw := btx.Bucket(bucketName).Get([]byte(name))
		if raw == nil {
			return nil
		}
		found = true
		return decodeEntry(name, raw, &e)
	})
	return
}

// Put stores e under e.Name, stamping Updated.
func (m *Manifest) Put(e Entry) error {
	if e.Name == "" {
		panic("manifest: entry without a name")
	}
	e.Updated = m.now().UTC()
	raw, err := msgpack.Marshal(&e)
	if err != nil {
		return fmt.Errorf("manifest: encoding %q: %w", e.Name, err)
	}
	return m.bdb.Update(func(btx *bbolt.Tx) error {
		return btx.Bucket(bucketName).Put([]byte(e.Name), raw)
	})
}

func (m *Manifest) Delete(name string) error {
	return m.bdb.Update(func(btx *bbolt.Tx) error {
		return btx.Bucket(bucketName).Delete([]byte(name))
	})
}

// All returns every entry ordered by name.
func (m *Manifest) All() ([]Entry, error) {
	var result []Entry
	err := m.bdb.View(func(btx *bbolt.Tx) error {
		return btx.Bucket(bucketName).ForEach(func(k, v []byte) error {
			var e Entry
			if err := decodeEntry(string(k), v, &e); err != nil {
				return err
			}
			result = append(result, e)
			return nil
		})
	})
	return result, err
}

func decodeEntry(name string, raw []byte, e *Entry) error {
	if err := msgpack.Unmarshal(raw, e); err != nil {
		return fmt.Errorf("%w %q: %w", ErrBadEntry, name, err)
	}
	e.Name = name
	e.Updated = e.Updated.UTC()
	return nil
}
