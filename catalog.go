package cowdb

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/andreyvit/cowdb/applog"
	"github.com/andreyvit/cowdb/manifest"
	"github.com/andreyvit/cowdb/pdict"
)

const DefaultMaxRetries = 3

type Options struct {
	Context context.Context
	Logger  *slog.Logger
	Verbose bool

	// Sync makes every commit wait for fdatasync.
	Sync bool

	IsTesting bool

	// ManifestPath, if set, names a bbolt file that records every open
	// database and its committed log end.
	ManifestPath string

	// MaxRetries bounds how many times Database.Update retries after a
	// conflict. Zero means DefaultMaxRetries, negative means never retry.
	MaxRetries int

	// OnCommit is called after every successful commit, outside of any lock.
	OnCommit func(db *Database, changes []Change)

	// DictSize is the bucket size of every persistent dictionary.
	DictSize int
}

// Catalog maps database names to open databases.
type Catalog struct {
	opt      Options
	logger   *slog.Logger
	dictOpt  pdict.Options
	manifest *manifest.Manifest

	lock   sync.Mutex
	dbs    map[string]*Database
	closed bool
}

func NewCatalog(opt Options) (*Catalog, error) {
	if opt.Context == nil {
		opt.Context = context.Background()
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.MaxRetries == 0 {
		opt.MaxRetries = DefaultMaxRetries
	} else if opt.MaxRetries < 0 {
		opt.MaxRetries = 0
	}
	cat := &Catalog{
		opt:     opt,
		logger:  opt.Logger,
		dictOpt: pdict.Options{Size: opt.DictSize},
		dbs:     make(map[string]*Database),
	}
	if opt.ManifestPath != "" {
		var err error
		cat.manifest, err = manifest.Open(opt.ManifestPath, manifest.Options{IsTesting: opt.IsTesting})
		if err != nil {
			return nil, err
		}
	}
	return cat, nil
}

// Open opens the database stored at path under the given name, replaying its
// log. Opening a name that is already open at the same path returns the
// existing database.
func (cat *Catalog) Open(name, path string) (*Database, error) {
	cat.lock.Lock()
	defer cat.lock.Unlock()
	if cat.closed {
		return nil, ErrClosed
	}
	if db := cat.dbs[name]; db != nil {
		if db.path != path {
			return nil, fmt.Errorf("cowdb: database %q is already open at %s", name, db.path)
		}
		return db, nil
	}

	var entry manifest.Entry
	var found bool
	if cat.manifest != nil {
		var err error
		entry, found, err = cat.manifest.Get(name)
		if err != nil {
			return nil, err
		}
	}

	log, err := applog.Open(path, applog.Options{
		Context:   cat.opt.Context,
		DebugName: name,
		Logger:    cat.logger,
		Verbose:   cat.opt.Verbose,
		Sync:      cat.opt.Sync,
		ValidTag:  validTag,
		MinEnd:    entry.End,
	})
	if err != nil {
		return nil, fmt.Errorf("cowdb: %s: %w", name, err)
	}
	db := &Database{
		name:    name,
		path:    path,
		cat:     cat,
		log:     log,
		logger:  cat.logger,
		verbose: cat.opt.Verbose,
	}
	ok := false
	defer func() {
		if !ok {
			log.Close()
		}
	}()

	if found {
		if entry.Path != path {
			cat.logger.LogAttrs(cat.opt.Context, slog.LevelWarn, "cowdb: database moved", slog.String("db", name), slog.String("from", entry.Path), slog.String("to", path))
		}
		db.commits.Store(entry.Commits)
	}

	if err := db.replay(); err != nil {
		return nil, fmt.Errorf("cowdb: %s: %w", name, err)
	}
	if cat.manifest != nil {
		err := cat.manifest.Put(manifest.Entry{Name: name, Path: path, End: log.End(), Commits: db.commits.Load()})
		if err != nil {
			return nil, err
		}
	}
	cat.dbs[name] = db
	ok = true
	return db, nil
}

func (cat *Catalog) Database(name string) (*Database, error) {
	cat.lock.Lock()
	defer cat.lock.Unlock()
	db := cat.dbs[name]
	if db == nil {
		return nil, notFoundName("database", name)
	}
	return db, nil
}

// Names returns the names of open databases in order.
func (cat *Catalog) Names() []string {
	cat.lock.Lock()
	defer cat.lock.Unlock()
	return slices.Sorted(maps.Keys(cat.dbs))
}

// Drop closes a database and forgets it. The log file stays on disk.
func (cat *Catalog) Drop(name string) error {
	cat.lock.Lock()
	db := cat.dbs[name]
	delete(cat.dbs, name)
	cat.lock.Unlock()
	if db == nil {
		return notFoundName("database", name)
	}
	err := db.close()
	if cat.manifest != nil {
		if merr := cat.manifest.Delete(name); err == nil {
			err = merr
		}
	}
	return err
}

// Close closes every database and the manifest.
func (cat *Catalog) Close() error {
	cat.lock.Lock()
	dbs := slices.Collect(maps.Values(cat.dbs))
	cat.dbs = make(map[string]*Database)
	cat.closed = true
	cat.lock.Unlock()

	var firstErr error
	for _, db := range dbs {
		if err := db.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if cat.manifest != nil {
		if err := cat.manifest.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		cat.manifest = nil
	}
	return firstErr
}

// DescribeOpenTxns lists the transactions still open in every database.
func (cat *Catalog) DescribeOpenTxns() string {
	var buf strings.Builder
	for _, name := range cat.Names() {
		db, err := cat.Database(name)
		if err != nil {
			continue
		}
		fmt.Fprintf(&buf, "== %s: %s\n", name, db.DescribeOpenTxns())
	}
	return buf.String()
}
