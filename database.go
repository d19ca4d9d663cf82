package cowdb

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andreyvit/cowdb/applog"
	"github.com/andreyvit/cowdb/manifest"
)

const trackTxns = true

// Database is a named log plus the snapshot it currently yields. Readers use
// Current without locking; commits are serialized by commitLock.
type Database struct {
	name    string
	path    string
	cat     *Catalog
	log     *applog.Log
	logger  *slog.Logger
	verbose bool

	commitLock sync.Mutex
	current    atomic.Pointer[Snapshot]
	closed     atomic.Bool

	commits   atomic.Uint64
	conflicts atomic.Uint64
	retries   atomic.Uint64

	txns     []*Tx
	txnsLock sync.Mutex
}

func (db *Database) Name() string {
	return db.name
}

func (db *Database) Path() string {
	return db.path
}

func (db *Database) Log() *applog.Log {
	return db.log
}

// Current returns the latest committed snapshot.
func (db *Database) Current() *Snapshot {
	return db.current.Load()
}

// replay rebuilds the snapshot from every committed record.
func (db *Database) replay() error {
	db.commitLock.Lock()
	defer db.commitLock.Unlock()

	start := time.Now()
	s := newSnapshot(db.log, db.log.End(), db.cat.dictOpt)
	var n int
	err := db.log.Scan(applog.HeaderSize, func(rec applog.Record) error {
		obj, err := Decode(rec.UID, rec.Tag, rec.Payload)
		if err == nil {
			s, _, err = s.apply(obj)
		}
		if err != nil {
			return &applog.CorruptError{Pos: rec.UID, LastGood: rec.UID, Msg: err.Error()}
		}
		n++
		return nil
	})
	if err != nil {
		return err
	}
	db.current.Store(s)
	if db.verbose {
		db.logger.LogAttrs(db.cat.opt.Context, slog.LevelDebug, "cowdb: replayed", slog.String("db", db.name), slog.Int("records", n), slog.Uint64("end", s.pos), slog.Duration("elapsed", time.Since(start)))
	}
	return nil
}

// Update runs fn in a new transaction and commits it, starting over from a
// fresh snapshot when the commit conflicts. If fn fails, the transaction is
// rolled back and fn's error returned.
func (db *Database) Update(fn func(tx *Tx) error) error {
	for attempt := 0; ; attempt++ {
		tx := db.Transact()
		err := safelyCall(fn, tx)
		if err != nil {
			tx.Rollback()
			return err
		}
		err = tx.Commit()
		if err == nil || !errors.Is(err, ErrTransactionConflict) || attempt >= db.cat.opt.MaxRetries {
			return err
		}
		db.retries.Add(1)
		if db.verbose {
			db.logger.LogAttrs(db.cat.opt.Context, slog.LevelDebug, "cowdb: retrying", slog.String("db", db.name), slog.Int("attempt", attempt+1), slog.Any("err", err))
		}
	}
}

// Read calls fn with the current snapshot.
func (db *Database) Read(fn func(s *Snapshot) error) error {
	return fn(db.Current())
}

func (db *Database) afterCommit(s *Snapshot, commits uint64) {
	if db.cat.manifest == nil {
		return
	}
	err := db.cat.manifest.Put(manifest.Entry{Name: db.name, Path: db.path, End: s.pos, Commits: commits})
	if err != nil {
		// the commit itself is durable, the manifest just lags until next time
		db.logger.LogAttrs(db.cat.opt.Context, slog.LevelError, "cowdb: manifest update failed", slog.String("db", db.name), slog.Any("err", err))
	}
}

func (db *Database) close() error {
	db.commitLock.Lock()
	defer db.commitLock.Unlock()
	if db.closed.Swap(true) {
		return nil
	}
	return db.log.Close()
}

func (db *Database) addTx(tx *Tx) {
	if !trackTxns {
		return
	}
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()
	db.txns = append(db.txns, tx)
}

func (db *Database) removeTx(tx *Tx) {
	if !trackTxns {
		return
	}
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()

	found := slices.Index(db.txns, tx)
	if found < 0 {
		panic("cowdb: tx not found in list")
	}
	n := len(db.txns)
	db.txns[found] = db.txns[n-1]
	db.txns[n-1] = nil
	db.txns = db.txns[:n-1]
}

func (db *Database) OpenTxnCount() int {
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()
	return len(db.txns)
}

func (db *Database) DescribeOpenTxns() string {
	if !trackTxns {
		return "OPEN TX TRACKING DISABLED"
	}

	db.txnsLock.Lock()
	txns := slices.Clone(db.txns)
	db.txnsLock.Unlock()

	if len(txns) == 0 {
		return "NO OPEN TRANSACTIONS"
	}

	slices.SortFunc(txns, func(a, b *Tx) int {
		return a.startTime.Compare(b.startTime)
	})

	now := time.Now()
	var buf strings.Builder
	fmt.Fprintf(&buf, "%d OPEN TRANSACTIONS:\n", len(txns))
	for _, tx := range txns {
		ms := now.Sub(tx.startTime).Milliseconds()
		if ms < 100 {
			fmt.Fprintf(&buf, "\n---\nopen for %d ms, %d steps from %d\n", ms, len(tx.steps), tx.start)
		} else {
			fmt.Fprintf(&buf, "\n---\nopen for %d ms, %d steps from %d:\n%s", ms, len(tx.steps), tx.start, tx.stack)
		}
	}
	return buf.String()
}
