package cowdb

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"time"

	"github.com/andreyvit/cowdb/applog"
	"github.com/andreyvit/cowdb/value"
)

// Tx accumulates steps against a private working snapshot. Nothing touches
// the log until Commit, and other transactions never see the steps.
//
// A Tx is not safe for concurrent use.
type Tx struct {
	db       *Database
	start    uint64
	rollback *Snapshot
	snap     *Snapshot
	steps    []step
	reads    []footprint
	done     bool
	err      error
	assigned []uint64

	startTime time.Time
	stack     string

	changeHandler func(chg Change)
}

type step struct {
	obj        Object
	footprints []footprint
}

// Transact starts a transaction from the current snapshot.
func (db *Database) Transact() *Tx {
	s := db.Current()
	tx := &Tx{
		db:        db,
		start:     s.pos,
		rollback:  s,
		snap:      s,
		startTime: time.Now(),
	}
	if trackTxns {
		tx.stack = string(debug.Stack())
	}
	db.addTx(tx)
	return tx
}

// Snapshot returns the working snapshot: the starting snapshot plus every
// step so far.
func (tx *Tx) Snapshot() *Snapshot {
	return tx.snap
}

func (tx *Tx) DB() *Database {
	return tx.db
}

// Start returns the log position the transaction started at.
func (tx *Tx) Start() uint64 {
	return tx.start
}

// Steps returns the pending objects in order.
func (tx *Tx) Steps() []Object {
	objs := make([]Object, len(tx.steps))
	for i, st := range tx.steps {
		objs[i] = st.obj
	}
	return objs
}

func (tx *Tx) Done() bool {
	return tx.done
}

// Err returns the error that aborted the transaction, if any.
func (tx *Tx) Err() error {
	return tx.err
}

// Install applies a fully-formed object to the working snapshot and queues it
// for commit. The object receives a transaction-local uid, which is returned.
func (tx *Tx) Install(obj Object) (uint64, error) {
	if obj == nil {
		panic("cowdb: Install(nil)")
	}
	if tx.done {
		return 0, ErrTxDone
	}
	uid := LocalUIDBase + uint64(len(tx.steps))
	obj = obj.withUID(uid)
	next, _, err := tx.snap.apply(obj)
	if err != nil {
		return 0, tx.failed(err)
	}
	if _, ok := obj.(rowRecord); ok {
		// keep the normalized values so the log holds what the snapshot holds
		obj = must(next.records.Lookup(uid))
	}
	tx.steps = append(tx.steps, step{obj, resolver{next, tx.snap}.footprints(obj)})
	tx.snap = next
	return uid, nil
}

func (tx *Tx) CreateTable(name string) (uint64, error) {
	return tx.Install(&Table{Name: name})
}

// AddColumn adds a column to a table. PrimaryKey and Unique constraints also
// create a single-column index named after the column.
func (tx *Tx) AddColumn(table uint64, name string, typ value.Kind, c Constraints) (uint64, error) {
	uid, err := tx.Install(&Column{Table: table, Name: name, Type: typ, Constraints: c})
	if err != nil {
		return 0, err
	}
	switch {
	case c.Has(PrimaryKey):
		_, err = tx.Install(&Index{Table: table, Name: name + "_pkey", Columns: []uint64{uid}, Primary: true})
	case c.Has(Unique):
		_, err = tx.Install(&Index{Table: table, Name: name + "_key", Columns: []uint64{uid}, Unique: true})
	}
	return uid, err
}

func (tx *Tx) CreateIndex(idx *Index) (uint64, error) {
	return tx.Install(idx)
}

// Insert adds a row with values in column order and returns the row uid.
func (tx *Tx) Insert(table uint64, vals ...value.Value) (uint64, error) {
	return tx.Install(&Insert{Table: table, Values: vals})
}

// InsertRow adds a row given by column name; unnamed columns are null.
func (tx *Tx) InsertRow(table uint64, row value.Row) (uint64, error) {
	tbl, err := tx.snap.Table(table)
	if err != nil {
		return 0, tx.failed(err)
	}
	vals := make([]value.Value, len(tbl.columns))
	if err := tx.assign(tbl, vals, row); err != nil {
		return 0, err
	}
	return tx.Install(&Insert{Table: table, Values: vals})
}

// Update changes the named columns of a row. Names may be qualified with the
// table name.
func (tx *Tx) Update(table, row uint64, changes value.Row) error {
	if tx.done {
		return ErrTxDone
	}
	tbl, err := tx.snap.Table(table)
	if err != nil {
		return tx.failed(err)
	}
	old, err := tx.snap.RowValues(tbl, row)
	if err != nil {
		return tx.failed(err)
	}
	vals := cloneValues(old)
	if err := tx.assign(tbl, vals, changes); err != nil {
		return err
	}
	_, err = tx.Install(&Update{Table: table, Row: row, Values: vals})
	return err
}

func (tx *Tx) assign(tbl *Table, vals []value.Value, row value.Row) error {
	for i := range row.Len() {
		name := strings.TrimPrefix(row.Name(i), tbl.Name+".")
		col, err := tx.snap.ColumnByName(tbl, name)
		if err != nil {
			return tx.failed(err)
		}
		vals[ColumnPos(tbl, col.uid)] = row.At(i)
	}
	return nil
}

func (tx *Tx) Delete(table, row uint64) error {
	_, err := tx.Install(&Delete{Table: table, Row: row})
	return err
}

// DropTable drops a table along with its columns and indexes.
func (tx *Tx) DropTable(table uint64) error {
	if _, err := tx.snap.Table(table); err != nil {
		return tx.failed(err)
	}
	_, err := tx.Install(&Drop{Target: table})
	return err
}

func (tx *Tx) DropIndex(index uint64) error {
	if _, err := tx.snap.Index(index); err != nil {
		return tx.failed(err)
	}
	_, err := tx.Install(&Drop{Target: index})
	return err
}

// ObserveKey records that the transaction relied on the contents of a unique
// index under key, found or not. Commit fails if anyone changes that key in
// the meantime.
func (tx *Tx) ObserveKey(index uint64, key []value.Value) {
	tx.reads = append(tx.reads, keyFootprint(index, key))
}

// ObserveRow records that the transaction relied on a row.
func (tx *Tx) ObserveRow(table, row uint64) {
	tx.reads = append(tx.reads, footprint{kind: fpRow, table: table, row: row})
}

// Commit checks the records committed since the transaction started for
// conflicts, then appends the steps to the log and installs the new
// snapshot. On any failure the database is left as it was.
func (tx *Tx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	if len(tx.steps) == 0 {
		tx.finish()
		return nil
	}
	changes, err := tx.commit()
	if err != nil {
		return err
	}
	tx.notify(tx.db, changes)
	return nil
}

func (tx *Tx) commit() ([]Change, error) {
	db := tx.db
	db.commitLock.Lock()
	defer db.commitLock.Unlock()
	if db.closed.Load() {
		return nil, tx.abort(ErrClosed)
	}

	cur := db.current.Load()
	recs, err := db.log.GetSince(tx.start)
	if err != nil {
		return nil, tx.abort(err)
	}
	records := make([]Object, len(recs))
	for i, rec := range recs {
		records[i], err = Decode(rec.UID, rec.Tag, rec.Payload)
		if err != nil {
			return nil, tx.abort(err)
		}
	}
	if err := tx.findConflict(records, cur); err != nil {
		db.conflicts.Add(1)
		db.logger.LogAttrs(db.cat.opt.Context, slog.LevelInfo, "cowdb: commit conflict", slog.String("db", db.name), slog.Uint64("start", tx.start), slog.Int("records_since", len(records)), slog.Any("err", err))
		return nil, tx.abort(err)
	}

	objs := tx.Steps()
	sizes := payloadSizes(objs)
	end := db.log.End()
	offsets := make([]uint64, len(objs))
	off := end
	for i := range objs {
		offsets[i] = off
		off += applog.RecordSize(sizes[i])
	}
	remap := func(uid uint64) uint64 {
		if !IsLocalUID(uid) {
			return uid
		}
		i := uid - LocalUIDBase
		if i >= uint64(len(offsets)) {
			panic(fmt.Errorf("cowdb: local uid #%d outside the transaction", uid))
		}
		return offsets[i]
	}

	next := cur
	drafts := make([]applog.Draft, len(objs))
	changes := make([]Change, len(objs))
	for i, obj := range objs {
		obj = obj.remap(remap)
		next, changes[i], err = next.apply(obj)
		if err != nil {
			return nil, tx.abort(err)
		}
		payload := obj.appendPayload(make([]byte, 0, sizes[i]))
		if len(payload) != sizes[i] {
			panic(fmt.Errorf("cowdb: %v encoded to %d bytes, expected %d", obj, len(payload), sizes[i]))
		}
		drafts[i] = applog.Draft{Tag: obj.Tag(), Payload: payload}
	}

	uids, err := db.log.Append(end, drafts)
	if err != nil {
		return nil, tx.abort(err)
	}
	if !slices.Equal(uids, offsets) {
		panic(fmt.Errorf("cowdb: log placed records at %v, expected %v", uids, offsets))
	}
	next = next.committed(db.log.End())
	db.current.Store(next)
	commits := db.commits.Add(1)
	db.afterCommit(next, commits)

	if db.verbose {
		db.logger.LogAttrs(db.cat.opt.Context, slog.LevelDebug, "cowdb: committed", slog.String("db", db.name), slog.Uint64("at", end), slog.Int("steps", len(objs)), slog.Uint64("end", next.pos))
	}
	tx.snap = next
	tx.assigned = offsets
	tx.finish()
	return changes, nil
}

// Resolve maps a uid returned by a builder to the uid it received on commit.
// Other uids are returned unchanged.
func (tx *Tx) Resolve(uid uint64) uint64 {
	if !IsLocalUID(uid) {
		return uid
	}
	if i := uid - LocalUIDBase; i < uint64(len(tx.assigned)) {
		return tx.assigned[i]
	}
	return uid
}

// Rollback discards every step. It never touches the log.
func (tx *Tx) Rollback() {
	if tx.done {
		return
	}
	tx.snap = tx.rollback
	tx.finish()
}

// failed aborts the transaction if err is one that ends it. Other errors
// leave the working snapshot as it was before the failed step.
func (tx *Tx) failed(err error) error {
	if aborts(err) {
		return tx.abort(err)
	}
	return err
}

// abort ends the transaction because of err, reverting to the snapshot it
// started from.
func (tx *Tx) abort(err error) error {
	if tx.done {
		return err
	}
	tx.snap = tx.rollback
	tx.err = err
	tx.finish()
	if tx.db.verbose {
		tx.db.logger.LogAttrs(tx.db.cat.opt.Context, slog.LevelDebug, "cowdb: transaction aborted", slog.String("db", tx.db.name), slog.Any("err", err))
	}
	return err
}

func (tx *Tx) finish() {
	tx.done = true
	tx.steps = nil
	tx.reads = nil
	tx.db.removeTx(tx)
}

type panicked struct {
	reason any
	stack  string
}

func (p panicked) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", p.reason, p.stack)
}

func safelyCall(fn func(*Tx) error, tx *Tx) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicked{p, string(debug.Stack())}
		}
	}()
	return fn(tx)
}
