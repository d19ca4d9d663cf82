package cowdb

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/andreyvit/cowdb/value"
)

func init() {
	slog.SetLogLoggerLevel(slog.LevelDebug)
}

func TestDB(t *testing.T) {
	db := setup(t)
	create(t, db, "cities", "id int pk", "name string notnull", "country string")
	rows := insert(t, db, "cities", []any{1, "Paris", "FR"}, []any{2, "Oslo", "NO"}, []any{3, "Lima", nil})

	s := db.Current()
	deepEqual(t, tuples(s, "cities"), []string{`(1, "Paris", "FR")`, `(2, "Oslo", "NO")`, `(3, "Lima", null)`})

	tbl := must(s.TableByName("cities"))
	row := must(s.Row(tbl, rows[1]))
	deepEqual(t, row.String(), `{id: 2, name: "Oslo", country: "NO"}`)
	deepEqual(t, db.Stats().Commits, uint64(2))
	deepEqual(t, db.Stats().Rows, 3)
	ok(t, s.Check())
}

func TestDBUpdateAndDelete(t *testing.T) {
	db := setup(t)
	create(t, db, "cities", "id int pk", "name string")
	rows := insert(t, db, "cities", []any{1, "Paris"}, []any{2, "Oslo"})
	tbl := must(db.Current().TableByName("cities")).UID()

	ok(t, db.Update(func(tx *Tx) error {
		return tx.Update(tbl, rows[0], value.RowOf("cities.name", "Lyon", "id", 10))
	}))
	deepEqual(t, tuples(db.Current(), "cities"), []string{`(10, "Lyon")`, `(2, "Oslo")`})

	ok(t, db.Update(func(tx *Tx) error {
		return tx.Delete(tbl, rows[1])
	}))
	deepEqual(t, tuples(db.Current(), "cities"), []string{`(10, "Lyon")`})

	s := db.Current()
	pk := s.PrimaryIndex(must(s.Table(tbl)))
	deepEqual(t, pk.Keys().Lookup(vals(10)), []uint64{rows[0]})
	isempty(t, pk.Keys().Lookup(vals(1)))
	isempty(t, pk.Keys().Lookup(vals(2)))
	ok(t, s.Check())
}

func TestDBSnapshotsAreImmutable(t *testing.T) {
	db := setup(t)
	create(t, db, "t", "a int")
	insert(t, db, "t", []any{1})
	before := db.Current()

	insert(t, db, "t", []any{2})
	deepEqual(t, tuples(before, "t"), []string{"(1)"})
	deepEqual(t, tuples(db.Current(), "t"), []string{"(1)", "(2)"})
}

func TestDBReplay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")

	cat := must(NewCatalog(Options{IsTesting: true, DictSize: 4}))
	db := must(cat.Open("test", path))
	create(t, db, "cities", "id int pk", "name string unique", "pop numeric")
	var rows []uint64
	for i := range 20 {
		rows = append(rows, insert(t, db, "cities", []any{i, fmt.Sprintf("city%02d", i), i * 1000})...)
	}
	tbl := must(db.Current().TableByName("cities")).UID()
	ok(t, db.Update(func(tx *Tx) error {
		if err := tx.Update(tbl, rows[3], value.RowOf("name", "Lyon")); err != nil {
			return err
		}
		if err := tx.Delete(tbl, rows[5]); err != nil {
			return err
		}
		idx := must(tx.Snapshot().IndexByName(must(tx.Snapshot().Table(tbl)), "name_key"))
		return tx.DropIndex(idx.UID())
	}))
	expected := db.Current().Dump(DumpAll)
	end := db.Log().End()
	ensure(cat.Close())

	cat = must(NewCatalog(Options{IsTesting: true, DictSize: 4}))
	defer cat.Close()
	db = must(cat.Open("test", path))
	deepEqual(t, db.Log().End(), end)
	deepEqual(t, db.Current().Dump(DumpAll), expected)
	ok(t, db.Current().Check())

	// replayed databases keep accepting commits
	insert(t, db, "cities", []any{100, "Oslo", 1})
	deepEqual(t, db.Current().TableStats(must(db.Current().TableByName("cities"))).Rows, 20)
}

func TestDBEmptyCommit(t *testing.T) {
	db := setup(t)
	end := db.Log().End()
	tx := db.Transact()
	ok(t, tx.Commit())
	deepEqual(t, db.Log().End(), end)
	deepEqual(t, tx.Commit(), ErrTxDone)
}

func TestDBUpdateRollsBackOnError(t *testing.T) {
	db := setup(t)
	create(t, db, "t", "a int")
	end := db.Log().End()

	boom := fmt.Errorf("boom")
	err := db.Update(func(tx *Tx) error {
		tbl := must(tx.Snapshot().TableByName("t")).UID()
		must(tx.Insert(tbl, value.Int(1)))
		return boom
	})
	deepEqual(t, err, boom)
	deepEqual(t, db.Log().End(), end)
	deepEqual(t, tuples(db.Current(), "t"), []string(nil))
	deepEqual(t, db.OpenTxnCount(), 0)
}

func TestDBUpdateRecoversPanics(t *testing.T) {
	db := setup(t)
	err := db.Update(func(tx *Tx) error {
		panic("oops")
	})
	var p panicked
	if !errors.As(err, &p) || p.reason != "oops" {
		t.Fatalf("** got %v, wanted panicked(oops)", err)
	}
	deepEqual(t, db.OpenTxnCount(), 0)
}

func TestDBDump(t *testing.T) {
	db := setup(t)
	create(t, db, "cities", "id int pk", "name string")
	rows := insert(t, db, "cities", []any{1, "Paris"}, []any{2, "Oslo"})

	out := db.Current().Dump(DumpAll)
	for _, line := range []string{
		"cities (2 rows)",
		"cities.stats: columns = 2, indexes = 1, index_entries = 2, row_depth = 1",
		"cities.c.id int primary key",
		"cities.c.name string",
		fmt.Sprintf(`cities.1 = #%d {id: 1, name: "Paris"}`, rows[0]),
		fmt.Sprintf(`cities.2 = #%d {id: 2, name: "Oslo"}`, rows[1]),
		"cities.i.id_pkey (id) PRIMARY",
		fmt.Sprintf("cities.i.id_pkey.1: (1) => #%d", rows[0]),
		fmt.Sprintf("cities.i.id_pkey.2: (2) => #%d", rows[1]),
	} {
		if !strings.Contains(out, line+"\n") {
			t.Errorf("** dump lacks %q:\n%s", line, out)
		}
	}

	out = db.Current().Dump(DumpTableHeaders)
	deepEqual(t, out, dumpSep1+"\ncities (2 rows)\n")
}

func TestDBDescribeOpenTxns(t *testing.T) {
	db := setup(t)
	deepEqual(t, db.DescribeOpenTxns(), "NO OPEN TRANSACTIONS")

	tx := db.Transact()
	if s := db.DescribeOpenTxns(); !strings.HasPrefix(s, "1 OPEN TRANSACTIONS:") {
		t.Errorf("** got %q, wanted one open transaction", s)
	}
	tx.Rollback()
	deepEqual(t, db.DescribeOpenTxns(), "NO OPEN TRANSACTIONS")
}

func setup(t testing.TB) *Database {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.log")
	cat := setupCatalog(t, Options{})
	return must(cat.Open("test", path))
}

func setupCatalog(t testing.TB, opt Options) *Catalog {
	t.Helper()
	opt.IsTesting = true
	if opt.DictSize == 0 {
		opt.DictSize = 4
	}
	cat := must(NewCatalog(opt))
	t.Cleanup(func() {
		ensure(cat.Close())
	})
	return cat
}

// create adds a table with columns given as "name kind [pk] [unique] [notnull]".
func create(t testing.TB, db *Database, table string, cols ...string) {
	t.Helper()
	err := db.Update(func(tx *Tx) error {
		tbl, err := tx.CreateTable(table)
		if err != nil {
			return err
		}
		for _, def := range cols {
			f := strings.Fields(def)
			var c Constraints
			for _, w := range f[2:] {
				switch w {
				case "pk":
					c |= PrimaryKey
				case "unique":
					c |= Unique
				case "notnull":
					c |= NotNull
				default:
					panic(fmt.Errorf("unknown constraint %q", w))
				}
			}
			if _, err := tx.AddColumn(tbl, f[0], kindNamed(f[1]), c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("create %s: %v", table, err)
	}
}

func kindNamed(name string) value.Kind {
	for k := value.KindNull; k.Valid(); k++ {
		if k.String() == name {
			return k
		}
	}
	panic(fmt.Errorf("unknown kind %q", name))
}

// insert adds rows in one transaction and returns their committed uids.
func insert(t testing.TB, db *Database, table string, rows ...[]any) []uint64 {
	t.Helper()
	tx := db.Transact()
	tbl := must(tx.Snapshot().TableByName(table)).UID()
	var uids []uint64
	for _, r := range rows {
		uid, err := tx.Insert(tbl, vals(r...)...)
		if err != nil {
			t.Fatalf("insert %v into %s: %v", r, table, err)
		}
		uids = append(uids, uid)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("insert into %s: %v", table, err)
	}
	for i, uid := range uids {
		uids[i] = tx.Resolve(uid)
	}
	return uids
}

func tuples(s *Snapshot, table string) []string {
	tbl := must(s.TableByName(table))
	var result []string
	for _, vals := range s.AllRows(tbl) {
		result = append(result, value.Tuple(vals))
	}
	return result
}

func vals(xs ...any) []value.Value {
	result := make([]value.Value, len(xs))
	for i, x := range xs {
		result[i] = value.Of(x)
	}
	return result
}

func deepEqual[T any](t testing.TB, a, e T) {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func isempty[T any, S ~[]T](t testing.TB, a S) {
	if len(a) > 0 {
		t.Helper()
		t.Errorf("** got %v, wanted empty slice", a)
	}
}

func ok(t testing.TB, err error) {
	if err != nil {
		t.Helper()
		t.Fatalf("** %v", err)
	}
}
