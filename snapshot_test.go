package cowdb

import (
	"errors"
	"testing"

	"github.com/andreyvit/cowdb/value"
)

func violates(t testing.TB, err error, index string) *IntegrityError {
	t.Helper()
	if !errors.Is(err, ErrIntegrityViolation) {
		t.Fatalf("** got %v, wanted an integrity violation", err)
	}
	var ie *IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("** got %T, wanted *IntegrityError", err)
	}
	if ie.Index != index {
		t.Errorf("** got index %q, wanted %q", ie.Index, index)
	}
	return ie
}

func TestIntegrityUnique(t *testing.T) {
	db := setup(t)
	create(t, db, "users", "id int pk", "email string unique")
	insert(t, db, "users", []any{1, "a@example.com"}, []any{2, nil}, []any{3, nil})

	tx := db.Transact()
	tbl := must(tx.Snapshot().TableByName("users")).UID()
	_, err := tx.Insert(tbl, vals(4, "a@example.com")...)
	ie := violates(t, err, "email_key")
	deepEqual(t, value.Tuple(ie.Key), `("a@example.com")`)

	// the violation ends the transaction
	deepEqual(t, tx.Done(), true)
	deepEqual(t, tx.Err(), err)
	_, err = tx.Insert(tbl, vals(5, "b@example.com")...)
	deepEqual(t, err, ErrTxDone)
	deepEqual(t, tx.Snapshot(), db.Current())
}

func TestIntegrityPrimaryKey(t *testing.T) {
	db := setup(t)
	create(t, db, "users", "id int pk")
	tbl := must(db.Current().TableByName("users")).UID()

	err := db.Update(func(tx *Tx) error {
		_, err := tx.Insert(tbl, value.Null{})
		return err
	})
	violates(t, err, "id_pkey")

	err = db.Update(func(tx *Tx) error {
		must(tx.Insert(tbl, value.Int(1)))
		_, err := tx.Insert(tbl, value.Int(1))
		return err
	})
	violates(t, err, "id_pkey")
	deepEqual(t, tuples(db.Current(), "users"), []string(nil))
}

func TestIntegrityColumnTypes(t *testing.T) {
	db := setup(t)
	create(t, db, "items", "name string notnull", "price numeric", "qty int")
	tbl := must(db.Current().TableByName("items")).UID()

	for _, row := range [][]any{
		{nil, 1.5, 1},
		{"pen", "cheap", 1},
		{"pen", 1.5, 1.5},
		{"pen", 1.5, 1, "extra"},
	} {
		err := db.Update(func(tx *Tx) error {
			_, err := tx.Insert(tbl, vals(row...)...)
			return err
		})
		violates(t, err, "")
	}

	// ints widen to numeric; missing trailing values are null
	insert(t, db, "items", []any{"pen", 2}, []any{"ink"})
	deepEqual(t, tuples(db.Current(), "items"), []string{`("pen", 2, null)`, `("ink", null, null)`})
	s := db.Current()
	items := must(s.TableByName("items"))
	for _, rv := range s.AllRows(items) {
		if rv[0] == value.String("pen") {
			deepEqual(t, rv[1], value.Value(value.Numeric(2)))
		}
	}
}

func TestIntegrityNotNullColumnOnNonEmptyTable(t *testing.T) {
	db := setup(t)
	create(t, db, "t", "a int")
	insert(t, db, "t", []any{1})
	tbl := must(db.Current().TableByName("t")).UID()

	err := db.Update(func(tx *Tx) error {
		_, err := tx.AddColumn(tbl, "b", value.KindInt, NotNull)
		return err
	})
	violates(t, err, "")

	ok(t, db.Update(func(tx *Tx) error {
		_, err := tx.AddColumn(tbl, "b", value.KindInt, 0)
		return err
	}))
	deepEqual(t, tuples(db.Current(), "t"), []string{"(1, null)"})
}

func TestIntegrityDuplicateNames(t *testing.T) {
	db := setup(t)
	create(t, db, "t", "a int")
	tbl := must(db.Current().TableByName("t")).UID()

	err := db.Update(func(tx *Tx) error {
		_, err := tx.CreateTable("t")
		return err
	})
	violates(t, err, "")

	err = db.Update(func(tx *Tx) error {
		_, err := tx.AddColumn(tbl, "a", value.KindString, 0)
		return err
	})
	violates(t, err, "")
}

func TestIntegrityIndexOnExistingRows(t *testing.T) {
	db := setup(t)
	create(t, db, "t", "a int", "b string")
	rows := insert(t, db, "t", []any{1, "x"}, []any{2, "y"}, []any{3, "x"})
	s := db.Current()
	tbl := must(s.TableByName("t"))
	colA := must(s.ColumnByName(tbl, "a")).UID()
	colB := must(s.ColumnByName(tbl, "b")).UID()

	err := db.Update(func(tx *Tx) error {
		_, err := tx.CreateIndex(&Index{Table: tbl.UID(), Name: "b_key", Columns: []uint64{colB}, Unique: true})
		return err
	})
	violates(t, err, "b_key")

	ok(t, db.Update(func(tx *Tx) error {
		_, err := tx.CreateIndex(&Index{Table: tbl.UID(), Name: "by_b_a", Columns: []uint64{colB, colA}, Desc: []bool{false, true}})
		return err
	}))
	s = db.Current()
	idx := must(s.IndexByName(must(s.Table(tbl.UID())), "by_b_a"))
	var got []uint64
	for _, row := range idx.Keys().All() {
		got = append(got, row)
	}
	deepEqual(t, got, []uint64{rows[2], rows[0], rows[1]})
	ok(t, s.Check())
}

func TestIntegrityReferences(t *testing.T) {
	db := setup(t)
	create(t, db, "countries", "code string pk")
	create(t, db, "cities", "id int pk", "country string")
	insert(t, db, "countries", []any{"FR"}, []any{"NO"})
	s := db.Current()
	countries := must(s.TableByName("countries"))
	cities := must(s.TableByName("cities"))
	countryCol := must(s.ColumnByName(cities, "country")).UID()
	ok(t, db.Update(func(tx *Tx) error {
		_, err := tx.CreateIndex(&Index{Table: cities.UID(), Name: "by_country", Columns: []uint64{countryCol}, References: countries.UID()})
		return err
	}))
	cityRows := insert(t, db, "cities", []any{1, "FR"})
	var fr, no uint64
	for row, rv := range db.Current().AllRows(countries) {
		switch rv[0] {
		case value.String("FR"):
			fr = row
		case value.String("NO"):
			no = row
		}
	}

	err := db.Update(func(tx *Tx) error {
		return tx.Delete(countries.UID(), fr)
	})
	violates(t, err, "by_country")

	err = db.Update(func(tx *Tx) error {
		return tx.Update(countries.UID(), fr, value.RowOf("code", "FX"))
	})
	violates(t, err, "by_country")

	err = db.Update(func(tx *Tx) error {
		return tx.DropTable(countries.UID())
	})
	violates(t, err, "by_country")

	ok(t, db.Update(func(tx *Tx) error {
		return tx.Delete(countries.UID(), no)
	}))
	ok(t, db.Update(func(tx *Tx) error {
		if err := tx.Delete(cities.UID(), cityRows[0]); err != nil {
			return err
		}
		return tx.Delete(countries.UID(), fr)
	}))
	deepEqual(t, tuples(db.Current(), "countries"), []string(nil))
}

func TestDropTable(t *testing.T) {
	db := setup(t)
	create(t, db, "t", "a int pk", "b string")
	insert(t, db, "t", []any{1, "x"})
	before := db.Current()
	tbl := must(before.TableByName("t")).UID()

	ok(t, db.Update(func(tx *Tx) error {
		return tx.DropTable(tbl)
	}))
	s := db.Current()
	_, err := s.TableByName("t")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("** got %v, wanted ErrNotFound", err)
	}
	_, err = s.Lookup("t.b")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("** got %v, wanted ErrNotFound", err)
	}
	deepEqual(t, s.Role().Len(), 0)
	deepEqual(t, len(before.Tables()), 1)

	// the name is free again
	create(t, db, "t", "c int")
	deepEqual(t, s.Role().Len(), 0)
	deepEqual(t, db.Current().Role().Names(), []string{"t", "t.c"})
}

func TestNotFoundAborts(t *testing.T) {
	db := setup(t)
	create(t, db, "t", "a int")
	tbl := must(db.Current().TableByName("t")).UID()

	tx := db.Transact()
	err := tx.Update(tbl, 12345, value.RowOf("a", 1))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("** got %v, wanted ErrNotFound", err)
	}
	deepEqual(t, tx.Done(), true)
	deepEqual(t, tx.Commit(), ErrTxDone)

	tx = db.Transact()
	err = tx.Delete(999, 1)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("** got %v, wanted ErrNotFound", err)
	}
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.What != "table" || nf.UID != 999 {
		t.Fatalf("** got %v, wanted table #999 not found", err)
	}
}

func TestTxWorkingSnapshot(t *testing.T) {
	db := setup(t)
	tx := db.Transact()
	tbl := must(tx.CreateTable("t"))
	col := must(tx.AddColumn(tbl, "a", value.KindInt, PrimaryKey))
	row := must(tx.InsertRow(tbl, value.RowOf("a", 7)))
	for _, uid := range []uint64{tbl, col, row} {
		if !IsLocalUID(uid) {
			t.Errorf("** got #%d, wanted a local uid", uid)
		}
	}
	deepEqual(t, tuples(tx.Snapshot(), "t"), []string{"(7)"})
	deepEqual(t, len(db.Current().Tables()), 0)
	deepEqual(t, len(tx.Steps()), 4)

	ok(t, tx.Commit())
	realTbl, realRow := tx.Resolve(tbl), tx.Resolve(row)
	if IsLocalUID(realTbl) || IsLocalUID(realRow) {
		t.Fatalf("** got #%d and #%d, wanted log offsets", realTbl, realRow)
	}
	s := db.Current()
	deepEqual(t, must(s.Lookup("t")), realTbl)
	deepEqual(t, must(s.Row(must(s.Table(realTbl)), realRow)).String(), "{a: 7}")

	rec := must(db.Log().Get(realRow))
	obj := must(Decode(rec.UID, rec.Tag, rec.Payload))
	deepEqual(t, obj.(*Insert).Table, realTbl)
}
