package rowset

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/andreyvit/cowdb"
	"github.com/andreyvit/cowdb/value"
)

func TestJoin(t *testing.T) {
	db := setup(t)
	l := create(t, db, "l", "id int", "name string")
	r := create(t, db, "r", "id int", "tag string")
	insert(t, db, l, []any{1, "a"}, []any{2, "b"})
	insert(t, db, r, []any{1, "x"}, []any{1, "y"}, []any{3, "z"})
	lid, lname := col(db, "l", "id"), col(db, "l", "name")
	rid, rtag := col(db, "r", "id"), col(db, "r", "tag")

	join := func(typ JoinType) Node {
		return Project{
			Source: Join{Left: Scan{l}, Right: Scan{r}, Type: typ, On: []JoinOn{{lid, rid}}},
			Exprs:  []Named{{Expr: lid}, {Expr: lname}, {Expr: rtag}},
		}
	}
	tests := []struct {
		typ      JoinType
		expected []string
	}{
		{Inner, []string{`(1, "a", "x")`, `(1, "a", "y")`}},
		{LeftOuter, []string{`(1, "a", "x")`, `(1, "a", "y")`, `(2, "b", null)`}},
		{RightOuter, []string{`(1, "a", "x")`, `(1, "a", "y")`, `(null, null, "z")`}},
		{FullOuter, []string{`(1, "a", "x")`, `(1, "a", "y")`, `(2, "b", null)`, `(null, null, "z")`}},
		{Cross, []string{`(1, "a", "x")`, `(1, "a", "y")`, `(1, "a", "z")`, `(2, "b", "x")`, `(2, "b", "y")`, `(2, "b", "z")`}},
	}
	for _, tt := range tests {
		t.Run(tt.typ.String(), func(t *testing.T) {
			deepEqual(t, query(t, db.Current(), join(tt.typ)), tt.expected)
		})
	}
}

func TestJoinTies(t *testing.T) {
	db := setup(t)
	a := create(t, db, "a", "k int", "s string")
	b := create(t, db, "b", "k int", "s string")
	insert(t, db, a, []any{2, "a3"}, []any{1, "a1"}, []any{1, "a2"}, []any{nil, "a0"})
	insert(t, db, b, []any{1, "b1"}, []any{2, "b3"}, []any{1, "b2"}, []any{2, "b4"}, []any{nil, "b0"})
	node := Project{
		Source: Join{Left: Scan{a}, Right: Scan{b}, On: []JoinOn{{col(db, "a", "k"), col(db, "b", "k")}}},
		Exprs:  []Named{{Expr: col(db, "a", "s")}, {Expr: col(db, "b", "s")}},
	}
	deepEqual(t, query(t, db.Current(), node), []string{
		`("a1", "b1")`, `("a1", "b2")`, `("a2", "b1")`, `("a2", "b2")`,
		`("a3", "b3")`, `("a3", "b4")`,
	})

	rs := must(New(db.Current(), node, nil))
	deepEqual(t, rs.Columns(), []string{"a.s", "b.s"})
	c := must(rs.First())
	if err := c.Delete(nil); !errors.Is(err, ErrReadOnly) {
		t.Errorf("** got %v, wanted ErrReadOnly", err)
	}
}

func TestSearchIndexSelection(t *testing.T) {
	db := setup(t)
	tbl := create(t, db, "t", "id int pk", "v string")
	id, v := col(db, "t", "id"), col(db, "t", "v")
	byV := createIndex(t, db, tbl, "by_v", v.UID)
	pk := db.Current().PrimaryIndex(must(db.Current().Table(tbl))).UID()
	rows := insert(t, db, tbl, []any{1, "a"}, []any{2, "b"}, []any{3, "c"})
	ok(t, db.Update(func(tx *cowdb.Tx) error {
		return tx.Delete(tbl, rows[1])
	}))

	search := func(where Expr) (*SearchRowSet, []string) {
		rs := must(New(db.Current(), Filter{Source: Scan{tbl}, Where: where}, nil)).(*SearchRowSet)
		return rs, rowsOf(t, rs)
	}

	rs, got := search(Cmp{Eq, v, Const{value.String("c")}})
	deepEqual(t, rs.Chosen(), byV)
	deepEqual(t, got, []string{`(3, "c")`})

	rs, got = search(Cmp{Eq, Const{value.String("b")}, v})
	deepEqual(t, rs.Chosen(), byV)
	deepEqual(t, got, []string(nil))

	// equally good indexes: the first declared wins, and the whole
	// predicate still applies
	rs, got = search(And{Cmp{Eq, id, Const{value.Int(1)}}, Cmp{Eq, v, Const{value.String("c")}}})
	deepEqual(t, rs.Chosen(), pk)
	deepEqual(t, got, []string(nil))

	rs, got = search(Cmp{Gt, id, Const{value.Int(1)}})
	deepEqual(t, rs.Chosen(), uint64(0))
	deepEqual(t, got, []string{`(3, "c")`})

	rs, got = search(Cmp{Eq, v, Const{value.Null{}}})
	deepEqual(t, rs.Chosen(), uint64(0))
	deepEqual(t, got, []string(nil))
}

func TestSearchObservesUniqueKey(t *testing.T) {
	db := setup(t)
	tbl := create(t, db, "t", "id int pk", "v string")
	id := col(db, "t", "id")

	tx := db.Transact()
	rs := must(New(tx, Filter{Source: Scan{tbl}, Where: Cmp{Eq, id, Const{value.Int(5)}}}, nil))
	deepEqual(t, rowsOf(t, rs), []string(nil))

	insert(t, db, tbl, []any{5, "e"})
	must(tx.Insert(tbl, vals(6, "f")...))
	if err := tx.Commit(); !errors.Is(err, cowdb.ErrTransactionConflict) {
		t.Fatalf("** got %v, wanted a transaction conflict", err)
	}
}

func TestIndexScan(t *testing.T) {
	db := setup(t)
	tbl := create(t, db, "pts", "a int", "b int", "c string")
	a, b, c := col(db, "pts", "a"), col(db, "pts", "b"), col(db, "pts", "c")
	ok(t, db.Update(func(tx *cowdb.Tx) error {
		_, err := tx.CreateIndex(&cowdb.Index{Table: tbl, Name: "by_ab", Columns: []uint64{a.UID, b.UID}, Desc: []bool{false, true}})
		return err
	}))
	idx := must(db.Current().Lookup("pts.by_ab"))
	insert(t, db, tbl, []any{1, 1, "x"}, []any{1, 2, "y"}, []any{2, 1, "z"}, []any{1, 2, "w"}, []any{0, 5, "v"})

	scan := func(where Expr, prefix ...any) []string {
		return query(t, db.Current(), Project{
			Source: IndexScan{Index: idx, Prefix: vals(prefix...), Where: where},
			Exprs:  []Named{{Expr: c}},
		})
	}
	deepEqual(t, scan(nil), []string{`("v")`, `("y")`, `("w")`, `("x")`, `("z")`})
	deepEqual(t, scan(nil, 1), []string{`("y")`, `("w")`, `("x")`})
	deepEqual(t, scan(nil, 1, 2), []string{`("y")`, `("w")`})
	deepEqual(t, scan(Cmp{Ne, c, Const{value.String("w")}}, 1), []string{`("y")`, `("x")`})
	deepEqual(t, scan(nil, 3), []string(nil))
	deepEqual(t, scan(nil, 2, 7), []string(nil))

	if _, err := New(db.Current(), IndexScan{Index: idx, Prefix: vals(1, 2, 3)}, nil); err == nil {
		t.Errorf("** accepted a prefix longer than the index")
	}
}

func TestOrderBy(t *testing.T) {
	db, tbl := setupCities(t)
	name, country, pop := col(db, "cities", "name"), col(db, "cities", "country"), col(db, "cities", "pop")
	names := func(keys ...OrderKey) []string {
		return query(t, db.Current(), Project{Source: OrderBy{Source: Scan{tbl}, Keys: keys}, Exprs: []Named{{Expr: name}}})
	}
	deepEqual(t, names(OrderKey{Expr: pop, Desc: true}, OrderKey{Expr: name}), []string{`("Lima")`, `("Paris")`, `("Lyon")`, `("Oslo")`})
	deepEqual(t, names(OrderKey{Expr: country}), []string{`("Lima")`, `("Paris")`, `("Lyon")`, `("Oslo")`})
	deepEqual(t, names(OrderKey{Expr: country, Desc: true}), []string{`("Oslo")`, `("Paris")`, `("Lyon")`, `("Lima")`})
	deepEqual(t, names(), []string{`("Paris")`, `("Lyon")`, `("Oslo")`, `("Lima")`})
}

func TestGroupBy(t *testing.T) {
	db, tbl := setupCities(t)
	name, country, pop := col(db, "cities", "name"), col(db, "cities", "country"), col(db, "cities", "pop")
	node := GroupBy{
		Source: Scan{tbl},
		Keys:   []Named{{Name: "country", Expr: country}},
		Aggs: []Named{
			{Name: "n", Expr: Agg{Func: "count"}},
			{Name: "total", Expr: Agg{Func: "sum", Arg: pop}},
			{Name: "mean", Expr: Agg{Func: "avg", Arg: pop}},
			{Name: "first", Expr: Agg{Func: "min", Arg: name}},
			{Name: "last", Expr: Agg{Func: "max", Arg: name}},
		},
	}
	rs := must(New(db.Current(), node, nil))
	deepEqual(t, rs.Columns(), []string{"country", "n", "total", "mean", "first", "last"})
	deepEqual(t, rowsOf(t, rs), []string{
		`(null, 1, 10, 10, "Lima", "Lima")`,
		`("FR", 2, 3, 1.5, "Lyon", "Paris")`,
		`("NO", 1, 1, 1, "Oslo", "Oslo")`,
	})

	c := must(rs.First())
	if err := c.Update(nil, value.RowOf("n", 0)); !errors.Is(err, ErrReadOnly) {
		t.Errorf("** got %v, wanted ErrReadOnly", err)
	}

	// a group by without keys folds everything into one row
	deepEqual(t, query(t, db.Current(), GroupBy{Source: Scan{tbl}, Aggs: node.Aggs[:2]}), []string{"(4, 14)"})
}

func TestEval(t *testing.T) {
	db, tbl := setupCities(t)
	pop := col(db, "cities", "pop")
	empty := create(t, db, "empty", "x int")
	x := col(db, "empty", "x")

	aggs := func(arg Expr) []Named {
		return []Named{
			{Name: "n", Expr: Agg{Func: "count"}},
			{Name: "s", Expr: Agg{Func: "sum", Arg: arg}},
			{Name: "m", Expr: Agg{Func: "max", Arg: arg}},
		}
	}
	deepEqual(t, query(t, db.Current(), Project{Source: Scan{tbl}, Exprs: aggs(pop)}), []string{"(4, 14, 10)"})
	deepEqual(t, query(t, db.Current(), Project{Source: Scan{empty}, Exprs: aggs(x)}), []string{"(0, null, null)"})

	// the filter applies before folding
	filtered := Filter{Source: Scan{tbl}, Where: Cmp{Lt, pop, Const{value.Int(5)}}}
	deepEqual(t, query(t, db.Current(), Project{Source: filtered, Exprs: aggs(pop)}), []string{"(3, 4, 2)"})
}

func TestDistinct(t *testing.T) {
	db, tbl := setupCities(t)
	country := col(db, "cities", "country")
	rs := must(New(db.Current(), Distinct{Source: Project{Source: Scan{tbl}, Exprs: []Named{{Expr: country}}}}, nil))
	deepEqual(t, rowsOf(t, rs), []string{`("FR")`, `("NO")`})

	// pop 1 appears twice
	deepEqual(t, query(t, db.Current(), Distinct{Source: Project{
		Source: Scan{tbl},
		Exprs:  []Named{{Name: "p", Expr: col(db, "cities", "pop")}},
	}}), []string{"(2)", "(1)", "(10)"})

	// an older cursor resumes with its own seen-set
	first := must(rs.First())
	second := must(first.Next())
	deepEqual(t, second.Pos(), 1)
	deepEqual(t, drain(t, first), []string{`("FR")`, `("NO")`})
	deepEqual(t, drain(t, first), []string{`("FR")`, `("NO")`})
}

func TestSelect(t *testing.T) {
	db, tbl := setupCities(t)
	name, country, pop := col(db, "cities", "name"), col(db, "cities", "country"), col(db, "cities", "pop")

	// all-null projections are dropped
	deepEqual(t, query(t, db.Current(), Project{Source: Scan{tbl}, Exprs: []Named{{Expr: country}}}),
		[]string{`("FR")`, `("FR")`, `("NO")`})

	rs := must(New(db.Current(), Project{
		Source: Scan{tbl},
		Exprs:  []Named{{Name: "c", Expr: country}, {Name: "big", Expr: Cmp{Gt, pop, Const{value.Int(1)}}}},
	}, nil))
	deepEqual(t, rs.Columns(), []string{"c", "big"})
	deepEqual(t, rowsOf(t, rs), []string{`("FR", true)`, `("FR", false)`, `("NO", false)`, `(null, true)`})

	// a filter over a derived row set refers to fields by name
	deepEqual(t, query(t, db.Current(), Filter{
		Source: Project{Source: Scan{tbl}, Exprs: []Named{{Name: "c", Expr: country}, {Name: "n", Expr: name}}},
		Where:  Or{IsNull{Col{Name: "c"}}, Cmp{Eq, Col{Name: "n"}, Const{value.String("Oslo")}}},
	}), []string{`("NO", "Oslo")`, `(null, "Lima")`})
}

func TestCursorMutation(t *testing.T) {
	db := setup(t)
	tbl := create(t, db, "accounts", "id int pk", "balance int")
	insert(t, db, tbl, []any{1, 10}, []any{2, 20}, []any{3, 30}, []any{4, 40})
	id, balance := col(db, "accounts", "id"), col(db, "accounts", "balance")

	ok(t, db.Update(func(tx *cowdb.Tx) error {
		node := Distinct{Source: OrderBy{
			Source: Filter{Source: Scan{tbl}, Where: Cmp{Ge, balance, Const{value.Int(20)}}},
			Keys:   []OrderKey{{Expr: balance, Desc: true}},
		}}
		rs, err := New(tx, node, nil)
		if err != nil {
			return err
		}
		c, err := rs.First()
		for c != nil && err == nil {
			switch b := c.Row().At(1).(value.Int); b {
			case 40:
				err = c.Delete(tx)
			default:
				err = c.Update(tx, value.RowOf("balance", int(b)+1))
			}
			if err != nil {
				return err
			}
			c, err = c.Next()
		}
		return err
	}))
	deepEqual(t, query(t, db.Current(), Scan{tbl}), []string{"(1, 10)", "(2, 21)", "(3, 31)"})

	// index cursors delegate too
	ok(t, db.Update(func(tx *cowdb.Tx) error {
		rs, err := New(tx, Filter{Source: Scan{tbl}, Where: Cmp{Eq, id, Const{value.Int(3)}}}, nil)
		if err != nil {
			return err
		}
		deepEqual(t, rs.(*SearchRowSet).Chosen(), tx.Snapshot().PrimaryIndex(must(tx.Snapshot().Table(tbl))).UID())
		c, err := rs.First()
		if err != nil {
			return err
		}
		return c.Update(tx, value.RowOf("accounts.balance", 0))
	}))
	deepEqual(t, query(t, db.Current(), Scan{tbl}), []string{"(1, 10)", "(2, 21)", "(3, 0)"})
}

func TestExprLogic(t *testing.T) {
	row := value.RowOf("t", true, "f", false, "n", nil)
	tr, fa, nu := Col{Name: "t"}, Col{Name: "f"}, Col{Name: "n"}
	tests := []struct {
		expr     Expr
		expected string
	}{
		{And{tr, nu}, "null"},
		{And{fa, nu}, "false"},
		{And{}, "true"},
		{Or{tr, nu}, "true"},
		{Or{fa, nu}, "null"},
		{Or{}, "false"},
		{Not{nu}, "null"},
		{Not{fa}, "true"},
		{IsNull{nu}, "true"},
		{Cmp{Eq, nu, nu}, "null"},
		{Cmp{Le, Const{value.Int(2)}, Const{value.Numeric(2)}}, "true"},
		{Cmp{Ne, Const{value.String("a")}, Const{value.String("b")}}, "true"},
	}
	for _, tt := range tests {
		t.Run(tt.expr.String(), func(t *testing.T) {
			v := must(tt.expr.Eval(row))
			deepEqual(t, value.Quote(v), tt.expected)
		})
	}

	if _, err := (Col{Name: "missing"}).Eval(row); !errors.Is(err, ErrUnknownField) {
		t.Errorf("** got %v, wanted ErrUnknownField", err)
	}
}

func TestQueryErrors(t *testing.T) {
	db, tbl := setupCities(t)
	pop := col(db, "cities", "pop")

	_, err := New(db.Current(), GroupBy{Source: Scan{tbl}, Aggs: []Named{{Expr: Agg{Func: "median", Arg: pop}}}}, nil)
	if !errors.Is(err, ErrUnknownAggregate) {
		t.Errorf("** got %v, wanted ErrUnknownAggregate", err)
	}

	_, err = New(db.Current(), GroupBy{Source: Scan{tbl}, Aggs: []Named{{Expr: pop}}}, nil)
	if !errors.Is(err, ErrMisplacedAggregate) {
		t.Errorf("** got %v, wanted ErrMisplacedAggregate", err)
	}

	rs := must(New(db.Current(), Project{Source: Scan{tbl}, Exprs: []Named{{Expr: pop}, {Expr: Agg{Func: "count"}}}}, nil))
	if _, err := rs.First(); !errors.Is(err, ErrMisplacedAggregate) {
		t.Errorf("** got %v, wanted ErrMisplacedAggregate", err)
	}

	_, err = New(db.Current(), Filter{Source: Scan{tbl}, Where: Cmp{Eq, Col{UID: 999999}, Const{value.Int(1)}}}, nil)
	if !errors.Is(err, cowdb.ErrNotFound) {
		t.Errorf("** got %v, wanted ErrNotFound", err)
	}
	_, err = New(db.Current(), Scan{999999}, nil)
	if !errors.Is(err, cowdb.ErrNotFound) {
		t.Errorf("** got %v, wanted ErrNotFound", err)
	}
	_, err = New(db.Current(), Join{Left: Scan{tbl}, Right: Scan{tbl}}, nil)
	if err == nil {
		t.Errorf("** accepted an equality join without conditions")
	}

	// custom aggregate sets replace the defaults
	custom := AggregateSet{"product": {
		Start: func() value.Value { return value.Int(1) },
		Update: func(acc, v value.Value) (value.Value, error) {
			return acc.(value.Int) * v.(value.Int), nil
		},
		Final: finalAcc,
	}}
	rs = must(New(db.Current(), Project{Source: Scan{tbl}, Exprs: []Named{{Name: "p", Expr: Agg{Func: "product", Arg: pop}}}}, custom))
	deepEqual(t, rowsOf(t, rs), []string{"(20)"})
}

func setup(t testing.TB) *cowdb.Database {
	t.Helper()
	cat := must(cowdb.NewCatalog(cowdb.Options{IsTesting: true, DictSize: 4}))
	t.Cleanup(func() {
		ensure(cat.Close())
	})
	return must(cat.Open("test", filepath.Join(t.TempDir(), "test.log")))
}

func setupCities(t testing.TB) (*cowdb.Database, uint64) {
	t.Helper()
	db := setup(t)
	tbl := create(t, db, "cities", "name string", "country string", "pop int")
	insert(t, db, tbl, []any{"Paris", "FR", 2}, []any{"Lyon", "FR", 1}, []any{"Oslo", "NO", 1}, []any{"Lima", nil, 10})
	return db, tbl
}

// create adds a table with columns given as "name kind [pk]".
func create(t testing.TB, db *cowdb.Database, table string, cols ...string) uint64 {
	t.Helper()
	var tbl uint64
	err := db.Update(func(tx *cowdb.Tx) error {
		var err error
		tbl, err = tx.CreateTable(table)
		if err != nil {
			return err
		}
		for _, def := range cols {
			f := strings.Fields(def)
			var c cowdb.Constraints
			if len(f) > 2 && f[2] == "pk" {
				c = cowdb.PrimaryKey
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
	return must(db.Current().Lookup(table))
}

func createIndex(t testing.TB, db *cowdb.Database, tbl uint64, name string, cols ...uint64) uint64 {
	t.Helper()
	ok(t, db.Update(func(tx *cowdb.Tx) error {
		_, err := tx.CreateIndex(&cowdb.Index{Table: tbl, Name: name, Columns: cols})
		return err
	}))
	return must(db.Current().Lookup(db.Current().Name(tbl) + "." + name))
}

func kindNamed(name string) value.Kind {
	for k := value.KindNull; k.Valid(); k++ {
		if k.String() == name {
			return k
		}
	}
	panic(fmt.Errorf("unknown kind %q", name))
}

func insert(t testing.TB, db *cowdb.Database, tbl uint64, rows ...[]any) []uint64 {
	t.Helper()
	tx := db.Transact()
	var uids []uint64
	for _, r := range rows {
		uids = append(uids, must(tx.Insert(tbl, vals(r...)...)))
	}
	ok(t, tx.Commit())
	for i, uid := range uids {
		uids[i] = tx.Resolve(uid)
	}
	return uids
}

func col(db *cowdb.Database, table, name string) Col {
	s := db.Current()
	return Col{UID: must(s.ColumnByName(must(s.TableByName(table)), name)).UID()}
}

func query(t testing.TB, src Source, node Node) []string {
	t.Helper()
	return rowsOf(t, must(New(src, node, nil)))
}

func rowsOf(t testing.TB, rs RowSet) []string {
	t.Helper()
	c, err := rs.First()
	ok(t, err)
	return drain(t, c)
}

func drain(t testing.TB, c RowCursor) []string {
	t.Helper()
	var result []string
	for pos := 0; c != nil; pos++ {
		if c.Pos() != pos {
			t.Fatalf("** cursor at %d, wanted %d", c.Pos(), pos)
		}
		result = append(result, value.Tuple(c.Row().Values()))
		var err error
		c, err = c.Next()
		ok(t, err)
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

func ok(t testing.TB, err error) {
	if err != nil {
		t.Helper()
		t.Fatalf("** %v", err)
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
