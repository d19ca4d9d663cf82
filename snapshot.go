package cowdb

import (
	"fmt"
	"iter"
	"slices"

	"github.com/andreyvit/cowdb/applog"
	"github.com/andreyvit/cowdb/mkindex"
	"github.com/andreyvit/cowdb/pdict"
	"github.com/andreyvit/cowdb/value"
)

// Snapshot is an immutable view of a database as of a log position. Applying
// an object yields a new Snapshot that shares everything untouched with the
// old one.
type Snapshot struct {
	log     *applog.Log
	opt     pdict.Options
	objects pdict.Dict[uint64, Object]
	role    Role

	// records holds row records that cannot be read from the log yet: those of
	// an uncommitted transaction, or of a batch being committed.
	records pdict.Dict[uint64, rowRecord]
	pos     uint64
}

func newSnapshot(log *applog.Log, pos uint64, opt pdict.Options) *Snapshot {
	return &Snapshot{
		log:     log,
		opt:     opt,
		objects: pdict.New[uint64, Object](compareUID, opt),
		role:    newRole(opt),
		records: pdict.New[uint64, rowRecord](compareUID, opt),
		pos:     pos,
	}
}

// Snapshot returns s itself, so that a Snapshot can be used wherever a source
// of snapshots is expected.
func (s *Snapshot) Snapshot() *Snapshot {
	return s
}

// Pos returns the log position this snapshot reflects.
func (s *Snapshot) Pos() uint64 {
	return s.pos
}

func (s *Snapshot) Role() Role {
	return s.role
}

func (s *Snapshot) Object(uid uint64) (Object, error) {
	obj, found := s.objects.Get(uid)
	if !found {
		return nil, notFound("object", uid)
	}
	return obj, nil
}

func (s *Snapshot) Table(uid uint64) (*Table, error) {
	return objectAs[*Table](s, "table", uid)
}

func (s *Snapshot) Column(uid uint64) (*Column, error) {
	return objectAs[*Column](s, "column", uid)
}

func (s *Snapshot) Index(uid uint64) (*Index, error) {
	return objectAs[*Index](s, "index", uid)
}

func objectAs[T Object](s *Snapshot, what string, uid uint64) (T, error) {
	obj, found := s.objects.Get(uid)
	t, ok := obj.(T)
	if !found || !ok {
		var zero T
		return zero, notFound(what, uid)
	}
	return t, nil
}

// Lookup resolves an external name ("table" or "table.column") to a uid.
func (s *Snapshot) Lookup(name string) (uint64, error) {
	uid, found := s.role.UID(name)
	if !found {
		return 0, notFoundName("name", name)
	}
	return uid, nil
}

func (s *Snapshot) Name(uid uint64) string {
	name, _ := s.role.Name(uid)
	return name
}

func (s *Snapshot) TableByName(name string) (*Table, error) {
	uid, found := s.role.UID(name)
	if !found {
		return nil, notFoundName("table", name)
	}
	return s.Table(uid)
}

func (s *Snapshot) ColumnByName(tbl *Table, name string) (*Column, error) {
	uid, found := s.role.UID(qualifiedName(tbl.Name, name))
	if !found {
		return nil, notFoundName("column", qualifiedName(tbl.Name, name))
	}
	return s.Column(uid)
}

func (s *Snapshot) IndexByName(tbl *Table, name string) (*Index, error) {
	uid, found := s.role.UID(qualifiedName(tbl.Name, name))
	if !found {
		return nil, notFoundName("index", qualifiedName(tbl.Name, name))
	}
	return s.Index(uid)
}

// Tables returns every table in creation order.
func (s *Snapshot) Tables() []*Table {
	var result []*Table
	for _, obj := range s.objects.All() {
		if t, ok := obj.(*Table); ok {
			result = append(result, t)
		}
	}
	return result
}

func (s *Snapshot) Columns(tbl *Table) []*Column {
	result := make([]*Column, len(tbl.columns))
	for i, uid := range tbl.columns {
		result[i] = must(s.Column(uid))
	}
	return result
}

func (s *Snapshot) ColumnNames(tbl *Table) []string {
	result := make([]string, len(tbl.columns))
	for i, uid := range tbl.columns {
		result[i] = must(s.Column(uid)).Name
	}
	return result
}

func (s *Snapshot) Indexes(tbl *Table) []*Index {
	result := make([]*Index, len(tbl.indexes))
	for i, uid := range tbl.indexes {
		result[i] = must(s.Index(uid))
	}
	return result
}

// PrimaryIndex returns the table's primary index, or nil.
func (s *Snapshot) PrimaryIndex(tbl *Table) *Index {
	for _, uid := range tbl.indexes {
		if idx := must(s.Index(uid)); idx.Primary {
			return idx
		}
	}
	return nil
}

// referencing returns the indexes of other tables that reference tbl.
func (s *Snapshot) referencing(tbl uint64) []*Index {
	var result []*Index
	for _, obj := range s.objects.All() {
		if idx, ok := obj.(*Index); ok && idx.References == tbl && idx.Table != tbl {
			result = append(result, idx)
		}
	}
	return result
}

// ColumnPos returns the position of a column within its table's rows.
func ColumnPos(tbl *Table, col uint64) int {
	return slices.Index(tbl.columns, col)
}

// KeyOf extracts idx's key tuple from a row of its table.
func KeyOf(tbl *Table, idx *Index, vals []value.Value) []value.Value {
	key := make([]value.Value, len(idx.Columns))
	for i, col := range idx.Columns {
		pos := ColumnPos(tbl, col)
		if pos < 0 {
			panic(fmt.Errorf("index %s: column #%d not in table %s", idx.Name, col, tbl.Name))
		}
		if pos < len(vals) && vals[pos] != nil {
			key[i] = vals[pos]
		} else {
			key[i] = value.Null{}
		}
	}
	return key
}

func (s *Snapshot) loadRecord(uid uint64) (rowRecord, error) {
	if r, found := s.records.Get(uid); found {
		return r, nil
	}
	if s.log == nil || IsLocalUID(uid) {
		return nil, notFound("record", uid)
	}
	rec, err := s.log.Get(uid)
	if err != nil {
		return nil, err
	}
	obj, err := Decode(rec.UID, rec.Tag, rec.Payload)
	if err != nil {
		return nil, err
	}
	r, ok := obj.(rowRecord)
	if !ok {
		return nil, dataErrf(uid, rec.Payload, nil, "%v is not a row record", obj)
	}
	return r, nil
}

// RowValues returns the current values of a row, one per table column.
func (s *Snapshot) RowValues(tbl *Table, row uint64) ([]value.Value, error) {
	recUID, found := tbl.rows.Get(row)
	if !found {
		return nil, notFound("row", row)
	}
	r, err := s.loadRecord(recUID)
	if err != nil {
		return nil, err
	}
	vals := r.values()
	if len(vals) == len(tbl.columns) {
		return vals, nil
	}
	padded := make([]value.Value, len(tbl.columns))
	for i := range padded {
		if i < len(vals) {
			padded[i] = vals[i]
		} else {
			padded[i] = value.Null{}
		}
	}
	return padded, nil
}

// Row returns a row with values named by column.
func (s *Snapshot) Row(tbl *Table, row uint64) (value.Row, error) {
	vals, err := s.RowValues(tbl, row)
	if err != nil {
		return value.Row{}, err
	}
	return value.NewRow(s.ColumnNames(tbl), vals), nil
}

// AllRows iterates over the rows of tbl in row uid order.
func (s *Snapshot) AllRows(tbl *Table) iter.Seq2[uint64, []value.Value] {
	return func(yield func(uint64, []value.Value) bool) {
		for row := range tbl.rows.All() {
			vals, err := s.RowValues(tbl, row)
			if err != nil {
				panic(err)
			}
			if !yield(row, vals) {
				return
			}
		}
	}
}

func (s *Snapshot) clone() *Snapshot {
	c := *s
	return &c
}

func (s *Snapshot) put(obj Object) {
	s.objects = s.objects.Put(obj.UID(), obj)
}

func (s *Snapshot) remember(r rowRecord) {
	if r.UID() >= s.pos {
		s.records = s.records.Put(r.UID(), r)
	}
}

// committed returns a copy positioned at pos, with every record up to pos
// readable from the log.
func (s *Snapshot) committed(pos uint64) *Snapshot {
	c := s.clone()
	c.pos = pos
	c.records = pdict.New[uint64, rowRecord](compareUID, s.opt)
	return c
}

// apply returns the snapshot with obj installed, along with the change it
// makes. Uniqueness, references and row shapes are checked here, so the
// same code validates transaction steps, commits and replay.
func (s *Snapshot) apply(obj Object) (*Snapshot, Change, error) {
	if obj.UID() == 0 {
		panic("cowdb: applying object without uid")
	}
	n := s.clone()
	var chg Change
	var err error
	switch obj := obj.(type) {
	case *Table:
		chg, err = n.applyTable(obj)
	case *Column:
		chg, err = n.applyColumn(obj)
	case *Index:
		chg, err = n.applyIndex(obj)
	case *Insert:
		chg, err = n.applyInsert(obj)
	case *Update:
		chg, err = n.applyUpdate(obj)
	case *Delete:
		chg, err = n.applyDelete(obj)
	case *Drop:
		chg, err = n.applyDrop(obj)
	default:
		panic(fmt.Errorf("cowdb: unknown object %T", obj))
	}
	if err != nil {
		return s, Change{}, err
	}
	chg.Object = obj
	return n, chg, nil
}

func (s *Snapshot) checkFreshUID(uid uint64) error {
	if s.objects.Has(uid) {
		return integrityErrf(nil, nil, nil, nil, "uid #%d is already in use", uid)
	}
	return nil
}

func (s *Snapshot) applyTable(t *Table) (Change, error) {
	if err := s.checkFreshUID(t.uid); err != nil {
		return Change{}, err
	}
	if t.Name == "" {
		return Change{}, integrityErrf(nil, nil, nil, nil, "table without a name")
	}
	var err error
	s.role, err = s.role.bind(t.Name, t.uid)
	if err != nil {
		return Change{}, err
	}
	s.put(&Table{
		uid:  t.uid,
		Name: t.Name,
		rows: pdict.New[uint64, uint64](compareUID, s.opt),
	})
	return Change{Op: OpCreate, Table: t.uid}, nil
}

func (s *Snapshot) applyColumn(c *Column) (Change, error) {
	if err := s.checkFreshUID(c.uid); err != nil {
		return Change{}, err
	}
	tbl, err := s.Table(c.Table)
	if err != nil {
		return Change{}, err
	}
	if c.Name == "" {
		return Change{}, integrityErrf(tbl, nil, nil, nil, "column without a name")
	}
	if !c.Type.Valid() || c.Type == value.KindNull || c.Type == value.KindRow {
		return Change{}, integrityErrf(tbl, nil, nil, nil, "column %s has invalid type %v", c.Name, c.Type)
	}
	if c.NotNull() && tbl.RowCount() > 0 {
		return Change{}, integrityErrf(tbl, nil, nil, nil, "cannot add non-null column %s to a table with rows", c.Name)
	}
	s.role, err = s.role.bind(qualifiedName(tbl.Name, c.Name), c.uid)
	if err != nil {
		return Change{}, err
	}
	c2 := *c
	t2 := tbl.clone()
	t2.columns = append(slices.Clip(tbl.columns), c.uid)
	s.put(&c2)
	s.put(t2)
	return Change{Op: OpCreate, Table: tbl.uid}, nil
}

func (s *Snapshot) applyIndex(idx *Index) (Change, error) {
	if err := s.checkFreshUID(idx.uid); err != nil {
		return Change{}, err
	}
	tbl, err := s.Table(idx.Table)
	if err != nil {
		return Change{}, err
	}
	if idx.Name == "" || len(idx.Columns) == 0 {
		return Change{}, integrityErrf(tbl, nil, nil, nil, "index needs a name and at least one column")
	}
	if len(idx.Desc) > len(idx.Columns) {
		return Change{}, integrityErrf(tbl, idx, nil, nil, "%d direction flags for %d columns", len(idx.Desc), len(idx.Columns))
	}
	for _, col := range idx.Columns {
		if ColumnPos(tbl, col) < 0 {
			return Change{}, notFound("column of "+tbl.Name, col)
		}
	}
	if idx.Primary && s.PrimaryIndex(tbl) != nil {
		return Change{}, integrityErrf(tbl, idx, nil, nil, "table already has a primary index")
	}
	if idx.References != 0 {
		ref, err := s.Table(idx.References)
		if err != nil {
			return Change{}, err
		}
		pk := s.PrimaryIndex(ref)
		if pk == nil || len(pk.Columns) > len(idx.Columns) {
			return Change{}, integrityErrf(tbl, idx, nil, nil, "referenced table %s needs a primary index of at most %d columns", ref.Name, len(idx.Columns))
		}
	}

	i2 := idx.clone()
	i2.Columns = slices.Clone(idx.Columns)
	i2.Desc = slices.Clone(idx.Desc)
	i2.keys = mkindex.New(i2.layout(), s.opt)
	for row, vals := range s.AllRows(tbl) {
		key := KeyOf(tbl, i2, vals)
		i2.keys, err = i2.keys.Add(key, row)
		if err != nil {
			return Change{}, integrityErrf(tbl, i2, key, err, "cannot build index")
		}
	}

	s.role, err = s.role.bind(qualifiedName(tbl.Name, idx.Name), idx.uid)
	if err != nil {
		return Change{}, err
	}
	t2 := tbl.clone()
	t2.indexes = append(slices.Clip(tbl.indexes), idx.uid)
	s.put(i2)
	s.put(t2)
	return Change{Op: OpCreate, Table: tbl.uid}, nil
}

// normalize checks vals against the table's columns and returns one value per
// column, converting integers stored in numeric columns.
func (s *Snapshot) normalize(tbl *Table, vals []value.Value) ([]value.Value, error) {
	if len(vals) > len(tbl.columns) {
		return nil, integrityErrf(tbl, nil, nil, nil, "%d values for %d columns", len(vals), len(tbl.columns))
	}
	out := make([]value.Value, len(tbl.columns))
	for i, uid := range tbl.columns {
		col := must(s.Column(uid))
		var v value.Value = value.Null{}
		if i < len(vals) && vals[i] != nil {
			v = vals[i]
		}
		switch {
		case value.IsNull(v):
			if col.NotNull() {
				return nil, integrityErrf(tbl, nil, nil, nil, "column %s cannot be null", col.Name)
			}
			v = value.Null{}
		case v.Kind() == col.Type:
		case v.Kind() == value.KindInt && col.Type == value.KindNumeric:
			v = value.Numeric(v.(value.Int))
		default:
			return nil, integrityErrf(tbl, nil, nil, nil, "column %s holds %v, got %v %s", col.Name, col.Type, v.Kind(), value.Quote(v))
		}
		out[i] = v
	}
	return out, nil
}

func (s *Snapshot) applyInsert(r *Insert) (Change, error) {
	tbl, err := s.Table(r.Table)
	if err != nil {
		return Change{}, err
	}
	if tbl.rows.Has(r.uid) {
		return Change{}, integrityErrf(tbl, nil, nil, nil, "row #%d already exists", r.uid)
	}
	vals, err := s.normalize(tbl, r.Values)
	if err != nil {
		return Change{}, err
	}
	for _, idx := range s.Indexes(tbl) {
		key := KeyOf(tbl, idx, vals)
		i2 := idx.clone()
		i2.keys, err = idx.keys.Add(key, r.uid)
		if err != nil {
			return Change{}, integrityErrf(tbl, idx, key, err, "cannot insert row #%d", r.uid)
		}
		s.put(i2)
	}
	t2 := tbl.clone()
	t2.rows = tbl.rows.Put(r.uid, r.uid)
	s.put(t2)
	s.remember(&Insert{uid: r.uid, Table: r.Table, Values: vals})
	return Change{Op: OpInsert, Table: tbl.uid, Row: r.uid}, nil
}

func (s *Snapshot) applyUpdate(r *Update) (Change, error) {
	tbl, err := s.Table(r.Table)
	if err != nil {
		return Change{}, err
	}
	old, err := s.RowValues(tbl, r.Row)
	if err != nil {
		return Change{}, err
	}
	vals, err := s.normalize(tbl, r.Values)
	if err != nil {
		return Change{}, err
	}
	if pk := s.PrimaryIndex(tbl); pk != nil {
		oldKey := KeyOf(tbl, pk, old)
		if value.CompareTuples(oldKey, KeyOf(tbl, pk, vals)) != 0 {
			if err := s.checkUnreferenced(tbl, oldKey); err != nil {
				return Change{}, err
			}
		}
	}
	for _, idx := range s.Indexes(tbl) {
		oldKey, newKey := KeyOf(tbl, idx, old), KeyOf(tbl, idx, vals)
		if value.CompareTuples(oldKey, newKey) == 0 {
			continue
		}
		i2 := idx.clone()
		i2.keys, _ = idx.keys.Remove(oldKey, r.Row)
		i2.keys, err = i2.keys.Add(newKey, r.Row)
		if err != nil {
			return Change{}, integrityErrf(tbl, idx, newKey, err, "cannot update row #%d", r.Row)
		}
		s.put(i2)
	}
	t2 := tbl.clone()
	t2.rows = tbl.rows.Put(r.Row, r.uid)
	s.put(t2)
	s.remember(&Update{uid: r.uid, Table: r.Table, Row: r.Row, Values: vals})
	return Change{Op: OpUpdate, Table: tbl.uid, Row: r.Row}, nil
}

// checkUnreferenced fails if any index referencing tbl still holds pkKey.
func (s *Snapshot) checkUnreferenced(tbl *Table, pkKey []value.Value) error {
	for _, ref := range s.referencing(tbl.uid) {
		if ref.keys.Contains(pkKey) {
			refTbl, _ := s.Table(ref.Table)
			return integrityErrf(refTbl, ref, pkKey, nil, "row of %s is still referenced", tbl.Name)
		}
	}
	return nil
}

func (s *Snapshot) applyDelete(r *Delete) (Change, error) {
	tbl, err := s.Table(r.Table)
	if err != nil {
		return Change{}, err
	}
	old, err := s.RowValues(tbl, r.Row)
	if err != nil {
		return Change{}, err
	}
	if pk := s.PrimaryIndex(tbl); pk != nil {
		if err := s.checkUnreferenced(tbl, KeyOf(tbl, pk, old)); err != nil {
			return Change{}, err
		}
	}
	for _, idx := range s.Indexes(tbl) {
		i2 := idx.clone()
		i2.keys, _ = idx.keys.Remove(KeyOf(tbl, idx, old), r.Row)
		s.put(i2)
	}
	t2 := tbl.clone()
	t2.rows, _ = tbl.rows.Delete(r.Row)
	s.put(t2)
	return Change{Op: OpDelete, Table: tbl.uid, Row: r.Row}, nil
}

func (s *Snapshot) applyDrop(d *Drop) (Change, error) {
	target, err := s.Object(d.Target)
	if err != nil {
		return Change{}, err
	}
	switch target := target.(type) {
	case *Table:
		if refs := s.referencing(target.uid); len(refs) > 0 {
			refTbl, _ := s.Table(refs[0].Table)
			return Change{}, integrityErrf(refTbl, refs[0], nil, nil, "cannot drop %s, it is referenced", target.Name)
		}
		for _, uid := range slices.Concat(target.columns, target.indexes) {
			s.objects, _ = s.objects.Delete(uid)
			s.role = s.role.unbind(uid)
		}
		s.objects, _ = s.objects.Delete(target.uid)
		s.role = s.role.unbind(target.uid)
		return Change{Op: OpDrop, Table: target.uid}, nil
	case *Index:
		tbl := must(s.Table(target.Table))
		t2 := tbl.clone()
		t2.indexes = slices.DeleteFunc(slices.Clone(tbl.indexes), func(uid uint64) bool { return uid == target.uid })
		s.put(t2)
		s.objects, _ = s.objects.Delete(target.uid)
		s.role = s.role.unbind(target.uid)
		return Change{Op: OpDrop, Table: tbl.uid}, nil
	default:
		return Change{}, integrityErrf(nil, nil, nil, nil, "cannot drop %v", target)
	}
}

// Check verifies every dictionary and that each index holds exactly the keys
// of its table's rows.
func (s *Snapshot) Check() error {
	if err := s.objects.Check(); err != nil {
		return err
	}
	if err := s.role.check(); err != nil {
		return err
	}
	for _, tbl := range s.Tables() {
		if err := tbl.rows.Check(); err != nil {
			return fmt.Errorf("%s rows: %w", tbl.Name, err)
		}
		for _, idx := range s.Indexes(tbl) {
			if err := idx.keys.Check(); err != nil {
				return fmt.Errorf("%s.%s: %w", tbl.Name, idx.Name, err)
			}
			var expected int
			for row, vals := range s.AllRows(tbl) {
				key := KeyOf(tbl, idx, vals)
				if idx.Unique && !idx.Primary && hasNull(key) {
					continue
				}
				expected++
				if !slices.Contains(idx.keys.Lookup(key), row) {
					return structuralErrf("%s.%s lacks row #%d under %s", tbl.Name, idx.Name, row, value.Tuple(key))
				}
			}
			if idx.keys.Len() != expected {
				return structuralErrf("%s.%s has %d entries for %d rows", tbl.Name, idx.Name, idx.keys.Len(), expected)
			}
		}
	}
	return nil
}

func hasNull(key []value.Value) bool {
	return slices.ContainsFunc(key, value.IsNull)
}
