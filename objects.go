package cowdb

import (
	"fmt"
	"slices"
	"strings"

	"github.com/andreyvit/cowdb/applog"
	"github.com/andreyvit/cowdb/mkindex"
	"github.com/andreyvit/cowdb/pdict"
	"github.com/andreyvit/cowdb/value"
)

// LocalUIDBase is the first uid handed out to objects of an uncommitted
// transaction. Log offsets never reach this range.
const LocalUIDBase uint64 = 1 << 62

func IsLocalUID(uid uint64) bool {
	return uid >= LocalUIDBase
}

const (
	TagTable applog.Tag = 1 + iota
	TagColumn
	TagIndex
	TagInsert
	TagUpdate
	TagDelete
	TagDrop
	tagEnd
)

func validTag(tag applog.Tag) bool {
	return tag >= TagTable && tag < tagEnd
}

// Object is a catalog object or DML record. Every Object has a uid: its log
// offset once committed, a local uid before that.
type Object interface {
	UID() uint64
	Tag() applog.Tag
	String() string

	withUID(uid uint64) Object
	remap(f func(uint64) uint64) Object
	appendPayload(buf []byte) []byte
}

type Constraints uint8

const (
	NotNull Constraints = 1 << iota
	PrimaryKey
	Unique
)

func (c Constraints) Has(v Constraints) bool {
	return c&v == v
}

func (c Constraints) String() string {
	var s []string
	if c.Has(NotNull) {
		s = append(s, "not null")
	}
	if c.Has(PrimaryKey) {
		s = append(s, "primary key")
	}
	if c.Has(Unique) {
		s = append(s, "unique")
	}
	return strings.Join(s, " ")
}

// Table is a table definition together with its current contents. Submit a
// Table with only Name set; the rest is derived as columns, indexes and rows
// are installed.
type Table struct {
	uid  uint64
	Name string

	columns []uint64
	indexes []uint64
	rows    pdict.Dict[uint64, uint64]
}

func (t *Table) UID() uint64     { return t.uid }
func (*Table) Tag() applog.Tag   { return TagTable }
func (t *Table) String() string  { return fmt.Sprintf("table %s #%d", t.Name, t.uid) }
func (t *Table) Columns() []uint64 { return t.columns }
func (t *Table) Indexes() []uint64 { return t.indexes }

// Rows maps each live row uid to the uid of the record holding its current
// values.
func (t *Table) Rows() pdict.Dict[uint64, uint64] { return t.rows }

func (t *Table) RowCount() int { return t.rows.Len() }

func (t *Table) clone() *Table {
	c := *t
	return &c
}

func (t *Table) withUID(uid uint64) Object {
	c := t.clone()
	c.uid = uid
	return c
}

func (t *Table) remap(f func(uint64) uint64) Object {
	return t.withUID(f(t.uid))
}

type Column struct {
	uid         uint64
	Table       uint64
	Name        string
	Type        value.Kind
	Constraints Constraints
}

func (c *Column) UID() uint64    { return c.uid }
func (*Column) Tag() applog.Tag  { return TagColumn }
func (c *Column) String() string { return fmt.Sprintf("column %s %v #%d", c.Name, c.Type, c.uid) }

func (c *Column) NotNull() bool {
	return c.Constraints.Has(NotNull) || c.Constraints.Has(PrimaryKey)
}

func (c *Column) withUID(uid uint64) Object {
	r := *c
	r.uid = uid
	return &r
}

func (c *Column) remap(f func(uint64) uint64) Object {
	r := *c
	r.uid = f(c.uid)
	r.Table = f(c.Table)
	return &r
}

// Index is an index definition plus the key tuples of every row of its table.
type Index struct {
	uid        uint64
	Table      uint64
	Name       string
	Columns    []uint64
	Desc       []bool
	Unique     bool
	Primary    bool
	References uint64

	keys mkindex.Index
}

func (idx *Index) UID() uint64   { return idx.uid }
func (*Index) Tag() applog.Tag   { return TagIndex }
func (idx *Index) String() string { return fmt.Sprintf("index %s #%d", idx.Name, idx.uid) }

// Keys returns the index contents.
func (idx *Index) Keys() mkindex.Index { return idx.keys }

func (idx *Index) IsUnique() bool {
	return idx.Unique || idx.Primary
}

func (idx *Index) IsDesc(i int) bool {
	return i < len(idx.Desc) && idx.Desc[i]
}

func (idx *Index) layout() []mkindex.Component {
	comps := make([]mkindex.Component, len(idx.Columns))
	for i := range comps {
		c := mkindex.Component{Desc: idx.IsDesc(i), OnDuplicate: mkindex.Allow, OnNullKey: mkindex.Allow}
		switch {
		case idx.Primary:
			c.OnDuplicate, c.OnNullKey = mkindex.Disallow, mkindex.Disallow
		case idx.Unique:
			// nulls never collide with each other
			c.OnDuplicate, c.OnNullKey = mkindex.Disallow, mkindex.Ignore
		}
		comps[i] = c
	}
	return comps
}

func (idx *Index) clone() *Index {
	c := *idx
	return &c
}

func (idx *Index) withUID(uid uint64) Object {
	c := idx.clone()
	c.uid = uid
	return c
}

func (idx *Index) remap(f func(uint64) uint64) Object {
	c := idx.clone()
	c.uid = f(idx.uid)
	c.Table = f(idx.Table)
	c.Columns = make([]uint64, len(idx.Columns))
	for i, col := range idx.Columns {
		c.Columns[i] = f(col)
	}
	if idx.References != 0 {
		c.References = f(idx.References)
	}
	return c
}

// Insert adds a row. The row's uid is the uid of the Insert itself. Values
// follow the table's column order; missing trailing values are null.
type Insert struct {
	uid    uint64
	Table  uint64
	Values []value.Value
}

func (r *Insert) UID() uint64    { return r.uid }
func (*Insert) Tag() applog.Tag  { return TagInsert }
func (r *Insert) String() string { return fmt.Sprintf("insert #%d into #%d %s", r.uid, r.Table, value.Tuple(r.Values)) }
func (r *Insert) values() []value.Value { return r.Values }

func (r *Insert) withUID(uid uint64) Object {
	c := *r
	c.uid = uid
	return &c
}

func (r *Insert) remap(f func(uint64) uint64) Object {
	c := *r
	c.uid = f(r.uid)
	c.Table = f(r.Table)
	return &c
}

// Update replaces every value of a row.
type Update struct {
	uid    uint64
	Table  uint64
	Row    uint64
	Values []value.Value
}

func (r *Update) UID() uint64    { return r.uid }
func (*Update) Tag() applog.Tag  { return TagUpdate }
func (r *Update) String() string { return fmt.Sprintf("update #%d of row #%d in #%d %s", r.uid, r.Row, r.Table, value.Tuple(r.Values)) }
func (r *Update) values() []value.Value { return r.Values }

func (r *Update) withUID(uid uint64) Object {
	c := *r
	c.uid = uid
	return &c
}

func (r *Update) remap(f func(uint64) uint64) Object {
	c := *r
	c.uid = f(r.uid)
	c.Table = f(r.Table)
	c.Row = f(r.Row)
	return &c
}

type Delete struct {
	uid   uint64
	Table uint64
	Row   uint64
}

func (r *Delete) UID() uint64    { return r.uid }
func (*Delete) Tag() applog.Tag  { return TagDelete }
func (r *Delete) String() string { return fmt.Sprintf("delete #%d of row #%d in #%d", r.uid, r.Row, r.Table) }

func (r *Delete) withUID(uid uint64) Object {
	c := *r
	c.uid = uid
	return &c
}

func (r *Delete) remap(f func(uint64) uint64) Object {
	c := *r
	c.uid = f(r.uid)
	c.Table = f(r.Table)
	c.Row = f(r.Row)
	return &c
}

// Drop removes a table (with its columns and indexes) or a single index.
type Drop struct {
	uid    uint64
	Target uint64
}

func (r *Drop) UID() uint64    { return r.uid }
func (*Drop) Tag() applog.Tag  { return TagDrop }
func (r *Drop) String() string { return fmt.Sprintf("drop #%d of #%d", r.uid, r.Target) }

func (r *Drop) withUID(uid uint64) Object {
	c := *r
	c.uid = uid
	return &c
}

func (r *Drop) remap(f func(uint64) uint64) Object {
	c := *r
	c.uid = f(r.uid)
	c.Target = f(r.Target)
	return &c
}

type rowRecord interface {
	Object
	values() []value.Value
}

var (
	_ rowRecord = (*Insert)(nil)
	_ rowRecord = (*Update)(nil)
)

func cloneValues(vals []value.Value) []value.Value {
	return slices.Clone(vals)
}
