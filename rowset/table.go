package rowset

import (
	"fmt"

	"github.com/andreyvit/cowdb"
	"github.com/andreyvit/cowdb/mkindex"
	"github.com/andreyvit/cowdb/pdict"
	"github.com/andreyvit/cowdb/value"
)

// TableRowSet yields every row of a table in row uid order.
type TableRowSet struct {
	snap  *cowdb.Snapshot
	table *cowdb.Table
	names []string
}

func newTableRowSet(s *cowdb.Snapshot, table uint64) (*TableRowSet, error) {
	tbl, err := s.Table(table)
	if err != nil {
		return nil, err
	}
	return &TableRowSet{snap: s, table: tbl, names: qualifiedNames(s, tbl)}, nil
}

func qualifiedNames(s *cowdb.Snapshot, tbl *cowdb.Table) []string {
	names := make([]string, len(tbl.Columns()))
	for i, col := range tbl.Columns() {
		names[i] = s.Name(col)
	}
	return names
}

func (rs *TableRowSet) Table() *cowdb.Table { return rs.table }
func (rs *TableRowSet) Columns() []string   { return rs.names }

func (rs *TableRowSet) First() (RowCursor, error) {
	return rs.cursorAt(rs.table.Rows().First(), 0)
}

func (rs *TableRowSet) cursorAt(b *pdict.Bookmark[uint64, uint64], pos int) (RowCursor, error) {
	if !b.Valid() {
		return nil, nil
	}
	uid := b.Key()
	row, err := loadRow(rs.snap, rs.table, rs.names, uid)
	if err != nil {
		return nil, err
	}
	return &tableCursor{rs: rs, b: b, pos: pos, uid: uid, row: row}, nil
}

func loadRow(s *cowdb.Snapshot, tbl *cowdb.Table, names []string, uid uint64) (value.Row, error) {
	vals, err := s.RowValues(tbl, uid)
	if err != nil {
		return value.Row{}, err
	}
	return value.NewRow(names, vals), nil
}

type tableCursor struct {
	rs  *TableRowSet
	b   *pdict.Bookmark[uint64, uint64]
	pos int
	uid uint64
	row value.Row
}

func (c *tableCursor) Row() value.Row { return c.row }
func (c *tableCursor) Pos() int       { return c.pos }

// UID returns the uid of the current table row.
func (c *tableCursor) UID() uint64 { return c.uid }

func (c *tableCursor) Next() (RowCursor, error) {
	b := c.b.Clone()
	b.Next()
	return c.rs.cursorAt(b, c.pos+1)
}

func (c *tableCursor) Update(tx *cowdb.Tx, changes value.Row) error {
	return tx.Update(c.rs.table.UID(), c.uid, changes)
}

func (c *tableCursor) Delete(tx *cowdb.Tx) error {
	return tx.Delete(c.rs.table.UID(), c.uid)
}

// IndexRowSet yields the rows of a table in index order, restricted to keys
// starting with a prefix and to rows satisfying a predicate. Rows whose key
// the index does not hold (nulls under a unique index) are not visited.
type IndexRowSet struct {
	snap   *cowdb.Snapshot
	table  *cowdb.Table
	index  *cowdb.Index
	prefix []value.Value
	where  Expr
	names  []string
}

func newIndexRowSet(s *cowdb.Snapshot, index uint64, prefix []value.Value, where Expr) (*IndexRowSet, error) {
	idx, err := s.Index(index)
	if err != nil {
		return nil, err
	}
	if len(prefix) > len(idx.Columns) {
		return nil, fmt.Errorf("index %s has %d columns, got a prefix of %d", idx.Name, len(idx.Columns), len(prefix))
	}
	tbl, err := s.Table(idx.Table)
	if err != nil {
		return nil, err
	}
	return &IndexRowSet{
		snap:   s,
		table:  tbl,
		index:  idx,
		prefix: prefix,
		where:  where,
		names:  qualifiedNames(s, tbl),
	}, nil
}

func (rs *IndexRowSet) Index() *cowdb.Index { return rs.index }
func (rs *IndexRowSet) Columns() []string   { return rs.names }

func (rs *IndexRowSet) First() (RowCursor, error) {
	return rs.settle(rs.index.Keys().Seek(rs.prefix), 0)
}

// settle advances b to the first entry that is within the prefix and whose
// row satisfies the predicate. It takes ownership of b.
func (rs *IndexRowSet) settle(b *mkindex.Bookmark, pos int) (RowCursor, error) {
	for b.Valid() && b.HasPrefix(rs.prefix) {
		uid := b.UID()
		row, err := loadRow(rs.snap, rs.table, rs.names, uid)
		if err != nil {
			return nil, err
		}
		ok, err := matches(rs.where, row)
		if err != nil {
			return nil, err
		}
		if ok {
			return &indexCursor{rs: rs, b: b, pos: pos, uid: uid, row: row}, nil
		}
		if !rs.hasMore(b) {
			break
		}
		b.Next()
	}
	return nil, nil
}

// hasMore reports whether the entry after b can still be within the prefix.
func (rs *IndexRowSet) hasMore(b *mkindex.Bookmark) bool {
	return b.HasMoreAt(len(rs.prefix))
}

type indexCursor struct {
	rs  *IndexRowSet
	b   *mkindex.Bookmark
	pos int
	uid uint64
	row value.Row
}

func (c *indexCursor) Row() value.Row { return c.row }
func (c *indexCursor) Pos() int       { return c.pos }

// Key returns the index key of the current row.
func (c *indexCursor) Key() []value.Value { return c.b.Key() }

func (c *indexCursor) Next() (RowCursor, error) {
	if !c.rs.hasMore(c.b) {
		return nil, nil
	}
	b := c.b.Clone()
	b.Next()
	return c.rs.settle(b, c.pos+1)
}

func (c *indexCursor) Update(tx *cowdb.Tx, changes value.Row) error {
	return tx.Update(c.rs.table.UID(), c.uid, changes)
}

func (c *indexCursor) Delete(tx *cowdb.Tx) error {
	return tx.Delete(c.rs.table.UID(), c.uid)
}

// SearchRowSet yields the rows of a table satisfying a predicate, using the
// index whose leading columns are best pinned by the predicate's
// column = constant conjuncts. The predicate is re-applied to every row.
type SearchRowSet struct {
	RowSet
	chosen  *cowdb.Index
	prefix  []value.Value
	observe *cowdb.Tx
}

func newSearchRowSet(src Source, s *cowdb.Snapshot, table uint64, where Expr) (*SearchRowSet, error) {
	tbl, err := s.Table(table)
	if err != nil {
		return nil, err
	}
	pins := pinnedColumns(tbl, where)

	var best *cowdb.Index
	var bestN int
	for _, idx := range s.Indexes(tbl) {
		n := 0
		for _, col := range idx.Columns {
			if _, ok := pins[col]; !ok {
				break
			}
			n++
		}
		if n > bestN {
			best, bestN = idx, n
		}
	}

	if best == nil {
		trs, err := newTableRowSet(s, table)
		if err != nil {
			return nil, err
		}
		return &SearchRowSet{RowSet: &filterRowSet{source: trs, where: where}}, nil
	}

	prefix := make([]value.Value, bestN)
	for i := range prefix {
		prefix[i] = pins[best.Columns[i]]
	}
	irs, err := newIndexRowSet(s, best.UID(), prefix, where)
	if err != nil {
		return nil, err
	}
	rs := &SearchRowSet{RowSet: irs, chosen: best, prefix: prefix}
	if tx, ok := src.(*cowdb.Tx); ok && best.IsUnique() && bestN == len(best.Columns) {
		rs.observe = tx
	}
	return rs, nil
}

// Chosen returns the uid of the index the search walks, or 0 for a full
// table scan.
func (rs *SearchRowSet) Chosen() uint64 {
	if rs.chosen == nil {
		return 0
	}
	return rs.chosen.UID()
}

func (rs *SearchRowSet) First() (RowCursor, error) {
	if rs.observe != nil {
		rs.observe.ObserveKey(rs.chosen.UID(), rs.prefix)
	}
	return rs.RowSet.First()
}

// pinnedColumns returns the columns of tbl that where's top-level conjuncts
// equate to non-null constants.
func pinnedColumns(tbl *cowdb.Table, where Expr) map[uint64]value.Value {
	pins := make(map[uint64]value.Value)
	for _, term := range conjuncts(where) {
		cmp, ok := term.(Cmp)
		if !ok || cmp.Op != Eq {
			continue
		}
		col, isCol := cmp.Left.(Col)
		k, isConst := cmp.Right.(Const)
		if !isCol || !isConst {
			col, isCol = cmp.Right.(Col)
			k, isConst = cmp.Left.(Const)
		}
		if !isCol || !isConst || col.UID == 0 || value.IsNull(k.Value) {
			continue
		}
		if cowdb.ColumnPos(tbl, col.UID) < 0 {
			continue
		}
		pins[col.UID] = k.Value
	}
	return pins
}

func conjuncts(e Expr) []Expr {
	switch e := e.(type) {
	case nil:
		return nil
	case And:
		var result []Expr
		for _, term := range e {
			result = append(result, conjuncts(term)...)
		}
		return result
	default:
		return []Expr{e}
	}
}
