package rowset

import (
	"github.com/andreyvit/cowdb/mkindex"
	"github.com/andreyvit/cowdb/pdict"
	"github.com/andreyvit/cowdb/value"
)

// GroupRowSet yields one row per distinct group key, in key order. Each row
// holds the key values followed by the final aggregate values. Null key
// components form their own group.
type GroupRowSet struct {
	source RowSet
	keys   []Named
	aggs   []boundAgg
}

func (rs *GroupRowSet) Columns() []string {
	names := make([]string, 0, len(rs.keys)+len(rs.aggs))
	for _, k := range rs.keys {
		names = append(names, k.Name)
	}
	return append(names, aggNames(rs.aggs)...)
}

func (rs *GroupRowSet) First() (RowCursor, error) {
	layout := make([]mkindex.Component, len(rs.keys))
	exprs := make([]Expr, len(rs.keys))
	for i, k := range rs.keys {
		layout[i] = mkindex.Component{OnDuplicate: mkindex.Disallow, OnNullKey: mkindex.Allow}
		exprs[i] = k.Expr
	}
	idx := mkindex.New(layout, pdict.Options{})

	// group g's accumulators live at groups[g-1]
	var groups [][]aggState
	for row, err := range All(rs.source) {
		if err != nil {
			return nil, err
		}
		key, err := evalAll(exprs, row)
		if err != nil {
			return nil, err
		}
		var g uint64
		if found := idx.Lookup(key); len(found) > 0 {
			g = found[0]
		} else {
			groups = append(groups, startAll(rs.aggs))
			g = uint64(len(groups))
			if idx, err = idx.Add(key, g); err != nil {
				return nil, err
			}
		}
		if err := updateAll(rs.aggs, groups[g-1], row); err != nil {
			return nil, err
		}
	}
	return rs.cursorAt(idx.First(), groups, 0)
}

func (rs *GroupRowSet) cursorAt(b *mkindex.Bookmark, groups [][]aggState, pos int) (RowCursor, error) {
	if !b.Valid() {
		return nil, nil
	}
	finals, err := finalAll(rs.aggs, groups[b.UID()-1])
	if err != nil {
		return nil, err
	}
	row := value.NewRow(rs.Columns(), append(b.Key(), finals...))
	return &groupCursor{rs: rs, b: b, groups: groups, pos: pos, row: row}, nil
}

type groupCursor struct {
	readOnly
	rs     *GroupRowSet
	b      *mkindex.Bookmark
	groups [][]aggState
	pos    int
	row    value.Row
}

func (c *groupCursor) Row() value.Row { return c.row }
func (c *groupCursor) Pos() int       { return c.pos }

func (c *groupCursor) Next() (RowCursor, error) {
	if !c.b.HasMoreAt(0) {
		return nil, nil
	}
	b := c.b.Clone()
	b.Next()
	return c.rs.cursorAt(b, c.groups, c.pos+1)
}
