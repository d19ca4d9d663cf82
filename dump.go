package cowdb

import (
	"fmt"
	"strings"

	"github.com/andreyvit/cowdb/value"
)

type DumpFlags uint64

const (
	DumpTableHeaders = DumpFlags(1 << iota)
	DumpColumns
	DumpRows
	DumpStats
	DumpIndices
	DumpIndexRows

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders the snapshot as text, one line per item, for tests and
// debugging.
func (s *Snapshot) Dump(f DumpFlags) string {
	var buf strings.Builder
	for _, tbl := range s.Tables() {
		s.dumpTable(&buf, f, tbl)
	}
	return buf.String()
}

func (s *Snapshot) dumpTable(w *strings.Builder, f DumpFlags, tbl *Table) {
	prefix := tbl.Name
	if f.Contains(DumpTableHeaders) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "%s (%d rows)\n", prefix, tbl.RowCount())
	}
	if f.Contains(DumpStats) {
		ts := s.TableStats(tbl)
		fmt.Fprintf(w, "%s.stats: columns = %d, indexes = %d, index_entries = %d, row_depth = %d\n", prefix, ts.Columns, ts.Indexes, ts.IndexEntries, ts.RowDepth)
	}
	if f.Contains(DumpColumns) {
		for _, col := range s.Columns(tbl) {
			fmt.Fprintf(w, "%s.c.%s %v%s\n", prefix, col.Name, col.Type, constraintSuffix(col.Constraints))
		}
	}
	if f.Contains(DumpRows) {
		if f.Contains(DumpStats) || f.Contains(DumpColumns) {
			fmt.Fprintln(w, dumpSep2)
		}
		var pos int
		for row := range tbl.rows.All() {
			pos++
			vals, err := s.RowValues(tbl, row)
			if err != nil {
				fmt.Fprintf(w, "%s.%d = #%d ** ERROR: %v\n", prefix, pos, row, err)
				continue
			}
			fmt.Fprintf(w, "%s.%d = #%d %s\n", prefix, pos, row, value.NewRow(s.ColumnNames(tbl), vals))
		}
	}
	if f.Contains(DumpIndices) {
		for _, idx := range s.Indexes(tbl) {
			s.dumpIndex(w, prefix, f, tbl, idx)
		}
	}
}

func (s *Snapshot) dumpIndex(w *strings.Builder, prefix string, f DumpFlags, tbl *Table, idx *Index) {
	fmt.Fprintln(w, dumpSep2)
	prefix = prefix + ".i." + idx.Name
	var cols []string
	for i, uid := range idx.Columns {
		name := must(s.Column(uid)).Name
		if idx.IsDesc(i) {
			name += " desc"
		}
		cols = append(cols, name)
	}
	var flags string
	switch {
	case idx.Primary:
		flags = " PRIMARY"
	case idx.Unique:
		flags = " UNIQUE"
	}
	if idx.References != 0 {
		flags += " REFERENCES " + s.Name(idx.References)
	}
	fmt.Fprintf(w, "%s (%s)%s\n", prefix, strings.Join(cols, ", "), flags)

	if f.Contains(DumpIndexRows) {
		var pos int
		for key, row := range idx.keys.All() {
			pos++
			fmt.Fprintf(w, "%s.%d: %s => #%d\n", prefix, pos, value.Tuple(key), row)
		}
	}
}

func constraintSuffix(c Constraints) string {
	if c == 0 {
		return ""
	}
	return " " + c.String()
}
