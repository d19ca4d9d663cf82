package cowdb

type TableStats struct {
	Columns      int
	Indexes      int
	Rows         int
	IndexEntries int

	// RowDepth is the height of the row directory.
	RowDepth int
}

func (s *Snapshot) TableStats(tbl *Table) TableStats {
	ts := TableStats{
		Columns:  len(tbl.columns),
		Indexes:  len(tbl.indexes),
		Rows:     tbl.rows.Len(),
		RowDepth: tbl.rows.Depth(),
	}
	for _, idx := range s.Indexes(tbl) {
		ts.IndexEntries += idx.keys.Len()
	}
	return ts
}

type Stats struct {
	Commits   uint64
	Conflicts uint64
	Retries   uint64
	Records   uint64
	LogSize   uint64
	OpenTxns  int
	Tables    int
	Rows      int
}

func (db *Database) Stats() Stats {
	s := db.Current()
	st := Stats{
		Commits:   db.commits.Load(),
		Conflicts: db.conflicts.Load(),
		Retries:   db.retries.Load(),
		Records:   db.log.Records(),
		LogSize:   s.pos,
		OpenTxns:  db.OpenTxnCount(),
	}
	for _, tbl := range s.Tables() {
		st.Tables++
		st.Rows += tbl.RowCount()
	}
	return st
}
