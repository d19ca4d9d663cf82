package cowdb

import (
	"fmt"

	"github.com/andreyvit/cowdb/value"
)

// A footprint is one thing a step or committed record touches. Two
// footprints overlap when they name the same row, the same unique-index key
// or the same catalog name, or when either covers a whole table the other
// touches.
type footprint struct {
	kind  footprintKind
	table uint64
	row   uint64
	index uint64
	key   string
}

type footprintKind uint8

const (
	fpTable footprintKind = iota
	fpRow
	fpKey
	fpName
)

func (a footprint) overlaps(b footprint) bool {
	switch {
	case a.kind == fpName || b.kind == fpName:
		return a.kind == b.kind && a.key == b.key
	case a.kind == fpKey || b.kind == fpKey:
		return a.kind == b.kind && a.index == b.index && a.key == b.key
	case a.table != b.table:
		return false
	case a.kind == fpTable || b.kind == fpTable:
		return true
	default:
		return a.row == b.row
	}
}

func (a footprint) String() string {
	switch a.kind {
	case fpTable:
		return fmt.Sprintf("table #%d", a.table)
	case fpRow:
		return fmt.Sprintf("row #%d of table #%d", a.row, a.table)
	case fpKey:
		return fmt.Sprintf("key %x of index #%d", a.key, a.index)
	default:
		return fmt.Sprintf("name %q", a.key)
	}
}

func keyFootprint(index uint64, key []value.Value) footprint {
	return footprint{kind: fpKey, index: index, key: string(value.AppendAll(nil, key))}
}

// resolver finds objects in the first snapshot that has them. Records that
// drop an object are looked up in a snapshot from before the drop. The last
// snapshot predates the footprinted objects and supplies the old values of
// updated and deleted rows.
type resolver []*Snapshot

func (r resolver) before() *Snapshot {
	return r[len(r)-1]
}

func (r resolver) object(uid uint64) Object {
	for _, s := range r {
		if obj, found := s.objects.Get(uid); found {
			return obj
		}
	}
	return nil
}

func (r resolver) table(uid uint64) (*Snapshot, *Table) {
	for _, s := range r {
		if t, err := s.Table(uid); err == nil {
			return s, t
		}
	}
	return nil, nil
}

// footprints lists what obj touches.
func (r resolver) footprints(obj Object) []footprint {
	switch obj := obj.(type) {
	case *Table:
		return []footprint{{kind: fpTable, table: obj.uid}, {kind: fpName, key: obj.Name}}
	case *Column:
		return r.schemaFootprints(obj.Table, obj.Name)
	case *Index:
		return r.schemaFootprints(obj.Table, obj.Name)
	case *Insert:
		return r.rowFootprints(obj.Table, obj.uid, obj.Values)
	case *Update:
		fps := r.rowFootprints(obj.Table, obj.Row, obj.Values)
		return append(fps, r.oldKeyFootprints(obj.Table, obj.Row)...)
	case *Delete:
		fps := []footprint{{kind: fpRow, table: obj.Table, row: obj.Row}}
		return append(fps, r.oldKeyFootprints(obj.Table, obj.Row)...)
	case *Drop:
		switch target := r.object(obj.Target).(type) {
		case *Index:
			return []footprint{{kind: fpTable, table: target.Table}}
		default:
			return []footprint{{kind: fpTable, table: obj.Target}}
		}
	default:
		panic(fmt.Errorf("cowdb: unknown object %T", obj))
	}
}

func (r resolver) schemaFootprints(table uint64, name string) []footprint {
	fps := []footprint{{kind: fpTable, table: table}}
	if _, tbl := r.table(table); tbl != nil {
		fps = append(fps, footprint{kind: fpName, key: qualifiedName(tbl.Name, name)})
	}
	return fps
}

func (r resolver) rowFootprints(table, row uint64, vals []value.Value) []footprint {
	fps := []footprint{{kind: fpRow, table: table, row: row}}
	s, tbl := r.table(table)
	if tbl == nil {
		return fps
	}
	return appendKeyFootprints(fps, s, tbl, vals)
}

// oldKeyFootprints covers the unique keys a row had before it was updated or
// deleted. A row created after the before snapshot has none here; the record
// that gave it a key already carries that key.
func (r resolver) oldKeyFootprints(table, row uint64) []footprint {
	s := r.before()
	tbl, err := s.Table(table)
	if err != nil {
		return nil
	}
	vals, err := s.RowValues(tbl, row)
	if err != nil {
		return nil
	}
	return appendKeyFootprints(nil, s, tbl, vals)
}

func appendKeyFootprints(fps []footprint, s *Snapshot, tbl *Table, vals []value.Value) []footprint {
	for _, idx := range s.Indexes(tbl) {
		if !idx.IsUnique() {
			continue
		}
		key := KeyOf(tbl, idx, vals)
		if hasNull(key) {
			continue
		}
		fps = append(fps, keyFootprint(idx.uid, key))
	}
	return fps
}

// findConflict tests every record committed since the transaction started
// against its steps and reads.
func (tx *Tx) findConflict(records []Object, cur *Snapshot) error {
	res := resolver{cur, tx.rollback}
	for _, rec := range records {
		for _, rfp := range res.footprints(rec) {
			for _, st := range tx.steps {
				for _, sfp := range st.footprints {
					if rfp.overlaps(sfp) {
						return &ConflictError{Step: st.obj, Record: rec, Footprint: rfp.String()}
					}
				}
			}
			for _, read := range tx.reads {
				if rfp.overlaps(read) {
					return &ConflictError{Record: rec, Footprint: rfp.String()}
				}
			}
		}
	}
	return nil
}
