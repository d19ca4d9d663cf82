package cowdb

import "fmt"

type Op int

const (
	OpNone Op = iota
	OpCreate
	OpInsert
	OpUpdate
	OpDelete
	OpDrop
)

func (v Op) String() string {
	switch v {
	case OpNone:
		return "none"
	case OpCreate:
		return "create"
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpDrop:
		return "drop"
	default:
		return fmt.Sprintf("op(%d)", int(v))
	}
}

// Change describes the effect of one committed object. Row is zero for
// schema changes.
type Change struct {
	Op     Op
	Table  uint64
	Row    uint64
	Object Object
}

func (chg Change) String() string {
	if chg.Row != 0 {
		return fmt.Sprintf("%v #%d in #%d", chg.Op, chg.Row, chg.Table)
	}
	return fmt.Sprintf("%v #%d", chg.Op, chg.Table)
}

// OnChange registers a function called with every change of tx once it
// commits.
func (tx *Tx) OnChange(f func(chg Change)) {
	tx.changeHandler = f
}

func (tx *Tx) notify(db *Database, changes []Change) {
	if tx.changeHandler != nil {
		for _, chg := range changes {
			tx.changeHandler(chg)
		}
	}
	if db.cat.opt.OnCommit != nil {
		db.cat.opt.OnCommit(db, changes)
	}
}
