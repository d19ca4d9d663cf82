package cowdb

import "testing"

func TestOpString(t *testing.T) {
	for op, s := range map[Op]string{OpNone: "none", OpCreate: "create", OpInsert: "insert", OpUpdate: "update", OpDelete: "delete", OpDrop: "drop", Op(99): "op(99)"} {
		deepEqual(t, op.String(), s)
	}
}

func TestChangesOfOneCommit(t *testing.T) {
	db := setup(t)
	var got []string
	ok(t, db.Update(func(tx *Tx) error {
		tx.OnChange(func(chg Change) {
			got = append(got, chg.Op.String())
		})
		tbl, err := tx.CreateTable("t")
		if err != nil {
			return err
		}
		if _, err := tx.AddColumn(tbl, "a", kindNamed("int"), PrimaryKey); err != nil {
			return err
		}
		row, err := tx.Insert(tbl, vals(1)...)
		if err != nil {
			return err
		}
		return tx.Delete(tbl, row)
	}))
	deepEqual(t, got, []string{"create", "create", "create", "insert", "delete"})

	// rolled back transactions report nothing
	got = nil
	tx := db.Transact()
	tx.OnChange(func(chg Change) {
		got = append(got, chg.String())
	})
	must(tx.Insert(must(tx.Snapshot().TableByName("t")).UID(), vals(2)...))
	tx.Rollback()
	deepEqual(t, got, []string(nil))
}
