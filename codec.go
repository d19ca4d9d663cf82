package cowdb

import (
	"sync"

	"github.com/andreyvit/cowdb/applog"
	"github.com/andreyvit/cowdb/value"
)

// Payload layouts (all integers big-endian, uids as uint64):
//
//	Table:  name
//	Column: table name kind:8 constraints:8
//	Index:  table name count:32 column* desc:8* flags:8 references
//	Insert: table values
//	Update: table row values
//	Delete: table row
//	Drop:   target
//
// The record uid is never part of the payload: it is the record's offset.

const (
	indexFlagUnique uint8 = 1 << iota
	indexFlagPrimary
)

func (t *Table) appendPayload(buf []byte) []byte {
	return value.AppendString(buf, t.Name)
}

func (c *Column) appendPayload(buf []byte) []byte {
	buf = value.AppendUint64(buf, c.Table)
	buf = value.AppendString(buf, c.Name)
	buf = value.AppendUint8(buf, uint8(c.Type))
	return value.AppendUint8(buf, uint8(c.Constraints))
}

func (idx *Index) appendPayload(buf []byte) []byte {
	buf = value.AppendUint64(buf, idx.Table)
	buf = value.AppendString(buf, idx.Name)
	buf = value.AppendUint32(buf, uint32(len(idx.Columns)))
	for _, col := range idx.Columns {
		buf = value.AppendUint64(buf, col)
	}
	for i := range idx.Columns {
		buf = value.AppendBool(buf, idx.IsDesc(i))
	}
	var flags uint8
	if idx.Unique {
		flags |= indexFlagUnique
	}
	if idx.Primary {
		flags |= indexFlagPrimary
	}
	buf = value.AppendUint8(buf, flags)
	return value.AppendUint64(buf, idx.References)
}

func (r *Insert) appendPayload(buf []byte) []byte {
	buf = value.AppendUint64(buf, r.Table)
	return value.AppendAll(buf, r.Values)
}

func (r *Update) appendPayload(buf []byte) []byte {
	buf = value.AppendUint64(buf, r.Table)
	buf = value.AppendUint64(buf, r.Row)
	return value.AppendAll(buf, r.Values)
}

func (r *Delete) appendPayload(buf []byte) []byte {
	buf = value.AppendUint64(buf, r.Table)
	return value.AppendUint64(buf, r.Row)
}

func (r *Drop) appendPayload(buf []byte) []byte {
	return value.AppendUint64(buf, r.Target)
}

// Encode returns the log payload of obj.
func Encode(obj Object) []byte {
	return obj.appendPayload(nil)
}

// Decode rebuilds the object stored in a log record.
func Decode(uid uint64, tag applog.Tag, payload []byte) (Object, error) {
	r := value.Reader{Data: payload}
	var obj Object
	switch tag {
	case TagTable:
		obj = &Table{uid: uid, Name: r.String()}
	case TagColumn:
		obj = &Column{
			uid:         uid,
			Table:       r.Uint64(),
			Name:        r.String(),
			Type:        value.Kind(r.Uint8()),
			Constraints: Constraints(r.Uint8()),
		}
	case TagIndex:
		idx := &Index{uid: uid, Table: r.Uint64(), Name: r.String()}
		n := int(r.Uint32())
		if n > r.Remaining()/8 {
			return nil, dataErrf(uid, payload, nil, "index column count %d exceeds data", n)
		}
		idx.Columns = make([]uint64, n)
		for i := range idx.Columns {
			idx.Columns[i] = r.Uint64()
		}
		idx.Desc = make([]bool, n)
		for i := range idx.Desc {
			idx.Desc[i] = r.Bool()
		}
		flags := r.Uint8()
		idx.Unique = flags&indexFlagUnique != 0
		idx.Primary = flags&indexFlagPrimary != 0
		idx.References = r.Uint64()
		obj = idx
	case TagInsert:
		obj = &Insert{uid: uid, Table: r.Uint64(), Values: r.Values()}
	case TagUpdate:
		obj = &Update{uid: uid, Table: r.Uint64(), Row: r.Uint64(), Values: r.Values()}
	case TagDelete:
		obj = &Delete{uid: uid, Table: r.Uint64(), Row: r.Uint64()}
	case TagDrop:
		obj = &Drop{uid: uid, Target: r.Uint64()}
	default:
		return nil, dataErrf(uid, payload, nil, "unknown record tag %d", tag)
	}
	if r.Err != nil {
		return nil, dataErrf(uid, payload, r.Err, "cannot decode %v", tagName(tag))
	}
	if r.Remaining() != 0 {
		return nil, dataErrf(uid, payload, nil, "%d trailing bytes after %v", r.Remaining(), tagName(tag))
	}
	if c, ok := obj.(*Column); ok && !c.Type.Valid() {
		return nil, dataErrf(uid, payload, nil, "invalid column type %d", c.Type)
	}
	return obj, nil
}

func tagName(tag applog.Tag) string {
	switch tag {
	case TagTable:
		return "table"
	case TagColumn:
		return "column"
	case TagIndex:
		return "index"
	case TagInsert:
		return "insert"
	case TagUpdate:
		return "update"
	case TagDelete:
		return "delete"
	case TagDrop:
		return "drop"
	default:
		return "unknown"
	}
}

var scratchPool = &sync.Pool{
	New: func() any {
		return make([]byte, 0, 4096)
	},
}

// payloadSizes encodes every object into a pooled scratch buffer to learn
// its payload size. Sizes do not depend on uid values, so they stay valid
// after remapping.
func payloadSizes(objs []Object) []int {
	buf := scratchPool.Get().([]byte)
	sizes := make([]int, len(objs))
	for i, obj := range objs {
		buf = obj.appendPayload(buf[:0])
		sizes[i] = len(buf)
	}
	scratchPool.Put(buf[:0])
	return sizes
}
