package cowdb

import (
	"errors"
	"fmt"
	"strings"

	"github.com/andreyvit/cowdb/applog"
	"github.com/andreyvit/cowdb/mkindex"
	"github.com/andreyvit/cowdb/pdict"
	"github.com/andreyvit/cowdb/value"
)

var (
	ErrNotFound            = pdict.ErrNotFound
	ErrStructural          = pdict.ErrStructural
	ErrIntegrityViolation  = mkindex.ErrIntegrityViolation
	ErrCorruptLog          = applog.ErrCorrupt
	ErrTransactionConflict = errors.New("transaction conflict")
	ErrTxDone              = errors.New("transaction has already been committed or rolled back")
	ErrClosed              = errors.New("database closed")
)

// aborts reports whether err ends the transaction it happened in.
func aborts(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrIntegrityViolation) ||
		errors.Is(err, ErrTransactionConflict) ||
		errors.Is(err, ErrCorruptLog)
}

type NotFoundError struct {
	What string
	UID  uint64
	Name string
}

func notFound(what string, uid uint64) error {
	return &NotFoundError{What: what, UID: uid}
}

func notFoundName(what, name string) error {
	return &NotFoundError{What: what, Name: name}
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

func (e *NotFoundError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s %q not found", e.What, e.Name)
	}
	return fmt.Sprintf("%s #%d not found", e.What, e.UID)
}

// IntegrityError reports a constraint a step would break.
type IntegrityError struct {
	Table string
	Index string
	Key   []value.Value
	Msg   string
	Err   error
}

func integrityErrf(tbl *Table, idx *Index, key []value.Value, err error, format string, args ...any) error {
	e := &IntegrityError{Key: key, Msg: fmt.Sprintf(format, args...), Err: err}
	if tbl != nil {
		e.Table = tbl.Name
	}
	if idx != nil {
		e.Index = idx.Name
	}
	return e
}

func (e *IntegrityError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrIntegrityViolation, e.Err}
	}
	return []error{ErrIntegrityViolation}
}

func (e *IntegrityError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Table)
	if e.Index != "" {
		buf.WriteByte('.')
		buf.WriteString(e.Index)
	}
	if e.Key != nil {
		buf.WriteByte(' ')
		buf.WriteString(value.Tuple(e.Key))
	}
	if buf.Len() > 0 {
		buf.WriteString(": ")
	}
	buf.WriteString(e.Msg)
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

// ConflictError reports a committed record that overlaps a pending step or a
// key the transaction relied on.
type ConflictError struct {
	Step      Object // nil when the overlap is with a read
	Record    Object
	Footprint string
}

func (e *ConflictError) Unwrap() error {
	return ErrTransactionConflict
}

func (e *ConflictError) Error() string {
	if e.Step == nil {
		return fmt.Sprintf("transaction conflict: %v changed %s that was read", e.Record, e.Footprint)
	}
	return fmt.Sprintf("transaction conflict: %v and %v both touch %s", e.Step, e.Record, e.Footprint)
}

// DataError reports a log record that cannot be decoded or replayed.
type DataError struct {
	UID  uint64
	Data []byte
	Err  error
	Msg  string
}

func dataErrf(uid uint64, data []byte, err error, format string, args ...any) error {
	return &DataError{uid, data, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrCorruptLog, e.Err}
	}
	return []error{ErrCorruptLog}
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	var buf strings.Builder
	fmt.Fprintf(&buf, "record #%d: %s", e.UID, e.Msg)
	if e.Err != nil {
		fmt.Fprintf(&buf, ": %v", e.Err)
	}
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		fmt.Fprintf(&buf, ": (%d) %x", n, e.Data)
	} else {
		fmt.Fprintf(&buf, ": (%d) %x...%x", n, e.Data[:prefixLen], e.Data[n-suffixLen:])
	}
	return buf.String()
}
