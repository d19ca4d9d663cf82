// Package applog implements an append-only file of tag-prefixed records in
// which a record's byte offset is its permanent identifier.
//
// File format:
//
//   - file = header record*
//   - header = magic:64 ("COWDBLOG") version:32 reserved:32
//   - record = tag:8 len:32 payload checksum:64
//
// Integers are big-endian. The checksum is xxhash64 of tag, len and payload.
// Every batch written by Append ends with a commit marker (a record with
// TagCommit and an empty payload); records following the last commit marker
// belong to an interrupted batch and are dropped when the file is opened.
package applog

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/andreyvit/cowdb/mmap"
)

var (
	ErrCorrupt            = errors.New("corrupt log")
	ErrNotFound           = errors.New("no record at this position")
	ErrIncompatible       = errors.New("not a cowdb log")
	ErrUnsupportedVersion = errors.New("unsupported log version")
	ErrEndMoved           = errors.New("log end moved")
	ErrClosed             = errors.New("log closed")
)

// Tag identifies the kind of a record. The log itself only interprets
// TagCommit.
type Tag uint8

const TagCommit Tag = 0

const (
	HeaderSize     = 16
	version0       = 0
	recordOverhead = 1 + 4 + 8

	// MaxPayload bounds a single record; longer length fields are treated as
	// garbage.
	MaxPayload = 1 << 30
)

var magic = [8]byte{'C', 'O', 'W', 'D', 'B', 'L', 'O', 'G'}

// commitMarker is the exact byte image of every commit marker.
var commitMarker = appendRecord(nil, TagCommit, nil)

// CorruptError reports a malformed record found before the end of the file.
type CorruptError struct {
	Pos      uint64
	LastGood uint64
	Msg      string
}

func (e *CorruptError) Unwrap() error {
	return ErrCorrupt
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt log at %d (last good position %d): %s", e.Pos, e.LastGood, e.Msg)
}

type Options struct {
	Context   context.Context
	DebugName string
	Logger    *slog.Logger
	Verbose   bool

	// Sync makes Append wait for fdatasync before returning.
	Sync bool

	// ValidTag, if set, rejects unknown record tags as corruption.
	ValidTag func(Tag) bool

	// MinEnd is the end of the last batch known to be committed, e.g. from
	// an external manifest. Open fails instead of truncating below it.
	MinEnd uint64
}

// Record is a committed record. Payload is owned by the caller unless noted
// otherwise.
type Record struct {
	UID     uint64
	Tag     Tag
	Payload []byte
}

// Size returns the number of bytes the record occupies in the file.
func (r Record) Size() uint64 {
	return RecordSize(len(r.Payload))
}

// Draft is a record waiting to be appended.
type Draft struct {
	Tag     Tag
	Payload []byte
}

// RecordSize returns the on-disk size of a record with the given payload
// length, which lets callers compute uids before appending.
func RecordSize(payloadLen int) uint64 {
	return recordOverhead + uint64(payloadLen)
}

// CommitMarkerSize is the size of the marker that closes every batch.
const CommitMarkerSize = recordOverhead

type Log struct {
	context   context.Context
	path      string
	debugName string
	logger    *slog.Logger
	verbose   bool
	sync      bool
	validTag  func(Tag) bool
	minEnd    uint64

	// mu guards the file tail and the mapping; readers of the mapping hold it
	// shared so that Append cannot remap underneath them.
	mu       sync.RWMutex
	f        *os.File
	region   *mmap.Region
	writeErr error
	end      atomic.Uint64
	records  atomic.Uint64
}

// Open opens or creates the log at path and positions it at the end of the
// last complete batch.
func Open(path string, o Options) (*Log, error) {
	if o.Context == nil {
		o.Context = context.Background()
	}
	if o.DebugName == "" {
		o.DebugName = "applog"
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	l := &Log{
		context:   o.Context,
		path:      path,
		debugName: o.DebugName,
		logger:    o.Logger,
		verbose:   o.Verbose,
		sync:      o.Sync,
		validTag:  o.ValidTag,
		minEnd:    o.MinEnd,
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, err
	}
	var ok bool
	defer closeUnlessOK(f, &ok)
	l.f = f

	size, err := l.prepareHeader()
	if err != nil {
		return nil, err
	}

	l.region, err = mmap.Map(f, int(size), mmap.Sequential)
	if err != nil {
		return nil, err
	}
	defer closeRegionUnlessOK(l.region, &ok)

	if err := l.checkHeader(); err != nil {
		return nil, err
	}
	end, n, err := l.recover(size)
	if err != nil {
		return nil, err
	}
	l.end.Store(end)
	l.records.Store(n)

	if l.verbose {
		l.logger.LogAttrs(l.context, slog.LevelDebug, "applog: opened", slog.String("log", l.debugName), slog.Uint64("end", end), slog.Uint64("records", n))
	}
	ok = true
	return l, nil
}

func (l *Log) prepareHeader() (int64, error) {
	stat, err := l.f.Stat()
	if err != nil {
		return 0, err
	}
	size := stat.Size()
	if size >= HeaderSize {
		return size, nil
	}
	if size > 0 {
		// a crash while creating the file leaves a prefix of the header
		var buf [HeaderSize]byte
		if _, err := l.f.ReadAt(buf[:size], 0); err != nil {
			return 0, err
		}
		want := appendHeader(nil)
		if string(buf[:size]) != string(want[:size]) {
			return 0, fmt.Errorf("%w: %s", ErrIncompatible, l.path)
		}
		l.logger.LogAttrs(l.context, slog.LevelWarn, "applog: rewriting torn header", slog.String("log", l.debugName), slog.Int64("size", size))
	}
	if _, err := l.f.WriteAt(appendHeader(nil), 0); err != nil {
		return 0, err
	}
	if err := mmap.Fdatasync(l.f); err != nil {
		return 0, err
	}
	return HeaderSize, nil
}

func appendHeader(b []byte) []byte {
	b = append(b, magic[:]...)
	b = binary.BigEndian.AppendUint32(b, version0)
	b = binary.BigEndian.AppendUint32(b, 0)
	return b
}

func (l *Log) checkHeader() error {
	data := l.region.Bytes()
	if string(data[:8]) != string(magic[:]) {
		return fmt.Errorf("%w: %s", ErrIncompatible, l.path)
	}
	if v := binary.BigEndian.Uint32(data[8:12]); v > version0 {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
	return nil
}

type parseStatus int

const (
	parseOK parseStatus = iota
	parseShort
	parseBadLength
	parseBadChecksum
	parseBadTag
)

// parse decodes the record at the start of data.
func (l *Log) parse(data []byte) (tag Tag, payload []byte, size int, status parseStatus) {
	if len(data) < recordOverhead {
		return 0, nil, 0, parseShort
	}
	tag = Tag(data[0])
	n := binary.BigEndian.Uint32(data[1:5])
	if n > MaxPayload {
		return tag, nil, 0, parseBadLength
	}
	size = recordOverhead + int(n)
	if len(data) < size {
		return tag, nil, 0, parseShort
	}
	body := data[:5+int(n)]
	if xxhash.Sum64(body) != binary.BigEndian.Uint64(data[5+int(n):size]) {
		return tag, nil, size, parseBadChecksum
	}
	if tag == TagCommit {
		if n != 0 {
			return tag, nil, size, parseBadTag
		}
	} else if l.validTag != nil && !l.validTag(tag) {
		return tag, nil, size, parseBadTag
	}
	return tag, body[5:], size, parseOK
}

// recover walks the file, returning the end of the last complete batch.
//
// A record that runs past the end of the file, or a damaged final record, is
// a torn write, and so is a zero-filled tail. Damage anywhere else is
// corruption, as is a torn-looking record followed by a commit marker, since
// truncating there would discard committed batches.
func (l *Log) recover(size int64) (uint64, uint64, error) {
	data := l.region.Bytes()
	end := uint64(size)
	pos := uint64(HeaderSize)
	committed, lastGood := pos, pos
	var n, pending uint64
loop:
	for pos < end {
		if err := l.context.Err(); err != nil {
			return 0, 0, err
		}
		tag, _, recSize, status := l.parse(data[pos:])
		switch status {
		case parseShort:
			if end-pos > 5 && bytes.Contains(data[pos+5:], commitMarker) {
				return 0, 0, &CorruptError{Pos: pos, LastGood: lastGood, Msg: "record runs past the end of the file, but committed batches follow"}
			}
			break loop
		case parseBadLength:
			if allZero(data[pos:]) {
				break loop
			}
			return 0, 0, &CorruptError{Pos: pos, LastGood: lastGood, Msg: "invalid record length"}
		case parseBadChecksum, parseBadTag:
			if pos+uint64(recSize) >= end || allZero(data[pos:]) {
				break loop
			}
			msg := "checksum mismatch"
			if status == parseBadTag {
				msg = fmt.Sprintf("invalid tag %d", tag)
			}
			return 0, 0, &CorruptError{Pos: pos, LastGood: lastGood, Msg: msg}
		}
		pos += uint64(recSize)
		lastGood = pos
		if tag == TagCommit {
			committed = pos
			n += pending
			pending = 0
		} else {
			pending++
		}
	}
	if committed < l.minEnd {
		return 0, 0, &CorruptError{Pos: pos, LastGood: lastGood, Msg: fmt.Sprintf("only %d bytes are committed, expected at least %d", committed, l.minEnd)}
	}
	if committed < end {
		l.logger.LogAttrs(l.context, slog.LevelWarn, "applog: truncating incomplete tail", slog.String("log", l.debugName), slog.Uint64("end", committed), slog.Int64("size", size), slog.Uint64("dropped_bytes", end-committed), slog.Uint64("dropped_records", pending))
		if err := l.f.Truncate(int64(committed)); err != nil {
			return 0, 0, err
		}
		if err := mmap.Fdatasync(l.f); err != nil {
			return 0, 0, err
		}
		if err := l.region.Remap(int(committed)); err != nil {
			return 0, 0, err
		}
	}
	return committed, n, nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func (l *Log) String() string {
	return l.debugName
}

func (l *Log) Path() string {
	return l.path
}

// End returns the position right after the last committed batch; the next
// appended record gets this uid.
func (l *Log) End() uint64 {
	return l.end.Load()
}

// Records returns the number of committed records, not counting commit
// markers.
func (l *Log) Records() uint64 {
	return l.records.Load()
}

// Get reads the record whose uid is exactly uid.
func (l *Log) Get(uid uint64) (Record, error) {
	end := l.end.Load()
	if uid < HeaderSize || uid >= end {
		return Record{}, fmt.Errorf("%w: %d (end %d)", ErrNotFound, uid, end)
	}
	var hdr [5]byte
	if _, err := l.f.ReadAt(hdr[:], int64(uid)); err != nil {
		return Record{}, err
	}
	n := binary.BigEndian.Uint32(hdr[1:])
	if n > MaxPayload || uid+RecordSize(int(n)) > end {
		return Record{}, &CorruptError{Pos: uid, LastGood: uid, Msg: "record length past end of log"}
	}
	buf := make([]byte, RecordSize(int(n)))
	if _, err := l.f.ReadAt(buf, int64(uid)); err != nil {
		return Record{}, err
	}
	tag, payload, _, status := l.parse(buf)
	switch status {
	case parseOK:
	case parseBadTag:
		return Record{}, &CorruptError{Pos: uid, LastGood: uid, Msg: fmt.Sprintf("invalid tag %d", tag)}
	default:
		return Record{}, &CorruptError{Pos: uid, LastGood: uid, Msg: "checksum mismatch"}
	}
	if tag == TagCommit {
		return Record{}, fmt.Errorf("%w: %d is a commit marker", ErrNotFound, uid)
	}
	return Record{UID: uid, Tag: tag, Payload: payload}, nil
}

// Scan calls fn for every committed record starting at from, which must be a
// record boundary (End() is fine and yields nothing). The payload passed to fn
// points into the mapping and is only valid during the call.
func (l *Log) Scan(from uint64, fn func(Record) error) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.region == nil {
		return ErrClosed
	}
	end := l.end.Load()
	if from < HeaderSize || from > end {
		return fmt.Errorf("%w: scan from %d (end %d)", ErrNotFound, from, end)
	}
	data := l.region.Bytes()[:end]
	pos := from
	for pos < end {
		tag, payload, size, status := l.parse(data[pos:])
		if status != parseOK {
			return &CorruptError{Pos: pos, LastGood: pos, Msg: "unreadable committed record"}
		}
		if tag != TagCommit {
			if err := fn(Record{UID: pos, Tag: tag, Payload: payload}); err != nil {
				return err
			}
		}
		pos += uint64(size)
	}
	return nil
}

// GetSince returns copies of every committed record from uid to the end.
func (l *Log) GetSince(uid uint64) ([]Record, error) {
	var result []Record
	err := l.Scan(uid, func(r Record) error {
		r.Payload = append([]byte(nil), r.Payload...)
		result = append(result, r)
		return nil
	})
	return result, err
}

// Append writes drafts as one batch followed by a commit marker and returns
// their uids. expectedEnd must equal End(); callers that computed uids in
// advance pass the end they computed them against.
func (l *Log) Append(expectedEnd uint64, drafts []Draft) ([]uint64, error) {
	if len(drafts) == 0 {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writeErr != nil {
		return nil, l.writeErr
	}
	if l.region == nil {
		return nil, ErrClosed
	}
	end := l.end.Load()
	if expectedEnd != end {
		return nil, fmt.Errorf("%w: expected %d, actual %d", ErrEndMoved, expectedEnd, end)
	}

	var size uint64
	for _, d := range drafts {
		if d.Tag == TagCommit {
			panic("applog: drafts must not use TagCommit")
		}
		if len(d.Payload) > MaxPayload {
			return nil, fmt.Errorf("applog: payload of %d bytes exceeds %d", len(d.Payload), MaxPayload)
		}
		size += RecordSize(len(d.Payload))
	}
	size += CommitMarkerSize

	buf := make([]byte, 0, size)
	uids := make([]uint64, len(drafts))
	for i, d := range drafts {
		uids[i] = end + uint64(len(buf))
		buf = appendRecord(buf, d.Tag, d.Payload)
	}
	buf = appendRecord(buf, TagCommit, nil)

	if _, err := l.f.WriteAt(buf, int64(end)); err != nil {
		// leave the file as it was so that the next Open sees no torn batch
		if terr := l.f.Truncate(int64(end)); terr != nil {
			return nil, l.fail(err)
		}
		return nil, err
	}
	if l.sync {
		if err := mmap.Fdatasync(l.f); err != nil {
			return nil, l.fail(err)
		}
	}
	newEnd := end + size
	if err := l.region.Remap(int(newEnd)); err != nil {
		return nil, l.fail(err)
	}
	l.end.Store(newEnd)
	l.records.Add(uint64(len(drafts)))

	if l.verbose {
		l.logger.LogAttrs(l.context, slog.LevelDebug, "applog: appended", slog.String("log", l.debugName), slog.Uint64("at", end), slog.Int("records", len(drafts)), slog.Uint64("bytes", size))
	}
	return uids, nil
}

func appendRecord(b []byte, tag Tag, payload []byte) []byte {
	start := len(b)
	b = append(b, byte(tag))
	b = binary.BigEndian.AppendUint32(b, uint32(len(payload)))
	b = append(b, payload...)
	return binary.BigEndian.AppendUint64(b, xxhash.Sum64(b[start:]))
}

// fail makes err sticky: after a failed sync the state of the file is
// unknown and no further writes are accepted.
func (l *Log) fail(err error) error {
	l.logger.LogAttrs(l.context, slog.LevelError, "applog: write failed", slog.String("log", l.debugName), slog.Any("err", err))
	if l.writeErr == nil {
		l.writeErr = err
	}
	return err
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.region == nil {
		return nil
	}
	err := l.region.Close()
	l.region = nil
	if ferr := l.f.Close(); err == nil {
		err = ferr
	}
	return err
}

func closeUnlessOK(f *os.File, ok *bool) {
	if *ok {
		return
	}
	f.Close()
}

func closeRegionUnlessOK(r *mmap.Region, ok *bool) {
	if *ok {
		return
	}
	r.Close()
}
