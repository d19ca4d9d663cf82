// Package applogtest helps tests create logs in temporary directories and
// assert their exact byte layout.
package applogtest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/cespare/xxhash/v2"

	"github.com/andreyvit/cowdb/applog"
)

// Header is the Expand spec of an empty log file.
const Header = "'COWDBLOG 00_00_00_00/ver 00_00_00_00/reserved"

type TestLog struct {
	*applog.Log

	T    testing.TB
	Path string
	opt  applog.Options
}

// New opens a fresh log in a temporary directory. The log is closed when the
// test finishes.
func New(t testing.TB, o applog.Options) *TestLog {
	t.Helper()
	return OpenAt(t, filepath.Join(t.TempDir(), "test.log"), o)
}

// OpenAt opens the log at path, routing its logging to t.
func OpenAt(t testing.TB, path string, o applog.Options) *TestLog {
	t.Helper()
	o.Logger = Logger(t)
	o.Verbose = true
	if o.DebugName == "" {
		o.DebugName = "test"
	}
	l, err := applog.Open(path, o)
	if err != nil {
		t.Fatalf("applog.Open(%s): %v", path, err)
	}
	tl := &TestLog{Log: l, T: t, Path: path, opt: o}
	t.Cleanup(func() {
		if err := tl.Log.Close(); err != nil {
			t.Error(err)
		}
	})
	return tl
}

// Reopen closes the log and opens the same file again.
func (l *TestLog) Reopen() *TestLog {
	l.T.Helper()
	if err := l.Log.Close(); err != nil {
		l.T.Fatalf("Close: %v", err)
	}
	return OpenAt(l.T, l.Path, l.opt)
}

// Eq asserts the file contents, given as Expand specs.
func (l *TestLog) Eq(expected ...string) {
	l.T.Helper()
	BytesEq(l.T, l.Data(), Expand(expected...))
}

func (l *TestLog) Data() []byte {
	b, err := os.ReadFile(l.Path)
	if err != nil {
		l.T.Fatalf("when reading %v: %v", l.Path, err)
	}
	return b
}

// Put writes raw bytes given as Expand specs to path, typically before
// opening a log there.
func Put(t testing.TB, path string, specs ...string) {
	if err := os.WriteFile(path, Expand(specs...), 0o644); err != nil {
		t.Fatal(err)
	}
}

// Logger returns a slog logger that writes through t.Log.
func Logger(t testing.TB) *slog.Logger {
	return slog.New(slog.NewTextHandler(&logWriter{t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type logWriter struct{ t testing.TB }

func (c *logWriter) Write(buf []byte) (int, error) {
	c.t.Log(strings.TrimSuffix(string(buf), "\n"))
	return len(buf), nil
}

// Record returns the Expand spec of a record with a checksum computed over
// the given tag and payload. Payload is itself an Expand spec.
func Record(tag applog.Tag, payload string) string {
	p := Expand(payload)
	var b []byte
	b = append(b, byte(tag))
	b = binary.BigEndian.AppendUint32(b, uint32(len(p)))
	b = append(b, p...)
	sum := xxhash.Sum64(b)
	return fmt.Sprintf("%02x #%d %x %016x", byte(tag), len(p), p, sum)
}

// Commit is the Expand spec of a commit marker.
func Commit() string {
	return Record(applog.TagCommit, "")
}

// Expand turns a whitespace-separated spec into bytes. Elements:
//
//   - hex digits, optionally grouped by _ into bytes: 0a_0b or 0a0b;
//   - 'text: raw ASCII up to the next whitespace;
//   - #123: uint32 big-endian; ##123: uint64 big-endian;
//   - x*N: repeat an element N times;
//   - anything after / is a comment.
func Expand(specs ...string) []byte {
	var b []byte
	for _, spec := range specs {
		for _, elem := range strings.Fields(spec) {
			base, _, _ := strings.Cut(elem, "/")
			if base == "" {
				continue
			}
			base, repStr, _ := strings.Cut(base, "*")
			rep := 1
			if repStr != "" {
				var err error
				rep, err = strconv.Atoi(repStr)
				if err != nil {
					panic(fmt.Sprintf("invalid repeat count %q in element %q", repStr, elem))
				}
			}
			elemBytes, err := appendElement(nil, base)
			if err != nil {
				panic(fmt.Errorf("%w in element %q", err, elem))
			}
			for range rep {
				b = append(b, elemBytes...)
			}
		}
	}
	return b
}

func appendElement(data []byte, elem string) ([]byte, error) {
	const none byte = 0xFF

	if decimal, ok := strings.CutPrefix(elem, "##"); ok {
		v, err := strconv.ParseUint(decimal, 10, 64)
		if err != nil {
			return nil, err
		}
		return binary.BigEndian.AppendUint64(data, v), nil
	} else if decimal, ok := strings.CutPrefix(elem, "#"); ok {
		v, err := strconv.ParseUint(decimal, 10, 32)
		if err != nil {
			return nil, err
		}
		return binary.BigEndian.AppendUint32(data, uint32(v)), nil
	} else if alpha, ok := strings.CutPrefix(elem, "'"); ok {
		return append(data, alpha...), nil
	}

	prev := none
	for _, b := range []byte(elem) {
		var half byte
		switch {
		case b == '_':
			if prev != none {
				data = append(data, prev)
				prev = none
			}
			continue
		case b >= '0' && b <= '9':
			half = b - '0'
		case b >= 'a' && b <= 'f':
			half = b - 'a' + 10
		case b >= 'A' && b <= 'F':
			half = b - 'A' + 10
		default:
			return nil, fmt.Errorf("invalid char '%c'", b)
		}
		if prev == none {
			prev = half
		} else {
			data = append(data, prev<<4|half)
			prev = none
		}
	}
	if prev != none {
		data = append(data, prev)
	}
	return data, nil
}

// HexDump formats b in rows of 8 bytes, marking highlightOff with '>'.
func HexDump(b []byte, highlightOff int) string {
	var buf strings.Builder
	for off := 0; ; off += 8 {
		fmt.Fprintf(&buf, "%08x", off)
		if off >= len(b) {
			buf.WriteByte('\n')
			break
		}
		buf.WriteByte(' ')
		for i := range 8 {
			switch {
			case off+i >= len(b):
				buf.WriteString("   ")
			case off+i == highlightOff:
				fmt.Fprintf(&buf, ">%02x", b[off+i])
			default:
				fmt.Fprintf(&buf, " %02x", b[off+i])
			}
		}
		buf.WriteString("  |")
		for i := 0; i < 8 && off+i < len(b); i++ {
			if v := b[off+i]; v >= 32 && v <= 126 {
				buf.WriteByte(v)
			} else {
				buf.WriteByte('.')
			}
		}
		buf.WriteString("|\n")
		if off+8 >= len(b) {
			break
		}
	}
	return buf.String()
}

func BytesEq(t testing.TB, a, e []byte) bool {
	if bytes.Equal(a, e) {
		return true
	}
	off := min(len(a), len(e))
	for i := range off {
		if a[i] != e[i] {
			off = i
			break
		}
	}
	t.Helper()
	t.Errorf("** got:\n%v\nwanted:\n%v\nfirst difference offset: 0x%x (%d)", HexDump(a, off), HexDump(e, off), off, off)
	return false
}
