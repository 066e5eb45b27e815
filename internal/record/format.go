package record

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"strconv"
	"strings"
)

// DefaultReadSize is the block size used by NewReader.
const DefaultReadSize = 64 * 1024

// PrefixSize is the size of the length header of a LengthPrefixed record.
const PrefixSize = 4

// prefixChunk is the first step by which a length-prefixed payload buffer
// grows while reading.
const prefixChunk = 64 * 1024

type formatKind uint8

const (
	kindDelimiter formatKind = iota
	kindFixed
	kindPrefix
)

// Format describes how a byte stream decomposes into records.
type Format struct {
	kind  formatKind
	delim byte
	size  int
}

// Delimiter returns a format of records terminated by d.
func Delimiter(d byte) Format { return Format{kind: kindDelimiter, delim: d} }

// Lines is Delimiter('\n').
func Lines() Format { return Delimiter('\n') }

// Fixed returns a format of records that are exactly n bytes.
func Fixed(n int) Format { return Format{kind: kindFixed, size: n} }

// LengthPrefixed returns a format of records preceded by a 4-byte
// little-endian length.
func LengthPrefixed() Format { return Format{kind: kindPrefix} }

func (f Format) String() string {
	switch f.kind {
	case kindDelimiter:
		return fmt.Sprintf("delimiter(%q)", f.delim)
	case kindFixed:
		return fmt.Sprintf("fixed(%d)", f.size)
	default:
		return "prefix"
	}
}

// ParseFormat parses "line", "prefix", "fixed:N" or "delim:C".
func ParseFormat(s string) (Format, error) {
	switch {
	case s == "line" || s == "lines":
		return Lines(), nil
	case s == "prefix":
		return LengthPrefixed(), nil
	case strings.HasPrefix(s, "fixed:"):
		n, err := strconv.Atoi(strings.TrimPrefix(s, "fixed:"))
		if err != nil || n <= 0 {
			return Format{}, fmt.Errorf("invalid fixed size in %q", s)
		}
		return Fixed(n), nil
	case strings.HasPrefix(s, "delim:"):
		d := strings.TrimPrefix(s, "delim:")
		if d == `\t` {
			d = "\t"
		}
		if len(d) != 1 {
			return Format{}, fmt.Errorf("delimiter must be one byte in %q", s)
		}
		return Delimiter(d[0]), nil
	default:
		return Format{}, fmt.Errorf("unknown format %q", s)
	}
}

// Validate reports whether p can be encoded in the format.
func (f Format) Validate(p []byte) error {
	switch f.kind {
	case kindDelimiter:
		if bytes.IndexByte(p, f.delim) >= 0 {
			return fmt.Errorf("record contains delimiter %q: %w", f.delim, ErrInvalidRecord)
		}
	case kindFixed:
		if len(p) != f.size {
			return fmt.Errorf("record of %d bytes in %s: %w", len(p), f, ErrInvalidRecord)
		}
	case kindPrefix:
		if uint64(len(p)) > math.MaxUint32 {
			return fmt.Errorf("record of %d bytes exceeds prefix range: %w", len(p), ErrInvalidRecord)
		}
	}
	return nil
}

// AppendEncoded appends the encoding of p to dst.
func (f Format) AppendEncoded(dst, p []byte) ([]byte, error) {
	if err := f.Validate(p); err != nil {
		return dst, err
	}
	switch f.kind {
	case kindDelimiter:
		dst = append(dst, p...)
		return append(dst, f.delim), nil
	case kindFixed:
		return append(dst, p...), nil
	default:
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(p)))
		return append(dst, p...), nil
	}
}

// Reader decodes records from a byte stream.
type Reader struct {
	br      *bufio.Reader
	format  Format
	scratch []byte
	header  [PrefixSize]byte
	offset  int64
}

// NewReader returns a Reader with a DefaultReadSize block.
func NewReader(r io.Reader, f Format) *Reader {
	return NewReaderSize(r, f, DefaultReadSize)
}

// NewReaderSize returns a Reader whose block holds at least size bytes.
func NewReaderSize(r io.Reader, f Format, size int) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, size), format: f}
}

// Offset returns the byte offset of the next record.
func (r *Reader) Offset() int64 { return r.offset }

// Next returns the next record, or io.EOF after the last one. The record is
// valid until the following call.
func (r *Reader) Next() (Record, error) {
	switch r.format.kind {
	case kindDelimiter:
		return r.nextDelimited()
	case kindFixed:
		return r.nextFixed()
	default:
		return r.nextPrefixed()
	}
}

func (r *Reader) nextDelimited() (Record, error) {
	line, err := r.br.ReadSlice(r.format.delim)
	if errors.Is(err, bufio.ErrBufferFull) {
		r.scratch = append(r.scratch[:0], line...)
		for errors.Is(err, bufio.ErrBufferFull) {
			line, err = r.br.ReadSlice(r.format.delim)
			r.scratch = append(r.scratch, line...)
		}
		line = r.scratch
	}

	switch {
	case err == nil:
		r.offset += int64(len(line))
		return Record{Data: line[:len(line)-1]}, nil
	case errors.Is(err, io.EOF):
		if len(line) == 0 {
			return Record{}, io.EOF
		}
		// trailing record without a delimiter
		r.offset += int64(len(line))
		return Record{Data: line}, nil
	default:
		return Record{}, err
	}
}

func (r *Reader) nextFixed() (Record, error) {
	n := r.format.size
	if n <= 0 {
		return Record{}, fmt.Errorf("fixed format with size %d", n)
	}
	if cap(r.scratch) < n {
		r.scratch = make([]byte, n)
	}
	buf := r.scratch[:n]
	got, err := io.ReadFull(r.br, buf)
	switch {
	case err == nil:
		r.offset += int64(n)
		return Record{Data: buf}, nil
	case errors.Is(err, io.EOF):
		return Record{}, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		return Record{}, &MalformedError{
			Offset: r.offset,
			Format: r.format,
			Reason: fmt.Sprintf("%d trailing bytes are not a multiple of %d", got, n),
		}
	default:
		return Record{}, err
	}
}

func (r *Reader) nextPrefixed() (Record, error) {
	got, err := io.ReadFull(r.br, r.header[:])
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		return Record{}, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		return Record{}, &MalformedError{
			Offset: r.offset,
			Format: r.format,
			Reason: fmt.Sprintf("truncated length prefix (%d of %d bytes)", got, PrefixSize),
		}
	default:
		return Record{}, err
	}

	n := int(binary.LittleEndian.Uint32(r.header[:]))
	// grow only as payload bytes arrive; n may be corrupt
	buf := r.scratch[:0]
	for len(buf) < n {
		step := min(n-len(buf), max(prefixChunk, len(buf)))
		buf = slices.Grow(buf, step)
		got, err := io.ReadFull(r.br, buf[len(buf):len(buf)+step])
		buf = buf[:len(buf)+got]
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			r.scratch = buf[:0]
			return Record{}, &MalformedError{
				Offset: r.offset,
				Format: r.format,
				Reason: fmt.Sprintf("truncated payload (%d of %d bytes)", len(buf), n),
			}
		default:
			return Record{}, err
		}
	}
	r.scratch = buf
	r.offset += int64(PrefixSize + n)
	return Record{Data: buf}, nil
}

// Writer encodes records onto a byte stream.
type Writer struct {
	bw      *bufio.Writer
	format  Format
	header  [PrefixSize]byte
	records int64
}

// NewWriter returns a buffered Writer. Call Flush when done.
func NewWriter(w io.Writer, f Format) *Writer {
	return &Writer{bw: bufio.NewWriterSize(w, DefaultReadSize), format: f}
}

// Write encodes one record.
func (w *Writer) Write(p []byte) error {
	if err := w.format.Validate(p); err != nil {
		return err
	}
	if w.format.kind == kindPrefix {
		binary.LittleEndian.PutUint32(w.header[:], uint32(len(p)))
		if _, err := w.bw.Write(w.header[:]); err != nil {
			return err
		}
	}
	if _, err := w.bw.Write(p); err != nil {
		return err
	}
	if w.format.kind == kindDelimiter {
		if err := w.bw.WriteByte(w.format.delim); err != nil {
			return err
		}
	}
	w.records++
	return nil
}

// Records returns the number of records written.
func (w *Writer) Records() int64 { return w.records }

// Flush writes any buffered data to the underlying writer.
func (w *Writer) Flush() error { return w.bw.Flush() }
