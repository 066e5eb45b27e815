// Package buffer implements a growable byte buffer that is either heap-owned
// or backed by an arena.
package buffer

import (
	"fmt"

	"github.com/withObsrvr/obsrvr-sortflow/internal/arena"
)

// growthMargin is added to every growth on top of the requested size.
const growthMargin = 50

// Buffer holds Len() bytes followed by a NUL terminator. The zero value is an
// empty heap-owned buffer.
//
// A growth failure on an arena-backed buffer is sticky: Err reports it and
// every later mutation is a no-op.
type Buffer struct {
	data   []byte // len(data) is capacity+1 for the terminator
	length int
	arena  *arena.Arena
	err    error
}

// New returns a heap-owned buffer with room for size bytes.
func New(size int) *Buffer {
	b := &Buffer{}
	b.data = make([]byte, max(size, 0)+1)
	return b
}

// NewInArena returns a buffer whose storage is allocated from a.
func NewInArena(a *arena.Arena, size int) (*Buffer, error) {
	b := &Buffer{arena: a}
	data, err := a.AllocUnaligned(max(size, 0) + 1)
	if err != nil {
		return nil, fmt.Errorf("allocate buffer: %w", err)
	}
	data[0] = 0
	b.data = data
	return b, nil
}

// Err returns the first growth failure, if any.
func (b *Buffer) Err() error { return b.err }

// Len returns the number of bytes held.
func (b *Buffer) Len() int { return b.length }

// Cap returns the capacity, not counting the terminator.
func (b *Buffer) Cap() int {
	if len(b.data) == 0 {
		return 0
	}
	return len(b.data) - 1
}

// Bytes returns the held bytes. The slice is invalidated by the next
// mutation.
func (b *Buffer) Bytes() []byte {
	if b.data == nil {
		return nil
	}
	return b.data[:b.length:b.length]
}

// String returns a copy of the held bytes as a string.
func (b *Buffer) String() string {
	return string(b.Bytes())
}

// ensure makes room for n bytes total. Existing contents are preserved.
func (b *Buffer) ensure(n int) bool {
	if b.err != nil {
		return false
	}
	if b.data != nil && n <= b.Cap() {
		return true
	}
	size := n + growthMargin + b.Cap()/8

	var data []byte
	if b.arena != nil {
		var err error
		data, err = b.arena.AllocUnaligned(size + 1)
		if err != nil {
			b.err = fmt.Errorf("grow buffer to %d bytes: %w", size, err)
			return false
		}
	} else {
		data = make([]byte, size+1)
	}
	copy(data, b.data[:b.length])
	b.data = data
	return true
}

func (b *Buffer) terminate() {
	b.data[b.length] = 0
}

// Clear empties the buffer, keeping its capacity.
func (b *Buffer) Clear() {
	if b.data == nil {
		return
	}
	b.length = 0
	b.terminate()
}

// Set replaces the contents with p.
func (b *Buffer) Set(p []byte) {
	if !b.ensure(len(p)) {
		return
	}
	b.length = copy(b.data, p)
	b.terminate()
}

// SetString replaces the contents with s.
func (b *Buffer) SetString(s string) {
	if !b.ensure(len(s)) {
		return
	}
	b.length = copy(b.data, s)
	b.terminate()
}

// Append appends p.
func (b *Buffer) Append(p []byte) {
	if !b.ensure(b.length + len(p)) {
		return
	}
	b.length += copy(b.data[b.length:], p)
	b.terminate()
}

// AppendString appends s.
func (b *Buffer) AppendString(s string) {
	if !b.ensure(b.length + len(s)) {
		return
	}
	b.length += copy(b.data[b.length:], s)
	b.terminate()
}

// AppendByte appends a single byte.
func (b *Buffer) AppendByte(c byte) {
	if !b.ensure(b.length + 1) {
		return
	}
	b.data[b.length] = c
	b.length++
	b.terminate()
}

// AppendFill appends n copies of c.
func (b *Buffer) AppendFill(c byte, n int) {
	if n <= 0 || !b.ensure(b.length+n) {
		return
	}
	tail := b.data[b.length : b.length+n]
	for i := range tail {
		tail[i] = c
	}
	b.length += n
	b.terminate()
}

// Alloc discards the contents and returns n writable bytes that become the
// new contents. It returns nil after a growth failure.
func (b *Buffer) Alloc(n int) []byte {
	b.length = 0
	if !b.ensure(n) {
		return nil
	}
	b.length = n
	b.terminate()
	return b.data[:n:n]
}

// AppendAlloc grows the buffer by n bytes and returns the writable tail.
func (b *Buffer) AppendAlloc(n int) []byte {
	if !b.ensure(b.length + n) {
		return nil
	}
	start := b.length
	b.length += n
	b.terminate()
	return b.data[start:b.length:b.length]
}

// Resize sets the length to n, growing if needed. Bytes exposed by growth are
// unspecified.
func (b *Buffer) Resize(n int) {
	if n < 0 {
		n = 0
	}
	if !b.ensure(n) {
		return
	}
	b.length = n
	b.terminate()
}

// ShrinkBy drops the last n bytes.
func (b *Buffer) ShrinkBy(n int) {
	if b.data == nil {
		return
	}
	b.length = max(b.length-n, 0)
	b.terminate()
}

// Appendf appends formatted text.
func (b *Buffer) Appendf(format string, args ...any) {
	if b.err != nil {
		return
	}
	b.Append(fmt.Appendf(nil, format, args...))
}

// Setf replaces the contents with formatted text.
func (b *Buffer) Setf(format string, args ...any) {
	b.Clear()
	b.Appendf(format, args...)
}
