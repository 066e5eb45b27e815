// Package arena provides a bump-pointer allocator with checkpoint/rollback.
//
// Slices handed out by an Arena stay valid until the arena is cleared, reset
// to an earlier checkpoint, or destroyed. There is no per-allocation free.
package arena

import (
	"errors"
	"fmt"
	"unsafe"
)

const (
	// DefaultBlockSize is used when New is given a non-positive size.
	DefaultBlockSize = 64 * 1024

	alignment = 8
)

var (
	// ErrExhausted is returned when a block cannot be allocated without
	// exceeding the arena's byte limit.
	ErrExhausted = errors.New("arena: allocation exhausted")

	// ErrDestroyed is returned when an arena is used after Destroy.
	ErrDestroyed = errors.New("arena: use after destroy")
)

type block struct {
	data []byte
	prev *block
}

// Checkpoint is a snapshot of an arena's position. It is only meaningful for
// the arena that produced it.
type Checkpoint struct {
	owner *Arena
	blk   *block
	pos   int
	size  int
	used  int
}

// Options configures an Arena.
type Options struct {
	// BlockSize is the size of the first block.
	BlockSize int
	// MinGrowth is the minimum size of every subsequent block. Defaults to
	// BlockSize, so one overflow roughly doubles capacity.
	MinGrowth int
	// Limit caps the total bytes of all blocks. Zero means unlimited.
	Limit int
}

// Arena is a region allocator. It is not safe for concurrent use.
type Arena struct {
	parent    *Arena
	current   *block
	pos       int
	minGrowth int
	limit     int
	size      int
	used      int
	initial   Checkpoint
	destroyed bool
}

// New creates an arena whose first block holds size bytes.
func New(size int) *Arena {
	a, err := NewWithOptions(Options{BlockSize: size})
	if err != nil {
		// Only reachable with a limit, which New never sets.
		panic(err)
	}
	return a
}

// NewWithOptions creates an arena from opts.
func NewWithOptions(opts Options) (*Arena, error) {
	return newArena(nil, opts)
}

// NewSub creates an arena whose blocks are carved out of parent. Resetting
// the sub-arena does not return memory to the parent; that happens when the
// parent itself is reset or cleared.
func NewSub(parent *Arena, size int) (*Arena, error) {
	return newArena(parent, Options{BlockSize: size})
}

func newArena(parent *Arena, opts Options) (*Arena, error) {
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.MinGrowth <= 0 {
		opts.MinGrowth = opts.BlockSize
	}
	if opts.Limit > 0 && opts.BlockSize > opts.Limit {
		return nil, fmt.Errorf("first block of %d bytes over limit %d: %w", opts.BlockSize, opts.Limit, ErrExhausted)
	}

	a := &Arena{
		parent:    parent,
		minGrowth: opts.MinGrowth,
		limit:     opts.Limit,
	}
	data, err := a.newBlockData(opts.BlockSize)
	if err != nil {
		return nil, err
	}
	a.current = &block{data: data}
	a.size = len(data)
	a.initial = a.Checkpoint()
	return a, nil
}

func (a *Arena) newBlockData(n int) ([]byte, error) {
	if a.parent != nil {
		return a.parent.Alloc(n)
	}
	return make([]byte, n), nil
}

// Alloc returns n bytes starting at an 8-byte aligned offset. The contents
// are unspecified when the memory is being reused after Reset or Clear.
func (a *Arena) Alloc(n int) ([]byte, error) {
	return a.alloc(n, true)
}

// AllocUnaligned returns n bytes with no alignment padding.
func (a *Arena) AllocUnaligned(n int) ([]byte, error) {
	return a.alloc(n, false)
}

// AllocZeroed returns n zeroed bytes.
func (a *Arena) AllocZeroed(n int) ([]byte, error) {
	b, err := a.alloc(n, true)
	if err != nil {
		return nil, err
	}
	clear(b)
	return b, nil
}

// Dup copies b into the arena.
func (a *Arena) Dup(b []byte) ([]byte, error) {
	dst, err := a.alloc(len(b), false)
	if err != nil {
		return nil, err
	}
	copy(dst, b)
	return dst, nil
}

// DupString copies s into the arena and returns a string backed by arena
// memory. The string must not be used after the memory is reclaimed.
func (a *Arena) DupString(s string) (string, error) {
	if len(s) == 0 {
		return "", nil
	}
	dst, err := a.alloc(len(s), false)
	if err != nil {
		return "", err
	}
	copy(dst, s)
	return unsafe.String(&dst[0], len(dst)), nil
}

func (a *Arena) alloc(n int, aligned bool) ([]byte, error) {
	if a.destroyed {
		return nil, ErrDestroyed
	}
	if n < 0 {
		return nil, fmt.Errorf("arena: negative allocation %d", n)
	}

	start := a.pos
	if aligned {
		start = alignUp(start)
	}
	if start+n > len(a.current.data) {
		if err := a.grow(n); err != nil {
			return nil, err
		}
		start = 0
	}

	a.pos = start + n
	a.used += n
	return a.current.data[start : start+n : start+n], nil
}

func (a *Arena) grow(n int) error {
	size := max(n, a.minGrowth)
	if a.limit > 0 && a.size+size > a.limit {
		return fmt.Errorf("grow by %d bytes (size %d, limit %d): %w", size, a.size, a.limit, ErrExhausted)
	}
	data, err := a.newBlockData(size)
	if err != nil {
		return err
	}
	a.current = &block{data: data, prev: a.current}
	a.pos = 0
	a.size += size
	return nil
}

func alignUp(n int) int {
	return (n + alignment - 1) &^ (alignment - 1)
}

// Checkpoint captures the current position.
func (a *Arena) Checkpoint() Checkpoint {
	return Checkpoint{
		owner: a,
		blk:   a.current,
		pos:   a.pos,
		size:  a.size,
		used:  a.used,
	}
}

// Reset rolls the arena back to cp. Blocks allocated after cp are released
// to the garbage collector.
func (a *Arena) Reset(cp Checkpoint) {
	if cp.owner != a {
		panic("arena: checkpoint from a different arena")
	}
	if a.destroyed {
		return
	}
	a.current = cp.blk
	a.pos = cp.pos
	a.size = cp.size
	a.used = cp.used
}

// Clear resets the arena to its first block, emptied.
func (a *Arena) Clear() {
	a.Reset(a.initial)
}

// Destroy drops every block. The arena cannot be used afterwards.
func (a *Arena) Destroy() {
	a.current = &block{}
	a.pos = 0
	a.size = 0
	a.used = 0
	a.destroyed = true
}

// Size returns the total bytes held in blocks.
func (a *Arena) Size() int { return a.size }

// Used returns the bytes handed out, excluding alignment padding.
func (a *Arena) Used() int { return a.used }

// Available returns the bytes left in the current block.
func (a *Arena) Available() int { return len(a.current.data) - a.pos }
