package arena

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type state struct {
	size, used, available int
}

func snapshot(a *Arena) state {
	return state{a.Size(), a.Used(), a.Available()}
}

func TestAllocAlignment(t *testing.T) {
	a := New(128)

	_, err := a.AllocUnaligned(3)
	require.NoError(t, err)
	assert.Equal(t, 125, a.Available())

	b, err := a.Alloc(8)
	require.NoError(t, err)
	assert.Len(t, b, 8)
	assert.Equal(t, 128-16, a.Available())
	assert.Equal(t, 11, a.Used())
}

func TestAllocDoesNotOverlap(t *testing.T) {
	a := New(16)

	first, err := a.Dup([]byte("abcdefgh"))
	require.NoError(t, err)
	second, err := a.Dup([]byte("ijklmnop"))
	require.NoError(t, err)

	// appending to a returned slice must not scribble over its neighbour
	first = append(first, 'x')
	assert.Equal(t, "ijklmnop", string(second))
	assert.Equal(t, "abcdefghx", string(first))
}

func TestGrowthPolicy(t *testing.T) {
	tests := []struct {
		name     string
		request  int
		wantSize int
	}{
		{"small request grows by first block size", 40, 64 + 64},
		{"large request grows by request", 200, 64 + 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New(64)
			_, err := a.Alloc(60)
			require.NoError(t, err)
			_, err = a.Alloc(tt.request)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSize, a.Size())
		})
	}
}

func TestCheckpointResetRestoresState(t *testing.T) {
	a := New(32)
	_, err := a.Alloc(10)
	require.NoError(t, err)

	cp := a.Checkpoint()
	before := snapshot(a)

	for i := 0; i < 50; i++ {
		_, err := a.Alloc(7 + i)
		require.NoError(t, err)
	}
	require.NotEqual(t, before, snapshot(a))

	a.Reset(cp)
	assert.Equal(t, before, snapshot(a))

	// the arena is usable again from the same position
	b, err := a.AllocUnaligned(4)
	require.NoError(t, err)
	assert.Len(t, b, 4)
	assert.Equal(t, before.used+4, a.Used())
}

func TestClear(t *testing.T) {
	a := New(32)
	for i := 0; i < 10; i++ {
		_, err := a.Alloc(30)
		require.NoError(t, err)
	}

	a.Clear()
	assert.Equal(t, state{32, 0, 32}, snapshot(a))
}

func TestAllocZeroedAfterReuse(t *testing.T) {
	a := New(16)
	b, err := a.Alloc(16)
	require.NoError(t, err)
	for i := range b {
		b[i] = 0xff
	}

	a.Clear()
	z, err := a.AllocZeroed(16)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 16), z)
}

func TestLimitExhaustion(t *testing.T) {
	a, err := NewWithOptions(Options{BlockSize: 64, Limit: 100})
	require.NoError(t, err)

	_, err = a.Alloc(64)
	require.NoError(t, err)

	_, err = a.Alloc(1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExhausted))

	// a failed growth leaves the arena untouched
	assert.Equal(t, 64, a.Size())
	assert.Equal(t, 64, a.Used())
}

func TestSubArena(t *testing.T) {
	parent := New(1024)
	sub, err := NewSub(parent, 64)
	require.NoError(t, err)
	assert.Equal(t, 64, parent.Used())

	cp := sub.Checkpoint()
	_, err = sub.Alloc(100)
	require.NoError(t, err)
	assert.Equal(t, 64+100, parent.Used())

	sub.Reset(cp)
	assert.Equal(t, 64, sub.Size())
	// blocks carved from the parent stay with the parent
	assert.Equal(t, 64+100, parent.Used())
}

func TestDupString(t *testing.T) {
	a := New(64)
	s, err := a.DupString("hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	empty, err := a.DupString("")
	require.NoError(t, err)
	assert.Equal(t, "", empty)
}

func TestDestroy(t *testing.T) {
	a := New(64)
	a.Destroy()

	_, err := a.Alloc(1)
	assert.ErrorIs(t, err, ErrDestroyed)
	assert.Equal(t, 0, a.Size())
}

func TestResetForeignCheckpointPanics(t *testing.T) {
	a, b := New(16), New(16)
	assert.Panics(t, func() { a.Reset(b.Checkpoint()) })
}
