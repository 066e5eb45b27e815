package record

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeAll(t *testing.T, r *Reader) ([]string, error) {
	t.Helper()
	var out []string
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, string(rec.Data))
	}
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		format  Format
		records []string
	}{
		{"lines", Lines(), []string{"a", "", "bc", "def"}},
		{"comma", Delimiter(','), []string{"x", "y", "zz"}},
		{"fixed", Fixed(3), []string{"abc", "def", "\x00\x01\x02"}},
		{"prefix", LengthPrefixed(), []string{"", "with\nnewline", strings.Repeat("q", 300)}},
		{"empty stream", LengthPrefixed(), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			w := NewWriter(&buf, tt.format)
			for _, rec := range tt.records {
				require.NoError(t, w.Write([]byte(rec)))
			}
			require.NoError(t, w.Flush())
			assert.EqualValues(t, len(tt.records), w.Records())

			// a small block forces records to straddle reads
			got, err := decodeAll(t, NewReaderSize(&buf, tt.format, 16))
			require.NoError(t, err)
			assert.Equal(t, tt.records, got)
		})
	}
}

func TestDelimitedTrailingRecord(t *testing.T) {
	got, err := decodeAll(t, NewReader(strings.NewReader("one\ntwo"), Lines()))
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, got)
}

func TestDelimitedLongRecord(t *testing.T) {
	long := strings.Repeat("x", 100)
	input := long + "\nshort\n"
	got, err := decodeAll(t, NewReaderSize(strings.NewReader(input), Lines(), 16))
	require.NoError(t, err)
	assert.Equal(t, []string{long, "short"}, got)
}

func TestMalformedStreams(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		input  []byte
		want   int // records decoded before the error
	}{
		{"fixed leftover", Fixed(4), []byte("abcdef"), 1},
		{"truncated prefix", LengthPrefixed(), []byte{1, 0, 0, 0, 'a', 2, 0}, 1},
		{"truncated payload", LengthPrefixed(), []byte{5, 0, 0, 0, 'a', 'b'}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeAll(t, NewReader(bytes.NewReader(tt.input), tt.format))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedRecord))
			assert.Len(t, got, tt.want)

			var me *MalformedError
			require.True(t, errors.As(err, &me))
			assert.Equal(t, tt.format, me.Format)
		})
	}
}

func TestHugePrefixWithShortPayload(t *testing.T) {
	input := []byte{0xff, 0xff, 0xff, 0xf0, 'a', 'b', 'c'}

	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)
	_, err := decodeAll(t, NewReader(bytes.NewReader(input), LengthPrefixed()))
	runtime.ReadMemStats(&after)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedRecord)
	var me *MalformedError
	require.True(t, errors.As(err, &me))
	assert.Contains(t, me.Reason, "truncated payload (3 of 4043309055 bytes)")
	assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(16<<20))
}

func TestLargePrefixedRecordSpansChunks(t *testing.T) {
	big := strings.Repeat("z", 3*prefixChunk+17)
	var buf bytes.Buffer
	w := NewWriter(&buf, LengthPrefixed())
	require.NoError(t, w.Write([]byte(big)))
	require.NoError(t, w.Write([]byte("tail")))
	require.NoError(t, w.Flush())

	got, err := decodeAll(t, NewReader(&buf, LengthPrefixed()))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, big, got[0])
	assert.Equal(t, "tail", got[1])
}

func TestEncodeRejectsInvalid(t *testing.T) {
	_, err := Lines().AppendEncoded(nil, []byte("a\nb"))
	assert.ErrorIs(t, err, ErrInvalidRecord)

	_, err = Fixed(2).AppendEncoded(nil, []byte("abc"))
	assert.ErrorIs(t, err, ErrInvalidRecord)

	enc, err := LengthPrefixed().AppendEncoded(nil, []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 0, 0, 0, 'h', 'i'}, enc)
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in   string
		want Format
		err  bool
	}{
		{"line", Lines(), false},
		{"prefix", LengthPrefixed(), false},
		{"fixed:8", Fixed(8), false},
		{"delim:,", Delimiter(','), false},
		{`delim:\t`, Delimiter('\t'), false},
		{"fixed:0", Format{}, true},
		{"delim:ab", Format{}, true},
		{"json", Format{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHashPartitionCoverage(t *testing.T) {
	const parts = 7
	first := make(map[string]int)
	for i := 0; i < 1000; i++ {
		rec := Record{Data: []byte(fmt.Sprintf("key-%d", i))}
		p := HashPartition(rec, parts)
		require.NoError(t, CheckPartition(p, parts))
		first[rec.String()] = p
	}
	for k, p := range first {
		assert.Equal(t, p, HashPartition(Record{Data: []byte(k)}, parts))
	}
}

func TestCheckPartition(t *testing.T) {
	assert.ErrorIs(t, CheckPartition(-1, 4), ErrPartitionIndexOutOfRange)
	assert.ErrorIs(t, CheckPartition(4, 4), ErrPartitionIndexOutOfRange)
	assert.NoError(t, CheckPartition(3, 4))
}

func TestKeepFirst(t *testing.T) {
	var out Record
	group := []Record{{Data: []byte("1")}, {Data: []byte("2")}}
	require.True(t, KeepFirst(&out, group, nil))
	assert.Equal(t, "1", out.String())
}

func TestListFilesAndShards(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.txt", "a.txt", "sub/c.txt", ".hidden", "skip.log"} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(name), 0644))
	}
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "a.txt"), old, old))

	files, err := ListFiles(dir, func(name string) bool { return strings.HasSuffix(name, ".txt") })
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, filepath.Join(dir, "a.txt"), files[0].Filename)
	assert.Equal(t, filepath.Join(dir, "sub/c.txt"), files[2].Filename)
	assert.True(t, Newest(files).After(old))

	const parts = 3
	seen := 0
	for p := 0; p < parts; p++ {
		for _, f := range SelectShard(files, p, parts) {
			assert.EqualValues(t, p, f.Hash%parts)
			seen++
		}
	}
	assert.Equal(t, len(files), seen)
}
