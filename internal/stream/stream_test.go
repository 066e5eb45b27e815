package stream

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-sortflow/internal/buffer"
	"github.com/withObsrvr/obsrvr-sortflow/internal/record"
)

// seqRecord is "<key>,<seq>".
func seqRecord(key, seq int) string {
	return fmt.Sprintf("k%03d,%06d", key, seq)
}

func keyOf(r record.Record) []byte {
	i := bytes.IndexByte(r.Data, ',')
	return r.Data[:i]
}

func compareKey(a, b record.Record) int {
	return bytes.Compare(keyOf(a), keyOf(b))
}

func seqOf(t *testing.T, s string) int {
	t.Helper()
	n, err := strconv.Atoi(s[strings.IndexByte(s, ',')+1:])
	require.NoError(t, err)
	return n
}

func writeAll(t *testing.T, o *Output, recs []string) {
	t.Helper()
	for _, r := range recs {
		require.NoError(t, o.WriteString(r))
	}
	require.NoError(t, o.Close())
}

// interleaved returns n records over keys distinct keys in a scrambled
// order, each tagged with its arrival sequence.
func interleaved(n, keys int) []string {
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = seqRecord((i*7919)%keys, i)
	}
	return out
}

func TestCodecRoundTrip(t *testing.T) {
	for _, ext := range []string{"", ".zst", ".gz", ".lz4", ".s2"} {
		t.Run("ext"+ext, func(t *testing.T) {
			name := filepath.Join(t.TempDir(), "data"+ext)
			o, err := CreateOutput(name, OutputOptions{Format: record.Lines()})
			require.NoError(t, err)
			recs := interleaved(500, 50)
			writeAll(t, o, recs)

			got, err := ReadAll([]string{name}, record.Lines())
			require.NoError(t, err)
			assert.Equal(t, recs, got)
		})
	}
}

func TestStableExternalSort(t *testing.T) {
	tests := []struct {
		name  string
		extra bool
	}{
		{"inline spill", false},
		{"spill goroutine", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name := filepath.Join(t.TempDir(), "sorted.lz4")
			o, err := CreateOutput(name, OutputOptions{
				Format:            record.LengthPrefixed(),
				Compare:           compareKey,
				RAM:               MinSortRAM,
				UseExtraGoroutine: tt.extra,
			})
			require.NoError(t, err)
			recs := interleaved(6000, 40)
			writeAll(t, o, recs)
			require.Greater(t, o.Stats().Spills, 1, "test must force a multi-run merge")
			assert.EqualValues(t, len(recs), o.Stats().Emitted)

			got, err := ReadAll([]string{name}, record.LengthPrefixed())
			require.NoError(t, err)
			require.Len(t, got, len(recs))
			for i := 1; i < len(got); i++ {
				prevKey, curKey := got[i-1][:4], got[i][:4]
				require.LessOrEqual(t, prevKey, curKey)
				if prevKey == curKey {
					require.Less(t, seqOf(t, got[i-1]), seqOf(t, got[i]), "unstable at %d", i)
				}
			}
		})
	}
}

func TestKeepFirstAcrossRuns(t *testing.T) {
	name := filepath.Join(t.TempDir(), "dedup")
	o, err := CreateOutput(name, OutputOptions{
		Format:  record.Lines(),
		Compare: compareKey,
		Reduce:  record.KeepFirst,
		RAM:     MinSortRAM,
	})
	require.NoError(t, err)
	const keys = 97
	writeAll(t, o, interleaved(8000, keys))
	require.Greater(t, o.Stats().Spills, 1)

	got, err := ReadAll([]string{name}, record.Lines())
	require.NoError(t, err)
	require.Len(t, got, keys)

	// the survivor of each key is its earliest arrival
	first := make(map[string]int)
	for i, r := range interleaved(8000, keys) {
		if _, ok := first[r[:4]]; !ok {
			first[r[:4]] = i
		}
	}
	for _, r := range got {
		assert.Equal(t, first[r[:4]], seqOf(t, r))
	}
}

func TestIntermediateReduceCollapsesBatches(t *testing.T) {
	var finalCalls int
	countReduce := func(out *record.Record, group []record.Record, scratch *buffer.Buffer) bool {
		finalCalls++
		total := 0
		for _, r := range group {
			n, _ := strconv.Atoi(string(r.Data[bytes.IndexByte(r.Data, ',')+1:]))
			total += n
		}
		scratch.Append(keyOf(group[0]))
		scratch.Appendf(",%d", total)
		*out = record.Record{Data: scratch.Bytes()}
		return true
	}

	name := filepath.Join(t.TempDir(), "sums.zst")
	o, err := CreateOutput(name, OutputOptions{
		Format:             record.Lines(),
		Compare:            compareKey,
		Reduce:             countReduce,
		IntermediateReduce: countReduce,
		RAM:                MinSortRAM,
	})
	require.NoError(t, err)
	for i := 0; i < 5000; i++ {
		require.NoError(t, o.WriteString(fmt.Sprintf("k%03d,1", i%10)))
	}
	require.NoError(t, o.Close())

	got, err := ReadAll([]string{name}, record.Lines())
	require.NoError(t, err)
	require.Len(t, got, 10)
	for i, r := range got {
		assert.Equal(t, fmt.Sprintf("k%03d,500", i), r)
	}
	assert.Greater(t, finalCalls, 10)
}

func TestReducerMayDropGroups(t *testing.T) {
	dropDupes := func(out *record.Record, group []record.Record, _ *buffer.Buffer) bool {
		if len(group) > 1 {
			return false
		}
		*out = group[0]
		return true
	}
	name := filepath.Join(t.TempDir(), "singles")
	o, err := CreateOutput(name, OutputOptions{Format: record.Lines(), Compare: compareKey, Reduce: dropDupes})
	require.NoError(t, err)
	writeAll(t, o, []string{"k002,1", "k001,2", "k002,3", "k003,4"})

	got, err := ReadAll([]string{name}, record.Lines())
	require.NoError(t, err)
	assert.Equal(t, []string{"k001,2", "k003,4"}, got)
}

func TestPartitionedOutput(t *testing.T) {
	const parts = 5
	run := func(dir string) [][]string {
		name := filepath.Join(dir, "split.gz")
		o, err := CreateOutput(name, OutputOptions{
			Format:        record.Lines(),
			Partition:     record.HashPartition,
			NumPartitions: parts,
			Compare:       compareKey,
		})
		require.NoError(t, err)
		writeAll(t, o, interleaved(1000, 100))

		require.Len(t, o.Filenames(), parts)
		assert.Equal(t, filepath.Join(dir, "split.3.gz"), o.Filenames()[3])

		out := make([][]string, parts)
		for p, f := range o.Filenames() {
			out[p], err = ReadAll([]string{f}, record.Lines())
			require.NoError(t, err)
		}
		return out
	}

	first := run(t.TempDir())
	second := run(t.TempDir())
	assert.Equal(t, first, second)

	total := 0
	for p, recs := range first {
		for _, r := range recs {
			assert.Equal(t, p, record.HashPartition(record.Record{Data: []byte(r)}, parts))
		}
		total += len(recs)
	}
	assert.Equal(t, 1000, total)
}

func TestPartitionOutOfRange(t *testing.T) {
	name := filepath.Join(t.TempDir(), "bad")
	o, err := CreateOutput(name, OutputOptions{
		Format:        record.Lines(),
		Partition:     func(record.Record, int) int { return 9 },
		NumPartitions: 2,
	})
	require.NoError(t, err)
	err = o.WriteString("x")
	assert.ErrorIs(t, err, record.ErrPartitionIndexOutOfRange)
	o.Abort()
}

func TestAbortPublishesNothing(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "never")
	o, err := CreateOutput(name, OutputOptions{Format: record.Lines(), Compare: compareKey, RAM: MinSortRAM})
	require.NoError(t, err)
	for _, r := range interleaved(5000, 10) {
		require.NoError(t, o.WriteString(r))
	}
	o.Abort()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSortedInputAndGroups(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	require.NoError(t, os.WriteFile(a, []byte("k002,1\nk001,2\n"), 0644))
	require.NoError(t, os.WriteFile(b, []byte("k002,3\nk003,4"), 0644))

	in, err := OpenInput([]string{a, b}, InputOptions{Format: record.Lines(), Compare: compareKey})
	require.NoError(t, err)
	defer in.Close()

	var groups [][]string
	for {
		g, err := in.NextGroup(compareKey)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		var keys []string
		for _, r := range g {
			keys = append(keys, r.String())
		}
		groups = append(groups, keys)
	}
	assert.Equal(t, [][]string{{"k001,2"}, {"k002,1", "k002,3"}, {"k003,4"}}, groups)
	assert.EqualValues(t, 4, in.Count())
}

func TestMergePresortedFiles(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	require.NoError(t, os.WriteFile(a, []byte("k001,1\nk003,2\nk005,3\n"), 0644))
	require.NoError(t, os.WriteFile(b, []byte("k002,4\nk003,5\n"), 0644))

	in, err := OpenInput([]string{a, b}, InputOptions{
		Format:  record.Lines(),
		Compare: compareKey,
		Reduce:  record.KeepFirst,
		Merge:   true,
	})
	require.NoError(t, err)
	defer in.Close()

	var got []string
	for {
		rec, err := in.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, rec.String())
	}
	assert.Equal(t, []string{"k001,1", "k002,4", "k003,2", "k005,3"}, got)
}

func TestNextAfterGroupKeepsLookahead(t *testing.T) {
	name := filepath.Join(t.TempDir(), "in.txt")
	require.NoError(t, os.WriteFile(name, []byte("k001,1\nk001,2\nk002,3\nk003,4\n"), 0644))

	in, err := OpenInput([]string{name}, InputOptions{Format: record.Lines()})
	require.NoError(t, err)
	defer in.Close()

	g, err := in.NextGroup(compareKey)
	require.NoError(t, err)
	assert.Len(t, g, 2)

	rec, err := in.Next()
	require.NoError(t, err)
	assert.Equal(t, "k002,3", rec.String())
}

func TestInputLimit(t *testing.T) {
	name := filepath.Join(t.TempDir(), "in.txt")
	require.NoError(t, os.WriteFile(name, []byte("a\nb\nc\n"), 0644))

	in, err := OpenInput([]string{name}, InputOptions{Format: record.Lines(), Limit: 2})
	require.NoError(t, err)
	defer in.Close()

	_, err = in.Next()
	require.NoError(t, err)
	_, err = in.Next()
	require.NoError(t, err)
	_, err = in.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestIOErrorCarriesFilename(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.txt")
	_, err := ReadAll([]string{missing}, record.Lines())
	require.Error(t, err)

	var ioe *IOError
	require.True(t, errors.As(err, &ioe))
	assert.Equal(t, missing, ioe.Filename)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestMalformedInputIsFatal(t *testing.T) {
	name := filepath.Join(t.TempDir(), "fixed.bin")
	require.NoError(t, os.WriteFile(name, []byte("abcdefg"), 0644))

	got, err := ReadAll([]string{name}, record.Fixed(3))
	assert.ErrorIs(t, err, record.ErrMalformedRecord)
	assert.Contains(t, err.Error(), name)
	assert.Equal(t, []string{"abc", "def"}, got)
}

func TestEmptyFiles(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.txt")
	require.NoError(t, os.WriteFile(empty, nil, 0644))

	got, err := ReadAll([]string{empty, empty}, record.Lines())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDump(t *testing.T) {
	name := filepath.Join(t.TempDir(), "d.s2")
	o, err := CreateOutput(name, OutputOptions{Format: record.LengthPrefixed()})
	require.NoError(t, err)
	writeAll(t, o, []string{"plain", "bin\x01"})

	var out bytes.Buffer
	require.NoError(t, Dump(&out, name, record.LengthPrefixed(), nil, 0))
	assert.Contains(t, out.String(), "plain\n")
	assert.Contains(t, out.String(), `"bin\x01"`)
}

func TestPartitionFilename(t *testing.T) {
	tests := []struct {
		name string
		p    int
		want string
	}{
		{"out", 0, "out.0"},
		{"dir/out.lz4", 2, "dir/out.2.lz4"},
		{"out.txt", 1, "out.txt.1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PartitionFilename(tt.name, tt.p))
	}
}
