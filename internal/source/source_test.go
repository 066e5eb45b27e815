package source

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/fileblob"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestLocalSource(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.csv"), "2\n")
	writeFile(t, filepath.Join(dir, "sub", "a.csv"), "1\n")
	writeFile(t, filepath.Join(dir, "notes.md"), "skip\n")

	src, err := New(context.Background(), Config{
		URL:   dir,
		Valid: func(name string) bool { return strings.HasSuffix(name, ".csv") },
	})
	require.NoError(t, err)
	defer src.Close()

	files, err := src.List(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, filepath.Join(dir, "b.csv"), files[0].Filename)
	assert.Equal(t, filepath.Join(dir, "sub", "a.csv"), files[1].Filename)
}

func TestNewRejectsMissingConfig(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.ErrorIs(t, err, ErrNoSource)

	_, err = New(context.Background(), Config{URL: filepath.Join(t.TempDir(), "nope")})
	assert.Error(t, err)
}

func TestBlobSourceStagesObjects(t *testing.T) {
	bucketDir := t.TempDir()
	stageDir := t.TempDir()
	writeFile(t, filepath.Join(bucketDir, "ratings", "day1.csv"), "2,5,2020-01-01\n")
	writeFile(t, filepath.Join(bucketDir, "ratings", "day2.csv"), "3,1,2020-01-02\n")
	writeFile(t, filepath.Join(bucketDir, "other", "x.csv"), "ignored\n")

	old := time.Now().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, os.Chtimes(filepath.Join(bucketDir, "ratings", "day1.csv"), old, old))

	bucket, err := fileblob.OpenBucket(bucketDir, nil)
	require.NoError(t, err)
	src := NewBlobSourceFromBucket(bucket, "ratings/", stageDir, nil)
	defer src.Close()

	ctx := context.Background()
	files, err := src.List(ctx)
	require.NoError(t, err)
	require.Len(t, files, 2)

	staged := filepath.Join(stageDir, "ratings", "day1.csv")
	assert.Equal(t, staged, files[0].Filename)
	data, err := os.ReadFile(staged)
	require.NoError(t, err)
	assert.Equal(t, "2,5,2020-01-01\n", string(data))

	info, err := os.Stat(staged)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(old), "staged file keeps the object time")
	assert.True(t, files[0].LastModified.Equal(old))

	// an unchanged object is not copied again
	require.NoError(t, os.WriteFile(staged, []byte("2,5,2020-01-01\n"), 0644))
	require.NoError(t, os.Chtimes(staged, old, old))
	files, err = src.List(ctx)
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestShardsListOnce(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		writeFile(t, filepath.Join(dir, name), name)
	}
	src, err := NewLocalSource(dir, nil)
	require.NoError(t, err)

	sel := Shards(context.Background(), src)
	seen := make(map[string]int)
	for p := 0; p < 3; p++ {
		files, err := sel(p, 3)
		require.NoError(t, err)
		for _, f := range files {
			seen[f.Filename]++
		}
	}
	assert.Len(t, seen, 6)
	for name, n := range seen {
		assert.Equal(t, 1, n, name)
	}
}
