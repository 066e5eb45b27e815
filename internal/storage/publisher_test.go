package storage

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/fileblob"
)

func TestPublisherToBlobStore(t *testing.T) {
	bucketDir := t.TempDir()
	bucket, err := fileblob.OpenBucket(bucketDir, nil)
	require.NoError(t, err)
	store := NewBlobStore(bucket, "file", bucketDir)
	defer store.Close()

	local := filepath.Join(t.TempDir(), "summary_0")
	require.NoError(t, os.WriteFile(local, []byte("3,1\n"), 0644))

	ctx := context.Background()
	pub := NewPublisher(store, "out/", ProducerInfo{Name: "sortflow", Version: "test"})
	require.NoError(t, pub.Publish(ctx, local, "summary_0/summary_0"))
	assert.Equal(t, []string{"summary_0/summary_0"}, pub.Artifacts())

	r, err := bucket.NewReader(ctx, "out/summary_0/summary_0", nil)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	r.Close()
	require.NoError(t, err)
	assert.Equal(t, "3,1\n", string(data))

	keys, err := store.List(ctx, "out/")
	require.NoError(t, err)
	assert.Equal(t, []string{"out/summary_0/summary_0"}, keys, "temp objects are removed")

	require.NoError(t, pub.WriteManifest(ctx, "run-1"))
	r, err = bucket.NewReader(ctx, ManifestKey("out/", "run-1"), nil)
	require.NoError(t, err)
	defer r.Close()

	var m Manifest
	require.NoError(t, json.NewDecoder(r).Decode(&m))
	assert.Equal(t, "run-1", m.RunID)
	info := m.Artifacts["summary_0/summary_0"]
	assert.Equal(t, int64(4), info.ByteSize)
	assert.Contains(t, info.Checksum, "sha256:")
}

func TestPublishMissingFileFailsWithoutRetry(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	pub := NewPublisher(store, "", ProducerInfo{Name: "sortflow"})

	err = pub.Publish(context.Background(), filepath.Join(t.TempDir(), "missing"), "k")
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Empty(t, pub.Artifacts())
}

func TestWriteManifestWithoutArtifactsIsNoop(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir)
	require.NoError(t, err)
	pub := NewPublisher(store, "", ProducerInfo{Name: "sortflow"})
	require.NoError(t, pub.WriteManifest(context.Background(), "run"))

	keys, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}
