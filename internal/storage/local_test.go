package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLocalStoreAtomicOperations(t *testing.T) {
	tmpDir := t.TempDir()

	store, err := NewLocalStore(tmpDir)
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}

	ctx := context.Background()
	key := "sortflow/summary_0/summary_0.gz"
	payload := "fake artifact data for testing"

	tempKey, err := store.WriteTemp(ctx, key, strings.NewReader(payload))
	if err != nil {
		t.Fatalf("WriteTemp failed: %v", err)
	}

	if _, err := os.Stat(tempKey); os.IsNotExist(err) {
		t.Error("temp file should exist")
	}

	finalPath := filepath.Join(tmpDir, "sortflow", "summary_0", "summary_0.gz")
	if _, err := os.Stat(finalPath); !os.IsNotExist(err) {
		t.Error("final file should not exist before Finalize")
	}

	if err := store.Finalize(ctx, tempKey, key); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	if _, err := os.Stat(finalPath); os.IsNotExist(err) {
		t.Error("final file should exist after Finalize")
	}
	if _, err := os.Stat(tempKey); !os.IsNotExist(err) {
		t.Error("temp file should be removed after Finalize")
	}

	data, err := os.ReadFile(finalPath)
	if err != nil {
		t.Fatalf("failed to read final file: %v", err)
	}
	if string(data) != payload {
		t.Error("artifact data mismatch")
	}
}

func TestLocalStoreAbort(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}

	ctx := context.Background()
	tempKey, err := store.WriteTemp(ctx, "a/b", strings.NewReader("test data"))
	if err != nil {
		t.Fatalf("WriteTemp failed: %v", err)
	}

	if err := store.Abort(ctx, []string{tempKey}); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if _, err := os.Stat(tempKey); !os.IsNotExist(err) {
		t.Error("temp file should be removed after Abort")
	}
	if ok, _ := store.Exists(ctx, "a/b"); ok {
		t.Error("aborted artifact should not exist")
	}
}

func TestLocalStoreHeadAndList(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}

	ctx := context.Background()
	key := "sortflow/ratings_1/ratings_1"
	testData := "test data for head test"

	tempKey, err := store.WriteTemp(ctx, key, strings.NewReader(testData))
	if err != nil {
		t.Fatalf("WriteTemp failed: %v", err)
	}
	// an unfinished temp file must not show up in List
	if _, err := store.WriteTemp(ctx, "sortflow/pending", strings.NewReader("x")); err != nil {
		t.Fatalf("WriteTemp failed: %v", err)
	}
	if err := store.Finalize(ctx, tempKey, key); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	info, err := store.Head(ctx, key)
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if info.Size != int64(len(testData)) {
		t.Errorf("Head size = %d, want %d", info.Size, len(testData))
	}

	keys, err := store.List(ctx, "sortflow/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 1 || keys[0] != key {
		t.Errorf("List = %v, want [%s]", keys, key)
	}

	if uri := store.URI(key); !strings.HasPrefix(uri, "file://") {
		t.Errorf("URI = %s, want file:// scheme", uri)
	}
}

func TestNewArtifactStoreValidation(t *testing.T) {
	tests := []Config{
		{Backend: "local"},
		{Backend: "gcs"},
		{Backend: "s3"},
		{Backend: "ftp"},
	}
	for _, cfg := range tests {
		if _, err := NewArtifactStore(cfg); err == nil {
			t.Errorf("NewArtifactStore(%+v) should fail", cfg)
		}
	}

	store, err := NewArtifactStore(Config{Backend: "local", LocalDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewArtifactStore failed: %v", err)
	}
	if store.Backend() != "local" {
		t.Errorf("Backend = %s", store.Backend())
	}
}

func TestS3URL(t *testing.T) {
	tests := []struct {
		endpoint, region, want string
	}{
		{"", "", "s3://data"},
		{"", "us-east-1", "s3://data?region=us-east-1"},
		{"https://minio:9000", "us-east-1", "s3://data?endpoint=https%3A%2F%2Fminio%3A9000&region=us-east-1&s3ForcePathStyle=true"},
	}
	for _, tt := range tests {
		if got := S3URL("data", tt.endpoint, tt.region); got != tt.want {
			t.Errorf("S3URL(%q, %q) = %s, want %s", tt.endpoint, tt.region, got, tt.want)
		}
	}
}
