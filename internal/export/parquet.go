// Package export writes finished outputs as parquet tables.
package export

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"
)

// Config configures parquet output generation.
type Config struct {
	Compression string // "snappy" | "zstd" | "gzip" | "none"
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Compression: "zstd"}
}

// Result describes a written table.
type Result struct {
	Path     string
	Rows     int64
	ByteSize int64
	Checksum string
}

func codec(name string) (parquet.WriterOption, error) {
	switch name {
	case "", "zstd":
		return parquet.Compression(&parquet.Zstd), nil
	case "snappy":
		return parquet.Compression(&parquet.Snappy), nil
	case "gzip":
		return parquet.Compression(&parquet.Gzip), nil
	case "none":
		return parquet.Compression(&parquet.Uncompressed), nil
	default:
		return nil, fmt.Errorf("unknown parquet compression: %s", name)
	}
}

// WriteFile writes rows to path as one parquet file. The file appears
// atomically.
func WriteFile[T any](path string, rows []T, cfg Config) (*Result, error) {
	opt, err := codec(cfg.Compression)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	counter := &countingWriter{}
	w := parquet.NewGenericWriter[T](io.MultiWriter(tmp, h, counter), opt)
	if _, err := w.Write(rows); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write rows: %w", err)
	}
	if err := w.Close(); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return nil, fmt.Errorf("rename %s: %w", path, err)
	}

	return &Result{
		Path:     path,
		Rows:     int64(len(rows)),
		ByteSize: counter.n,
		Checksum: "sha256:" + hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// ReadFile reads every row of a parquet file.
func ReadFile[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := parquet.NewGenericReader[T](f)
	defer r.Close()

	rows := make([]T, r.NumRows())
	n, err := r.Read(rows)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return rows[:n], nil
}

type countingWriter struct{ n int64 }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}
