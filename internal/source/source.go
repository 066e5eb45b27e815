// Package source lists the input files a pipeline reads, from a local
// directory or from a bucket whose objects are staged to local disk first.
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/withObsrvr/obsrvr-sortflow/internal/record"
)

// FileSource lists input files available on local disk.
type FileSource interface {
	List(ctx context.Context) ([]record.FileInfo, error)
	Close() error
}

type Config struct {
	// URL is a directory path or a bucket URL (file://, gs://, s3://).
	URL    string
	Prefix string
	// StageDir receives copies of remote objects.
	StageDir string
	// Valid filters file names. nil accepts all.
	Valid func(name string) bool
}

var ErrNoSource = errors.New("no source configured")

// New opens the source cfg describes.
func New(ctx context.Context, cfg Config) (FileSource, error) {
	switch {
	case cfg.URL == "":
		return nil, ErrNoSource
	case strings.Contains(cfg.URL, "://"):
		return NewBlobSource(ctx, cfg)
	default:
		return NewLocalSource(cfg.URL, cfg.Valid)
	}
}

// Shards returns a selection function that lists src once and gives each
// partition its share of the files.
func Shards(ctx context.Context, src FileSource) func(partition, n int) ([]record.FileInfo, error) {
	var (
		once  sync.Once
		files []record.FileInfo
		err   error
	)
	return func(partition, n int) ([]record.FileInfo, error) {
		once.Do(func() {
			files, err = src.List(ctx)
		})
		if err != nil {
			return nil, fmt.Errorf("list source: %w", err)
		}
		return record.SelectShard(files, partition, n), nil
	}
}
