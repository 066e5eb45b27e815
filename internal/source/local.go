package source

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/withObsrvr/obsrvr-sortflow/internal/record"
)

// LocalSource reads files from the local filesystem.
type LocalSource struct {
	basePath string
	valid    func(name string) bool
}

// NewLocalSource creates a new local filesystem source.
func NewLocalSource(basePath string, valid func(name string) bool) (*LocalSource, error) {
	info, err := os.Stat(basePath)
	if err != nil {
		return nil, fmt.Errorf("invalid local path %s: %w", basePath, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("local path %s is not a directory", basePath)
	}
	return &LocalSource{basePath: basePath, valid: valid}, nil
}

// List walks the directory tree.
func (s *LocalSource) List(ctx context.Context) ([]record.FileInfo, error) {
	files, err := record.ListFiles(s.basePath, s.valid)
	if err != nil {
		return nil, err
	}
	log.Printf("[source:local] indexed %d files in %s", len(files), s.basePath)
	return files, nil
}

func (s *LocalSource) Close() error { return nil }
