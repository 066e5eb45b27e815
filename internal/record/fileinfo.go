package record

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// FileInfo describes an input file. Hash is derived from the filename and is
// used to assign files to partitions.
type FileInfo struct {
	Filename     string
	Size         int64
	LastModified time.Time
	Hash         uint64
	Tag          int32
}

// NewFileInfo builds a FileInfo from known metadata.
func NewFileInfo(name string, size int64, modTime time.Time) FileInfo {
	return FileInfo{
		Filename:     name,
		Size:         size,
		LastModified: modTime,
		Hash:         xxhash.Sum64String(name),
	}
}

// StatFile returns the FileInfo of a regular file.
func StatFile(name string) (FileInfo, error) {
	st, err := os.Stat(name)
	if err != nil {
		return FileInfo{}, err
	}
	if !st.Mode().IsRegular() {
		return FileInfo{}, fmt.Errorf("%s is not a regular file", name)
	}
	return NewFileInfo(name, st.Size(), st.ModTime()), nil
}

// ListFiles walks dir recursively and returns every regular file accepted by
// valid (nil accepts all). Entries whose name starts with a dot are skipped.
// The result is sorted by filename.
func ListFiles(dir string, valid func(name string) bool) ([]FileInfo, error) {
	var files []FileInfo
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if valid != nil && !valid(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, NewFileInfo(path, info.Size(), info.ModTime()))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Filename < files[j].Filename })
	return files, nil
}

// SelectShard returns the files owned by partition out of n.
func SelectShard(files []FileInfo, partition, n int) []FileInfo {
	if n <= 1 {
		return files
	}
	var out []FileInfo
	for _, f := range files {
		if f.Hash%uint64(n) == uint64(partition) {
			out = append(out, f)
		}
	}
	return out
}

// Filenames returns the names of files.
func Filenames(files []FileInfo) []string {
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.Filename
	}
	return names
}

// Newest returns the latest modification time among files.
func Newest(files []FileInfo) time.Time {
	var t time.Time
	for _, f := range files {
		if f.LastModified.After(t) {
			t = f.LastModified
		}
	}
	return t
}
