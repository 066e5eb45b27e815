package stream

import (
	"errors"
	"io"
	"os"

	"github.com/withObsrvr/obsrvr-sortflow/internal/record"
)

// InputOptions configures an input cursor.
type InputOptions struct {
	Format     record.Format
	BufferSize int

	// Compare sorts the whole input before the first record is returned.
	// Reduce and IntermediateReduce then behave as for an Output.
	Compare            record.CompareFunc
	Reduce             record.ReduceFunc
	IntermediateReduce record.ReduceFunc
	RAM                int
	TempDir            string
	UncompressedRuns   bool

	// Merge declares every file already sorted by Compare. The files are
	// k-way merged instead of sorted again.
	Merge bool

	// Limit caps the number of records returned. Zero means no limit.
	Limit int64
}

// Input is a read cursor over a logical concatenation of files.
type Input struct {
	files  []string
	g      *grouper
	runDir string
	count  int64
	closed bool
}

// OpenInputFiles opens an input over file infos.
func OpenInputFiles(files []record.FileInfo, opts InputOptions) (*Input, error) {
	return OpenInput(record.Filenames(files), opts)
}

// OpenInput opens an input over files, read in order.
func OpenInput(files []string, opts InputOptions) (*Input, error) {
	in := &Input{files: files}

	var src source
	switch {
	case opts.Merge && opts.Compare != nil:
		merged, err := mergeFiles(files, opts)
		if err != nil {
			return nil, err
		}
		src = merged
	case opts.Compare != nil:
		src = newFileSource(files, opts.Format, opts.BufferSize)
		sorted, err := in.sortAll(src, opts)
		if err != nil {
			return nil, err
		}
		src = sorted
	default:
		src = newFileSource(files, opts.Format, opts.BufferSize)
	}
	if opts.Limit > 0 {
		src = &limitSource{src: src, n: opts.Limit}
	}
	in.g = newGrouper(src)
	return in, nil
}

func mergeFiles(files []string, opts InputOptions) (source, error) {
	srcs := make([]source, len(files))
	for i, name := range files {
		srcs[i] = newFileSource([]string{name}, opts.Format, opts.BufferSize)
	}
	merged, err := newMergeSource(srcs, opts.Compare)
	if err != nil {
		return nil, err
	}
	var src source = merged
	if opts.Reduce != nil {
		src = newReduceSource(src, opts.Compare, opts.Reduce)
	}
	return src, nil
}

func (in *Input) sortAll(src source, opts InputOptions) (source, error) {
	runDir, err := os.MkdirTemp(opts.TempDir, "sortflow-input-*")
	if err != nil {
		src.Close()
		return nil, ioErr("mkdir", opts.TempDir, err)
	}
	in.runDir = runDir

	s, err := newSorter(SortOptions{
		Compare:            opts.Compare,
		Reduce:             opts.Reduce,
		IntermediateReduce: opts.IntermediateReduce,
		RAM:                opts.RAM,
		TempDir:            runDir,
		UncompressedRuns:   opts.UncompressedRuns,
	})
	if err != nil {
		src.Close()
		in.cleanup()
		return nil, err
	}
	if err := drain(src, func(p []byte) error { return s.Add(record.Record{Data: p}) }); err != nil {
		in.cleanup()
		return nil, err
	}
	sorted, err := s.finish()
	if err != nil {
		in.cleanup()
		return nil, err
	}
	return sorted, nil
}

// Files returns the files the input reads.
func (in *Input) Files() []string { return in.files }

// Count returns the number of records returned so far.
func (in *Input) Count() int64 { return in.count }

// Next returns the next record, or io.EOF at end of stream. The record is
// valid until the next call to Next or NextGroup.
func (in *Input) Next() (record.Record, error) {
	rec, err := in.g.next()
	if err == nil {
		in.count++
	}
	return rec, err
}

// NextGroup returns the next maximal run of records equal under cmp. The
// stream must already be sorted by cmp. Records are valid until the next
// call to Next or NextGroup.
func (in *Input) NextGroup(cmp record.CompareFunc) ([]record.Record, error) {
	group, err := in.g.nextGroup(cmp)
	if err == nil {
		in.count += int64(len(group))
	}
	return group, err
}

// Close releases the input and any run files it created.
func (in *Input) Close() error {
	if in.closed {
		return nil
	}
	in.closed = true
	err := in.g.src.Close()
	in.cleanup()
	return err
}

func (in *Input) cleanup() {
	if in.runDir != "" {
		os.RemoveAll(in.runDir)
		in.runDir = ""
	}
}

// ReadAll returns copies of every record in files. It is meant for tests and
// small files.
func ReadAll(files []string, format record.Format) ([]string, error) {
	in, err := OpenInput(files, InputOptions{Format: format})
	if err != nil {
		return nil, err
	}
	defer in.Close()

	var out []string
	for {
		rec, err := in.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, string(rec.Data))
	}
}
