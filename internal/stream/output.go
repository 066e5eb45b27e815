package stream

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/withObsrvr/obsrvr-sortflow/internal/record"
)

// OutputOptions configures an output cursor.
type OutputOptions struct {
	Format record.Format

	// Compare turns on sorting. Reduce, IntermediateReduce, RAM,
	// UncompressedRuns and UseExtraGoroutine only apply when it is set.
	Compare            record.CompareFunc
	Reduce             record.ReduceFunc
	IntermediateReduce record.ReduceFunc
	RAM                int
	UncompressedRuns   bool
	UseExtraGoroutine  bool

	// Partition with NumPartitions > 1 fans records out to one file per
	// partition, named by PartitionFilename.
	Partition     record.PartitionFunc
	NumPartitions int

	// TempDir is where the private run directory is created. Defaults to
	// the directory of the output.
	TempDir string
}

// Stats summarizes an output after Close.
type Stats struct {
	Written int64 // records accepted by Write
	Emitted int64 // records that reached a destination file
	Spills  int   // run files produced
}

// Output is a write cursor. Files become visible only when Close succeeds.
type Output struct {
	name   string
	opts   OutputOptions
	names  []string
	files  []*atomicFile
	sorter *sorter
	runDir string
	stats  Stats
	closed bool
}

// PartitionFilename returns the file for partition p of name:
// "<stem>.<p><ext>", keeping a codec extension last.
func PartitionFilename(name string, p int) string {
	stem, ext := SplitExt(name)
	return stem + "." + strconv.Itoa(p) + ext
}

// CreateOutput opens an output cursor writing to name.
func CreateOutput(name string, opts OutputOptions) (*Output, error) {
	o := &Output{name: name, opts: opts}

	if o.partitioned() {
		if opts.Partition == nil {
			return nil, fmt.Errorf("output %s: %d partitions without a partition function", name, opts.NumPartitions)
		}
		for p := 0; p < opts.NumPartitions; p++ {
			o.names = append(o.names, PartitionFilename(name, p))
		}
	} else {
		o.names = []string{name}
	}

	for _, n := range o.names {
		f, err := createAtomic(n, opts.Format)
		if err != nil {
			o.Abort()
			return nil, err
		}
		o.files = append(o.files, f)
	}

	if opts.Compare != nil {
		tempDir := opts.TempDir
		if tempDir == "" {
			tempDir = filepath.Dir(name)
		}
		runDir, err := os.MkdirTemp(tempDir, ".runs-*")
		if err != nil {
			o.Abort()
			return nil, ioErr("mkdir", tempDir, err)
		}
		o.runDir = runDir
		s, err := newSorter(SortOptions{
			Compare:            opts.Compare,
			Reduce:             opts.Reduce,
			IntermediateReduce: opts.IntermediateReduce,
			RAM:                opts.RAM,
			TempDir:            runDir,
			UncompressedRuns:   opts.UncompressedRuns,
			UseExtraGoroutine:  opts.UseExtraGoroutine,
		})
		if err != nil {
			o.Abort()
			return nil, err
		}
		o.sorter = s
	}
	return o, nil
}

func (o *Output) partitioned() bool {
	return o.opts.NumPartitions > 1
}

// Filenames returns the destination files, one per partition.
func (o *Output) Filenames() []string { return o.names }

// Stats returns counters for the output.
func (o *Output) Stats() Stats { return o.stats }

// Write accepts one record. p is copied or written before Write returns.
func (o *Output) Write(p []byte) error {
	return o.WriteRecord(record.Record{Data: p})
}

// WriteString accepts one record.
func (o *Output) WriteString(s string) error {
	return o.Write([]byte(s))
}

// WriteRecord accepts one record.
func (o *Output) WriteRecord(rec record.Record) error {
	if o.closed {
		return fmt.Errorf("write to closed output %s", o.name)
	}
	if err := o.opts.Format.Validate(rec.Data); err != nil {
		return fmt.Errorf("%s: %w", o.name, err)
	}
	o.stats.Written++
	if o.sorter != nil {
		return o.sorter.Add(rec)
	}
	return o.emit(rec)
}

func (o *Output) emit(rec record.Record) error {
	idx := 0
	if o.partitioned() {
		idx = o.opts.Partition(rec, o.opts.NumPartitions)
		if err := record.CheckPartition(idx, o.opts.NumPartitions); err != nil {
			return fmt.Errorf("%s: %w", o.name, err)
		}
	}
	if err := o.files[idx].Write(rec.Data); err != nil {
		return err
	}
	o.stats.Emitted++
	return nil
}

// Close finishes sorting and merging, then publishes every destination file.
// On error nothing is published.
func (o *Output) Close() error {
	if o.closed {
		return nil
	}

	if o.sorter != nil {
		src, err := o.sorter.finish()
		if err == nil {
			err = drain(src, func(p []byte) error { return o.emit(record.Record{Data: p}) })
		}
		o.stats.Spills = o.sorter.spills
		if err != nil {
			o.Abort()
			return err
		}
	}

	o.closed = true
	var errs []error
	for _, f := range o.files {
		if err := f.Commit(); err != nil {
			errs = append(errs, err)
		}
	}
	o.removeRuns()
	return errors.Join(errs...)
}

// Abort discards the output without publishing anything.
func (o *Output) Abort() {
	o.closed = true
	if o.sorter != nil {
		o.sorter.stop()
	}
	for _, f := range o.files {
		f.Abort()
	}
	o.removeRuns()
}

func (o *Output) removeRuns() {
	if o.runDir != "" {
		os.RemoveAll(o.runDir)
		o.runDir = ""
	}
}
