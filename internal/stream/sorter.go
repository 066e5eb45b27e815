package stream

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"sync"
	"unsafe"

	"github.com/withObsrvr/obsrvr-sortflow/internal/arena"
	"github.com/withObsrvr/obsrvr-sortflow/internal/record"
)

const (
	// MinSortRAM is the smallest in-memory budget a sorter accepts.
	MinSortRAM = 64 * 1024

	recordOverhead = int(unsafe.Sizeof(record.Record{}))
	maxBlockSize   = 1 << 20
)

// SortOptions configures an external sort.
type SortOptions struct {
	Compare record.CompareFunc
	// Reduce runs once per maximal equal-key run of the final order.
	Reduce record.ReduceFunc
	// IntermediateReduce runs per spilled batch before it is written.
	IntermediateReduce record.ReduceFunc
	// RAM is the in-memory budget in bytes, including per-record overhead.
	RAM int
	// TempDir holds run files. It must exist and be private to the sorter.
	TempDir string
	// UncompressedRuns writes run files without zstd.
	UncompressedRuns bool
	// UseExtraGoroutine sorts and spills full batches on a dedicated
	// goroutine while the caller keeps adding records.
	UseExtraGoroutine bool
}

// batch is an arena of record bytes plus their headers.
type batch struct {
	arena *arena.Arena
	recs  []record.Record
	used  int
}

func newBatch(budget int) *batch {
	return &batch{arena: arena.New(min(budget, maxBlockSize))}
}

func (b *batch) reset() {
	b.arena.Clear()
	b.recs = b.recs[:0]
	b.used = 0
}

// sorter accumulates records, spilling sorted runs when the budget is hit.
type sorter struct {
	opts   SortOptions
	budget int
	cur    *batch
	runs   []string
	spills int

	// set when UseExtraGoroutine is on
	full    chan *batch
	free    chan *batch
	wg      sync.WaitGroup
	mu      sync.Mutex
	err     error
	stopped bool
}

func newSorter(opts SortOptions) (*sorter, error) {
	if opts.Compare == nil {
		return nil, errors.New("sort requires a compare function")
	}
	if opts.TempDir == "" {
		return nil, errors.New("sort requires a temp directory")
	}
	s := &sorter{opts: opts, budget: max(opts.RAM, MinSortRAM)}
	if opts.UseExtraGoroutine {
		// two batches share the budget; one fills while the other spills
		s.budget = max(s.budget/2, MinSortRAM)
		s.full = make(chan *batch, 1)
		s.free = make(chan *batch, 1)
		s.free <- newBatch(s.budget)
		s.wg.Add(1)
		go s.spillLoop()
	}
	s.cur = newBatch(s.budget)
	return s, nil
}

func (s *sorter) spillLoop() {
	defer s.wg.Done()
	for b := range s.full {
		if s.failed() == nil {
			if err := s.spill(b); err != nil {
				s.setErr(err)
			}
		}
		b.reset()
		s.free <- b
	}
}

func (s *sorter) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *sorter) failed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Add copies rec into the current batch.
func (s *sorter) Add(rec record.Record) error {
	need := len(rec.Data) + recordOverhead
	if len(s.cur.recs) > 0 && s.cur.used+need > s.budget {
		if err := s.flush(); err != nil {
			return err
		}
	}
	data, err := s.cur.arena.Dup(rec.Data)
	if err != nil {
		return err
	}
	s.cur.recs = append(s.cur.recs, record.Record{Data: data, Tag: rec.Tag})
	s.cur.used += need
	return nil
}

// flush hands the current batch to the spiller.
func (s *sorter) flush() error {
	if s.full == nil {
		err := s.spill(s.cur)
		s.cur.reset()
		return err
	}
	if err := s.failed(); err != nil {
		return err
	}
	s.full <- s.cur
	s.cur = <-s.free
	return nil
}

func (s *sorter) sortBatch(b *batch) {
	slices.SortStableFunc(b.recs, s.opts.Compare)
}

// spill sorts b and writes it as the next run file.
func (s *sorter) spill(b *batch) error {
	s.sortBatch(b)

	ext := ".run"
	if !s.opts.UncompressedRuns {
		ext += CodecZstd.Ext()
	}
	name := filepath.Join(s.opts.TempDir, fmt.Sprintf("run-%06d%s", len(s.runs), ext))
	f, err := createAtomic(name, record.LengthPrefixed())
	if err != nil {
		return err
	}

	var src source = &sliceSource{recs: b.recs}
	if s.opts.IntermediateReduce != nil {
		src = newReduceSource(src, s.opts.Compare, s.opts.IntermediateReduce)
	}
	if err := drain(src, f.Write); err != nil {
		f.Abort()
		return err
	}
	if err := f.Commit(); err != nil {
		return err
	}
	s.runs = append(s.runs, name)
	s.spills++
	return nil
}

// finish stops accepting records and returns the sorted, reduced stream.
func (s *sorter) finish() (source, error) {
	s.stop()
	if err := s.failed(); err != nil {
		return nil, err
	}

	var src source
	if len(s.runs) == 0 {
		s.sortBatch(s.cur)
		src = &sliceSource{recs: s.cur.recs}
		if s.opts.Reduce == nil && s.opts.IntermediateReduce != nil {
			src = newReduceSource(src, s.opts.Compare, s.opts.IntermediateReduce)
		}
	} else {
		if len(s.cur.recs) > 0 {
			if err := s.spill(s.cur); err != nil {
				return nil, err
			}
			s.cur.reset()
		}
		runs := make([]source, len(s.runs))
		for i, name := range s.runs {
			runs[i] = newFileSource([]string{name}, record.LengthPrefixed(), 0)
		}
		merged, err := newMergeSource(runs, s.opts.Compare)
		if err != nil {
			return nil, err
		}
		src = merged
	}

	if s.opts.Reduce != nil {
		src = newReduceSource(src, s.opts.Compare, s.opts.Reduce)
	}
	return src, nil
}

// stop waits for the spill goroutine, if any, to drain.
func (s *sorter) stop() {
	if s.full == nil || s.stopped {
		return
	}
	s.stopped = true
	close(s.full)
	s.wg.Wait()
}

// drain writes every record of src through write and closes src.
func drain(src source, write func([]byte) error) error {
	for {
		rec, err := src.Next()
		if err != nil {
			closeErr := src.Close()
			if errors.Is(err, io.EOF) {
				return closeErr
			}
			return err
		}
		if err := write(rec.Data); err != nil {
			src.Close()
			return err
		}
	}
}
