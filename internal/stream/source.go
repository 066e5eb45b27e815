package stream

import (
	"container/heap"
	"errors"
	"fmt"
	"io"

	"github.com/withObsrvr/obsrvr-sortflow/internal/arena"
	"github.com/withObsrvr/obsrvr-sortflow/internal/buffer"
	"github.com/withObsrvr/obsrvr-sortflow/internal/record"
)

// source yields records until io.EOF. A record is valid until the next call
// to Next on the same source.
type source interface {
	Next() (record.Record, error)
	Close() error
}

// fileSource reads a list of files as one logical stream.
type fileSource struct {
	files   []string
	format  record.Format
	bufSize int
	idx     int
	h       *readHandle
	r       *record.Reader
}

func newFileSource(files []string, format record.Format, bufSize int) *fileSource {
	if bufSize <= 0 {
		bufSize = record.DefaultReadSize
	}
	return &fileSource{files: files, format: format, bufSize: bufSize}
}

func (s *fileSource) Next() (record.Record, error) {
	for {
		if s.r == nil {
			if s.idx >= len(s.files) {
				return record.Record{}, io.EOF
			}
			h, err := openRead(s.files[s.idx])
			if err != nil {
				return record.Record{}, err
			}
			s.h = h
			s.r = record.NewReaderSize(h, s.format, s.bufSize)
		}

		rec, err := s.r.Next()
		if err == nil {
			return rec, nil
		}
		name := s.files[s.idx]
		if !errors.Is(err, io.EOF) {
			if errors.Is(err, record.ErrMalformedRecord) {
				return record.Record{}, fmt.Errorf("%s: %w", name, err)
			}
			return record.Record{}, ioErr("read", name, fmt.Errorf("at offset %d: %w", s.r.Offset(), err))
		}
		if err := s.closeCurrent(); err != nil {
			return record.Record{}, err
		}
		s.idx++
	}
}

func (s *fileSource) closeCurrent() error {
	if s.h == nil {
		return nil
	}
	err := s.h.Close()
	s.h, s.r = nil, nil
	return ioErr("close", s.files[s.idx], err)
}

func (s *fileSource) Close() error {
	if s.idx >= len(s.files) {
		return nil
	}
	return s.closeCurrent()
}

// sliceSource yields records held in memory.
type sliceSource struct {
	recs []record.Record
	i    int
}

func (s *sliceSource) Next() (record.Record, error) {
	if s.i >= len(s.recs) {
		return record.Record{}, io.EOF
	}
	rec := s.recs[s.i]
	s.i++
	return rec, nil
}

func (s *sliceSource) Close() error { return nil }

// limitSource stops after n records.
type limitSource struct {
	src source
	n   int64
}

func (s *limitSource) Next() (record.Record, error) {
	if s.n <= 0 {
		return record.Record{}, io.EOF
	}
	rec, err := s.src.Next()
	if err == nil {
		s.n--
	}
	return rec, err
}

func (s *limitSource) Close() error { return s.src.Close() }

// mergeCursor is the head of one sorted run.
type mergeCursor struct {
	src source
	rec record.Record
	run int
}

type mergeHeap struct {
	items []*mergeCursor
	cmp   record.CompareFunc
}

func (h *mergeHeap) Len() int { return len(h.items) }

func (h *mergeHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if c := h.cmp(a.rec, b.rec); c != 0 {
		return c < 0
	}
	// earlier runs hold earlier arrivals
	return a.run < b.run
}

func (h *mergeHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *mergeHeap) Push(x any) { h.items = append(h.items, x.(*mergeCursor)) }

func (h *mergeHeap) Pop() any {
	n := len(h.items)
	item := h.items[n-1]
	h.items = h.items[:n-1]
	return item
}

// mergeSource k-way merges sorted sources, least key first.
type mergeSource struct {
	h       *mergeHeap
	all     []source
	advance bool
}

func newMergeSource(srcs []source, cmp record.CompareFunc) (*mergeSource, error) {
	m := &mergeSource{h: &mergeHeap{cmp: cmp}, all: srcs}
	for i, src := range srcs {
		rec, err := src.Next()
		if errors.Is(err, io.EOF) {
			continue
		}
		if err != nil {
			m.Close()
			return nil, err
		}
		m.h.items = append(m.h.items, &mergeCursor{src: src, rec: rec, run: i})
	}
	heap.Init(m.h)
	return m, nil
}

func (m *mergeSource) Next() (record.Record, error) {
	if m.advance && m.h.Len() > 0 {
		top := m.h.items[0]
		rec, err := top.src.Next()
		switch {
		case err == nil:
			top.rec = rec
			heap.Fix(m.h, 0)
		case errors.Is(err, io.EOF):
			heap.Pop(m.h)
		default:
			return record.Record{}, err
		}
	}
	if m.h.Len() == 0 {
		m.advance = false
		return record.Record{}, io.EOF
	}
	m.advance = true
	return m.h.items[0].rec, nil
}

func (m *mergeSource) Close() error {
	var errs []error
	for _, src := range m.all {
		errs = append(errs, src.Close())
	}
	return errors.Join(errs...)
}

// grouper pulls maximal runs of equal records from a sorted source. Group
// records are copied into an arena that is cleared on the next call.
type grouper struct {
	src     source
	arena   *arena.Arena
	group   []record.Record
	peek    record.Record
	peekBuf []byte
	hasPeek bool
	eof     bool
}

func newGrouper(src source) *grouper {
	return &grouper{src: src, arena: arena.New(64 * 1024)}
}

// next returns a single record, honouring a pending lookahead.
func (g *grouper) next() (record.Record, error) {
	if g.hasPeek {
		g.hasPeek = false
		return g.peek, nil
	}
	if g.eof {
		return record.Record{}, io.EOF
	}
	return g.src.Next()
}

func (g *grouper) setPeek(rec record.Record) {
	g.peekBuf = append(g.peekBuf[:0], rec.Data...)
	g.peek = record.Record{Data: g.peekBuf, Tag: rec.Tag}
	g.hasPeek = true
}

func (g *grouper) dup(rec record.Record) (record.Record, error) {
	data, err := g.arena.Dup(rec.Data)
	if err != nil {
		return record.Record{}, err
	}
	return record.Record{Data: data, Tag: rec.Tag}, nil
}

func (g *grouper) nextGroup(cmp record.CompareFunc) ([]record.Record, error) {
	g.arena.Clear()
	g.group = g.group[:0]

	rec, err := g.next()
	if err != nil {
		return nil, err
	}
	first, err := g.dup(rec)
	if err != nil {
		return nil, err
	}
	g.group = append(g.group, first)

	for {
		rec, err := g.src.Next()
		if errors.Is(err, io.EOF) {
			g.eof = true
			break
		}
		if err != nil {
			return nil, err
		}
		if cmp(first, rec) != 0 {
			g.setPeek(rec)
			break
		}
		dup, err := g.dup(rec)
		if err != nil {
			return nil, err
		}
		g.group = append(g.group, dup)
	}
	return g.group, nil
}

// reduceSource applies a reducer once per maximal equal-key run.
type reduceSource struct {
	g       *grouper
	cmp     record.CompareFunc
	reduce  record.ReduceFunc
	scratch *buffer.Buffer
}

func newReduceSource(src source, cmp record.CompareFunc, reduce record.ReduceFunc) *reduceSource {
	return &reduceSource{
		g:       newGrouper(src),
		cmp:     cmp,
		reduce:  reduce,
		scratch: buffer.New(256),
	}
}

func (s *reduceSource) Next() (record.Record, error) {
	for {
		group, err := s.g.nextGroup(s.cmp)
		if err != nil {
			return record.Record{}, err
		}
		s.scratch.Clear()
		var out record.Record
		if s.reduce(&out, group, s.scratch) {
			return out, nil
		}
	}
}

func (s *reduceSource) Close() error { return s.g.src.Close() }
