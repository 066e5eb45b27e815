package stream

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"

	"github.com/withObsrvr/obsrvr-sortflow/internal/record"
)

// readHandle is an open input file, decompressed when its extension names a
// codec. Uncompressed files are memory-mapped.
type readHandle struct {
	f  *os.File
	m  mmap.MMap
	rc io.ReadCloser
}

func openRead(name string) (*readHandle, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, ioErr("open", name, err)
	}
	h := &readHandle{f: f}

	codec := CodecFor(name)
	if codec == CodecNone {
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, ioErr("stat", name, err)
		}
		if st.Size() == 0 {
			h.rc = io.NopCloser(bytes.NewReader(nil))
			return h, nil
		}
		m, err := mmap.Map(f, mmap.RDONLY, 0)
		if err != nil {
			// fall back to plain reads, e.g. on filesystems without mmap
			h.rc = io.NopCloser(f)
			return h, nil
		}
		h.m = m
		h.rc = io.NopCloser(bytes.NewReader(m))
		return h, nil
	}

	rc, err := decompressReader(f, codec)
	if err != nil {
		f.Close()
		return nil, ioErr("open", name, err)
	}
	h.rc = rc
	return h, nil
}

func (h *readHandle) Read(p []byte) (int, error) { return h.rc.Read(p) }

func (h *readHandle) Close() error {
	err := h.rc.Close()
	if h.m != nil {
		err = errors.Join(err, h.m.Unmap())
	}
	return errors.Join(err, h.f.Close())
}

// atomicFile writes records to a temp file next to its final name and
// renames it into place on Commit, so readers never observe a partial file.
type atomicFile struct {
	final string
	tmp   string
	f     *os.File
	cw    io.WriteCloser
	w     *record.Writer
	done  bool
}

func createAtomic(name string, format record.Format) (*atomicFile, error) {
	dir := filepath.Dir(name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, ioErr("mkdir", dir, err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(name)+".tmp-*")
	if err != nil {
		return nil, ioErr("create", name, err)
	}
	cw, err := compressWriter(f, CodecFor(name))
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, ioErr("create", name, err)
	}
	return &atomicFile{
		final: name,
		tmp:   f.Name(),
		f:     f,
		cw:    cw,
		w:     record.NewWriter(cw, format),
	}, nil
}

func (a *atomicFile) Write(p []byte) error {
	if err := a.w.Write(p); err != nil {
		if errors.Is(err, record.ErrInvalidRecord) {
			return fmt.Errorf("%s: %w", a.final, err)
		}
		return ioErr("write", a.final, err)
	}
	return nil
}

// Commit flushes, closes and publishes the file.
func (a *atomicFile) Commit() error {
	if a.done {
		return nil
	}
	a.done = true
	if err := a.w.Flush(); err != nil {
		a.discard()
		return ioErr("write", a.final, err)
	}
	if err := a.cw.Close(); err != nil {
		a.discard()
		return ioErr("write", a.final, err)
	}
	if err := a.f.Close(); err != nil {
		os.Remove(a.tmp)
		return ioErr("close", a.final, err)
	}
	if err := os.Rename(a.tmp, a.final); err != nil {
		os.Remove(a.tmp)
		return ioErr("rename", a.final, err)
	}
	return nil
}

// Abort discards the file.
func (a *atomicFile) Abort() {
	if a.done {
		return
	}
	a.done = true
	a.discard()
}

func (a *atomicFile) discard() {
	a.cw.Close()
	a.f.Close()
	os.Remove(a.tmp)
}
