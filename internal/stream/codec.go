package stream

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec is a streaming block compressor applied beneath record decoding.
type Codec uint8

const (
	CodecNone Codec = iota
	CodecZstd
	CodecGzip
	CodecLZ4
	CodecS2
)

var codecExt = map[Codec]string{
	CodecZstd: ".zst",
	CodecGzip: ".gz",
	CodecLZ4:  ".lz4",
	CodecS2:   ".s2",
}

// CodecFor picks the codec from a filename extension.
func CodecFor(name string) Codec {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".zst", ".zstd":
		return CodecZstd
	case ".gz":
		return CodecGzip
	case ".lz4":
		return CodecLZ4
	case ".s2":
		return CodecS2
	default:
		return CodecNone
	}
}

// Ext returns the canonical extension, or "" for CodecNone.
func (c Codec) Ext() string { return codecExt[c] }

func (c Codec) String() string {
	switch c {
	case CodecZstd:
		return "zstd"
	case CodecGzip:
		return "gzip"
	case CodecLZ4:
		return "lz4"
	case CodecS2:
		return "s2"
	default:
		return "none"
	}
}

// SplitExt splits name into a stem and its codec extension.
func SplitExt(name string) (stem, ext string) {
	if CodecFor(name) == CodecNone {
		return name, ""
	}
	ext = filepath.Ext(name)
	return strings.TrimSuffix(name, ext), ext
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// compressWriter wraps w. Closing the result flushes the codec but does not
// close w.
func compressWriter(w io.Writer, c Codec) (io.WriteCloser, error) {
	switch c {
	case CodecNone:
		return nopWriteCloser{w}, nil
	case CodecZstd:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		return enc, nil
	case CodecGzip:
		gw, err := gzip.NewWriterLevel(w, gzip.DefaultCompression)
		if err != nil {
			return nil, fmt.Errorf("create gzip writer: %w", err)
		}
		return gw, nil
	case CodecLZ4:
		return lz4.NewWriter(w), nil
	case CodecS2:
		return s2.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("unknown codec %d", c)
	}
}

// decompressReader wraps r. Closing the result releases codec state but does
// not close r.
func decompressReader(r io.Reader, c Codec) (io.ReadCloser, error) {
	switch c {
	case CodecNone:
		return io.NopCloser(r), nil
	case CodecZstd:
		dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("create zstd decoder: %w", err)
		}
		return dec.IOReadCloser(), nil
	case CodecGzip:
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("create gzip reader: %w", err)
		}
		return gr, nil
	case CodecLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case CodecS2:
		return io.NopCloser(s2.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("unknown codec %d", c)
	}
}
