package stream

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"unicode/utf8"

	"github.com/withObsrvr/obsrvr-sortflow/internal/record"
)

// DumpFunc renders one record for Dump. The default prints printable text
// as-is and quotes everything else.
type DumpFunc func(w io.Writer, rec record.Record) error

// DefaultDump writes rec on one line.
func DefaultDump(w io.Writer, rec record.Record) error {
	if printable(rec.Data) {
		_, err := fmt.Fprintf(w, "%s\n", rec.Data)
		return err
	}
	_, err := fmt.Fprintf(w, "%s\n", strconv.Quote(string(rec.Data)))
	return err
}

func printable(p []byte) bool {
	if !utf8.Valid(p) {
		return false
	}
	for _, r := range string(p) {
		if r < 0x20 && r != '\t' {
			return false
		}
	}
	return true
}

// Dump writes every record of name in human-readable form. limit of zero
// dumps the whole file.
func Dump(w io.Writer, name string, format record.Format, fn DumpFunc, limit int64) error {
	if fn == nil {
		fn = DefaultDump
	}
	in, err := OpenInput([]string{name}, InputOptions{Format: format, Limit: limit})
	if err != nil {
		return err
	}
	defer in.Close()

	if _, err := fmt.Fprintf(w, "==> %s (%s, %s)\n", name, format, CodecFor(name)); err != nil {
		return err
	}
	for {
		rec, err := in.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(w, rec); err != nil {
			return err
		}
	}
}
