package record

import (
	"errors"
	"fmt"
)

// ErrMalformedRecord matches every *MalformedError via errors.Is.
var ErrMalformedRecord = errors.New("malformed record")

// MalformedError reports a byte stream that does not decode under its
// format. It is fatal to the stream.
type MalformedError struct {
	Offset int64
	Format Format
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed record at offset %d (%s): %s", e.Offset, e.Format, e.Reason)
}

// Is reports whether target is ErrMalformedRecord.
func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformedRecord
}
