package stream

import "fmt"

// IOError is an I/O failure on a run, spill, input or destination file. It
// is fatal to the stream that raised it.
type IOError struct {
	Op       string
	Filename string
	Err      error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Filename, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func ioErr(op, name string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Op: op, Filename: name, Err: err}
}
