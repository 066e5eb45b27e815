// Package record defines the record view, the on-disk record formats and the
// compare/partition/reduce contracts used by the stream engine.
package record

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/spaolacci/murmur3"

	"github.com/withObsrvr/obsrvr-sortflow/internal/buffer"
)

var (
	// ErrPartitionIndexOutOfRange is returned when a partition function
	// routes a record outside [0, n).
	ErrPartitionIndexOutOfRange = errors.New("partition index out of range")

	// ErrInvalidRecord is returned when a record cannot be encoded in the
	// requested format.
	ErrInvalidRecord = errors.New("record cannot be encoded")
)

// Record is a view of bytes owned by a buffer or an I/O block. It is valid
// until the cursor that produced it advances.
type Record struct {
	Data []byte
	Tag  int32
}

// Len returns the record length.
func (r Record) Len() int { return len(r.Data) }

// String returns the record bytes as a string.
func (r Record) String() string { return string(r.Data) }

// CompareFunc orders two records. It returns a negative number when a sorts
// before b, zero when they are equal and a positive number otherwise.
type CompareFunc func(a, b Record) int

// PartitionFunc routes a record to one of n partitions. It must be a pure
// function of the record bytes and n.
type PartitionFunc func(r Record, n int) int

// ReduceFunc collapses a run of records that compare equal. It sets out and
// returns true to emit one record, or returns false to emit nothing. out may
// point into group or into scratch.
type ReduceFunc func(out *Record, group []Record, scratch *buffer.Buffer) bool

// CompareBytes orders records by their raw bytes.
func CompareBytes(a, b Record) int {
	return bytes.Compare(a.Data, b.Data)
}

// KeepFirst emits the first record of every group.
func KeepFirst(out *Record, group []Record, _ *buffer.Buffer) bool {
	*out = group[0]
	return true
}

// HashPartition routes a record by the murmur3 hash of its bytes.
func HashPartition(r Record, n int) int {
	return int(murmur3.Sum64(r.Data) % uint64(n))
}

// CheckPartition validates a partition index returned for n partitions.
func CheckPartition(idx, n int) error {
	if idx < 0 || idx >= n {
		return fmt.Errorf("index %d for %d partitions: %w", idx, n, ErrPartitionIndexOutOfRange)
	}
	return nil
}
